// Package visualization renders orthogonal slices of volumes as JPEG
// previews.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"cortexlayers/internal/models"
)

// Viewer extracts grey scale slices from a volume. Intensities are mapped
// linearly from the volume's value range onto the full grey range, so
// binary masks and signed levelsets both render with full contrast.
type Viewer struct {
	volume *models.Volume
	lo, hi float64
}

// NewViewer creates a viewer windowed to the value range of v
func NewViewer(v *models.Volume) *Viewer {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, x := range v.Data {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	if len(v.Data) == 0 {
		lo, hi = 0, 0
	}
	return &Viewer{volume: v, lo: lo, hi: hi}
}

// Window returns the value range mapped to black and white
func (v *Viewer) Window() (lo, hi float64) { return v.lo, v.hi }

func (v *Viewer) grey(x float64) color.Gray16 {
	if v.hi <= v.lo {
		return color.Gray16{}
	}
	t := (x - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, t*65535)))}
}

// ExtractSlice extracts a 2D slice perpendicular to the given axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	g := v.volume.Grid
	w, h, d := g.Dims[0], g.Dims[1], g.Dims[2]

	var img *image.Gray16
	switch axis {
	case "x", "X":
		if position >= w {
			return nil, fmt.Errorf("position %d exceeds width %d", position, w)
		}
		img = image.NewGray16(image.Rect(0, 0, d, h))
		for y := 0; y < h; y++ {
			for z := 0; z < d; z++ {
				img.SetGray16(z, y, v.grey(v.volume.At(position, y, z)))
			}
		}
	case "y", "Y":
		if position >= h {
			return nil, fmt.Errorf("position %d exceeds height %d", position, h)
		}
		img = image.NewGray16(image.Rect(0, 0, w, d))
		for z := 0; z < d; z++ {
			for x := 0; x < w; x++ {
				img.SetGray16(x, z, v.grey(v.volume.At(x, position, z)))
			}
		}
	case "z", "Z":
		if position >= d {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, d)
		}
		img = image.NewGray16(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.SetGray16(x, y, v.grey(v.volume.At(x, y, position)))
			}
		}
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveMidSlices writes the central slice along each axis to
// <dir>/<prefix>_<axis>.jpg and returns the written paths
func (v *Viewer) SaveMidSlices(dir, prefix string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	dims := v.volume.Grid.Dims
	var paths []string
	for i, axis := range []string{"x", "y", "z"} {
		img, err := v.ExtractSlice(axis, dims[i]/2)
		if err != nil {
			return paths, err
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.jpg", prefix, axis))
		if err := SaveSlice(img, path); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
