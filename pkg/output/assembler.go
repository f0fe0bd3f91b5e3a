// Package output names and writes the artifacts of a layer reconstruction.
package output

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"cortexlayers/internal/models"
	"cortexlayers/pkg/freesurfer"
	"cortexlayers/pkg/nifti"
	"cortexlayers/pkg/visualization"
)

// Artifact file names
const (
	WhiteLineName      = "wm_line.nii"
	PialLineName       = "csf_line.nii"
	WhiteLabelName     = "wm_label.nii"
	PialLabelName      = "csf_label.nii"
	RibbonName         = "gm_label.nii"
	RimName            = "rim.nii"
	LayersName         = "layers.nii"
	BoundariesName     = "boundaries.nii"
	LayerPlusWhiteName = "layer_plus_white_debug.nii"

	previewDir = "previews"
)

// SurfaceName returns the file name of an upsampled surface, <hemi>.<kind>
// such as lh.white. Without a hemisphere the surface's own name is used.
func SurfaceName(hemi, kind string, s *models.Surface) string {
	switch {
	case hemi != "":
		return hemi + "." + kind
	case s.Name != "":
		return filepath.Base(s.Name)
	default:
		return kind
	}
}

// LayerDebugName returns the file name of cumulative mask i
func LayerDebugName(i int) string {
	return fmt.Sprintf("layer_%d_debug.nii", i)
}

// GridMismatchError reports an artifact whose grid differs from the
// reference grid
type GridMismatchError struct {
	Name string
	Want models.Grid
	Got  models.Grid
}

func (e *GridMismatchError) Error() string {
	return fmt.Sprintf("artifact %s has grid %s, reference grid is %s", e.Name, e.Got, e.Want)
}

// File is one artifact to be written. It holds either voxel frames on a
// grid or a surface mesh.
type File struct {
	Name     string
	Grid     models.Grid
	Frames   [][]float64
	Datatype nifti.Datatype

	Surface *models.Surface
}

// Mask wraps a binary or label volume
func Mask(name string, v *models.Volume) File {
	return File{Name: name, Grid: v.Grid, Frames: [][]float64{v.Data}, Datatype: nifti.Uint8}
}

// Labels wraps an integer valued volume such as the rim or the layer index
func Labels(name string, v *models.Volume) File {
	return File{Name: name, Grid: v.Grid, Frames: [][]float64{v.Data}, Datatype: nifti.Int16}
}

// Levelsets wraps a stack of signed distance fields
func Levelsets(name string, s *models.Stack) File {
	return File{Name: name, Grid: s.Grid, Frames: s.Frames, Datatype: nifti.Float32}
}

// Mesh wraps a surface written in FreeSurfer triangle format
func Mesh(name string, s *models.Surface) File {
	return File{Name: name, Surface: s}
}

// Assembler writes artifacts into one directory on a fixed reference grid
type Assembler struct {
	Dir       string
	Reference models.Grid
	Previews  bool

	written []string
}

// NewAssembler creates an assembler for dir
func NewAssembler(dir string, reference models.Grid, previews bool) *Assembler {
	return &Assembler{Dir: dir, Reference: reference, Previews: previews}
}

// Written returns the paths written so far, previews included
func (a *Assembler) Written() []string {
	return append([]string(nil), a.written...)
}

// Write checks every file against the reference grid and writes them all.
// Files are encoded under temporary names first and renamed only once all
// of them encoded, so a failed call leaves no partial artifact behind.
func (a *Assembler) Write(files ...File) error {
	for _, f := range files {
		if f.Surface != nil {
			continue
		}
		if !f.Grid.Equal(a.Reference) {
			return &GridMismatchError{Name: f.Name, Want: a.Reference, Got: f.Grid}
		}
		if len(f.Frames) == 0 {
			return fmt.Errorf("artifact %s has no frames", f.Name)
		}
	}

	if err := os.MkdirAll(a.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	staged := make([]string, 0, len(files))
	cleanup := func() {
		for _, tmp := range staged {
			os.Remove(tmp)
		}
	}
	for _, f := range files {
		tmp := filepath.Join(a.Dir, "."+f.Name+".tmp")
		staged = append(staged, tmp)
		if err := encode(tmp, f); err != nil {
			cleanup()
			return fmt.Errorf("failed to encode %s: %w", f.Name, err)
		}
	}

	for i, f := range files {
		path := filepath.Join(a.Dir, f.Name)
		if err := os.Rename(staged[i], path); err != nil {
			cleanup()
			return fmt.Errorf("failed to write %s: %w", f.Name, err)
		}
		a.written = append(a.written, path)
		log.WithFields(log.Fields{
			"file":   path,
			"frames": len(f.Frames),
		}).Debug("Wrote artifact")
	}

	if a.Previews {
		for _, f := range files {
			if f.Surface != nil {
				continue
			}
			if err := a.preview(f); err != nil {
				return fmt.Errorf("failed to write preview of %s: %w", f.Name, err)
			}
		}
	}
	return nil
}

func encode(path string, f File) error {
	if f.Surface != nil {
		return freesurfer.WriteSurface(path, f.Surface)
	}
	return nifti.Save(path, f.Grid, f.Frames, f.Datatype, strings.TrimSuffix(f.Name, ".nii"))
}

func (a *Assembler) preview(f File) error {
	base := strings.TrimSuffix(f.Name, ".nii")
	dir := filepath.Join(a.Dir, previewDir)
	for t, frame := range f.Frames {
		prefix := base
		if len(f.Frames) > 1 {
			prefix = fmt.Sprintf("%s_%d", base, t)
		}
		viewer := visualization.NewViewer(&models.Volume{Grid: f.Grid, Data: frame})
		paths, err := viewer.SaveMidSlices(dir, prefix)
		a.written = append(a.written, paths...)
		if err != nil {
			return err
		}
	}
	return nil
}
