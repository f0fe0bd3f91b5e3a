// Package morphology turns rasterized surface traces into solid tissue
// masks: slice-wise hole filling followed by selection of the dominant 3D
// connected component.
package morphology

import (
	"runtime"

	"cortexlayers/internal/models"
)

// FillHoles2D fills every background region of a width x height slice that
// is not 4-connected to the slice border. Non-zero input voxels are
// foreground. The input is not modified.
func FillHoles2D(slice []float64, width, height int) []float64 {
	filled := make([]float64, len(slice))
	if width == 0 || height == 0 {
		return filled
	}

	// Flood the background from the border; whatever is not reached is
	// either foreground or an enclosed hole
	outside := make([]bool, len(slice))
	queue := make([]int, 0, 2*(width+height))
	push := func(x, y int) {
		idx := y*width + x
		if slice[idx] == 0 && !outside[idx] {
			outside[idx] = true
			queue = append(queue, idx)
		}
	}

	for x := 0; x < width; x++ {
		push(x, 0)
		push(x, height-1)
	}
	for y := 0; y < height; y++ {
		push(0, y)
		push(width-1, y)
	}

	for len(queue) > 0 {
		idx := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		x, y := idx%width, idx/width
		if x > 0 {
			push(x-1, y)
		}
		if x < width-1 {
			push(x+1, y)
		}
		if y > 0 {
			push(x, y-1)
		}
		if y < height-1 {
			push(x, y+1)
		}
	}

	for i := range filled {
		if !outside[i] {
			filled[i] = 1
		}
	}
	return filled
}

// enclosedInterior returns the voxels added by hole filling a slice, i.e.
// the filled slice minus the slice's own boundary voxels
func enclosedInterior(slice []float64, width, height int) []float64 {
	interior := FillHoles2D(slice, width, height)
	for i, v := range slice {
		if v != 0 {
			interior[i] = 0
		}
	}
	return interior
}

// sliceResult carries the interior of one axial slice back to the collector
type sliceResult struct {
	z        int
	interior []float64
}

// FillInterior hole-fills every axial (constant z) slice of line and
// subtracts the line voxels. Slices are independent and processed in
// parallel by at most numCores goroutines; each returns its own slice which
// is copied into a fresh volume, so line is only ever read.
func FillInterior(line *models.Volume, numCores int) *models.Volume {
	if numCores < 1 {
		numCores = runtime.NumCPU()
	}

	width, height, depth := line.Grid.Dims[0], line.Grid.Dims[1], line.Grid.Dims[2]
	plane := width * height

	resultChan := make(chan sliceResult)
	tokens := make(chan struct{}, numCores)

	for z := 0; z < depth; z++ {
		go func(z int) {
			tokens <- struct{}{}
			defer func() { <-tokens }()

			src := line.Data[z*plane : (z+1)*plane]
			resultChan <- sliceResult{z: z, interior: enclosedInterior(src, width, height)}
		}(z)
	}

	out := models.NewVolume(line.Grid)
	for completed := 0; completed < depth; completed++ {
		res := <-resultChan
		copy(out.Data[res.z*plane:(res.z+1)*plane], res.interior)
	}
	return out
}
