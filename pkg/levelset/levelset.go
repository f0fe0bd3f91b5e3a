// Package levelset converts binary masks to signed distance fields.
package levelset

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"

	"cortexlayers/internal/models"
)

// ErrNoBoundary is returned for masks that are empty or fill the whole
// grid, since their levelset has no zero crossing
var ErrNoBoundary = errors.New("mask has no boundary")

// Transformer converts a binary mask into a signed distance field of the
// same shape. Values are negative inside the mask and positive outside.
type Transformer interface {
	Transform(mask *models.Volume) ([]float64, error)
}

// DistanceTransform is an in-process Transformer. Each voxel gets the
// Euclidean distance, in voxel units, to the nearest voxel across the mask
// boundary, shifted by half a voxel so the zero level sits on the faces
// between inside and outside voxels.
type DistanceTransform struct{}

// Transform implements Transformer
func (DistanceTransform) Transform(mask *models.Volume) ([]float64, error) {
	g := mask.Grid
	inner, outer := boundaryVoxels(mask)
	if len(inner) == 0 || len(outer) == 0 {
		return nil, ErrNoBoundary
	}

	innerTree := kdtree.New(inner, false)
	outerTree := kdtree.New(outer, false)

	phi := make([]float64, len(mask.Data))
	for i, v := range mask.Data {
		x, y, z := g.Coord(i)
		q := point{X: float64(x), Y: float64(y), Z: float64(z)}
		if v != 0 {
			_, d2 := outerTree.Nearest(q)
			phi[i] = -(math.Sqrt(d2) - 0.5)
		} else {
			_, d2 := innerTree.Nearest(q)
			phi[i] = math.Sqrt(d2) - 0.5
		}
	}
	return phi, nil
}

// boundaryVoxels returns the mask voxels with a background face neighbour
// and the background voxels with a mask face neighbour
func boundaryVoxels(mask *models.Volume) (inner, outer points) {
	g := mask.Grid
	offsets := [6][3]int{{-1, 0, 0}, {1, 0, 0}, {0, -1, 0}, {0, 1, 0}, {0, 0, -1}, {0, 0, 1}}

	for i, v := range mask.Data {
		x, y, z := g.Coord(i)
		inside := v != 0
		for _, o := range offsets {
			nx, ny, nz := x+o[0], y+o[1], z+o[2]
			if !g.Contains(nx, ny, nz) {
				continue
			}
			if (mask.Data[g.Index(nx, ny, nz)] != 0) != inside {
				p := point{X: float64(x), Y: float64(y), Z: float64(z)}
				if inside {
					inner = append(inner, p)
				} else {
					outer = append(outer, p)
				}
				break
			}
		}
	}
	return inner, outer
}
