// Package raster projects mapped surface vertices onto a voxel grid.
package raster

import (
	"cortexlayers/internal/models"
	"cortexlayers/pkg/geometry"
)

// Rasterize returns a line mask with value 1 at every index. Several
// vertices landing in the same voxel leave it at 1. The result is a sparse
// one-voxel-thick trace of the surface that may have gaps; no attempt is made
// to close them here.
//
// An index outside the grid fails the call and no mask is returned.
func Rasterize(indices []geometry.Index, g models.Grid) (*models.Volume, error) {
	for _, idx := range indices {
		if err := geometry.CheckIndex(idx, g.Dims); err != nil {
			return nil, err
		}
	}

	line := models.NewVolume(g)
	for _, idx := range indices {
		line.Data[g.Index(idx.X, idx.Y, idx.Z)] = 1
	}
	return line, nil
}
