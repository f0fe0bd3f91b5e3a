package geometry

import (
	"fmt"
	"math"

	"cortexlayers/internal/models"
)

// Resampler derives the grid of a reference volume resampled to a new voxel
// size. Only the lattice geometry is produced; the layering stages never
// read reference intensities.
type Resampler struct{}

// Resample implements the grid resampling collaborator
func (Resampler) Resample(g models.Grid, voxelSize [3]float64) (models.Grid, error) {
	return ResampleGrid(g, voxelSize)
}

// ResampleGrid returns a grid covering the same field of view as g with
// voxels of edge length voxelSize. The outer corner of the first voxel stays
// fixed in world space, so both grids span the same physical box up to
// rounding of the new dimensions.
func ResampleGrid(g models.Grid, voxelSize [3]float64) (models.Grid, error) {
	old := g.VoxelSize()

	var dims [3]int
	var scale [3]float64
	for c := 0; c < 3; c++ {
		if voxelSize[c] <= 0 || math.IsNaN(voxelSize[c]) {
			return models.Grid{}, fmt.Errorf("voxel size must be positive, got %v", voxelSize)
		}
		if old[c] == 0 {
			return models.Grid{}, fmt.Errorf("reference grid has zero voxel size on axis %d", c)
		}
		dims[c] = int(math.Round(float64(g.Dims[c]) * old[c] / voxelSize[c]))
		if dims[c] < 1 {
			dims[c] = 1
		}
		scale[c] = voxelSize[c] / old[c]
	}

	affine := g.Affine
	for r := 0; r < 3; r++ {
		shift := 0.0
		for c := 0; c < 3; c++ {
			affine[r][c] = g.Affine[r][c] * scale[c]
			// corner of voxel 0 sits at index -0.5 in both grids
			shift += 0.5*affine[r][c] - 0.5*g.Affine[r][c]
		}
		affine[r][3] = g.Affine[r][3] + shift
	}

	return models.NewGrid(dims, affine), nil
}
