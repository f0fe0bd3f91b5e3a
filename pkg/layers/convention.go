// Package layers turns the per-voxel layer index of the layer grower into
// nested cumulative masks and a stack of levelset boundaries.
package layers

import (
	"math"

	"cortexlayers/internal/models"
)

// Convention describes how raw layer grower output maps to layer inclusion.
//
// A raw value r is shifted to r+Offset. Cumulative mask i contains every
// ribbon voxel whose shifted value is at most i+1, so with the default
// Offset of 1 the voxels of raw layer k join from mask k onwards. Voxels
// carrying the Unclassified code were not reached by the grower and are
// kept in every mask.
type Convention struct {
	Offset       int `yaml:"offset"`
	Unclassified int `yaml:"unclassified"`
}

// DefaultConvention matches LN_GROW_LAYERS, which numbers layers from 1 and
// leaves voxels outside the rim at 0
func DefaultConvention() Convention {
	return Convention{Offset: 1, Unclassified: 0}
}

// Remap returns the shifted layer of a raw value. classified is false for
// the unclassified code.
func (c Convention) Remap(raw float64) (layer int, classified bool) {
	r := int(math.Round(raw))
	if r == c.Unclassified {
		return 0, false
	}
	return r + c.Offset, true
}

// Included reports whether a ribbon voxel with the given raw value belongs
// to cumulative mask i
func (c Convention) Included(raw float64, i int) bool {
	layer, classified := c.Remap(raw)
	return !classified || layer <= i+1
}

// RemapVolume returns the shifted layer volume with white matter set to 1
// and unclassified voxels set to 0. It is written out for debugging.
func RemapVolume(layerIdx, white *models.Volume, c Convention) *models.Volume {
	out := models.NewVolume(layerIdx.Grid)
	for i, raw := range layerIdx.Data {
		if layer, classified := c.Remap(raw); classified {
			out.Data[i] = float64(layer)
		}
		if white.Data[i] != 0 {
			out.Data[i] = 1
		}
	}
	return out
}
