// Package ribbon builds the gray matter ribbon between the two solid masks
// and the three-class rim volume consumed by the layer grower.
package ribbon

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"cortexlayers/internal/models"
)

// Rim volume codes
const (
	Background = 0
	Outer      = 1
	Inner      = 2
	Interior   = 3
)

// InconsistentBoundaryError reports white matter voxels lying outside the
// outer solid mask
type InconsistentBoundaryError struct {
	// Voxels is the number of white voxels not contained in the pial mask
	Voxels int
}

func (e *InconsistentBoundaryError) Error() string {
	return fmt.Sprintf("inner boundary is not contained in outer boundary: %d white voxels outside pial mask", e.Voxels)
}

// Options controls rim building
type Options struct {
	// Strict turns a boundary inconsistency into an error instead of a warning
	Strict bool
}

// Result holds the ribbon mask and the rim volume
type Result struct {
	// Ribbon is pial minus white, restricted to 0/1
	Ribbon *models.Volume

	// Rim encodes background, outer line, inner line and ribbon interior
	Rim *models.Volume

	// Inconsistent counts white voxels outside the pial mask. They are
	// dropped from the ribbon rather than stored as negative labels.
	Inconsistent int
}

// Build computes the ribbon and rim volume from the line and solid masks of
// both surfaces. All four volumes must share one grid.
func Build(whiteLine, pialLine, whiteSolid, pialSolid *models.Volume, opts Options) (*Result, error) {
	g := pialSolid.Grid
	for name, v := range map[string]*models.Volume{
		"white line":  whiteLine,
		"pial line":   pialLine,
		"white solid": whiteSolid,
	} {
		if !v.Grid.Equal(g) {
			return nil, fmt.Errorf("%s grid %s does not match pial solid grid %s", name, v.Grid, g)
		}
	}

	ribbon := models.NewVolume(g)
	inconsistent := 0
	for i := range ribbon.Data {
		diff := pialSolid.Data[i] - whiteSolid.Data[i]
		if diff < 0 {
			inconsistent++
		}
		if diff == 1 {
			ribbon.Data[i] = 1
		}
	}

	if inconsistent > 0 {
		if opts.Strict {
			return nil, &InconsistentBoundaryError{Voxels: inconsistent}
		}
		log.WithFields(log.Fields{
			"voxels": inconsistent,
		}).Warn("White mask is not contained in pial mask, clamping ribbon; results may be meaningless")
	}

	// later assignments win: the boundary lines override the ribbon code
	rim := models.NewVolume(g)
	for i := range rim.Data {
		if ribbon.Data[i] == 1 {
			rim.Data[i] = Interior
		}
		if pialLine.Data[i] == 1 {
			rim.Data[i] = Outer
		}
		if whiteLine.Data[i] == 1 {
			rim.Data[i] = Inner
		}
	}

	return &Result{
		Ribbon:       ribbon,
		Rim:          rim,
		Inconsistent: inconsistent,
	}, nil
}
