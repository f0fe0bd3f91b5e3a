package morphology

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"cortexlayers/internal/models"
)

// NoTissueComponentError is returned when no enclosed region survives hole
// filling, typically because the surface is empty or never closes a slice
type NoTissueComponentError struct {
	Name string
}

func (e *NoTissueComponentError) Error() string {
	return fmt.Sprintf("no enclosed tissue component found for %s", e.Name)
}

// RepairOptions controls a single repair run
type RepairOptions struct {
	// Name labels the mask in logs and errors, e.g. "white" or "pial"
	Name string

	// IncludeBoundary adds the line voxels back into the selected component.
	// Set for the outer surface so its solid mask contains its own boundary.
	IncludeBoundary bool

	// NumCores bounds the number of slices filled concurrently
	NumCores int
}

// RepairResult holds the solid mask and a summary of the component selection
type RepairResult struct {
	// Solid is the repaired binary mask
	Solid *models.Volume

	// Components is the number of candidate components found
	Components int

	// Selected is the winning component
	Selected Component

	// Tie is set when another component had the same size as the winner
	Tie bool
}

// Repair converts a line mask into a solid mask. Every axial slice is hole
// filled and stripped of its line voxels, the 6-connected components of the
// result are labeled over the whole volume, and only the largest one is
// kept. The line mask is not modified.
func Repair(line *models.Volume, opts RepairOptions) (*RepairResult, error) {
	interior := FillInterior(line, opts.NumCores)

	labels, sizes := Label3D(interior)
	if len(sizes) == 0 {
		return nil, &NoTissueComponentError{Name: opts.Name}
	}

	ranked := RankComponents(sizes)
	selected := ranked[0]
	tie := len(ranked) > 1 && ranked[1].Size == selected.Size
	if tie {
		log.WithFields(log.Fields{
			"mask":      opts.Name,
			"size":      selected.Size,
			"selected":  selected.ID,
			"candidate": ranked[1].ID,
		}).Warn("Several components share the largest size, keeping the lowest label")
	}

	solid := models.NewVolume(line.Grid)
	for i, label := range labels {
		if label == selected.ID {
			solid.Data[i] = 1
		}
	}
	if opts.IncludeBoundary {
		for i, v := range line.Data {
			if v != 0 {
				solid.Data[i] = 1
			}
		}
	}

	log.WithFields(log.Fields{
		"mask":       opts.Name,
		"components": len(ranked),
		"kept":       selected.Size,
		"voxels":     solid.Count(),
	}).Debug("Repaired mask")

	return &RepairResult{
		Solid:      solid,
		Components: len(ranked),
		Selected:   selected,
		Tie:        tie,
	}, nil
}
