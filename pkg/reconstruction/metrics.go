package reconstruction

import (
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"cortexlayers/pkg/morphology"
	"cortexlayers/pkg/ribbon"
)

// Metrics summarises a run
type Metrics struct {
	WhiteVoxels  int
	PialVoxels   int
	RibbonVoxels int

	// Candidate components found while repairing each mask
	WhiteComponents int
	PialComponents  int
	WhiteTie        bool
	PialTie         bool

	// InconsistentVoxels counts white matter voxels outside the pial solid
	InconsistentVoxels int

	// MaskVoxels holds the size of every cumulative mask
	MaskVoxels []int

	// LayerVoxels holds the voxels each layer adds to its predecessor
	LayerVoxels []int

	// Mean and standard deviation of LayerVoxels
	LayerMean   float64
	LayerStdDev float64
}

func newMetrics(white, pial *morphology.RepairResult, rb *ribbon.Result, maskVoxels []int) Metrics {
	m := Metrics{
		WhiteVoxels:        white.Solid.Count(),
		PialVoxels:         pial.Solid.Count(),
		RibbonVoxels:       rb.Ribbon.Count(),
		WhiteComponents:    white.Components,
		PialComponents:     pial.Components,
		WhiteTie:           white.Tie,
		PialTie:            pial.Tie,
		InconsistentVoxels: rb.Inconsistent,
		MaskVoxels:         maskVoxels,
	}
	m.LayerVoxels, m.LayerMean, m.LayerStdDev = layerSpread(maskVoxels)
	return m
}

// layerSpread returns the per-layer voxel increments of nested masks with
// their mean and sample standard deviation
func layerSpread(maskVoxels []int) (added []int, mean, std float64) {
	if len(maskVoxels) < 2 {
		return nil, 0, 0
	}
	added = make([]int, len(maskVoxels)-1)
	x := make([]float64, len(added))
	for i := range added {
		added[i] = maskVoxels[i+1] - maskVoxels[i]
		x[i] = float64(added[i])
	}
	if len(x) == 1 {
		return added, x[0], 0
	}
	mean, std = stat.MeanStdDev(x, nil)
	return added, mean, std
}

// Log writes the metrics at info level
func (m Metrics) Log() {
	log.WithFields(log.Fields{
		"white":        m.WhiteVoxels,
		"pial":         m.PialVoxels,
		"ribbon":       m.RibbonVoxels,
		"inconsistent": m.InconsistentVoxels,
	}).Info("Mask volumes")
	log.WithFields(log.Fields{
		"layers": m.LayerVoxels,
		"mean":   m.LayerMean,
		"stddev": m.LayerStdDev,
	}).Info("Layer volumes")
}
