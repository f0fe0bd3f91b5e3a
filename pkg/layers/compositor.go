package layers

import (
	"context"
	"fmt"
	"runtime"

	log "github.com/sirupsen/logrus"

	"cortexlayers/internal/models"
	"cortexlayers/pkg/levelset"
)

// LayerError reports a failed levelset transform of one cumulative mask
type LayerError struct {
	Layer int
	Err   error
}

func (e *LayerError) Error() string {
	return fmt.Sprintf("levelset transform of layer %d failed: %v", e.Layer, e.Err)
}

func (e *LayerError) Unwrap() error { return e.Err }

// CompositeOptions controls compositing
type CompositeOptions struct {
	// NumCores bounds the number of layers transformed concurrently
	NumCores int

	// OnMask, when set, receives every cumulative mask before any transform
	// runs, so masks written from it survive a later transform failure
	OnMask func(layer int, mask *models.Volume) error
}

// CumulativeMask returns white matter plus the ribbon voxels belonging to
// layers up to and including i
func CumulativeMask(layerIdx, white, ribbon *models.Volume, i int, c Convention) *models.Volume {
	mask := models.NewVolume(white.Grid)
	for v := range mask.Data {
		if white.Data[v] != 0 || (ribbon.Data[v] != 0 && c.Included(layerIdx.Data[v], i)) {
			mask.Data[v] = 1
		}
	}
	return mask
}

// CumulativeMasks returns the n+1 nested masks 0..n and verifies that each
// contains its predecessor
func CumulativeMasks(layerIdx, white, ribbon *models.Volume, n int, c Convention) ([]*models.Volume, error) {
	if n < 0 {
		return nil, fmt.Errorf("layer count must not be negative, got %d", n)
	}
	g := white.Grid
	if !layerIdx.Grid.Equal(g) || !ribbon.Grid.Equal(g) {
		return nil, fmt.Errorf("layer index, white and ribbon volumes must share one grid")
	}

	masks := make([]*models.Volume, n+1)
	for i := 0; i <= n; i++ {
		masks[i] = CumulativeMask(layerIdx, white, ribbon, i, c)
		if i == 0 {
			continue
		}
		for v, inside := range masks[i-1].Data {
			if inside != 0 && masks[i].Data[v] == 0 {
				return nil, fmt.Errorf("cumulative mask %d is not nested in mask %d at voxel %d", i-1, i, v)
			}
		}
	}
	return masks, nil
}

// layerResult carries one transformed layer back to the collector
type layerResult struct {
	layer int
	phi   []float64
	err   error
}

// Composite builds the n+1 cumulative masks and converts each to a
// levelset with tf. Layers are independent and transformed concurrently;
// if any transform fails the whole stack is discarded.
func Composite(ctx context.Context, layerIdx, white, ribbon *models.Volume, n int, c Convention,
	tf levelset.Transformer, opts CompositeOptions) (*models.Stack, error) {

	masks, err := CumulativeMasks(layerIdx, white, ribbon, n, c)
	if err != nil {
		return nil, err
	}

	if opts.OnMask != nil {
		for i, mask := range masks {
			if err := opts.OnMask(i, mask); err != nil {
				return nil, fmt.Errorf("cumulative mask %d: %w", i, err)
			}
		}
	}

	numCores := opts.NumCores
	if numCores < 1 {
		numCores = runtime.NumCPU()
	}

	// cancelled on return so queued layers stop once one has failed
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// buffered so workers never block once the collector has given up
	resultChan := make(chan layerResult, len(masks))
	tokens := make(chan struct{}, numCores)

	for i, mask := range masks {
		go func(layer int, mask *models.Volume) {
			tokens <- struct{}{}
			defer func() { <-tokens }()

			if err := ctx.Err(); err != nil {
				resultChan <- layerResult{layer: layer, err: err}
				return
			}
			log.WithFields(log.Fields{
				"layer":  layer,
				"voxels": mask.Count(),
			}).Debug("Converting cumulative mask to levelset")

			phi, err := tf.Transform(mask)
			resultChan <- layerResult{layer: layer, phi: phi, err: err}
		}(i, mask)
	}

	stack := &models.Stack{Grid: white.Grid, Frames: make([][]float64, len(masks))}
	for completed := 0; completed < len(masks); completed++ {
		res := <-resultChan
		if res.err != nil {
			return nil, &LayerError{Layer: res.layer, Err: res.err}
		}
		if len(res.phi) != white.Grid.Len() {
			return nil, &LayerError{
				Layer: res.layer,
				Err:   fmt.Errorf("levelset has %d voxels, grid has %d", len(res.phi), white.Grid.Len()),
			}
		}
		stack.Frames[res.layer] = res.phi
	}
	return stack, nil
}
