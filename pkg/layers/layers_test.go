package layers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortexlayers/internal/models"
	"cortexlayers/pkg/levelset"
)

func chebyshev(x, y, z, c int) int {
	d := 0
	for _, v := range []int{x - c, y - c, z - c} {
		if v < 0 {
			v = -v
		}
		if v > d {
			d = v
		}
	}
	return d
}

// onion builds concentric cubes around the grid center: white matter up to
// distance 1, ribbon from 2 to 5 with raw layer index distance-1
func onion(t *testing.T) (layerIdx, white, ribbon *models.Volume) {
	t.Helper()
	g := models.NewGrid([3]int{13, 13, 13}, models.IdentityAffine())
	layerIdx = models.NewVolume(g)
	white = models.NewVolume(g)
	ribbon = models.NewVolume(g)
	for i := range white.Data {
		x, y, z := g.Coord(i)
		d := chebyshev(x, y, z, 6)
		switch {
		case d <= 1:
			white.Data[i] = 1
		case d <= 5:
			ribbon.Data[i] = 1
			layerIdx.Data[i] = float64(d - 1)
		}
	}
	return layerIdx, white, ribbon
}

// maskCopy returns the mask itself as the levelset so tests can inspect
// which voxels each layer received
type maskCopy struct {
	mu     sync.Mutex
	layers int
}

func (m *maskCopy) Transform(mask *models.Volume) ([]float64, error) {
	m.mu.Lock()
	m.layers++
	m.mu.Unlock()
	return append([]float64(nil), mask.Data...), nil
}

type failAt struct{ voxels int }

func (f failAt) Transform(mask *models.Volume) ([]float64, error) {
	if mask.Count() == f.voxels {
		return nil, levelset.ErrNoBoundary
	}
	return make([]float64, len(mask.Data)), nil
}

// failFirst fails its first call and counts every later one
type failFirst struct {
	calls atomic.Int32
}

func (f *failFirst) Transform(mask *models.Volume) ([]float64, error) {
	if f.calls.Add(1) == 1 {
		return nil, levelset.ErrNoBoundary
	}
	return make([]float64, len(mask.Data)), nil
}

func count(data []float64) int {
	n := 0
	for _, v := range data {
		if v != 0 {
			n++
		}
	}
	return n
}

func TestConventionRemap(t *testing.T) {
	c := DefaultConvention()

	layer, ok := c.Remap(0)
	assert.False(t, ok)
	assert.Equal(t, 0, layer)

	layer, ok = c.Remap(3)
	assert.True(t, ok)
	assert.Equal(t, 4, layer)

	assert.True(t, c.Included(0, 0), "unclassified voxels belong to every mask")
	assert.False(t, c.Included(1, 0))
	assert.True(t, c.Included(1, 1))
	assert.True(t, c.Included(2, 5))

	custom := Convention{Offset: 0, Unclassified: -1}
	assert.True(t, custom.Included(1, 0))
	assert.True(t, custom.Included(-1, 0))
	assert.False(t, custom.Included(2, 0))
}

func TestRemapVolume(t *testing.T) {
	layerIdx, white, _ := onion(t)
	out := RemapVolume(layerIdx, white, DefaultConvention())

	g := white.Grid
	assert.Equal(t, 1.0, out.At(6, 6, 6))
	assert.Equal(t, 2.0, out.At(8, 6, 6))
	assert.Equal(t, 5.0, out.At(11, 6, 6))
	assert.Equal(t, 0.0, out.At(0, 0, 0))
	assert.Equal(t, g, out.Grid)
}

func TestCompositeIncreasingMasks(t *testing.T) {
	layerIdx, white, ribbon := onion(t)
	tf := &maskCopy{}

	stack, err := Composite(context.Background(), layerIdx, white, ribbon, 3, DefaultConvention(), tf,
		CompositeOptions{NumCores: 2})
	require.NoError(t, err)
	require.Len(t, stack.Frames, 4)
	assert.Equal(t, 4, tf.layers)

	counts := make([]int, len(stack.Frames))
	for i, frame := range stack.Frames {
		counts[i] = count(frame)
	}
	assert.Equal(t, []int{27, 125, 343, 729}, counts)
	for i := 1; i < len(counts); i++ {
		assert.Greater(t, counts[i], counts[i-1])
	}

	for i, inside := range white.Data {
		if inside != 0 {
			require.NotZero(t, stack.Frames[0][i], "mask 0 must contain white matter")
		}
	}
}

func TestCompositeUnclassifiedAlwaysIncluded(t *testing.T) {
	layerIdx, white, ribbon := onion(t)
	g := white.Grid
	// a voxel the grower never reached
	layerIdx.Set(10, 6, 6, 0)

	masks, err := CumulativeMasks(layerIdx, white, ribbon, 2, DefaultConvention())
	require.NoError(t, err)
	for i, mask := range masks {
		assert.Equal(t, 1.0, mask.Data[g.Index(10, 6, 6)], "mask %d", i)
	}
}

func TestCompositeOnMask(t *testing.T) {
	layerIdx, white, ribbon := onion(t)

	seen := map[int]int{}
	opts := CompositeOptions{
		NumCores: 1,
		OnMask: func(layer int, mask *models.Volume) error {
			seen[layer] = mask.Count()
			return nil
		},
	}
	_, err := Composite(context.Background(), layerIdx, white, ribbon, 2, DefaultConvention(), &maskCopy{}, opts)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{0: 27, 1: 125, 2: 343}, seen)
}

func TestCompositeTransformFailureAborts(t *testing.T) {
	layerIdx, white, ribbon := onion(t)

	stack, err := Composite(context.Background(), layerIdx, white, ribbon, 3, DefaultConvention(),
		failAt{voxels: 343}, CompositeOptions{NumCores: 4})
	require.Error(t, err)
	assert.Nil(t, stack)

	var layerErr *LayerError
	require.True(t, errors.As(err, &layerErr))
	assert.Equal(t, 2, layerErr.Layer)
	assert.ErrorIs(t, err, levelset.ErrNoBoundary)
}

func TestCompositeFailureStopsQueuedLayers(t *testing.T) {
	layerIdx, white, ribbon := onion(t)
	tf := &failFirst{}

	_, err := Composite(context.Background(), layerIdx, white, ribbon, 20, DefaultConvention(), tf,
		CompositeOptions{NumCores: 1})
	require.ErrorIs(t, err, levelset.ErrNoBoundary)

	assert.Never(t, func() bool { return tf.calls.Load() >= 5 }, 200*time.Millisecond, 10*time.Millisecond,
		"layers queued behind a failure must not be transformed")
}

func TestCompositeCancelled(t *testing.T) {
	layerIdx, white, ribbon := onion(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Composite(ctx, layerIdx, white, ribbon, 1, DefaultConvention(), &maskCopy{}, CompositeOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompositeRejectsBadInput(t *testing.T) {
	layerIdx, white, ribbon := onion(t)

	_, err := Composite(context.Background(), layerIdx, white, ribbon, -1, DefaultConvention(),
		&maskCopy{}, CompositeOptions{})
	assert.Error(t, err)

	other := models.NewVolume(models.NewGrid([3]int{4, 4, 4}, models.IdentityAffine()))
	_, err = Composite(context.Background(), other, white, ribbon, 1, DefaultConvention(),
		&maskCopy{}, CompositeOptions{})
	assert.Error(t, err)
}

func TestCompositeWithDistanceTransform(t *testing.T) {
	layerIdx, white, ribbon := onion(t)
	g := white.Grid

	stack, err := Composite(context.Background(), layerIdx, white, ribbon, 2, DefaultConvention(),
		levelset.DistanceTransform{}, CompositeOptions{})
	require.NoError(t, err)

	center := g.Index(6, 6, 6)
	corner := g.Index(0, 0, 0)
	for i, frame := range stack.Frames {
		assert.Less(t, frame[center], 0.0, "layer %d", i)
		assert.Greater(t, frame[corner], 0.0, "layer %d", i)
	}
	// outer layers are further from the center
	assert.Less(t, stack.Frames[2][center], stack.Frames[0][center])
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not available on windows")
	}
	path := filepath.Join(t.TempDir(), "grow.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func TestExecGrowerRoundTrip(t *testing.T) {
	// echoes the rim back as the layer index
	script := writeScript(t, `cp "$2" "$9"`)
	workDir := t.TempDir()

	g := models.NewGrid([3]int{4, 3, 2}, models.IdentityAffine())
	rim := models.NewVolume(g)
	rim.Set(1, 1, 1, 1)
	rim.Set(2, 1, 1, 3)
	rim.Set(3, 2, 0, 2)

	grower := NewExecGrower(script, workDir)
	out, err := grower.Grow(context.Background(), rim, 3, 40)
	require.NoError(t, err)
	assert.Equal(t, rim.Data, out.Data)
	assert.True(t, out.Grid.Equal(g))

	assert.FileExists(t, filepath.Join(workDir, rimFileName))
	assert.FileExists(t, filepath.Join(workDir, layersFileName))
}

func TestExecGrowerArguments(t *testing.T) {
	script := writeScript(t, `echo "$@" > args.txt; cp "$2" "$9"`)
	workDir := t.TempDir()

	rim := models.NewVolume(models.NewGrid([3]int{2, 2, 2}, models.IdentityAffine()))
	_, err := NewExecGrower(script, workDir).Grow(context.Background(), rim, 5, 40)
	require.NoError(t, err)

	args, err := os.ReadFile(filepath.Join(workDir, "args.txt"))
	require.NoError(t, err)
	assert.Equal(t,
		"-rim "+filepath.Join(workDir, rimFileName)+" -vinc 40 -N 5 -threeD -output "+
			filepath.Join(workDir, layersFileName)+"\n",
		string(args))
}

func TestExecGrowerFailure(t *testing.T) {
	script := writeScript(t, `echo "rim has no layers" >&2; exit 3`)

	rim := models.NewVolume(models.NewGrid([3]int{2, 2, 2}, models.IdentityAffine()))
	_, err := NewExecGrower(script, "").Grow(context.Background(), rim, 3, 40)
	require.Error(t, err)

	var growErr *GrowerError
	require.True(t, errors.As(err, &growErr))
	assert.Contains(t, growErr.Stderr, "rim has no layers")
	assert.Contains(t, err.Error(), "rim has no layers")
}

func TestExecGrowerMissingOutput(t *testing.T) {
	script := writeScript(t, `exit 0`)

	rim := models.NewVolume(models.NewGrid([3]int{2, 2, 2}, models.IdentityAffine()))
	_, err := NewExecGrower(script, t.TempDir()).Grow(context.Background(), rim, 3, 40)
	var growErr *GrowerError
	assert.True(t, errors.As(err, &growErr))
}

func TestExecGrowerRejectsNoLayers(t *testing.T) {
	rim := models.NewVolume(models.NewGrid([3]int{2, 2, 2}, models.IdentityAffine()))
	_, err := NewExecGrower("", "").Grow(context.Background(), rim, 0, 40)
	assert.Error(t, err)
}

func TestExecGrowerIsWorking(t *testing.T) {
	assert.False(t, NewExecGrower("/nonexistent/LN_GROW_LAYERS", "").IsWorking())
	assert.Equal(t, DefaultGrowerBinary, NewExecGrower("", "").BinaryPath)
}
