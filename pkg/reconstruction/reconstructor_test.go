package reconstruction

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"cortexlayers/internal/models"
	"cortexlayers/pkg/freesurfer"
	"cortexlayers/pkg/geometry"
	"cortexlayers/pkg/layers"
	"cortexlayers/pkg/nifti"
	"cortexlayers/pkg/output"
)

const center = 7

func chebyshev(x, y, z int) int {
	d := 0
	for _, v := range []int{x - center, y - center, z - center} {
		if v < 0 {
			v = -v
		}
		if v > d {
			d = v
		}
	}
	return d
}

func testGrid() models.Grid {
	return models.NewGrid([3]int{14, 14, 14}, models.IdentityAffine())
}

// shellSurface places one vertex at the center of every voxel on a cube
// shell, which rasterizes to a closed line
func shellSurface(name string, g models.Grid, radius int) *models.Surface {
	s := &models.Surface{Name: name}
	for i := 0; i < g.Len(); i++ {
		x, y, z := g.Coord(i)
		if chebyshev(x, y, z) == radius {
			s.Vertices = append(s.Vertices, r3.Vec{X: float64(x), Y: float64(y), Z: float64(z)})
		}
	}
	return s
}

// shellGrower assigns rim voxels a layer by their distance from the grid
// center, clamped to n
type shellGrower struct {
	err   error
	calls int
}

func (f *shellGrower) Grow(_ context.Context, rim *models.Volume, n, vinc int) (*models.Volume, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := models.NewVolume(rim.Grid)
	for i, code := range rim.Data {
		if code == 0 {
			continue
		}
		x, y, z := rim.Grid.Coord(i)
		layer := chebyshev(x, y, z) - 1
		if layer > n {
			layer = n
		}
		out.Data[i] = float64(layer)
	}
	return out, nil
}

func testParams() *Params {
	return &Params{
		NumCores:        2,
		Layers:          3,
		GrowthIncrement: 40,
		Space:           geometry.SpaceScanner,
		Convention:      layers.DefaultConvention(),
	}
}

func TestReconstructNestedCubes(t *testing.T) {
	g := testGrid()
	r := NewReconstructor(testParams(), &shellGrower{})

	res, err := r.Reconstruct(context.Background(), g, shellSurface("lh.white", g, 2), shellSurface("lh.pial", g, 5))
	require.NoError(t, err)

	assert.Equal(t, 27, res.WhiteSolid.Count())
	assert.Equal(t, 1331, res.PialSolid.Count())
	assert.Equal(t, 1304, res.Ribbon.Count())
	for i := range res.Ribbon.Data {
		require.False(t, res.Ribbon.Data[i] != 0 && res.WhiteSolid.Data[i] != 0, "ribbon overlaps white matter")
	}

	require.Len(t, res.Boundaries.Frames, 4)
	assert.Equal(t, []int{27, 125, 343, 1331}, res.Metrics.MaskVoxels)
	assert.Equal(t, []int{98, 218, 988}, res.Metrics.LayerVoxels)
	assert.InDelta(t, 1304.0/3, res.Metrics.LayerMean, 1e-9)
	assert.Equal(t, 0, res.Metrics.InconsistentVoxels)
	assert.Empty(t, res.Files)

	c := g.Index(center, center, center)
	corner := g.Index(0, 0, 0)
	for i, phi := range res.Boundaries.Frames {
		assert.Less(t, phi[c], 0.0, "boundary %d", i)
		assert.Greater(t, phi[corner], 0.0, "boundary %d", i)
	}
}

func TestReconstructWritesOutputs(t *testing.T) {
	dir := t.TempDir()
	g := testGrid()
	params := testParams()
	params.OutputDir = dir
	params.Debug = true

	res, err := NewReconstructor(params, &shellGrower{}).Reconstruct(context.Background(), g,
		shellSurface("lh.white", g, 2), shellSurface("lh.pial", g, 5))
	require.NoError(t, err)

	names := []string{
		output.WhiteLineName, output.PialLineName, output.WhiteLabelName, output.PialLabelName,
		output.RibbonName, output.RimName, output.LayersName, output.BoundariesName,
		output.LayerPlusWhiteName, "lh.white", "lh.pial",
	}
	for i := 0; i <= params.Layers; i++ {
		names = append(names, output.LayerDebugName(i))
	}
	for _, name := range names {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	assert.Len(t, res.Files, len(names))

	img, err := nifti.Load(filepath.Join(dir, output.BoundariesName))
	require.NoError(t, err)
	assert.Len(t, img.Frames, 4)
	assert.True(t, img.Grid.Equal(g))

	img, err = nifti.Load(filepath.Join(dir, output.RimName))
	require.NoError(t, err)
	assert.Equal(t, res.Rim.Data, img.Volume().Data)

	for name, radius := range map[string]int{"lh.white": 2, "lh.pial": 5} {
		s, err := freesurfer.ReadSurface(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, shellSurface(name, g, radius).Vertices, s.Vertices, name)
	}
}

func TestReconstructRejectsLayerCount(t *testing.T) {
	g := testGrid()
	for _, n := range []int{0, -2} {
		params := testParams()
		params.Layers = n

		grower := &shellGrower{}
		var err error
		require.NotPanics(t, func() {
			_, err = NewReconstructor(params, grower).Reconstruct(context.Background(), g,
				shellSurface("lh.white", g, 2), shellSurface("lh.pial", g, 5))
		})

		var stageErr *StageError
		require.True(t, errors.As(err, &stageErr), "layers=%d", n)
		assert.Equal(t, StageParams, stageErr.Stage)
		assert.Equal(t, 0, grower.calls)
	}
}

func TestReconstructOutOfGridWritesNothing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	g := testGrid()
	params := testParams()
	params.OutputDir = dir
	params.Debug = true

	pial := shellSurface("lh.pial", g, 5)
	pial.Vertices = append(pial.Vertices, r3.Vec{X: 20, Y: 1, Z: 1})

	grower := &shellGrower{}
	_, err := NewReconstructor(params, grower).Reconstruct(context.Background(), g, shellSurface("lh.white", g, 2), pial)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageMap, stageErr.Stage)

	var oog *geometry.OutOfGridError
	require.True(t, errors.As(err, &oog))
	assert.Equal(t, len(pial.Vertices)-1, oog.Vertex)

	assert.Equal(t, 0, grower.calls)
	assert.NoDirExists(t, dir)
}

func TestReconstructGrowerFailure(t *testing.T) {
	g := testGrid()
	boom := errors.New("grower crashed")

	_, err := NewReconstructor(testParams(), &shellGrower{err: boom}).Reconstruct(context.Background(), g,
		shellSurface("lh.white", g, 2), shellSurface("lh.pial", g, 5))

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageGrow, stageErr.Stage)
	assert.ErrorIs(t, err, boom)
}

func TestReconstructEmptySurface(t *testing.T) {
	g := testGrid()

	_, err := NewReconstructor(testParams(), &shellGrower{}).Reconstruct(context.Background(), g,
		&models.Surface{Name: "lh.white"}, shellSurface("lh.pial", g, 5))

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageRepair, stageErr.Stage)
}

func TestReconstructNoGrower(t *testing.T) {
	g := testGrid()
	_, err := NewReconstructor(testParams(), nil).Reconstruct(context.Background(), g,
		shellSurface("lh.white", g, 2), shellSurface("lh.pial", g, 5))
	assert.Error(t, err)
}

func TestReconstructCancelled(t *testing.T) {
	g := testGrid()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewReconstructor(testParams(), &shellGrower{}).Reconstruct(ctx, g,
		shellSurface("lh.white", g, 2), shellSurface("lh.pial", g, 5))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReconstructResamplesGrid(t *testing.T) {
	g := testGrid()
	params := testParams()
	params.VoxelSize = [3]float64{1, 1, 1}

	res, err := NewReconstructor(params, &shellGrower{}).Reconstruct(context.Background(), g,
		shellSurface("lh.white", g, 2), shellSurface("lh.pial", g, 5))
	require.NoError(t, err)
	assert.True(t, res.Grid.Equal(g), "unit voxels keep the unit grid")
}

func writeInputs(t *testing.T, dir, whiteName, pialName string) *Params {
	t.Helper()
	g := testGrid()
	params := testParams()
	params.ReferencePath = filepath.Join(dir, "ref.nii.gz")
	params.WhitePath = filepath.Join(dir, whiteName)
	params.PialPath = filepath.Join(dir, pialName)

	require.NoError(t, nifti.SaveVolume(params.ReferencePath, models.NewVolume(g), nifti.Uint8))
	require.NoError(t, freesurfer.WriteSurface(params.WhitePath, shellSurface(whiteName, g, 2)))
	require.NoError(t, freesurfer.WriteSurface(params.PialPath, shellSurface(pialName, g, 5)))
	return params
}

func TestProcessFromFiles(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file based pipeline test in short mode")
	}
	dir := t.TempDir()
	params := writeInputs(t, dir, "rh.white", "rh.pial")
	params.OutputDir = filepath.Join(dir, "out")

	res, err := NewReconstructor(params, &shellGrower{}).Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rh", res.Hemisphere)
	assert.Equal(t, 1304, res.Ribbon.Count())
	assert.FileExists(t, filepath.Join(params.OutputDir, output.BoundariesName))
	assert.FileExists(t, filepath.Join(params.OutputDir, "rh.white"))
	assert.FileExists(t, filepath.Join(params.OutputDir, "rh.pial"))
}

func TestProcessHemisphereMismatch(t *testing.T) {
	dir := t.TempDir()
	params := writeInputs(t, dir, "lh.white", "rh.pial")

	_, err := NewReconstructor(params, &shellGrower{}).Process(context.Background())
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageLoad, stageErr.Stage)
}

func TestProcessUnknownHemisphere(t *testing.T) {
	dir := t.TempDir()
	params := writeInputs(t, dir, "white", "pial")

	_, err := NewReconstructor(params, &shellGrower{}).Process(context.Background())
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageLoad, stageErr.Stage)
}

func TestLayerSpread(t *testing.T) {
	added, mean, std := layerSpread([]int{27, 125, 343, 1331})
	assert.Equal(t, []int{98, 218, 988}, added)
	assert.InDelta(t, 434.6667, mean, 1e-3)
	assert.Greater(t, std, 0.0)

	added, mean, std = layerSpread([]int{10, 30})
	assert.Equal(t, []int{20}, added)
	assert.Equal(t, 20.0, mean)
	assert.Equal(t, 0.0, std)

	added, _, _ = layerSpread([]int{10})
	assert.Nil(t, added)
}
