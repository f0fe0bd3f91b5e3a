// Package reconstruction runs the full equidistant layer pipeline: surfaces
// are mapped into the reference grid, rasterized and repaired into solid
// masks, combined into a ribbon and rim, split into layers by the grower and
// finally turned into a stack of levelset boundaries.
package reconstruction

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"cortexlayers/internal/models"
	"cortexlayers/pkg/freesurfer"
	"cortexlayers/pkg/geometry"
	"cortexlayers/pkg/layers"
	"cortexlayers/pkg/levelset"
	"cortexlayers/pkg/morphology"
	"cortexlayers/pkg/nifti"
	"cortexlayers/pkg/output"
	"cortexlayers/pkg/raster"
	"cortexlayers/pkg/ribbon"
	"cortexlayers/pkg/surface"
)

// Pipeline stages, as reported by StageError
const (
	StageParams    = "params"
	StageLoad      = "load"
	StageResample  = "resample"
	StageUpsample  = "upsample"
	StageMap       = "map"
	StageRasterize = "rasterize"
	StageRepair    = "repair"
	StageRibbon    = "ribbon"
	StageGrow      = "grow"
	StageComposite = "composite"
	StageOutput    = "output"
)

// GridResampler changes the voxel size of the reference grid
type GridResampler interface {
	Resample(g models.Grid, voxelSize [3]float64) (models.Grid, error)
}

// MeshUpsampler densifies a surface mesh so rasterized lines close
type MeshUpsampler interface {
	Upsample(s *models.Surface, iterations int) (*models.Surface, error)
}

// StageError wraps the failure of one pipeline stage
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Params holds the reconstruction parameters
type Params struct {
	// ReferencePath is a NIfTI image whose grid defines the output space
	ReferencePath string

	// WhitePath and PialPath are FreeSurfer surfaces named lh.* or rh.*
	WhitePath string
	PialPath  string

	// OutputDir receives all artifacts; empty skips writing
	OutputDir string

	// NumCores bounds slice filling and levelset transforms
	NumCores int

	// Layers is the number of layers N; N+1 boundaries are produced
	Layers int

	// GrowthIncrement is passed to the grower as -vinc
	GrowthIncrement int

	// VoxelSize resamples the reference grid when all components are positive
	VoxelSize [3]float64

	// UpsampleIterations is the number of mesh subdivision passes
	UpsampleIterations int

	// Space is the coordinate system the surface vertices are given in
	Space geometry.Space

	Convention layers.Convention

	// Strict fails on white matter voxels outside the pial solid
	Strict bool

	// Debug writes the remapped layer volume and every cumulative mask
	Debug bool

	// Previews writes JPEG mid slices of every artifact
	Previews bool
}

// Result holds every volume produced by a run
type Result struct {
	Grid       models.Grid
	Hemisphere string

	WhiteLine  *models.Volume
	PialLine   *models.Volume
	WhiteSolid *models.Volume
	PialSolid  *models.Volume
	Ribbon     *models.Volume
	Rim        *models.Volume
	LayerIndex *models.Volume
	Boundaries *models.Stack

	// Files lists the artifacts written, in write order
	Files []string

	Metrics Metrics
}

// Reconstructor handles the layer reconstruction process. The collaborators
// default to the in-process implementations and may be replaced before
// Process is called; Grower has no default and must be set.
type Reconstructor struct {
	params *Params

	Resampler   GridResampler
	Upsampler   MeshUpsampler
	Grower      layers.Grower
	Transformer levelset.Transformer

	// hemisphere names the written surfaces; set by Process
	hemisphere string
}

// NewReconstructor creates a new reconstructor instance with the provided parameters
func NewReconstructor(params *Params, grower layers.Grower) *Reconstructor {
	return &Reconstructor{
		params:      params,
		Resampler:   geometry.Resampler{},
		Upsampler:   surface.LinearUpsampler{},
		Grower:      grower,
		Transformer: levelset.DistanceTransform{},
	}
}

// Process loads the reference grid and both surfaces from disk and runs
// the pipeline on them
func (r *Reconstructor) Process(ctx context.Context) (*Result, error) {
	log.Info("Step 1: Loading reference grid and surfaces...")
	hemi, err := surface.Hemisphere(r.params.WhitePath)
	if err != nil {
		return nil, &StageError{Stage: StageLoad, Err: err}
	}
	if pialHemi, err := surface.Hemisphere(r.params.PialPath); err != nil {
		return nil, &StageError{Stage: StageLoad, Err: err}
	} else if pialHemi != hemi {
		return nil, &StageError{Stage: StageLoad,
			Err: fmt.Errorf("white surface is %s but pial surface is %s", hemi, pialHemi)}
	}

	ref, err := nifti.Load(r.params.ReferencePath)
	if err != nil {
		return nil, &StageError{Stage: StageLoad, Err: err}
	}
	white, err := freesurfer.ReadSurface(r.params.WhitePath)
	if err != nil {
		return nil, &StageError{Stage: StageLoad, Err: err}
	}
	pial, err := freesurfer.ReadSurface(r.params.PialPath)
	if err != nil {
		return nil, &StageError{Stage: StageLoad, Err: err}
	}
	log.WithFields(log.Fields{
		"hemisphere":    hemi,
		"grid":          ref.Grid.String(),
		"whiteVertices": len(white.Vertices),
		"pialVertices":  len(pial.Vertices),
	}).Info("Loaded inputs")

	r.hemisphere = hemi
	res, err := r.Reconstruct(ctx, ref.Grid, white, pial)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Reconstruct runs the pipeline on in-memory inputs. Outputs are written
// only when Params.OutputDir is set. Geometry errors are raised before
// anything is written; debug masks written before a later failure are kept.
func (r *Reconstructor) Reconstruct(ctx context.Context, ref models.Grid, white, pial *models.Surface) (*Result, error) {
	p := r.params
	if p.Layers < 1 {
		return nil, &StageError{Stage: StageParams, Err: fmt.Errorf("layer count must be at least 1, got %d", p.Layers)}
	}
	if r.Grower == nil {
		return nil, &StageError{Stage: StageGrow, Err: fmt.Errorf("no layer grower configured")}
	}

	log.Info("Step 2: Resampling reference grid...")
	grid := ref
	if p.VoxelSize[0] > 0 && p.VoxelSize[1] > 0 && p.VoxelSize[2] > 0 {
		g, err := r.Resampler.Resample(ref, p.VoxelSize)
		if err != nil {
			return nil, &StageError{Stage: StageResample, Err: err}
		}
		grid = g
	}
	log.Debugf("Working grid: %s", grid)

	if err := ctx.Err(); err != nil {
		return nil, &StageError{Stage: StageUpsample, Err: err}
	}
	log.Info("Step 3: Upsampling surface meshes...")
	white, err := r.Upsampler.Upsample(white, p.UpsampleIterations)
	if err != nil {
		return nil, &StageError{Stage: StageUpsample, Err: err}
	}
	pial, err = r.Upsampler.Upsample(pial, p.UpsampleIterations)
	if err != nil {
		return nil, &StageError{Stage: StageUpsample, Err: err}
	}

	log.Info("Step 4: Mapping surfaces to voxel lines...")
	mapper, err := geometry.NewMapper(grid, p.Space)
	if err != nil {
		return nil, &StageError{Stage: StageMap, Err: err}
	}
	whiteIdx, err := mapper.Map(white)
	if err != nil {
		return nil, &StageError{Stage: StageMap, Err: err}
	}
	pialIdx, err := mapper.Map(pial)
	if err != nil {
		return nil, &StageError{Stage: StageMap, Err: err}
	}

	res := &Result{Grid: grid, Hemisphere: r.hemisphere}
	if res.WhiteLine, err = raster.Rasterize(whiteIdx, grid); err != nil {
		return nil, &StageError{Stage: StageRasterize, Err: err}
	}
	if res.PialLine, err = raster.Rasterize(pialIdx, grid); err != nil {
		return nil, &StageError{Stage: StageRasterize, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return nil, &StageError{Stage: StageRepair, Err: err}
	}
	log.Info("Step 5: Repairing solid masks...")
	whiteRepair, err := morphology.Repair(res.WhiteLine, morphology.RepairOptions{
		Name:     "white",
		NumCores: p.NumCores,
	})
	if err != nil {
		return nil, &StageError{Stage: StageRepair, Err: err}
	}
	pialRepair, err := morphology.Repair(res.PialLine, morphology.RepairOptions{
		Name:            "pial",
		IncludeBoundary: true,
		NumCores:        p.NumCores,
	})
	if err != nil {
		return nil, &StageError{Stage: StageRepair, Err: err}
	}
	res.WhiteSolid = whiteRepair.Solid
	res.PialSolid = pialRepair.Solid

	log.Info("Step 6: Building ribbon and rim...")
	rb, err := ribbon.Build(res.WhiteLine, res.PialLine, res.WhiteSolid, res.PialSolid, ribbon.Options{Strict: p.Strict})
	if err != nil {
		return nil, &StageError{Stage: StageRibbon, Err: err}
	}
	res.Ribbon = rb.Ribbon
	res.Rim = rb.Rim

	var assembler *output.Assembler
	if p.OutputDir != "" {
		assembler = output.NewAssembler(p.OutputDir, grid, p.Previews)
	}

	if err := ctx.Err(); err != nil {
		return nil, &StageError{Stage: StageGrow, Err: err}
	}
	log.Infof("Step 7: Growing %d layers...", p.Layers)
	if res.LayerIndex, err = r.Grower.Grow(ctx, res.Rim, p.Layers, p.GrowthIncrement); err != nil {
		return nil, &StageError{Stage: StageGrow, Err: err}
	}
	if !res.LayerIndex.Grid.Equal(grid) {
		return nil, &StageError{Stage: StageGrow,
			Err: fmt.Errorf("layer index grid %s differs from %s", res.LayerIndex.Grid, grid)}
	}

	log.Info("Step 8: Compositing cumulative layer boundaries...")
	if p.Debug && assembler != nil {
		remapped := layers.RemapVolume(res.LayerIndex, res.WhiteSolid, p.Convention)
		if err := assembler.Write(output.Labels(output.LayerPlusWhiteName, remapped)); err != nil {
			return nil, &StageError{Stage: StageOutput, Err: err}
		}
	}
	maskVoxels := make([]int, p.Layers+1)
	opts := layers.CompositeOptions{
		NumCores: p.NumCores,
		OnMask: func(i int, mask *models.Volume) error {
			maskVoxels[i] = mask.Count()
			if p.Debug && assembler != nil {
				return assembler.Write(output.Mask(output.LayerDebugName(i), mask))
			}
			return nil
		},
	}
	res.Boundaries, err = layers.Composite(ctx, res.LayerIndex, res.WhiteSolid, res.Ribbon,
		p.Layers, p.Convention, r.Transformer, opts)
	if err != nil {
		return nil, &StageError{Stage: StageComposite, Err: err}
	}

	if assembler != nil {
		log.Infof("Step 9: Writing outputs to %s...", p.OutputDir)
		err := assembler.Write(
			output.Mask(output.WhiteLineName, res.WhiteLine),
			output.Mask(output.PialLineName, res.PialLine),
			output.Mask(output.WhiteLabelName, res.WhiteSolid),
			output.Mask(output.PialLabelName, res.PialSolid),
			output.Mask(output.RibbonName, res.Ribbon),
			output.Labels(output.RimName, res.Rim),
			output.Labels(output.LayersName, res.LayerIndex),
			output.Levelsets(output.BoundariesName, res.Boundaries),
			output.Mesh(output.SurfaceName(r.hemisphere, "white", white), white),
			output.Mesh(output.SurfaceName(r.hemisphere, "pial", pial), pial),
		)
		if err != nil {
			return nil, &StageError{Stage: StageOutput, Err: err}
		}
		res.Files = assembler.Written()
	}

	res.Metrics = newMetrics(whiteRepair, pialRepair, rb, maskVoxels)
	res.Metrics.Log()
	return res, nil
}
