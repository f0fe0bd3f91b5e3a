package main

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"cortexlayers/pkg/config"
	"cortexlayers/pkg/geometry"
	"cortexlayers/pkg/layers"
	"cortexlayers/pkg/reconstruction"
)

const defaultConfigPath = "cortexlayers.yaml"

// cli carries state shared between the root command and its subcommands
type cli struct {
	configPath string
	verbose    bool
	cfg        *config.Config
}

// runOptions holds the flags of the run command
type runOptions struct {
	reference, white, pial string

	outputDir  string
	layers     int
	cores      int
	vinc       int
	iterations int
	voxelSize  []float64
	space      string
	grower     string
	workDir    string
	debug      bool
	previews   bool
	strict     bool
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "cortexlayers",
		Short: "Equidistant cortical layers from white and pial surfaces.",
		Long: `cortexlayers maps a white matter and a pial surface into the grid of a
reference volume, builds the cortical ribbon between them and splits it
into equidistant layers with LayNii's LN_GROW_LAYERS. The result is a stack
of signed distance fields, one per layer boundary.

Settings are read from a YAML configuration file (--config); flags given on
the command line override it.`,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.loadConfig()
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", defaultConfigPath, "configuration file")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log debug output")

	root.AddCommand(newRunCmd(c), newConfigCmd(c))
	return root
}

func (c *cli) loadConfig() error {
	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		return err
	}
	if c.verbose {
		cfg.Output.Verbose = true
	}
	if cfg.Output.Verbose {
		log.SetLevel(log.DebugLevel)
	}
	c.cfg = cfg
	return nil
}

func newRunCmd(c *cli) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconstruct layers for one hemisphere.",
		Long: `run loads the reference volume and both surfaces, reconstructs the
layers and writes all artifacts to the output directory. Surface file
names must start with the hemisphere, e.g. lh.white and lh.pial.`,
		Args:              cobra.NoArgs,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			o.apply(cmd.Flags(), c.cfg)
			if err := c.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return run(cmd, o, c.cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.reference, "reference", "", "reference NIfTI volume defining the output grid")
	f.StringVar(&o.white, "white", "", "white matter surface (lh.white or rh.white)")
	f.StringVar(&o.pial, "pial", "", "pial surface (lh.pial or rh.pial)")
	f.StringVarP(&o.outputDir, "out", "o", "", "output directory")
	f.IntVarP(&o.layers, "layers", "n", 0, "number of layers")
	f.IntVar(&o.cores, "cores", 0, "number of CPU cores to use")
	f.IntVar(&o.vinc, "vinc", 0, "growth increment passed to the layer grower")
	f.IntVar(&o.iterations, "upsample", 0, "mesh subdivision iterations")
	f.Float64SliceVar(&o.voxelSize, "voxel-size", nil, "target voxel size in mm (x,y,z)")
	f.StringVar(&o.space, "space", "", fmt.Sprintf("surface coordinate space (%s or %s)", geometry.SpaceScanner, geometry.SpaceTkr))
	f.StringVar(&o.grower, "grower", "", "path to LN_GROW_LAYERS")
	f.StringVar(&o.workDir, "workdir", "", "working directory for the layer grower")
	f.BoolVar(&o.debug, "debug", false, "write debug volumes")
	f.BoolVar(&o.previews, "previews", false, "write JPEG previews")
	f.BoolVar(&o.strict, "strict", false, "fail on inconsistent boundaries")
	for _, name := range []string{"reference", "white", "pial"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

// apply copies every flag set on the command line into cfg
func (o *runOptions) apply(flags *pflag.FlagSet, cfg *config.Config) {
	set := flags.Changed
	if set("out") {
		cfg.Output.Dir = o.outputDir
	}
	if set("layers") {
		cfg.Processing.Layers = o.layers
	}
	if set("cores") {
		cfg.Processing.NumCores = o.cores
	}
	if set("vinc") {
		cfg.Processing.GrowthIncrement = o.vinc
	}
	if set("upsample") {
		cfg.Processing.UpsampleIterations = o.iterations
	}
	if set("voxel-size") {
		switch len(o.voxelSize) {
		case 1:
			cfg.Processing.VoxelSize = [3]float64{o.voxelSize[0], o.voxelSize[0], o.voxelSize[0]}
		case 3:
			cfg.Processing.VoxelSize = [3]float64{o.voxelSize[0], o.voxelSize[1], o.voxelSize[2]}
		default:
			// rejected by Validate
			cfg.Processing.VoxelSize = [3]float64{-1, -1, -1}
		}
	}
	if set("space") {
		cfg.Processing.SurfaceSpace = o.space
	}
	if set("grower") {
		cfg.Grower.BinaryPath = o.grower
	}
	if set("workdir") {
		cfg.Grower.WorkDir = o.workDir
	}
	if set("debug") {
		cfg.Output.Debug = o.debug
	}
	if set("previews") {
		cfg.Output.Previews = o.previews
	}
	if set("strict") {
		cfg.Output.Strict = o.strict
	}
}

// params builds the reconstruction parameters from the merged configuration
func (o *runOptions) params(cfg *config.Config) *reconstruction.Params {
	return &reconstruction.Params{
		ReferencePath:      o.reference,
		WhitePath:          o.white,
		PialPath:           o.pial,
		OutputDir:          cfg.Output.Dir,
		NumCores:           cfg.Processing.NumCores,
		Layers:             cfg.Processing.Layers,
		GrowthIncrement:    cfg.Processing.GrowthIncrement,
		VoxelSize:          cfg.Processing.VoxelSize,
		UpsampleIterations: cfg.Processing.UpsampleIterations,
		Space:              geometry.Space(cfg.Processing.SurfaceSpace),
		Convention:         cfg.Convention,
		Strict:             cfg.Output.Strict,
		Debug:              cfg.Output.Debug,
		Previews:           cfg.Output.Previews,
	}
}

func run(cmd *cobra.Command, o *runOptions, cfg *config.Config) error {
	grower := layers.NewExecGrower(cfg.Grower.BinaryPath, cfg.Grower.WorkDir)
	if !grower.IsWorking() {
		return fmt.Errorf("layer grower %q not found", grower.BinaryPath)
	}

	r := reconstruction.NewReconstructor(o.params(cfg), grower)

	log.Infof("Reconstructing %d layers using %d cores", cfg.Processing.Layers, cfg.Processing.NumCores)
	start := time.Now()
	res, err := r.Process(cmd.Context())
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"hemisphere": res.Hemisphere,
		"elapsed":    time.Since(start).Round(time.Millisecond),
	}).Info("Reconstruction completed")
	for _, path := range res.Files {
		cmd.Println(path)
	}
	return nil
}

func newConfigCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:               "config",
		Short:             "Manage the configuration file.",
		DisableAutoGenTag: true,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with default settings.",
		Long: `init writes the default configuration to path, or to the --config
location when no path is given.`,
		Args:              cobra.MaximumNArgs(1),
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			cmd.Printf("Wrote default configuration to %s\n", path)
			return nil
		},
	})
	return cmd
}
