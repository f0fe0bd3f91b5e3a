package layers

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"cortexlayers/internal/models"
	"cortexlayers/pkg/nifti"
)

const (
	// DefaultGrowerBinary is the LayNii program that grows equidistant layers
	DefaultGrowerBinary = "LN_GROW_LAYERS"

	rimFileName    = "rim.nii"
	layersFileName = "layers.nii"
)

// Grower splits the interior of a rim volume into n layers and returns a
// volume holding the raw layer index of every voxel
type Grower interface {
	Grow(ctx context.Context, rim *models.Volume, n, vinc int) (*models.Volume, error)
}

// GrowerError reports a failed run of an external grower
type GrowerError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *GrowerError) Error() string {
	msg := fmt.Sprintf("layer grower %q failed: %v", e.Command, e.Err)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *GrowerError) Unwrap() error { return e.Err }

// ExecGrower runs LN_GROW_LAYERS as a child process. The rim and the
// layer index are exchanged as NIfTI files in WorkDir.
type ExecGrower struct {
	BinaryPath string
	// WorkDir receives rim.nii and layers.nii. When empty a temporary
	// directory is created and removed after the run.
	WorkDir    string
}

// NewExecGrower returns a grower for the given binary, defaulting to
// LN_GROW_LAYERS on PATH
func NewExecGrower(binaryPath, workDir string) *ExecGrower {
	if binaryPath == "" {
		binaryPath = DefaultGrowerBinary
	}
	return &ExecGrower{BinaryPath: binaryPath, WorkDir: workDir}
}

// IsWorking reports whether the grower binary can be found
func (g *ExecGrower) IsWorking() bool {
	_, err := exec.LookPath(g.BinaryPath)
	return err == nil
}

// Grow writes the rim, runs the grower and reads back its layer index
func (g *ExecGrower) Grow(ctx context.Context, rim *models.Volume, n, vinc int) (*models.Volume, error) {
	if n < 1 {
		return nil, fmt.Errorf("layer grower needs at least one layer, got %d", n)
	}

	workDir := g.WorkDir
	if workDir == "" {
		tmp, err := os.MkdirTemp("", "cortexlayers-grow-")
		if err != nil {
			return nil, fmt.Errorf("working dir creation error: %w", err)
		}
		defer removeWorkingDir(tmp)
		workDir = tmp
	} else if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("working dir creation error: %w", err)
	}
	log.Debugf("layer grower working dir: %s", workDir)

	rimPath := filepath.Join(workDir, rimFileName)
	layersPath := filepath.Join(workDir, layersFileName)
	if err := nifti.SaveVolume(rimPath, rim, nifti.Int16); err != nil {
		return nil, fmt.Errorf("failed to write rim: %w", err)
	}
	// a stale result must not be mistaken for this run's output
	if err := os.Remove(layersPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to clear %s: %w", layersPath, err)
	}

	cmd := exec.CommandContext(ctx, g.BinaryPath,
		"-rim", rimPath,
		"-vinc", strconv.Itoa(vinc),
		"-N", strconv.Itoa(n),
		"-threeD",
		"-output", layersPath,
	)
	cmd.Dir = workDir
	command := strings.Join(cmd.Args, " ")
	log.Debugf("cmd to run: %s", command)

	stdout, stderr, err := runCmd(cmd)
	if stdout != "" {
		log.Trace(stdout)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, &GrowerError{Command: command, Stderr: stderr, Err: err}
	}

	img, err := nifti.Load(layersPath)
	if err != nil {
		return nil, &GrowerError{Command: command, Stderr: stderr,
			Err: fmt.Errorf("failed to read layer index: %w", err)}
	}
	if img.Grid.Dims != rim.Grid.Dims {
		return nil, &GrowerError{Command: command,
			Err: fmt.Errorf("layer index dims %v do not match rim dims %v", img.Grid.Dims, rim.Grid.Dims)}
	}

	out := img.Volume()
	out.Grid = rim.Grid
	return out, nil
}

func runCmd(cmd *exec.Cmd) (stdout string, stderr string, err error) {
	stdoutBuff := &bytes.Buffer{}
	stderrBuff := &bytes.Buffer{}
	cmd.Stdout = stdoutBuff
	cmd.Stderr = stderrBuff

	err = cmd.Run()
	return stdoutBuff.String(), stderrBuff.String(), err
}

func removeWorkingDir(workingDirPath string) {
	if err := os.RemoveAll(workingDirPath); err != nil {
		log.Debugf("remove working dir %s error: %s", workingDirPath, err.Error())
	} else {
		log.Debugf("removed working dir %s", workingDirPath)
	}
}
