package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// affineTolerance is the largest per-entry difference at which two affines
// are still considered the same grid.
const affineTolerance = 1e-6

// Grid represents the voxel lattice of the reference volume.
// Every volume produced while building layers shares one Grid.
type Grid struct {
	// Dims is the number of voxels along x, y and z
	Dims [3]int

	// Affine maps homogeneous voxel indices (i, j, k, 1) to world coordinates
	Affine [4][4]float64
}

// NewGrid creates a grid with the given dimensions and voxel-to-world affine
func NewGrid(dims [3]int, affine [4][4]float64) Grid {
	return Grid{Dims: dims, Affine: affine}
}

// IdentityAffine returns the 4x4 identity transform
func IdentityAffine() [4][4]float64 {
	return [4][4]float64{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// Len returns the number of voxels in the grid
func (g Grid) Len() int {
	return g.Dims[0] * g.Dims[1] * g.Dims[2]
}

// Index returns the flat offset of voxel (x, y, z). x varies fastest.
func (g Grid) Index(x, y, z int) int {
	return x + g.Dims[0]*(y+g.Dims[1]*z)
}

// Coord is the inverse of Index
func (g Grid) Coord(i int) (x, y, z int) {
	plane := g.Dims[0] * g.Dims[1]
	z = i / plane
	rem := i % plane
	y = rem / g.Dims[0]
	x = rem % g.Dims[0]
	return x, y, z
}

// Contains reports whether (x, y, z) lies inside the grid
func (g Grid) Contains(x, y, z int) bool {
	return x >= 0 && x < g.Dims[0] &&
		y >= 0 && y < g.Dims[1] &&
		z >= 0 && z < g.Dims[2]
}

// VoxelSize returns the physical edge length of a voxel along each axis
func (g Grid) VoxelSize() [3]float64 {
	var size [3]float64
	for c := 0; c < 3; c++ {
		size[c] = math.Sqrt(g.Affine[0][c]*g.Affine[0][c] +
			g.Affine[1][c]*g.Affine[1][c] +
			g.Affine[2][c]*g.Affine[2][c])
	}
	return size
}

// AffineMatrix returns the voxel-to-world affine as a gonum matrix
func (g Grid) AffineMatrix() *mat.Dense {
	return affineToDense(g.Affine)
}

// InverseAffine returns the world-to-voxel transform
func (g Grid) InverseAffine() (*mat.Dense, error) {
	var inv mat.Dense
	if err := inv.Inverse(g.AffineMatrix()); err != nil {
		return nil, fmt.Errorf("grid affine is not invertible: %w", err)
	}
	return &inv, nil
}

// TkrAffine returns the FreeSurfer "tkregister" voxel-to-surface-RAS
// transform of this grid. It keeps the rotation and scaling of Affine but
// places the volume center at the origin, which is the space FreeSurfer
// writes surface vertices in.
func (g Grid) TkrAffine() [4][4]float64 {
	tkr := g.Affine
	for r := 0; r < 3; r++ {
		t := 0.0
		for c := 0; c < 3; c++ {
			t -= g.Affine[r][c] * float64(g.Dims[c]) / 2
		}
		tkr[r][3] = t
	}
	return tkr
}

// Equal reports whether both grids have the same dimensions and affines
// that agree within affineTolerance
func (g Grid) Equal(o Grid) bool {
	if g.Dims != o.Dims {
		return false
	}
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			if math.Abs(g.Affine[r][c]-o.Affine[r][c]) > affineTolerance {
				return false
			}
		}
	}
	return true
}

// String formats the grid for log output
func (g Grid) String() string {
	size := g.VoxelSize()
	return fmt.Sprintf("%dx%dx%d @ %.3fx%.3fx%.3f",
		g.Dims[0], g.Dims[1], g.Dims[2], size[0], size[1], size[2])
}

func affineToDense(a [4][4]float64) *mat.Dense {
	data := make([]float64, 0, 16)
	for r := 0; r < 4; r++ {
		data = append(data, a[r][:]...)
	}
	return mat.NewDense(4, 4, data)
}

// DenseToAffine converts a 4x4 gonum matrix back to an affine array
func DenseToAffine(m mat.Matrix) [4][4]float64 {
	var a [4][4]float64
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			a[r][c] = m.At(r, c)
		}
	}
	return a
}
