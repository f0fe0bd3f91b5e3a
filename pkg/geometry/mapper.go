// Package geometry maps surface vertices from world space into voxel index
// space and derives resampled reference grids.
package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"cortexlayers/internal/models"
)

// Space selects the world coordinate system surface vertices are given in
type Space string

const (
	// SpaceScanner means vertices are in the scanner RAS space of the grid affine
	SpaceScanner Space = "scanner"

	// SpaceTkr means vertices are in FreeSurfer tkregister surface RAS space
	SpaceTkr Space = "tkr"
)

// Index is an integer voxel position
type Index struct {
	X, Y, Z int
}

// OutOfGridError reports a vertex that falls outside the reference grid
// after mapping. A vertex is never dropped silently.
type OutOfGridError struct {
	// Vertex is the position of the vertex in its surface, or -1 when the
	// error was raised for a bare index
	Vertex int

	// World is the vertex coordinate before mapping
	World r3.Vec

	// Index is the rounded voxel index
	Index Index

	// Dims are the grid dimensions the index was checked against
	Dims [3]int
}

func (e *OutOfGridError) Error() string {
	if e.Vertex < 0 {
		return fmt.Sprintf("voxel index (%d, %d, %d) outside grid %dx%dx%d",
			e.Index.X, e.Index.Y, e.Index.Z, e.Dims[0], e.Dims[1], e.Dims[2])
	}
	return fmt.Sprintf("vertex %d at (%.3f, %.3f, %.3f) maps to voxel (%d, %d, %d) outside grid %dx%dx%d",
		e.Vertex, e.World.X, e.World.Y, e.World.Z,
		e.Index.X, e.Index.Y, e.Index.Z, e.Dims[0], e.Dims[1], e.Dims[2])
}

// CheckIndex returns an *OutOfGridError if idx is outside dims
func CheckIndex(idx Index, dims [3]int) error {
	if idx.X < 0 || idx.X >= dims[0] ||
		idx.Y < 0 || idx.Y >= dims[1] ||
		idx.Z < 0 || idx.Z >= dims[2] {
		return &OutOfGridError{Vertex: -1, Index: idx, Dims: dims}
	}
	return nil
}

// Round rounds half to even. Both surfaces go through the same rule so the
// inner and outer boundary cannot pick up a relative half-voxel offset.
func Round(v float64) int {
	return int(math.RoundToEven(v))
}

// MapToGrid applies the world-to-voxel transform inv to every vertex and
// rounds each axis independently. It fails with *OutOfGridError on the first
// vertex whose index lies outside [0, dims) and then returns no indices.
func MapToGrid(vertices []r3.Vec, inv mat.Matrix, dims [3]int) ([]Index, error) {
	if r, c := inv.Dims(); r != 4 || c != 4 {
		return nil, fmt.Errorf("world-to-voxel transform must be 4x4, got %dx%d", r, c)
	}
	if len(vertices) == 0 {
		return []Index{}, nil
	}

	// Homogeneous coordinates, one vertex per column
	homog := mat.NewDense(4, len(vertices), nil)
	for i, v := range vertices {
		homog.Set(0, i, v.X)
		homog.Set(1, i, v.Y)
		homog.Set(2, i, v.Z)
		homog.Set(3, i, 1)
	}

	var voxel mat.Dense
	voxel.Mul(inv, homog)

	indices := make([]Index, len(vertices))
	for i := range vertices {
		idx := Index{
			X: Round(voxel.At(0, i)),
			Y: Round(voxel.At(1, i)),
			Z: Round(voxel.At(2, i)),
		}
		if err := CheckIndex(idx, dims); err != nil {
			oog := err.(*OutOfGridError)
			oog.Vertex = i
			oog.World = vertices[i]
			return nil, oog
		}
		indices[i] = idx
	}
	return indices, nil
}

// Mapper maps surfaces onto one reference grid
type Mapper struct {
	grid models.Grid
	inv  *mat.Dense
}

// NewMapper prepares the world-to-voxel transform of g for vertices given in
// the selected space
func NewMapper(g models.Grid, space Space) (*Mapper, error) {
	var affine [4][4]float64
	switch space {
	case SpaceScanner, "":
		affine = g.Affine
	case SpaceTkr:
		affine = g.TkrAffine()
	default:
		return nil, fmt.Errorf("unknown surface space %q (must be %q or %q)", space, SpaceScanner, SpaceTkr)
	}

	src := models.NewGrid(g.Dims, affine)
	inv, err := src.InverseAffine()
	if err != nil {
		return nil, err
	}
	return &Mapper{grid: g, inv: inv}, nil
}

// Map converts the vertices of s to voxel indices of the mapper's grid
func (m *Mapper) Map(s *models.Surface) ([]Index, error) {
	indices, err := MapToGrid(s.Vertices, m.inv, m.grid.Dims)
	if err != nil {
		return nil, fmt.Errorf("mapping surface %s: %w", s.Name, err)
	}
	return indices, nil
}
