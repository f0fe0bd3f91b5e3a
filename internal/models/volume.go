package models

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// Volume represents a scalar field sampled on a Grid
type Volume struct {
	// Grid is the lattice and affine the data is defined on
	Grid Grid

	// Data is the voxel data as a 1D array, x varying fastest
	Data []float64
}

// NewVolume allocates an all-zero volume on the given grid
func NewVolume(g Grid) *Volume {
	return &Volume{
		Grid: g,
		Data: make([]float64, g.Len()),
	}
}

// At returns the value of voxel (x, y, z)
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Grid.Index(x, y, z)]
}

// Set assigns the value of voxel (x, y, z)
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Grid.Index(x, y, z)] = value
}

// Clone returns a deep copy
func (v *Volume) Clone() *Volume {
	data := make([]float64, len(v.Data))
	copy(data, v.Data)
	return &Volume{Grid: v.Grid, Data: data}
}

// Count returns the number of non-zero voxels
func (v *Volume) Count() int {
	n := 0
	for _, value := range v.Data {
		if value != 0 {
			n++
		}
	}
	return n
}

// CountValue returns the number of voxels equal to value
func (v *Volume) CountValue(value float64) int {
	n := 0
	for _, d := range v.Data {
		if d == value {
			n++
		}
	}
	return n
}

// Stack is a 4D volume: Frames volumes of identical grid stored
// back to back along the last axis
type Stack struct {
	// Grid is shared by every frame
	Grid Grid

	// Frames holds one flat array per 4th-axis position
	Frames [][]float64
}

// Frame returns frame t as a Volume sharing the underlying array
func (s *Stack) Frame(t int) *Volume {
	return &Volume{Grid: s.Grid, Data: s.Frames[t]}
}

// Surface is a triangulated boundary surface in world coordinates.
// Only vertex positions are consumed by the voxelisation stages; faces are
// kept for mesh upsampling.
type Surface struct {
	// Name identifies the surface in logs and output names, e.g. "lh.white"
	Name string

	// Vertices holds vertex positions in world space
	Vertices []r3.Vec

	// Faces holds vertex indices of each triangle
	Faces [][3]int
}

// Clone returns a deep copy
func (s *Surface) Clone() *Surface {
	out := &Surface{
		Name:     s.Name,
		Vertices: make([]r3.Vec, len(s.Vertices)),
		Faces:    make([][3]int, len(s.Faces)),
	}
	copy(out.Vertices, s.Vertices)
	copy(out.Faces, s.Faces)
	return out
}
