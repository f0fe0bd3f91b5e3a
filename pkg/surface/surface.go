// Package surface prepares boundary meshes for voxelisation.
package surface

import (
	"fmt"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"cortexlayers/internal/models"
)

// Hemisphere returns "lh" or "rh" from a FreeSurfer surface file name such
// as "lh.white"
func Hemisphere(path string) (string, error) {
	base := filepath.Base(path)
	hemi := strings.TrimSuffix(base, filepath.Ext(base))
	if hemi != "lh" && hemi != "rh" {
		return "", fmt.Errorf("could not identify hemisphere from file name %q", base)
	}
	return hemi, nil
}

// LinearUpsampler densifies a mesh by splitting every triangle into four
// at its edge midpoints. New vertices lie on the original faces, so the
// surface shape is unchanged while the vertex spacing halves each
// iteration, which closes gaps in the rasterized trace.
type LinearUpsampler struct{}

// Upsample implements the mesh upsampling collaborator
func (LinearUpsampler) Upsample(s *models.Surface, iterations int) (*models.Surface, error) {
	if iterations < 0 {
		return nil, fmt.Errorf("iteration count must not be negative, got %d", iterations)
	}
	out := s.Clone()
	if iterations == 0 {
		return out, nil
	}
	if len(s.Faces) == 0 {
		return nil, fmt.Errorf("surface %s has no faces to subdivide", s.Name)
	}

	for i := 0; i < iterations; i++ {
		out = subdivide(out)
	}
	return out, nil
}

// subdivide performs one midpoint subdivision step
func subdivide(s *models.Surface) *models.Surface {
	out := &models.Surface{
		Name:     s.Name,
		Vertices: make([]r3.Vec, len(s.Vertices), len(s.Vertices)+3*len(s.Faces)/2),
		Faces:    make([][3]int, 0, 4*len(s.Faces)),
	}
	copy(out.Vertices, s.Vertices)

	midpoints := make(map[[2]int]int)
	midpoint := func(a, b int) int {
		key := [2]int{a, b}
		if b < a {
			key = [2]int{b, a}
		}
		if idx, ok := midpoints[key]; ok {
			return idx
		}
		idx := len(out.Vertices)
		out.Vertices = append(out.Vertices, r3.Scale(0.5, r3.Add(s.Vertices[a], s.Vertices[b])))
		midpoints[key] = idx
		return idx
	}

	for _, f := range s.Faces {
		ab := midpoint(f[0], f[1])
		bc := midpoint(f[1], f[2])
		ca := midpoint(f[2], f[0])
		out.Faces = append(out.Faces,
			[3]int{f[0], ab, ca},
			[3]int{ab, f[1], bc},
			[3]int{ca, bc, f[2]},
			[3]int{ab, bc, ca},
		)
	}
	return out
}
