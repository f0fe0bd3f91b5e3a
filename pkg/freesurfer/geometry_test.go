package freesurfer

import (
	"bufio"
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"cortexlayers/internal/models"
)

func tetrahedron() *models.Surface {
	return &models.Surface{
		Vertices: []r3.Vec{
			{X: 0, Y: 0, Z: 0},
			{X: 1.5, Y: 0, Z: 0},
			{X: 0, Y: -2.25, Z: 0},
			{X: 0, Y: 0, Z: 3},
		},
		Faces: [][3]int{{0, 1, 2}, {0, 1, 3}, {0, 2, 3}, {1, 2, 3}},
	}
}

func TestSurfaceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lh.white")
	require.NoError(t, WriteSurface(path, tetrahedron()))

	s, err := ReadSurface(path)
	require.NoError(t, err)
	assert.Equal(t, "lh.white", s.Name)
	assert.Equal(t, tetrahedron().Vertices, s.Vertices)
	assert.Equal(t, tetrahedron().Faces, s.Faces)
}

func TestDecodeSurfaceBadMagic(t *testing.T) {
	_, err := DecodeSurface(bufio.NewReader(bytes.NewReader([]byte{0xff, 0xff, 0xff, '\n', '\n'})))
	assert.Error(t, err)
}

func TestDecodeSurfaceBadFaceIndex(t *testing.T) {
	s := tetrahedron()
	s.Faces[2][1] = 9

	var buf bytes.Buffer
	require.NoError(t, EncodeSurface(&buf, s))
	_, err := DecodeSurface(bufio.NewReader(&buf))
	assert.Error(t, err)
}

func TestDecodeSurfaceTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeSurface(&buf, tetrahedron()))
	raw := buf.Bytes()[:buf.Len()-6]

	_, err := DecodeSurface(bufio.NewReader(bytes.NewReader(raw)))
	assert.Error(t, err)
}
