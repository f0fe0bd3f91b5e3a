// Package freesurfer reads and writes FreeSurfer triangle surface files
// such as lh.white and rh.pial.
package freesurfer

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/spatial/r3"

	"cortexlayers/internal/models"
)

var triangleMagic = []byte{0xff, 0xff, 0xfe}

// ReadSurface loads a FreeSurfer triangle surface file. The surface is named
// after the file's base name.
func ReadSurface(path string) (*models.Surface, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	s, err := DecodeSurface(bufio.NewReader(file))
	if err != nil {
		return nil, fmt.Errorf("failed to read surface %s: %w", path, err)
	}
	s.Name = filepath.Base(path)
	return s, nil
}

// DecodeSurface parses a triangle surface stream
func DecodeSurface(r *bufio.Reader) (*models.Surface, error) {
	magic := make([]byte, 3)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, err
	}
	if !bytes.Equal(magic, triangleMagic) {
		return nil, fmt.Errorf("not a triangle surface file (magic % x)", magic)
	}

	// creation stamp, then an empty line
	for i := 0; i < 2; i++ {
		if _, err := r.ReadString('\n'); err != nil {
			return nil, fmt.Errorf("failed to read header line: %w", err)
		}
	}

	var counts [2]int32
	if err := binary.Read(r, binary.BigEndian, &counts); err != nil {
		return nil, fmt.Errorf("failed to read vertex and face counts: %w", err)
	}
	nVert, nFace := int(counts[0]), int(counts[1])
	if nVert < 0 || nFace < 0 {
		return nil, fmt.Errorf("invalid counts: %d vertices, %d faces", nVert, nFace)
	}

	coords := make([]float32, 3*nVert)
	if err := binary.Read(r, binary.BigEndian, coords); err != nil {
		return nil, fmt.Errorf("failed to read vertices: %w", err)
	}
	indices := make([]int32, 3*nFace)
	if err := binary.Read(r, binary.BigEndian, indices); err != nil {
		return nil, fmt.Errorf("failed to read faces: %w", err)
	}

	s := &models.Surface{
		Vertices: make([]r3.Vec, nVert),
		Faces:    make([][3]int, nFace),
	}
	for i := range s.Vertices {
		s.Vertices[i] = r3.Vec{
			X: float64(coords[3*i]),
			Y: float64(coords[3*i+1]),
			Z: float64(coords[3*i+2]),
		}
	}
	for i := range s.Faces {
		for k := 0; k < 3; k++ {
			idx := int(indices[3*i+k])
			if idx < 0 || idx >= nVert {
				return nil, fmt.Errorf("face %d references vertex %d of %d", i, idx, nVert)
			}
			s.Faces[i][k] = idx
		}
	}
	return s, nil
}

// WriteSurface saves s as a FreeSurfer triangle surface file
func WriteSurface(path string, s *models.Surface) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	if err := EncodeSurface(w, s); err != nil {
		return fmt.Errorf("failed to write surface %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return file.Close()
}

// EncodeSurface writes the triangle surface format
func EncodeSurface(w io.Writer, s *models.Surface) error {
	if _, err := w.Write(triangleMagic); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "created by cortexlayers\n\n"); err != nil {
		return err
	}

	counts := [2]int32{int32(len(s.Vertices)), int32(len(s.Faces))}
	if err := binary.Write(w, binary.BigEndian, counts); err != nil {
		return err
	}

	coords := make([]float32, 0, 3*len(s.Vertices))
	for _, v := range s.Vertices {
		coords = append(coords, float32(v.X), float32(v.Y), float32(v.Z))
	}
	if err := binary.Write(w, binary.BigEndian, coords); err != nil {
		return err
	}

	indices := make([]int32, 0, 3*len(s.Faces))
	for _, f := range s.Faces {
		indices = append(indices, int32(f[0]), int32(f[1]), int32(f[2]))
	}
	return binary.Write(w, binary.BigEndian, indices)
}
