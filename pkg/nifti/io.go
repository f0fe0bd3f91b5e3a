package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"cortexlayers/internal/models"
)

// Image is a decoded NIfTI image. Data is scaled by scl_slope/scl_inter.
type Image struct {
	Header *Header
	Grid   models.Grid
	Frames [][]float64
}

// Volume returns the first frame as a Volume
func (img *Image) Volume() *models.Volume {
	return &models.Volume{Grid: img.Grid, Data: img.Frames[0]}
}

// Stack returns all frames as a 4D stack
func (img *Image) Stack() *models.Stack {
	return &models.Stack{Grid: img.Grid, Frames: img.Frames}
}

// Load reads a .nii or .nii.gz file
func Load(path string) (*Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
		}
		defer zr.Close()
		if raw, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("failed to decompress %s: %w", path, err)
		}
	}

	img, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

// Decode parses an in-memory single-file NIfTI-1 image
func Decode(raw []byte) (*Image, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("file too short for a NIfTI header: %d bytes", len(raw))
	}

	var order binary.ByteOrder = binary.LittleEndian
	if binary.LittleEndian.Uint32(raw[:4]) != headerSize {
		if binary.BigEndian.Uint32(raw[:4]) != headerSize {
			return nil, fmt.Errorf("invalid sizeof_hdr")
		}
		order = binary.BigEndian
	}

	h := &Header{}
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), order, h); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if err := h.checkMagic(); err != nil {
		return nil, err
	}
	if err := h.checkDims(); err != nil {
		return nil, err
	}

	g := h.Grid()
	frames := h.Frames()
	voxels := g.Len()

	bitpix, err := h.Datatype.bitpix()
	if err != nil {
		return nil, err
	}
	frameBytes := voxels * int(bitpix) / 8
	offset := int(h.VoxOffset)
	if offset < headerSize {
		offset = dataOffset
	}
	if len(raw) < offset+frames*frameBytes {
		return nil, fmt.Errorf("image data truncated: need %d bytes, have %d", offset+frames*frameBytes, len(raw))
	}

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope == 0 {
		slope, inter = 1, 0
	}

	img := &Image{Header: h, Grid: g, Frames: make([][]float64, frames)}
	for t := 0; t < frames; t++ {
		start := offset + t*frameBytes
		data, err := decodeFrame(raw[start:start+frameBytes], order, h.Datatype, voxels)
		if err != nil {
			return nil, err
		}
		if slope != 1 || inter != 0 {
			for i := range data {
				data[i] = data[i]*slope + inter
			}
		}
		img.Frames[t] = data
	}
	return img, nil
}

// decodeFrame converts one frame of raw voxel data to float64
func decodeFrame(raw []byte, order binary.ByteOrder, dtype Datatype, n int) ([]float64, error) {
	out := make([]float64, n)
	r := bytes.NewReader(raw)

	var err error
	switch dtype {
	case Uint8:
		buf := make([]uint8, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case Int8:
		buf := make([]int8, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case Int16:
		buf := make([]int16, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case Uint16:
		buf := make([]uint16, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case Int32:
		buf := make([]int32, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case Uint32:
		buf := make([]uint32, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case Float32:
		buf := make([]float32, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float64(v)
		}
	case Float64:
		err = binary.Read(r, order, out)
	default:
		return nil, fmt.Errorf("unsupported NIfTI datatype %d", dtype)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read voxel data: %w", err)
	}
	return out, nil
}

// Encode writes frames on grid g as a little-endian NIfTI-1 image
func Encode(w io.Writer, g models.Grid, frames [][]float64, dtype Datatype, description string) error {
	if len(frames) == 0 {
		return fmt.Errorf("no frames to encode")
	}
	for t, f := range frames {
		if len(f) != g.Len() {
			return fmt.Errorf("frame %d has %d voxels, grid has %d", t, len(f), g.Len())
		}
	}

	h, err := newHeader(g, len(frames), dtype, description)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	// no extensions
	if _, err := bw.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	for _, f := range frames {
		if err := encodeFrame(bw, f, dtype); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// encodeFrame converts float64 voxels to dtype and writes them
func encodeFrame(w io.Writer, data []float64, dtype Datatype) error {
	var buf interface{}
	switch dtype {
	case Uint8:
		b := make([]uint8, len(data))
		for i, v := range data {
			b[i] = uint8(v)
		}
		buf = b
	case Int8:
		b := make([]int8, len(data))
		for i, v := range data {
			b[i] = int8(v)
		}
		buf = b
	case Int16:
		b := make([]int16, len(data))
		for i, v := range data {
			b[i] = int16(v)
		}
		buf = b
	case Uint16:
		b := make([]uint16, len(data))
		for i, v := range data {
			b[i] = uint16(v)
		}
		buf = b
	case Int32:
		b := make([]int32, len(data))
		for i, v := range data {
			b[i] = int32(v)
		}
		buf = b
	case Uint32:
		b := make([]uint32, len(data))
		for i, v := range data {
			b[i] = uint32(v)
		}
		buf = b
	case Float32:
		b := make([]float32, len(data))
		for i, v := range data {
			b[i] = float32(v)
		}
		buf = b
	case Float64:
		buf = data
	default:
		return fmt.Errorf("unsupported NIfTI datatype %d", dtype)
	}
	if err := binary.Write(w, binary.LittleEndian, buf); err != nil {
		return fmt.Errorf("failed to write voxel data: %w", err)
	}
	return nil
}

// Save writes frames to path, gzip-compressed when path ends in .gz
func Save(path string, g models.Grid, frames [][]float64, dtype Datatype, description string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var w io.Writer = file
	var zw *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		zw = gzip.NewWriter(file)
		w = zw
	}

	if err := Encode(w, g, frames, dtype, description); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return err
		}
	}
	return file.Close()
}

// SaveVolume writes a single 3D volume
func SaveVolume(path string, v *models.Volume, dtype Datatype) error {
	return Save(path, v.Grid, [][]float64{v.Data}, dtype, "")
}
