// Package nifti reads and writes single-file NIfTI-1 images (.nii and
// .nii.gz), the format the layer grower consumes and produces.
package nifti

import (
	"bytes"
	"fmt"
	"math"

	"cortexlayers/internal/models"
)

const (
	headerSize = 348
	// image data starts after the header and an empty 4-byte extension flag
	dataOffset = 352
)

// Datatype is the NIfTI datatype code of the stored voxels
type Datatype int16

// Supported datatype codes
const (
	Uint8   Datatype = 2
	Int16   Datatype = 4
	Int32   Datatype = 8
	Float32 Datatype = 16
	Float64 Datatype = 64
	Int8    Datatype = 256
	Uint16  Datatype = 512
	Uint32  Datatype = 768
)

// bitpix returns the size in bits of one voxel of the datatype
func (d Datatype) bitpix() (int16, error) {
	switch d {
	case Uint8, Int8:
		return 8, nil
	case Int16, Uint16:
		return 16, nil
	case Int32, Uint32, Float32:
		return 32, nil
	case Float64:
		return 64, nil
	default:
		return 0, fmt.Errorf("unsupported NIfTI datatype %d", d)
	}
}

// Header mirrors the 348-byte NIfTI-1 header layout
type Header struct {
	SizeofHdr    int32
	DataType     [10]byte
	DbName       [18]byte
	Extents      int32
	SessionError int16
	Regular      byte
	DimInfo      byte
	Dim          [8]int16
	IntentP1     float32
	IntentP2     float32
	IntentP3     float32
	IntentCode   int16
	Datatype     Datatype
	Bitpix       int16
	SliceStart   int16
	Pixdim       [8]float32
	VoxOffset    float32
	SclSlope     float32
	SclInter     float32
	SliceEnd     int16
	SliceCode    byte
	XyztUnits    byte
	CalMax       float32
	CalMin       float32
	SliceDur     float32
	Toffset      float32
	Glmax        int32
	Glmin        int32
	Descrip      [80]byte
	AuxFile      [24]byte
	QformCode    int16
	SformCode    int16
	QuaternB     float32
	QuaternC     float32
	QuaternD     float32
	QoffsetX     float32
	QoffsetY     float32
	QoffsetZ     float32
	SrowX        [4]float32
	SrowY        [4]float32
	SrowZ        [4]float32
	IntentName   [16]byte
	Magic        [4]byte
}

// Frames returns the number of volumes along the 4th axis
func (h *Header) Frames() int {
	if h.Dim[0] >= 4 && h.Dim[4] > 1 {
		return int(h.Dim[4])
	}
	return 1
}

// Grid returns the voxel lattice and voxel-to-world affine of the image.
// The sform is used when set, otherwise the qform, otherwise a plain
// scaling by the voxel sizes.
func (h *Header) Grid() models.Grid {
	dims := [3]int{1, 1, 1}
	for i := 0; i < 3 && i < int(h.Dim[0]); i++ {
		dims[i] = int(h.Dim[i+1])
	}

	switch {
	case h.SformCode > 0:
		affine := models.IdentityAffine()
		for c := 0; c < 4; c++ {
			affine[0][c] = float64(h.SrowX[c])
			affine[1][c] = float64(h.SrowY[c])
			affine[2][c] = float64(h.SrowZ[c])
		}
		return models.NewGrid(dims, affine)
	case h.QformCode > 0:
		return models.NewGrid(dims, h.qformAffine())
	default:
		affine := models.IdentityAffine()
		for i := 0; i < 3; i++ {
			affine[i][i] = float64(h.Pixdim[i+1])
		}
		return models.NewGrid(dims, affine)
	}
}

// qformAffine builds the affine from the quaternion representation
func (h *Header) qformAffine() [4][4]float64 {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// 180 degree rotation, renormalise the vector part
		n := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	qfac := float64(h.Pixdim[0])
	if qfac == 0 {
		qfac = 1
	}
	dx, dy, dz := float64(h.Pixdim[1]), float64(h.Pixdim[2]), qfac*float64(h.Pixdim[3])

	affine := models.IdentityAffine()
	rot := [3][3]float64{
		{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
		{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
		{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
	}
	scale := [3]float64{dx, dy, dz}
	for r := 0; r < 3; r++ {
		for col := 0; col < 3; col++ {
			affine[r][col] = rot[r][col] * scale[col]
		}
	}
	affine[0][3] = float64(h.QoffsetX)
	affine[1][3] = float64(h.QoffsetY)
	affine[2][3] = float64(h.QoffsetZ)
	return affine
}

// newHeader fills a header for grid g with the given number of frames
func newHeader(g models.Grid, frames int, dtype Datatype, description string) (*Header, error) {
	bitpix, err := dtype.bitpix()
	if err != nil {
		return nil, err
	}

	h := &Header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  dtype,
		Bitpix:    bitpix,
		VoxOffset: dataOffset,
		SclSlope:  1,
		XyztUnits: 2 | 8, // mm, seconds
		SformCode: 1,
	}

	for i, d := range g.Dims {
		if d < 1 || d > math.MaxInt16 {
			return nil, fmt.Errorf("grid dim %d is %d, NIfTI-1 allows 1..%d", i, d, math.MaxInt16)
		}
	}
	if frames < 1 || frames > math.MaxInt16 {
		return nil, fmt.Errorf("frame count %d outside 1..%d", frames, math.MaxInt16)
	}

	h.Dim[0] = 3
	for i := 0; i < 3; i++ {
		h.Dim[i+1] = int16(g.Dims[i])
	}
	h.Dim[4], h.Dim[5], h.Dim[6], h.Dim[7] = 1, 1, 1, 1
	if frames > 1 {
		h.Dim[0] = 4
		h.Dim[4] = int16(frames)
	}

	size := g.VoxelSize()
	h.Pixdim[0] = 1
	for i := 0; i < 3; i++ {
		h.Pixdim[i+1] = float32(size[i])
	}
	h.Pixdim[4] = 1

	for c := 0; c < 4; c++ {
		h.SrowX[c] = float32(g.Affine[0][c])
		h.SrowY[c] = float32(g.Affine[1][c])
		h.SrowZ[c] = float32(g.Affine[2][c])
	}

	copy(h.Descrip[:], description)
	copy(h.Magic[:], "n+1\x00")
	return h, nil
}

// checkDims rejects dimension fields that cannot describe a voxel lattice
func (h *Header) checkDims() error {
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return fmt.Errorf("invalid dim[0] %d (must be 1..7)", h.Dim[0])
	}
	for i := 1; i <= 3 && i <= int(h.Dim[0]); i++ {
		if h.Dim[i] < 1 {
			return fmt.Errorf("invalid dim[%d] %d (must be positive)", i, h.Dim[i])
		}
	}
	if h.Dim[0] >= 4 && h.Dim[4] < 1 {
		return fmt.Errorf("invalid dim[4] %d (must be positive)", h.Dim[4])
	}
	return nil
}

// checkMagic verifies the header is a single-file NIfTI-1 header
func (h *Header) checkMagic() error {
	if !bytes.Equal(h.Magic[:3], []byte("n+1")) {
		return fmt.Errorf("not a single-file NIfTI-1 image (magic %q)", h.Magic[:3])
	}
	return nil
}
