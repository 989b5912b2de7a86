package types

import (
	"fmt"

	"github.com/x448/float16"
)

// BackgroundID is the reserved label id meaning "not body".
const BackgroundID = 0

// ImageFormat describes what one sample in an Image buffer is.
type ImageFormat int

const (
	// Label8 is one 8-bit label id per pixel.
	Label8 ImageFormat = iota
	// DepthFloat32 is one 32-bit float depth (meters) per pixel.
	DepthFloat32
	// DepthHalf16 is one 16-bit half-float depth (meters) per pixel.
	DepthHalf16
)

func (f ImageFormat) String() string {
	switch f {
	case Label8:
		return "label8"
	case DepthFloat32:
		return "depth-float32"
	case DepthHalf16:
		return "depth-half16"
	}
	return fmt.Sprintf("ImageFormat(%d)", int(f))
}

// SampleSize returns the size of one pixel sample in bytes.
func (f ImageFormat) SampleSize() int {
	switch f {
	case Label8:
		return 1
	case DepthFloat32:
		return 4
	case DepthHalf16:
		return 2
	}
	return 0
}

// Image is an owned, format-tagged pixel buffer with row-stride addressing.
// Exactly one of U8/F32/H16 is allocated, matching Format. An Image is never
// shared between goroutines; noise ops mutate it in place.
type Image struct {
	Format ImageFormat
	Width  int
	Height int
	// Stride is the number of samples per row. Rows are tightly packed, so
	// Stride == Width, but all addressing goes through it anyway.
	Stride int

	U8  []uint8
	F32 []float32
	H16 []uint16
}

// NewImage allocates a zeroed buffer for the given format and dimensions.
func NewImage(format ImageFormat, width, height int) *Image {
	img := &Image{
		Format: format,
		Width:  width,
		Height: height,
		Stride: width,
	}
	switch format {
	case Label8:
		img.U8 = make([]uint8, width*height)
	case DepthFloat32:
		img.F32 = make([]float32, width*height)
	case DepthHalf16:
		img.H16 = make([]uint16, width*height)
	}
	return img
}

// Row8 returns the y'th row of a Label8 image.
func (im *Image) Row8(y int) []uint8 {
	return im.U8[y*im.Stride : y*im.Stride+im.Width]
}

// RowF32 returns the y'th row of a DepthFloat32 image.
func (im *Image) RowF32(y int) []float32 {
	return im.F32[y*im.Stride : y*im.Stride+im.Width]
}

// At8 returns the label id at (x, y).
func (im *Image) At8(x, y int) uint8 {
	return im.U8[y*im.Stride+x]
}

// Set8 stores a label id at (x, y).
func (im *Image) Set8(x, y int, v uint8) {
	im.U8[y*im.Stride+x] = v
}

// AtF32 returns the depth at (x, y).
func (im *Image) AtF32(x, y int) float32 {
	return im.F32[y*im.Stride+x]
}

// SetF32 stores a depth at (x, y).
func (im *Image) SetF32(x, y int, v float32) {
	im.F32[y*im.Stride+x] = v
}

// Clone returns an independent copy of the image.
func (im *Image) Clone() *Image {
	out := NewImage(im.Format, im.Width, im.Height)
	out.CopyFrom(im)
	return out
}

// CopyFrom copies src's pixels into im. Both images must have the same
// format and dimensions; the declared format of a buffer never changes
// after allocation.
func (im *Image) CopyFrom(src *Image) {
	if im.Format != src.Format || im.Width != src.Width || im.Height != src.Height {
		panic(fmt.Sprintf("image copy mismatch: %s %dx%d <- %s %dx%d",
			im.Format, im.Width, im.Height, src.Format, src.Width, src.Height))
	}
	switch im.Format {
	case Label8:
		copy(im.U8, src.U8)
	case DepthFloat32:
		copy(im.F32, src.F32)
	case DepthHalf16:
		copy(im.H16, src.H16)
	}
}

// ToHalf converts a DepthFloat32 image to a DepthHalf16 one.
func (im *Image) ToHalf() *Image {
	out := NewImage(DepthHalf16, im.Width, im.Height)
	for i, v := range im.F32 {
		out.H16[i] = float16.Fromfloat32(v).Bits()
	}
	return out
}

// InputFrame is one source frame discovered by the scanner. Immutable once
// created. FrameNo is the global sequence number assigned at scan time.
type InputFrame struct {
	FrameNo int
	// Path is the label file name within the work unit's directory.
	Path string
}

// WorkUnit is the set of frames from one source directory. Frames sharing a
// directory are diffed against each other to drop redundant frames, so a
// unit is always consumed in order by a single worker.
type WorkUnit struct {
	// Dir is the directory path relative to the labels tree root.
	Dir    string
	Frames []InputFrame
}
