package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/x448/float16"

	"imageprep/types"
)

// Minimal OpenEXR support: single-part scanline files holding one channel of
// HALF or FLOAT data with no compression. That is exactly what the depth
// renderer emits and what the training tools consume; anything else is
// rejected rather than half-handled.

var exrMagic = []byte{0x76, 0x2f, 0x31, 0x01}

const (
	exrVersion = 2

	exrPixelTypeHalf  = 1
	exrPixelTypeFloat = 2

	exrCompressionNone = 0
)

// ReadDepthEXR loads a single-channel depth EXR as DepthFloat32, converting
// half data up. The image must match the expected dimensions.
func ReadDepthEXR(path string, width, height int) (*types.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading depth EXR %s: %w", path, err)
	}
	img, err := decodeEXR(data)
	if err != nil {
		return nil, fmt.Errorf("depth EXR %s: %w", path, err)
	}
	if img.Width != width || img.Height != height {
		return nil, fmt.Errorf("depth EXR %s is %dx%d, expected %dx%d",
			path, img.Width, img.Height, width, height)
	}
	return img, nil
}

type exrReader struct {
	data []byte
	off  int
}

func (r *exrReader) remaining() int { return len(r.data) - r.off }

func (r *exrReader) take(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, fmt.Errorf("truncated file at offset %d", r.off)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *exrReader) u8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *exrReader) i32() (int32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (r *exrReader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// cstr reads a null-terminated string.
func (r *exrReader) cstr() (string, error) {
	i := bytes.IndexByte(r.data[r.off:], 0)
	if i < 0 {
		return "", fmt.Errorf("unterminated string at offset %d", r.off)
	}
	s := string(r.data[r.off : r.off+i])
	r.off += i + 1
	return s, nil
}

func decodeEXR(data []byte) (*types.Image, error) {
	r := &exrReader{data: data}

	magic, err := r.take(4)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(magic, exrMagic) {
		return nil, fmt.Errorf("not an EXR file")
	}
	version, err := r.i32()
	if err != nil {
		return nil, err
	}
	// Low byte is the format version; flag bits (tiles, deep, multi-part)
	// all describe layouts we don't support.
	if version != exrVersion {
		return nil, fmt.Errorf("unsupported EXR version/flags 0x%x", version)
	}

	pixelType := int32(-1)
	compression := int32(-1)
	width, height := 0, 0
	nChannels := 0

	for {
		name, err := r.cstr()
		if err != nil {
			return nil, err
		}
		if name == "" {
			break
		}
		if _, err := r.cstr(); err != nil { // attribute type
			return nil, err
		}
		size, err := r.i32()
		if err != nil {
			return nil, err
		}
		value, err := r.take(int(size))
		if err != nil {
			return nil, err
		}

		switch name {
		case "channels":
			cr := &exrReader{data: value}
			for {
				chName, err := cr.cstr()
				if err != nil {
					return nil, err
				}
				if chName == "" {
					break
				}
				pt, err := cr.i32()
				if err != nil {
					return nil, err
				}
				// pLinear + reserved + x/y sampling
				if _, err := cr.take(4 + 4 + 4); err != nil {
					return nil, err
				}
				pixelType = pt
				nChannels++
			}
		case "compression":
			c, err := (&exrReader{data: value}).u8()
			if err != nil {
				return nil, err
			}
			compression = int32(c)
		case "dataWindow":
			dw := &exrReader{data: value}
			xMin, _ := dw.i32()
			yMin, _ := dw.i32()
			xMax, _ := dw.i32()
			yMax, err := dw.i32()
			if err != nil {
				return nil, err
			}
			width = int(xMax-xMin) + 1
			height = int(yMax-yMin) + 1
		}
	}

	if nChannels != 1 {
		return nil, fmt.Errorf("expected exactly 1 channel, found %d", nChannels)
	}
	if pixelType != exrPixelTypeHalf && pixelType != exrPixelTypeFloat {
		return nil, fmt.Errorf("unsupported channel pixel type %d", pixelType)
	}
	if compression != exrCompressionNone {
		return nil, fmt.Errorf("unsupported compression %d (only uncompressed scanlines)", compression)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("bad data window %dx%d", width, height)
	}

	// Scanline offset table; we read blocks in order so only its length
	// matters.
	for i := 0; i < height; i++ {
		if _, err := r.u64(); err != nil {
			return nil, err
		}
	}

	sampleSize := 4
	if pixelType == exrPixelTypeHalf {
		sampleSize = 2
	}

	img := types.NewImage(types.DepthFloat32, width, height)
	for i := 0; i < height; i++ {
		y, err := r.i32()
		if err != nil {
			return nil, err
		}
		if int(y) < 0 || int(y) >= height {
			return nil, fmt.Errorf("scanline y=%d outside data window", y)
		}
		blockSize, err := r.i32()
		if err != nil {
			return nil, err
		}
		if int(blockSize) != width*sampleSize {
			return nil, fmt.Errorf("scanline %d has %d bytes, expected %d", y, blockSize, width*sampleSize)
		}
		block, err := r.take(int(blockSize))
		if err != nil {
			return nil, err
		}

		row := img.RowF32(int(y))
		if pixelType == exrPixelTypeFloat {
			for x := 0; x < width; x++ {
				bits := binary.LittleEndian.Uint32(block[x*4:])
				row[x] = math.Float32frombits(bits)
			}
		} else {
			for x := 0; x < width; x++ {
				bits := binary.LittleEndian.Uint16(block[x*2:])
				row[x] = float16.Frombits(bits).Float32()
			}
		}
	}

	return img, nil
}

// WriteDepthEXR writes a DepthFloat32 image as a single-channel scanline
// EXR, as half data when asHalf is set.
func WriteDepthEXR(path string, img *types.Image, asHalf bool) error {
	pixelType := int32(exrPixelTypeFloat)
	sampleSize := 4
	if asHalf {
		pixelType = exrPixelTypeHalf
		sampleSize = 2
	}

	var buf bytes.Buffer
	buf.Write(exrMagic)
	le := binary.LittleEndian
	binary.Write(&buf, le, int32(exrVersion))

	var chlist bytes.Buffer
	chlist.WriteString("Y")
	chlist.WriteByte(0)
	binary.Write(&chlist, le, pixelType)
	binary.Write(&chlist, le, int32(0)) // pLinear + reserved
	binary.Write(&chlist, le, int32(1)) // xSampling
	binary.Write(&chlist, le, int32(1)) // ySampling
	chlist.WriteByte(0)
	writeEXRAttr(&buf, "channels", "chlist", chlist.Bytes())

	writeEXRAttr(&buf, "compression", "compression", []byte{exrCompressionNone})

	var box bytes.Buffer
	binary.Write(&box, le, int32(0))
	binary.Write(&box, le, int32(0))
	binary.Write(&box, le, int32(img.Width-1))
	binary.Write(&box, le, int32(img.Height-1))
	writeEXRAttr(&buf, "dataWindow", "box2i", box.Bytes())
	writeEXRAttr(&buf, "displayWindow", "box2i", box.Bytes())

	writeEXRAttr(&buf, "lineOrder", "lineOrder", []byte{0}) // increasing Y

	var f32 bytes.Buffer
	binary.Write(&f32, le, float32(1.0))
	writeEXRAttr(&buf, "pixelAspectRatio", "float", f32.Bytes())

	var v2f bytes.Buffer
	binary.Write(&v2f, le, float32(0))
	binary.Write(&v2f, le, float32(0))
	writeEXRAttr(&buf, "screenWindowCenter", "v2f", v2f.Bytes())
	writeEXRAttr(&buf, "screenWindowWidth", "float", f32.Bytes())

	buf.WriteByte(0) // end of header

	// Offset table, then scanline blocks.
	blockSize := 8 + img.Width*sampleSize
	firstBlock := uint64(buf.Len() + 8*img.Height)
	for y := 0; y < img.Height; y++ {
		binary.Write(&buf, le, firstBlock+uint64(y*blockSize))
	}

	scanline := make([]byte, img.Width*sampleSize)
	for y := 0; y < img.Height; y++ {
		binary.Write(&buf, le, int32(y))
		binary.Write(&buf, le, int32(img.Width*sampleSize))
		row := img.RowF32(y)
		if asHalf {
			for x, v := range row {
				le.PutUint16(scanline[x*2:], float16.Fromfloat32(v).Bits())
			}
		} else {
			for x, v := range row {
				le.PutUint32(scanline[x*4:], math.Float32bits(v))
			}
		}
		buf.Write(scanline)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing depth EXR %s: %w", path, err)
	}
	return nil
}

func writeEXRAttr(buf *bytes.Buffer, name, typ string, value []byte) {
	buf.WriteString(name)
	buf.WriteByte(0)
	buf.WriteString(typ)
	buf.WriteByte(0)
	binary.Write(buf, binary.LittleEndian, int32(len(value)))
	buf.Write(value)
}
