// Package codec reads and writes the pipeline's on-disk image formats:
// 8-bit label PNGs (greyscale or palettized), single-channel depth EXRs
// (float or half, uncompressed scanlines) and float PFMs.
package codec

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"

	"github.com/kovidgoyal/imaging"

	"imageprep/types"
)

// Palette is the fixed colour table used for palettized label PNG output.
// Index == label id.
var Palette = color.Palette{
	color.RGBA{0x21, 0x21, 0x21, 0xff},
	color.RGBA{0xd1, 0x15, 0x40, 0xff},
	color.RGBA{0xda, 0x1d, 0x0e, 0xff},
	color.RGBA{0xdd, 0x5d, 0x1e, 0xff},
	color.RGBA{0x49, 0xa2, 0x24, 0xff},
	color.RGBA{0x29, 0xdc, 0xe3, 0xff},
	color.RGBA{0x02, 0x68, 0xc2, 0xff},
	color.RGBA{0x90, 0x29, 0xf9, 0xff},
	color.RGBA{0xff, 0x00, 0xcf, 0xff},
	color.RGBA{0xef, 0xd2, 0x37, 0xff},
	color.RGBA{0x92, 0xa1, 0x3a, 0xff},
	color.RGBA{0x48, 0x21, 0xeb, 0xff},
	color.RGBA{0x2f, 0x93, 0xe5, 0xff},
	color.RGBA{0x1d, 0x6b, 0x0e, 0xff},
	color.RGBA{0x07, 0x66, 0x4b, 0xff},
	color.RGBA{0xfc, 0xaa, 0x98, 0xff},
	color.RGBA{0xb6, 0x85, 0x91, 0xff},
	color.RGBA{0xab, 0xae, 0xf1, 0xff},
	color.RGBA{0x5c, 0x62, 0xe0, 0xff},
	color.RGBA{0x48, 0xf7, 0x36, 0xff},
	color.RGBA{0xa3, 0x63, 0x0d, 0xff},
	color.RGBA{0x78, 0x1d, 0x07, 0xff},
	color.RGBA{0x5e, 0x3c, 0x00, 0xff},
	color.RGBA{0x9f, 0x9f, 0x60, 0xff},
	color.RGBA{0x51, 0x76, 0x44, 0xff},
	color.RGBA{0xd4, 0x6d, 0x46, 0xff},
	color.RGBA{0xff, 0xfb, 0x7e, 0xff},
	color.RGBA{0xd8, 0x4b, 0x4b, 0xff},
	color.RGBA{0xa9, 0x02, 0x52, 0xff},
	color.RGBA{0x0f, 0xc1, 0x66, 0xff},
	color.RGBA{0x2b, 0x5e, 0x44, 0xff},
	color.RGBA{0x00, 0x9c, 0xad, 0xff},
	color.RGBA{0x00, 0x40, 0xad, 0xff},
	color.RGBA{0xff, 0x5d, 0xaa, 0xff},
}

// ReadLabelPNG loads a label image and returns its raw 8-bit sample values
// (grey levels, or palette indices for indexed PNGs). Mapping samples to
// label ids is the caller's business. The image must match the expected
// dimensions.
func ReadLabelPNG(path string, width, height int) (*types.Image, error) {
	src, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading label PNG %s: %w", path, err)
	}

	b := src.Bounds()
	if b.Dx() != width || b.Dy() != height {
		return nil, fmt.Errorf("label PNG %s is %dx%d, expected %dx%d",
			path, b.Dx(), b.Dy(), width, height)
	}

	img := types.NewImage(types.Label8, width, height)
	switch s := src.(type) {
	case *image.Gray:
		for y := 0; y < height; y++ {
			copy(img.Row8(y), s.Pix[y*s.Stride:y*s.Stride+width])
		}
	case *image.Paletted:
		for y := 0; y < height; y++ {
			copy(img.Row8(y), s.Pix[y*s.Stride:y*s.Stride+width])
		}
	default:
		// Some renderers emit label maps as RGB PNGs with equal channels;
		// collapse to grey and take one channel.
		grey := imaging.Grayscale(src)
		for y := 0; y < height; y++ {
			row := img.Row8(y)
			for x := 0; x < width; x++ {
				row[x] = grey.Pix[y*grey.Stride+x*4]
			}
		}
	}

	return img, nil
}

// WriteLabelPNG writes a Label8 image, palettized through Palette or as
// plain 8-bit greyscale. The destination must not already exist; the writer
// layer checks that before calling here.
func WriteLabelPNG(path string, img *types.Image, palettized bool) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating label PNG %s: %w", path, err)
	}
	defer f.Close()

	rect := image.Rect(0, 0, img.Width, img.Height)
	var out image.Image
	if palettized {
		out = &image.Paletted{
			Pix:     img.U8,
			Stride:  img.Stride,
			Rect:    rect,
			Palette: Palette,
		}
	} else {
		out = &image.Gray{
			Pix:    img.U8,
			Stride: img.Stride,
			Rect:   rect,
		}
	}

	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(f, out); err != nil {
		return fmt.Errorf("encoding label PNG %s: %w", path, err)
	}
	return f.Close()
}
