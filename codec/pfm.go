package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"imageprep/types"
)

// WritePFM writes a DepthFloat32 image as a greyscale PFM ("Pf"). The
// negative scale marks the samples as little endian. PFM has no half
// variant, which is why half-float output and PFM output are mutually
// exclusive at setup.
func WritePFM(path string, img *types.Image) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Pf\n%d %d\n%f\n", img.Width, img.Height, -1.0)

	scanline := make([]byte, img.Width*4)
	for y := 0; y < img.Height; y++ {
		row := img.RowF32(y)
		for x, v := range row {
			binary.LittleEndian.PutUint32(scanline[x*4:], math.Float32bits(v))
		}
		buf.Write(scanline)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing PFM %s: %w", path, err)
	}
	return nil
}
