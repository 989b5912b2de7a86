package pipeline

import (
	"fmt"
	"math"

	"imageprep/config"
	"imageprep/types"
)

// clampDepth normalizes background depth after noise. In far-clamp mode only
// background depths beyond the configured background depth are pulled back;
// otherwise every background pixel is overwritten with it exactly.
func clampDepth(cfg *config.Pipeline, labels, depth *types.Image) {
	bg := cfg.BackgroundDepthM
	for y := 0; y < labels.Height; y++ {
		labelRow := labels.Row8(y)
		depthRow := depth.RowF32(y)
		for x, label := range labelRow {
			if label != types.BackgroundID {
				continue
			}
			if cfg.BgFarClampMode {
				if depthRow[x] > bg {
					depthRow[x] = bg
				}
			} else {
				depthRow[x] = bg
			}
		}
	}
}

// sanityCheckFrame validates the post-noise depth/label invariants. A
// violation means the noise engine corrupted the frame; it is never coerced
// or skipped, it kills the pipeline.
func sanityCheckFrame(cfg *config.Pipeline, dir, frame string, labels, depth *types.Image) error {
	bg := cfg.BackgroundDepthM

	fail := func(msg string) error {
		return &InvariantError{Dir: dir, Frame: frame, Msg: msg}
	}

	for y := 0; y < labels.Height; y++ {
		labelRow := labels.Row8(y)
		depthRow := depth.RowF32(y)
		for x, label := range labelRow {
			d := depthRow[x]
			if math.IsInf(float64(d), 0) || math.IsNaN(float64(d)) {
				return fail(fmt.Sprintf("non-finite depth value at (%d,%d)", x, y))
			}
			if d > bg {
				return fail(fmt.Sprintf("out-of-range depth %f > background depth %f at (%d,%d)", d, bg, x, y))
			}
			if !cfg.BgFarClampMode && label == types.BackgroundID && d != bg {
				return fail(fmt.Sprintf("background pixel at (%d,%d) has depth %f", x, y, d))
			}
			if label != types.BackgroundID && d == bg {
				return fail(fmt.Sprintf("non-background pixel at (%d,%d) has background depth", x, y))
			}
		}
	}
	return nil
}
