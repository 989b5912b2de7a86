// Package noise implements the configurable sensor-noise synthesis ops that
// are applied to each retained frame before it is written out.
//
// Ops run in their configured order against a scratch copy of the frame's
// label+depth buffers. Randomness is drawn from a generator reseeded with
// seed+outputFrameNo before the first op of every output frame, so the noise
// applied to any given output frame is identical regardless of which worker
// processes it or what it processed before.
package noise

import (
	"math/rand"

	"github.com/aquilax/go-perlin"

	"imageprep/types"
)

// fwtmToSigma relates a Gaussian's full width at tenth of maximum to its
// standard deviation: FWTM ~= 4.29193 * sigma.
const fwtmToSigma = 4.29193

// Op is one noise operator in the configured sequence.
type Op interface {
	Name() string
	apply(e *Engine, rng *rand.Rand, frameSeed int64, labels, depth *types.Image)
}

// Engine applies an op sequence to one frame at a time. It owns the scratch
// snapshots used by the edge swizzle, so each worker needs its own Engine.
type Engine struct {
	labelsSnap *types.Image
	depthSnap  *types.Image
}

func NewEngine() *Engine {
	return &Engine{}
}

// Apply runs ops in order against labels and depth, mutating them in place.
// The caller passes scratch copies; the pristine frame kept for the next
// dedup diff must not be handed in here.
func (e *Engine) Apply(ops []Op, seed int64, outFrameNo int, labels, depth *types.Image) {
	frameSeed := seed + int64(outFrameNo)
	rng := rand.New(rand.NewSource(frameSeed))
	for _, op := range ops {
		op.apply(e, rng, frameSeed, labels, depth)
	}
}

func (e *Engine) snapshot(labels, depth *types.Image) {
	if e.labelsSnap == nil {
		e.labelsSnap = types.NewImage(types.Label8, labels.Width, labels.Height)
		e.depthSnap = types.NewImage(types.DepthFloat32, depth.Width, depth.Height)
	}
	e.labelsSnap.CopyFrom(labels)
	e.depthSnap.CopyFrom(depth)
}

// EdgeSwizzle stochastically erodes/dilates silhouette boundaries: every
// interior non-background pixel with a background pixel somewhere in its
// 8-neighbourhood gets its label and depth overwritten with those of a
// uniformly chosen neighbour. Neighbour lookups read a pre-op snapshot so
// the result doesn't depend on scan order within the pass.
type EdgeSwizzle struct{}

func (EdgeSwizzle) Name() string { return "foreground-edge-swizzle" }

var neighbourOffsets = [8][2]int{
	{-1, -1},
	{0, -1},
	{1, -1},
	{-1, 0},
	{1, 0},
	{-1, 1},
	{0, 1},
	{1, 1},
}

func (EdgeSwizzle) apply(e *Engine, rng *rand.Rand, _ int64, labels, depth *types.Image) {
	e.snapshot(labels, depth)
	in := e.labelsSnap
	inDepth := e.depthSnap

	width := labels.Width
	height := labels.Height

	// The border row/column is left untouched so every inspected pixel has
	// a full 8-neighbourhood.
	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			if in.At8(x, y) == types.BackgroundID {
				continue
			}

			var neighbourLabel [8]uint8
			edge := false
			for i, off := range neighbourOffsets {
				neighbourLabel[i] = in.At8(x+off[0], y+off[1])
				if neighbourLabel[i] == types.BackgroundID {
					edge = true
				}
			}
			if !edge {
				continue
			}

			n := rng.Intn(8)
			labels.Set8(x, y, neighbourLabel[n])
			depth.SetF32(x, y, inDepth.AtF32(x+neighbourOffsets[n][0], y+neighbourOffsets[n][1]))
		}
	}
}

// Gaussian adds independent zero-mean depth noise to every pixel, background
// included. The spread is configured as a full-width-at-tenth-of-maximum
// range in meters; e.g. 0.02m maps to roughly +/-1cm over the FWTM span.
type Gaussian struct {
	FWTMRangeM float64
}

func (Gaussian) Name() string { return "gaussian" }

func (g Gaussian) apply(_ *Engine, rng *rand.Rand, _ int64, _, depth *types.Image) {
	sigmaMM := g.FWTMRangeM * 1000.0 / fwtmToSigma

	for y := 0; y < depth.Height; y++ {
		row := depth.RowF32(y)
		for x := range row {
			deltaMM := rng.NormFloat64() * sigmaMM
			row[x] += float32(deltaMM / 1000.0)
		}
	}
}

// Perlin displaces every depth pixel by deterministic multi-octave Perlin
// noise. The perlin field is seeded with the frame seed, so the displacement
// for a given output frame is reproducible on its own.
type Perlin struct {
	Freq       float64
	Octaves    int
	AmplitudeM float64
}

func (Perlin) Name() string { return "perlin" }

func (p Perlin) apply(_ *Engine, _ *rand.Rand, frameSeed int64, _, depth *types.Image) {
	field := perlin.NewPerlin(2, 2, int32(p.Octaves), frameSeed)

	for y := 0; y < depth.Height; y++ {
		row := depth.RowF32(y)
		for x := range row {
			offsetM := field.Noise2D(float64(x)*p.Freq, float64(y)*p.Freq) * p.AmplitudeM
			row[x] += float32(offsetM)
		}
	}
}
