// Package config builds the immutable pipeline context: thresholds, noise op
// sequence and label lookup tables. Everything here is fully initialized
// before the workers start and never mutated afterwards, so it is shared
// read-only without locking.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"imageprep/noise"
)

// Pipeline is the shared context passed into every worker. Construct it with
// Default(), then apply the CLI surface and an optional config document.
type Pipeline struct {
	SrcDir string
	DstDir string

	// Expected frame geometry, taken from the source tree's meta.json.
	Width  int
	Height int
	FOV    float64

	// Depth value assigned to background pixels, in meters.
	BackgroundDepthM float32
	// When true, background depths are only clamped down to
	// BackgroundDepthM; nearer values are left untouched. When false every
	// background pixel is overwritten with BackgroundDepthM.
	BgFarClampMode bool
	// Frames with fewer body pixels than this are dropped.
	MinBodySizePx int
	// Frames where fewer than this percent of body pixels changed relative
	// to the previous frame are dropped.
	MinBodyChangePercent float32
	// Mirror enables the left-right flipped output variant per frame.
	Mirror bool

	Seed          int64
	MaxFrameCount uint64
	Threads       int

	// Output format selection.
	WriteHalfFloat  bool
	WritePalettized bool
	WritePFM        bool

	NoiseOps []noise.Op

	// GreyToID maps a label PNG grey value to a label id; entries holding
	// InvalidLabel have no mapping and are a fatal error when encountered.
	GreyToID [256]uint8
	// LeftToRight swaps anatomically sided label ids for mirrored frames.
	// Unsided labels map to themselves.
	LeftToRight [256]uint8

	// Labels holds the label-map entries (minus their "inputs" field) for
	// merging into the output meta.json.
	Labels []map[string]any
}

// InvalidLabel is the GreyToID sentinel for grey values with no mapping.
const InvalidLabel = 0xff

// Default returns a Pipeline with the stock thresholds and output formats.
func Default() *Pipeline {
	return &Pipeline{
		BackgroundDepthM:     1000.0,
		MinBodySizePx:        3000,
		MinBodyChangePercent: 0.1,
		Mirror:               true,
		MaxFrameCount:        ^uint64(0),
		WriteHalfFloat:       true,
		WritePalettized:      true,
	}
}

// document is the on-disk config file shape.
type document struct {
	Properties *properties       `json:"properties"`
	Noise      []json.RawMessage `json:"noise"`
}

type properties struct {
	BackgroundDepthM     *float64 `json:"background_depth_m"`
	BgFarClampMode       *bool    `json:"bg_far_clamp_mode"`
	MinBodySizePx        *int     `json:"min_body_size_px"`
	MinBodyChangePercent *float64 `json:"min_body_change_percent"`
	NoFlip               *bool    `json:"no_flip"`
}

// ApplyFile overlays a JSON config document onto cfg. Absent properties keep
// their current values; a malformed document or noise op is fatal to setup.
func (cfg *Pipeline) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}

	if p := doc.Properties; p != nil {
		if p.BackgroundDepthM != nil {
			cfg.BackgroundDepthM = float32(*p.BackgroundDepthM)
		}
		if p.BgFarClampMode != nil {
			cfg.BgFarClampMode = *p.BgFarClampMode
		}
		if p.MinBodySizePx != nil {
			cfg.MinBodySizePx = *p.MinBodySizePx
		}
		if p.MinBodyChangePercent != nil {
			cfg.MinBodyChangePercent = float32(*p.MinBodyChangePercent)
		}
		if p.NoFlip != nil {
			cfg.Mirror = !*p.NoFlip
		}
	}

	ops, err := ParseNoiseOps(doc.Noise)
	if err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	cfg.NoiseOps = ops

	return nil
}

type noiseDoc struct {
	Type       string   `json:"type"`
	FWTMRangeM *float64 `json:"fwtm_range_map_m"`
	Freq       *float64 `json:"freq"`
	Octaves    *int     `json:"octaves"`
	AmplitudeM *float64 `json:"amplitude_m"`
}

// ParseNoiseOps decodes the config document's "noise" array into the op
// sequence, validating required parameters per type.
func ParseNoiseOps(raw []json.RawMessage) ([]noise.Op, error) {
	ops := make([]noise.Op, 0, len(raw))
	for i, msg := range raw {
		var doc noiseDoc
		if err := json.Unmarshal(msg, &doc); err != nil {
			return nil, fmt.Errorf("noise op %d: %w", i, err)
		}
		switch doc.Type {
		case "":
			return nil, fmt.Errorf("noise op %d missing \"type\"", i)
		case "foreground-edge-swizzle":
			ops = append(ops, noise.EdgeSwizzle{})
		case "gaussian":
			if doc.FWTMRangeM == nil {
				return nil, fmt.Errorf("gaussian noise op missing 'fwtm_range_map_m' value")
			}
			ops = append(ops, noise.Gaussian{FWTMRangeM: *doc.FWTMRangeM})
		case "perlin":
			if doc.Freq == nil {
				return nil, fmt.Errorf("perlin noise op missing 'freq' value")
			}
			if doc.AmplitudeM == nil {
				return nil, fmt.Errorf("perlin noise op missing 'amplitude_m' value")
			}
			octaves := 1
			if doc.Octaves != nil {
				octaves = *doc.Octaves
			}
			ops = append(ops, noise.Perlin{
				Freq:       *doc.Freq,
				Octaves:    octaves,
				AmplitudeM: *doc.AmplitudeM,
			})
		default:
			return nil, fmt.Errorf("unknown noise type %q", doc.Type)
		}
	}
	return ops, nil
}
