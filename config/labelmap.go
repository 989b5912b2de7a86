package config

import (
	"encoding/json"
	"fmt"
	"os"

	"imageprep/codec"
)

// labelEntry is one entry of the label map file. The entry's index in the
// array is its label id. Inputs lists the grey values that map to this
// label in source PNGs. Flip optionally names the opposite-side label
// (e.g. "left hand" <-> "right hand") for mirrored frames.
type labelEntry struct {
	Name   string `json:"name"`
	Inputs []int  `json:"inputs"`
	Flip   string `json:"flip"`
}

// LoadLabelMap reads the label map JSON and fills cfg's grey->id and
// left<->right lookup tables, plus the pruned entries for the output
// meta.json. Any inconsistency in the map is fatal to setup.
func (cfg *Pipeline) LoadLabelMap(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading label map %s: %w", path, err)
	}

	var entries []labelEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parsing label map %s: %w", path, err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("label map %s contains no labels", path)
	}
	if len(entries) > 255 {
		return fmt.Errorf("label map %s has %d labels, at most 255 supported", path, len(entries))
	}
	if cfg.WritePalettized && len(entries) > len(codec.Palette) {
		return fmt.Errorf("label map %s has %d labels, palettized output supports at most %d (write greyscale labels instead)",
			path, len(entries), len(codec.Palette))
	}

	for i := range cfg.GreyToID {
		cfg.GreyToID[i] = InvalidLabel
	}

	byName := make(map[string]uint8, len(entries))
	for id, entry := range entries {
		if entry.Name == "" {
			return fmt.Errorf("label %d has no name", id)
		}
		if _, dup := byName[entry.Name]; dup {
			return fmt.Errorf("duplicate label name %q", entry.Name)
		}
		byName[entry.Name] = uint8(id)

		if len(entry.Inputs) == 0 {
			return fmt.Errorf("label %q maps no input grey values", entry.Name)
		}
		for _, grey := range entry.Inputs {
			if grey < 0 || grey > 255 {
				return fmt.Errorf("label %q input grey value %d out of range", entry.Name, grey)
			}
			if cfg.GreyToID[grey] != InvalidLabel {
				return fmt.Errorf("grey value %d mapped by both %q and %q",
					grey, entries[cfg.GreyToID[grey]].Name, entry.Name)
			}
			cfg.GreyToID[grey] = uint8(id)
		}
	}

	// Unsided labels flip to themselves.
	for id := range entries {
		cfg.LeftToRight[id] = uint8(id)
	}
	for id, entry := range entries {
		if entry.Flip == "" {
			continue
		}
		opposite, ok := byName[entry.Flip]
		if !ok {
			return fmt.Errorf("label %q flips to unknown label %q", entry.Name, entry.Flip)
		}
		cfg.LeftToRight[id] = opposite
	}
	for id := range entries {
		if cfg.LeftToRight[cfg.LeftToRight[id]] != uint8(id) {
			return fmt.Errorf("label flip mapping for %q is not symmetric", entries[id].Name)
		}
	}

	// Keep the entries for the output meta.json, minus the input mappings
	// which make no sense to carry into the processed data set.
	cfg.Labels = make([]map[string]any, 0, len(entries))
	var rawEntries []map[string]any
	if err := json.Unmarshal(data, &rawEntries); err != nil {
		return fmt.Errorf("parsing label map %s: %w", path, err)
	}
	for _, raw := range rawEntries {
		delete(raw, "inputs")
		cfg.Labels = append(cfg.Labels, raw)
	}

	return nil
}
