// Package pipeline is the augmentation pipeline core: it partitions the
// source tree into per-directory work units, drains them across a bounded
// worker pool, filters near-duplicate frames, applies the configured noise,
// guards the output invariants and writes results idempotently.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"imageprep/config"
	"imageprep/types"
)

// Scan walks the labels tree depth-first and builds one WorkUnit per
// directory that contains label PNGs, assigning each file a monotonically
// increasing global frame number as it is discovered. It returns the units
// and the total number of input frames.
//
// Numbering follows enumeration order. os.ReadDir returns entries sorted by
// filename, so on this implementation the numbering is stable across runs;
// nothing downstream depends on that beyond per-directory ordering.
func Scan(cfg *config.Pipeline) ([]*types.WorkUnit, int, error) {
	var units []*types.WorkUnit
	frameNo := 0

	var recurse func(relPath string) error
	recurse = func(relPath string) error {
		dirPath := filepath.Join(cfg.SrcDir, "labels", relPath)
		entries, err := os.ReadDir(dirPath)
		if err != nil {
			return fmt.Errorf("scanning %s: %w", dirPath, err)
		}

		var unit *types.WorkUnit
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() {
				if err := recurse(filepath.Join(relPath, name)); err != nil {
					return err
				}
				continue
			}
			if !strings.HasSuffix(name, ".png") {
				continue
			}

			if unit == nil {
				unit = &types.WorkUnit{Dir: relPath}
				units = append(units, unit)
			}
			unit.Frames = append(unit.Frames, types.InputFrame{
				FrameNo: frameNo,
				Path:    name,
			})
			frameNo++
		}
		return nil
	}

	if err := recurse(""); err != nil {
		return nil, 0, err
	}
	return units, frameNo, nil
}
