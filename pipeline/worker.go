package pipeline

import (
	"fmt"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"imageprep/codec"
	"imageprep/config"
	"imageprep/noise"
	"imageprep/types"
)

// worker processes whole work units, one at a time. It owns its noise engine
// and scratch buffers; nothing here is shared with other workers.
type worker struct {
	cfg     *config.Pipeline
	tracker *Tracker
	out     *writer
	engine  *noise.Engine

	noisyLabels   *types.Image
	noisyDepth    *types.Image
	flippedLabels *types.Image
	flippedDepth  *types.Image
}

func newWorker(cfg *config.Pipeline, tracker *Tracker) *worker {
	return &worker{
		cfg:           cfg,
		tracker:       tracker,
		out:           &writer{cfg: cfg},
		engine:        noise.NewEngine(),
		noisyLabels:   types.NewImage(types.Label8, cfg.Width, cfg.Height),
		noisyDepth:    types.NewImage(types.DepthFloat32, cfg.Width, cfg.Height),
		flippedLabels: types.NewImage(types.Label8, cfg.Width, cfg.Height),
		flippedDepth:  types.NewImage(types.DepthFloat32, cfg.Width, cfg.Height),
	}
}

// loadLabels reads a frame's label PNG and maps its grey values to label
// ids. A grey value with no label-map entry means the input data and label
// map disagree; that is fatal, not skippable.
func (w *worker) loadLabels(dir, name string) (*types.Image, error) {
	path := filepath.Join(w.cfg.SrcDir, "labels", dir, name)
	img, err := codec.ReadLabelPNG(path, w.cfg.Width, w.cfg.Height)
	if err != nil {
		return nil, err
	}

	for y := 0; y < img.Height; y++ {
		row := img.Row8(y)
		for x, grey := range row {
			id := w.cfg.GreyToID[grey]
			if id == config.InvalidLabel {
				return nil, fmt.Errorf("%s: spurious grey value %d doesn't map to a known label", path, grey)
			}
			row[x] = id
		}
	}
	return img, nil
}

func (w *worker) loadDepth(dir, base string) (*types.Image, error) {
	path := filepath.Join(w.cfg.SrcDir, "depth", dir, base+".exr")
	return codec.ReadDepthEXR(path, w.cfg.Width, w.cfg.Height)
}

// processUnit runs a unit's frames strictly in discovery order, holding the
// previous retained label image as the dedup reference. The reference lives
// for the duration of the unit and is dropped when the unit finishes.
func (w *worker) processUnit(unit *types.WorkUnit) error {
	var prev *types.Image
	dirsReady := false

	for i := range unit.Frames {
		frame := &unit.Frames[i]
		flog := log.WithFields(log.Fields{
			"dir":   unit.Dir,
			"frame": frame.Path,
		})

		labels, err := w.loadLabels(unit.Dir, frame.Path)
		if err != nil {
			return err
		}

		if prev != nil {
			nDiff, nBody := frameDiff(labels, prev)
			if nBody == 0 {
				flog.Info("skipping spurious frame with no body pixels")
				continue
			}
			if nBody < w.cfg.MinBodySizePx {
				flog.WithFields(log.Fields{
					"body_px": nBody,
					"min_px":  w.cfg.MinBodySizePx,
				}).Info("skipping frame with too few body pixels")
				continue
			}
			percent := float32(nDiff) * 100.0 / float32(nBody)
			if percent < w.cfg.MinBodyChangePercent {
				flog.WithFields(log.Fields{
					"differing_px": nDiff,
					"body_px":      nBody,
				}).Info("skipping frame too similar to previous frame")
				continue
			}
		}

		// Budget check sits after the retain decision and before any
		// write, so max-frames limits what lands on disk while a frame
		// already past this point completes.
		if w.tracker.BudgetExhausted() {
			break
		}
		w.tracker.Advance()

		prev = labels

		if !dirsReady {
			if err := w.out.ensureDirs(unit.Dir); err != nil {
				return err
			}
			dirsReady = true
		}

		base := trimPNG(frame.Path)
		depth, err := w.loadDepth(unit.Dir, base)
		if err != nil {
			return err
		}

		if err := w.processVariant(unit.Dir, frame.Path, frame.FrameNo*2, labels, depth); err != nil {
			return err
		}

		if w.cfg.Mirror {
			flipLabels(labels, w.flippedLabels, &w.cfg.LeftToRight)
			flipDepth(depth, w.flippedDepth)

			flippedName := base + "-flipped.png"
			err := w.processVariant(unit.Dir, flippedName, frame.FrameNo*2+1,
				w.flippedLabels, w.flippedDepth)
			if err != nil {
				return err
			}
		}

		w.out.saveSidecars(unit.Dir, base)
	}

	return nil
}

// processVariant noises, clamps, guards and writes one augmentation variant.
// labels and depth stay untouched: the noise engine works on scratch copies,
// keeping the dedup reference pristine for the next frame's diff.
func (w *worker) processVariant(dir, name string, outFrameNo int, labels, depth *types.Image) error {
	w.noisyLabels.CopyFrom(labels)
	w.noisyDepth.CopyFrom(depth)

	w.engine.Apply(w.cfg.NoiseOps, w.cfg.Seed, outFrameNo, w.noisyLabels, w.noisyDepth)

	clampDepth(w.cfg, w.noisyLabels, w.noisyDepth)
	if err := sanityCheckFrame(w.cfg, dir, name, w.noisyLabels, w.noisyDepth); err != nil {
		return err
	}

	if err := w.out.saveLabels(dir, name, w.noisyLabels); err != nil {
		return err
	}
	return w.out.saveDepth(dir, trimPNG(name), w.noisyDepth)
}
