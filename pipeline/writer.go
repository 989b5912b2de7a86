package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"imageprep/codec"
	"imageprep/config"
	"imageprep/meta"
	"imageprep/types"
)

// writer emits a retained frame's files into the output tree, mirroring the
// input layout. Every write first checks the destination: existing files are
// skipped, never overwritten, so re-running over a partially completed
// output directory is safe and resumes where the interrupted run stopped.
type writer struct {
	cfg *config.Pipeline
}

// exists reports whether a destination file is already present.
func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func trimPNG(name string) string {
	return strings.TrimSuffix(name, ".png")
}

func (w *writer) labelPath(dir, name string) string {
	return filepath.Join(w.cfg.DstDir, "labels", dir, name)
}

func (w *writer) depthPath(dir, name string) string {
	return filepath.Join(w.cfg.DstDir, "depth", dir, name)
}

// ensureDirs creates the unit's label and depth output directories. Called
// lazily, once per unit, on the first retained frame.
func (w *writer) ensureDirs(dir string) error {
	for _, p := range []string{
		filepath.Join(w.cfg.DstDir, "labels", dir),
		filepath.Join(w.cfg.DstDir, "depth", dir),
	} {
		if err := os.MkdirAll(p, 0o777); err != nil {
			return fmt.Errorf("creating output directory %s: %w", p, err)
		}
	}
	return nil
}

// saveLabels writes the label PNG unless it already exists.
func (w *writer) saveLabels(dir, name string, labels *types.Image) error {
	path := w.labelPath(dir, name)
	if exists(path) {
		log.WithField("path", path).Info("skip: label file already exists")
		return nil
	}
	return codec.WriteLabelPNG(path, labels, w.cfg.WritePalettized)
}

// saveDepth writes the depth image as EXR (half or full float) or PFM,
// unless the destination already exists. name is the frame's base name
// without extension.
func (w *writer) saveDepth(dir, name string, depth *types.Image) error {
	if w.cfg.WritePFM {
		path := w.depthPath(dir, name+".pfm")
		if exists(path) {
			log.WithField("path", path).Info("skip: PFM file already exists")
			return nil
		}
		return codec.WritePFM(path, depth)
	}

	path := w.depthPath(dir, name+".exr")
	if exists(path) {
		log.WithField("path", path).Info("skip: EXR file already exists")
		return nil
	}
	return codec.WriteDepthEXR(path, depth, w.cfg.WriteHalfFloat)
}

// saveSidecars copies the frame's bone-position sidecar and, when mirroring,
// writes the flipped rewrite under the "-flipped" name. A missing or
// malformed sidecar is a soft skip: the frame's images stand on their own.
func (w *writer) saveSidecars(dir, base string) {
	srcPath := filepath.Join(w.cfg.SrcDir, "labels", dir, base+".json")
	raw, err := os.ReadFile(srcPath)
	if err != nil {
		log.WithFields(log.Fields{
			"path":  srcPath,
			"error": err,
		}).Warn("failed to read frame's bone sidecar")
		return
	}

	dstPath := w.labelPath(dir, base+".json")
	if exists(dstPath) {
		log.WithField("path", dstPath).Info("skip: sidecar already exists")
	} else if err := os.WriteFile(dstPath, raw, 0o644); err != nil {
		log.WithFields(log.Fields{
			"path":  dstPath,
			"error": err,
		}).Warn("failed to copy frame's bone sidecar")
	}

	if !w.cfg.Mirror {
		return
	}

	flippedPath := w.labelPath(dir, base+"-flipped.json")
	if exists(flippedPath) {
		log.WithField("path", flippedPath).Info("skip: sidecar already exists")
		return
	}
	flipped, err := meta.FlipSidecar(raw)
	if err != nil {
		log.WithFields(log.Fields{
			"path":  srcPath,
			"error": err,
		}).Warn("failed to flip frame's bone sidecar")
		return
	}
	if err := os.WriteFile(flippedPath, flipped, 0o644); err != nil {
		log.WithFields(log.Fields{
			"path":  flippedPath,
			"error": err,
		}).Warn("failed to write flipped bone sidecar")
	}
}
