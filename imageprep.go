package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"imageprep/config"
	"imageprep/meta"
	"imageprep/pipeline"
)

func main() {
	cmd := &cli.Command{
		Name:      "imageprep",
		Usage:     "Pre-process rendered depth/label training frames: dedup, add sensor noise, mirror, write an enlarged data set.",
		Version:   "1.0.0",
		ArgsUsage: "<src_dir> <dst_dir> <label_map.json>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "full",
				Usage: "write full-float depth images (otherwise half-float)",
			},
			&cli.BoolFlag{
				Name:  "grey",
				Usage: "write greyscale, not palettized, label PNGs",
			},
			&cli.BoolFlag{
				Name:  "pfm",
				Usage: "write depth data as PFM files (otherwise EXR)",
			},
			&cli.BoolFlag{
				Name:  "no-flip",
				Usage: "disable mirrored copies of each frame",
			},
			&cli.BoolFlag{
				Name:  "bg-far-clamp-mode",
				Usage: "only clamp background depth values farther than background_depth_m (otherwise all background depths are overridden)",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "JSON `file` configuring pre-processing properties and the noise op sequence",
			},
			&cli.IntFlag{
				Name:    "seed",
				Aliases: []string{"s"},
				Usage:   "`seed` for the per-frame RNG",
			},
			&cli.IntFlag{
				Name:    "threads",
				Aliases: []string{"j"},
				Usage:   "override how many worker goroutines run (default: all CPUs)",
			},
			&cli.IntFlag{
				Name:    "max-frames",
				Aliases: []string{"m"},
				Usage:   "don't pre-process more than `N` output frames",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "verbose logging",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	log.SetOutput(os.Stderr)
	if cmd.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	if cmd.Args().Len() != 3 {
		return cli.Exit("expected arguments: <src_dir> <dst_dir> <label_map.json>", 1)
	}

	cfg := config.Default()
	cfg.SrcDir = cmd.Args().Get(0)
	cfg.DstDir = cmd.Args().Get(1)
	labelMapPath := cmd.Args().Get(2)

	cfg.WriteHalfFloat = !cmd.Bool("full")
	cfg.WritePalettized = !cmd.Bool("grey")
	cfg.WritePFM = cmd.Bool("pfm")
	if cmd.Bool("no-flip") {
		cfg.Mirror = false
	}
	if cmd.Bool("bg-far-clamp-mode") {
		cfg.BgFarClampMode = true
	}
	cfg.Seed = int64(cmd.Int("seed"))
	if n := cmd.Int("max-frames"); n > 0 {
		cfg.MaxFrameCount = uint64(n)
	}
	cfg.Threads = runtime.NumCPU()
	if n := int(cmd.Int("threads")); n > 0 {
		cfg.Threads = n
	}

	if cfg.WritePFM && cfg.WriteHalfFloat {
		return cli.Exit("not possible to write half-float data to PFM files (add --full)", 1)
	}

	if err := cfg.LoadLabelMap(labelMapPath); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if path := cmd.String("config"); path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return cli.Exit(err.Error(), 1)
		}
	}

	metaDoc, cam, err := meta.ReadMeta(filepath.Join(cfg.SrcDir, "meta.json"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	cfg.Width = cam.Width
	cfg.Height = cam.Height
	cfg.FOV = cam.VerticalFOV
	log.WithFields(log.Fields{
		"width":  cfg.Width,
		"height": cfg.Height,
		"fov":    fmt.Sprintf("%.3f", cfg.FOV),
	}).Info("data rendered geometry")

	log.Info("queuing frames to process...")
	scanStart := time.Now()
	units, inputFrames, err := pipeline.Scan(cfg)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	log.WithFields(log.Fields{
		"directories": len(units),
		"frames":      inputFrames,
		"elapsed":     time.Since(scanStart).Truncate(time.Millisecond).String(),
	}).Info("scan complete")

	if err := os.MkdirAll(cfg.DstDir, 0o777); err != nil {
		return cli.Exit(fmt.Sprintf("creating destination directory %s: %s", cfg.DstDir, err), 1)
	}
	if err := meta.WriteMeta(filepath.Join(cfg.DstDir, "meta.json"), metaDoc, cfg.Labels); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	log.WithField("threads", cfg.Threads).Info("spawning workers")

	p := pipeline.New(cfg, units, inputFrames)

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- p.Run()
	}()

	// Progress is reported from here, once a second, independent of worker
	// execution.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var runErr error
poll:
	for {
		select {
		case runErr = <-done:
			break poll
		case <-ticker.C:
			if p.Finished() {
				continue
			}
			processed := p.Processed()
			target := p.Target()
			percent := 0
			if target > 0 {
				percent = int(100 * processed / target)
			}
			log.WithFields(log.Fields{
				"progress":       fmt.Sprintf("%d%%", percent),
				"frames":         fmt.Sprintf("%d/%d", processed, target),
				"jobs_remaining": p.QueueLen(),
			}).Info("processing")
		}
	}

	if runErr != nil {
		return cli.Exit(runErr.Error(), 1)
	}

	log.WithFields(log.Fields{
		"frames":  p.Processed(),
		"elapsed": time.Since(start).Truncate(time.Millisecond).String(),
	}).Info("finished processing all frames")
	return nil
}
