// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/gaussiancube"
	"github.com/grailbio/gaussiancube/dist"
	"github.com/grailbio/gaussiancube/internal/trace"
	"github.com/grailbio/gaussiancube/launch"
	"github.com/grailbio/gaussiancube/metrics"
)

const checkJob = "gcprep.check"

func init() {
	launch.Register(checkJob, func(ctx context.Context, world dist.World, args []string) error {
		flags, opts, batches := checkFlags()
		if err := flags.Parse(args); err != nil {
			return err
		}
		return check(ctx, world, *opts, *batches, nil, nil)
	})
}

// checkFlags returns a flag set that populates data options.
func checkFlags() (*flag.FlagSet, *gaussiancube.Options, *int) {
	opts := gaussiancube.DefaultOptions()
	flags := flag.NewFlagSet("check", flag.ExitOnError)
	flags.StringVar(&opts.DataDir, "data-dir", "", "directory or URL prefix of sample blobs")
	flags.IntVar(&opts.BatchSize, "batch-size", opts.BatchSize, "samples per batch")
	flags.IntVar(&opts.ImageSize, "image-size", opts.ImageSize, "sample resolution")
	flags.BoolVar(&opts.Deterministic, "deterministic", opts.Deterministic, "preserve shard order across epochs")
	flags.Float64Var(&opts.UncondP, "uncond-p", opts.UncondP, "probability of unconditional samples")
	flags.StringVar(&opts.MeanFile, "mean-file", "", "mean statistics blob")
	flags.StringVar(&opts.StdFile, "std-file", "", "std statistics blob")
	flags.IntVar(&opts.StartIdx, "start-idx", opts.StartIdx, "first file index, inclusive")
	flags.IntVar(&opts.EndIdx, "end-idx", opts.EndIdx, "last file index, exclusive")
	flags.StringVar(&opts.TxtFile, "txt-file", "", "manifest of sample identifiers")
	flags.IntVar(&opts.LoadCamera, "load-camera", opts.LoadCamera, "camera views per sample")
	flags.StringVar(&opts.CamRoot, "cam-root", "", "directory of per-sample camera manifests")
	flags.BoolVar(&opts.ClipInput, "clip-input", opts.ClipInput, "apply dynamic clipping")
	flags.Float64Var(&opts.Bound, "bound", opts.Bound, "voxel grid half-extent")
	flags.BoolVar(&opts.Train, "train", opts.Train, "training mode")
	flags.IntVar(&opts.NumWorkers, "num-workers", opts.NumWorkers, "concurrent sample reads")
	flags.Int64Var(&opts.Seed, "seed", opts.Seed, "shuffle and view seed")
	batches := flags.Int("batches", 1, "number of batches to read")
	return flags, &opts, batches
}

func checkCmd(args []string) {
	flags, opts, batches := checkFlags()
	var (
		consoleStatus = flags.Bool("status", false, "print loader status to the console")
		tracePath     = flags.String("trace", "", "write a Chrome trace of batch reads to this path")
		fromProfile   = flags.Bool("profile", false, "take data options from the gaussiancube/data profile instance")
	)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: gcprep check [flags]

Check joins the process group described by the environment (RANK,
WORLD_SIZE, MASTER_ADDR, MASTER_PORT; a single process by default),
loads the calling rank's shard, and reads batches from it.

Flags:
`)
		flags.PrintDefaults()
		os.Exit(2)
	}
	if err := flags.Parse(args); err != nil {
		log.Fatal(err)
	}
	if *fromProfile {
		config.Must("gaussiancube/data", opts)
	}
	world, err := dist.Env()
	if err != nil {
		log.Fatal(err)
	}
	var st *status.Status
	if *consoleStatus {
		st = new(status.Status)
		var console status.Reporter
		go console.Go(os.Stdout, st)
	}
	var tr *trace.T
	if *tracePath != "" {
		tr = trace.New()
	}
	ctx := context.Background()
	if err := check(ctx, world, *opts, *batches, st, tr); err != nil {
		log.Fatal(err)
	}
	if tr != nil {
		if err := tr.WriteFile(ctx, *tracePath); err != nil {
			log.Fatal(err)
		}
	}
}

// check reads the given number of batches on the calling rank and
// reports what it read. Loader progress is reported to st and batch
// reads are traced to tr, if set.
func check(ctx context.Context, world dist.World, opts gaussiancube.Options, batches int, st *status.Status, tr *trace.T) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	g, err := dist.Init(ctx, world)
	if err != nil {
		return err
	}
	log.Printf("rank %d of %d on %s (%s)", g.Rank(), g.Size(), g.Device(), g.Backend())
	loader, err := gaussiancube.Load(ctx, g, opts)
	if err != nil {
		return err
	}
	if st != nil {
		loader.SetStatus(st.Group(fmt.Sprintf("rank %d", g.Rank())))
	}
	var scope metrics.Scope
	ctx = metrics.ScopedContext(ctx, &scope)
	for i := 0; i < batches; i++ {
		start := time.Now()
		batch, err := loader.Next(ctx)
		if err != nil {
			return err
		}
		if tr != nil {
			tr.Span(g.Rank(), "batch", start, map[string]interface{}{"epoch": batch.Epoch, "index": i})
		}
		var uncond, cams int
		for _, meta := range batch.Meta {
			if meta.Uncond {
				uncond++
			}
			cams += len(meta.Cams)
		}
		log.Printf("rank %d: epoch %d batch %d: volumes %v, %d views, %d unconditional",
			g.Rank(), batch.Epoch, i, batch.Volumes.Shape, cams, uncond)
	}
	log.Printf("rank %d: %s; %s", g.Rank(), &scope, g.Scope())
	return g.Close(ctx)
}
