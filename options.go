// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gaussiancube

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/gaussiancube/normalize"
)

// Options enumerates every recognized data option.
type Options struct {
	// DataDir is the directory (or URL prefix) holding sample blobs.
	DataDir string
	// BatchSize is the number of samples per batch.
	BatchSize int
	// ImageSize is the sample resolution.
	ImageSize int
	// Deterministic preserves shard order across epochs; otherwise
	// each epoch is shuffled.
	Deterministic bool
	// Train selects random camera views and draws unconditional
	// samples; otherwise the first views are used.
	Train bool
	// UncondP is the probability that a training sample is flagged
	// for unconditional sampling.
	UncondP float64
	// MeanFile and StdFile locate the normalization statistics.
	// Normalization is applied only if both are set.
	MeanFile, StdFile string
	// StartIdx and EndIdx select files[StartIdx:EndIdx] before
	// sharding when 0 <= StartIdx < EndIdx.
	StartIdx, EndIdx int
	// TxtFile, if set, is a manifest of sample identifiers that
	// replaces the directory listing.
	TxtFile string
	// LoadCamera is the number of camera views attached to each
	// sample.
	LoadCamera int
	// CamRoot is the directory holding per-sample camera manifests.
	CamRoot string
	// ClipInput enables dynamic clipping at Quantile.
	ClipInput bool
	Quantile  float64
	// Bound is the half-extent of the voxel grid.
	Bound float64
	// NumWorkers bounds the number of samples read concurrently.
	NumWorkers int
	// DropLast drops a final partial batch of each epoch.
	DropLast bool
	// Seed seeds shuffling, camera view selection, and
	// unconditional draws.
	Seed int64
	// BlackBackground composites camera images over black instead of
	// white.
	BlackBackground bool
	// BlurAlpha smooths alpha planes before compositing.
	BlurAlpha bool
}

// DefaultOptions returns the default options. DataDir must still be
// supplied.
func DefaultOptions() Options {
	return Options{
		BatchSize:  1,
		ImageSize:  32,
		Train:      true,
		StartIdx:   -1,
		EndIdx:     -1,
		ClipInput:  true,
		Quantile:   normalize.DefaultQuantile,
		Bound:      0.45,
		NumWorkers: 4,
		DropLast:   true,
	}
}

// Validate checks that the options are usable.
func (o Options) Validate() error {
	switch {
	case o.DataDir == "":
		return errors.E(errors.Invalid, "unspecified data directory")
	case o.BatchSize < 1:
		return errors.E(errors.Invalid, fmt.Sprintf("batch size %d must be positive", o.BatchSize))
	case o.UncondP < 0 || o.UncondP > 1:
		return errors.E(errors.Invalid, fmt.Sprintf("uncond_p %v outside [0, 1]", o.UncondP))
	case (o.MeanFile == "") != (o.StdFile == ""):
		return errors.E(errors.Invalid, "mean_file and std_file must be set together")
	case o.LoadCamera < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("load_camera %d is negative", o.LoadCamera))
	case o.LoadCamera > 0 && o.CamRoot == "":
		return errors.E(errors.Invalid, "load_camera requires cam_root_path")
	case o.ClipInput && (o.Quantile < 0 || o.Quantile > 1):
		return errors.E(errors.Invalid, fmt.Sprintf("quantile %v outside [0, 1]", o.Quantile))
	case o.Bound <= 0:
		return errors.E(errors.Invalid, fmt.Sprintf("bound %v must be positive", o.Bound))
	case o.NumWorkers < 1:
		return errors.E(errors.Invalid, fmt.Sprintf("num_workers %d must be positive", o.NumWorkers))
	}
	return nil
}

type optionSetter func(*Options, string) error

func stringOpt(field func(*Options) *string) optionSetter {
	return func(o *Options, v string) error {
		*field(o) = v
		return nil
	}
}

func intOpt(field func(*Options) *int) optionSetter {
	return func(o *Options, v string) error {
		n, err := strconv.Atoi(v)
		*field(o) = n
		return err
	}
}

func floatOpt(field func(*Options) *float64) optionSetter {
	return func(o *Options, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		*field(o) = f
		return err
	}
}

func boolOpt(field func(*Options) *bool) optionSetter {
	return func(o *Options, v string) error {
		b, err := strconv.ParseBool(v)
		*field(o) = b
		return err
	}
}

var optionSetters = map[string]optionSetter{
	"data_dir":         stringOpt(func(o *Options) *string { return &o.DataDir }),
	"batch_size":       intOpt(func(o *Options) *int { return &o.BatchSize }),
	"image_size":       intOpt(func(o *Options) *int { return &o.ImageSize }),
	"deterministic":    boolOpt(func(o *Options) *bool { return &o.Deterministic }),
	"train":            boolOpt(func(o *Options) *bool { return &o.Train }),
	"uncond_p":         floatOpt(func(o *Options) *float64 { return &o.UncondP }),
	"mean_file":        stringOpt(func(o *Options) *string { return &o.MeanFile }),
	"std_file":         stringOpt(func(o *Options) *string { return &o.StdFile }),
	"start_idx":        intOpt(func(o *Options) *int { return &o.StartIdx }),
	"end_idx":          intOpt(func(o *Options) *int { return &o.EndIdx }),
	"txt_file":         stringOpt(func(o *Options) *string { return &o.TxtFile }),
	"load_camera":      intOpt(func(o *Options) *int { return &o.LoadCamera }),
	"cam_root_path":    stringOpt(func(o *Options) *string { return &o.CamRoot }),
	"clip_input":       boolOpt(func(o *Options) *bool { return &o.ClipInput }),
	"quantile":         floatOpt(func(o *Options) *float64 { return &o.Quantile }),
	"bound":            floatOpt(func(o *Options) *float64 { return &o.Bound }),
	"num_workers":      intOpt(func(o *Options) *int { return &o.NumWorkers }),
	"drop_last":        boolOpt(func(o *Options) *bool { return &o.DropLast }),
	"seed":             intOpt64(func(o *Options) *int64 { return &o.Seed }),
	"black_background": boolOpt(func(o *Options) *bool { return &o.BlackBackground }),
	"blur_alpha":       boolOpt(func(o *Options) *bool { return &o.BlurAlpha }),
}

func intOpt64(field func(*Options) *int64) optionSetter {
	return func(o *Options, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		*field(o) = n
		return err
	}
}

// OptionKeys returns the recognized option keys in sorted order.
func OptionKeys() []string {
	keys := make([]string, 0, len(optionSetters))
	for key := range optionSetters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ParseOptions returns the default options overridden by the given
// key-value pairs. Unknown keys and malformed values are rejected.
// The result is validated.
func ParseOptions(kv map[string]string) (Options, error) {
	opts := DefaultOptions()
	keys := make([]string, 0, len(kv))
	for key := range kv {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		set, ok := optionSetters[key]
		if !ok {
			return Options{}, errors.E(errors.Invalid,
				fmt.Sprintf("unknown option %q; known options: %s", key, strings.Join(OptionKeys(), ", ")))
		}
		if err := set(&opts, kv[key]); err != nil {
			return Options{}, errors.E(errors.Invalid, fmt.Sprintf("option %s=%q", key, kv[key]), err)
		}
	}
	return opts, opts.Validate()
}

func init() {
	config.Register("gaussiancube/data", func(inst *config.Constructor) {
		var (
			opts = DefaultOptions()
			seed int
		)
		inst.StringVar(&opts.DataDir, "data-dir", "", "directory of sample blobs")
		inst.IntVar(&opts.BatchSize, "batch-size", opts.BatchSize, "samples per batch")
		inst.IntVar(&opts.ImageSize, "image-size", opts.ImageSize, "sample resolution")
		inst.BoolVar(&opts.Deterministic, "deterministic", opts.Deterministic, "preserve shard order across epochs")
		inst.BoolVar(&opts.Train, "train", opts.Train, "training mode")
		inst.FloatVar(&opts.UncondP, "uncond-p", opts.UncondP, "probability of unconditional samples")
		inst.StringVar(&opts.MeanFile, "mean-file", "", "channel or instance mean blob")
		inst.StringVar(&opts.StdFile, "std-file", "", "channel or instance std blob")
		inst.IntVar(&opts.StartIdx, "start-idx", opts.StartIdx, "first file index, inclusive")
		inst.IntVar(&opts.EndIdx, "end-idx", opts.EndIdx, "last file index, exclusive")
		inst.StringVar(&opts.TxtFile, "txt-file", "", "manifest of sample identifiers")
		inst.IntVar(&opts.LoadCamera, "load-camera", opts.LoadCamera, "camera views per sample")
		inst.StringVar(&opts.CamRoot, "cam-root", "", "directory of camera manifests")
		inst.BoolVar(&opts.ClipInput, "clip-input", opts.ClipInput, "apply dynamic clipping")
		inst.FloatVar(&opts.Quantile, "quantile", opts.Quantile, "dynamic clipping quantile")
		inst.FloatVar(&opts.Bound, "bound", opts.Bound, "voxel grid half-extent")
		inst.IntVar(&opts.NumWorkers, "num-workers", opts.NumWorkers, "concurrent sample reads")
		inst.BoolVar(&opts.DropLast, "drop-last", opts.DropLast, "drop the final partial batch of each epoch")
		inst.IntVar(&seed, "seed", int(opts.Seed), "seed for shuffling, view selection and unconditional draws")
		inst.BoolVar(&opts.BlackBackground, "black-background", opts.BlackBackground, "composite camera images over black")
		inst.BoolVar(&opts.BlurAlpha, "blur-alpha", opts.BlurAlpha, "smooth alpha planes before compositing")
		inst.Doc = "gaussiancube/data configures the volume data pipeline"
		inst.New = func() (interface{}, error) {
			opts.Seed = int64(seed)
			return opts, opts.Validate()
		}
	})
}
