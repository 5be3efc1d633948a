// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gaussiancube

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gaussiancube/camera"
	"github.com/grailbio/gaussiancube/dist"
	"github.com/grailbio/gaussiancube/metrics"
	"github.com/grailbio/gaussiancube/normalize"
	"github.com/grailbio/gaussiancube/tensor"
	"github.com/spaolacci/murmur3"
)

// GridPoints is the number of grid points along each axis of the
// voxel grid.
const GridPoints = 32

var (
	samplesCounter = metrics.NewCounter("gaussiancube.samples")
	viewsCounter   = metrics.NewCounter("gaussiancube.views")
	uncondCounter  = metrics.NewCounter("gaussiancube.uncond")
)

// Meta describes a sample returned by Dataset.Get.
type Meta struct {
	// Path is the sample's blob.
	Path string
	// Cams holds the sample's camera views, if any were requested.
	Cams []*camera.Frame
	// Uncond flags the sample for unconditional training.
	Uncond bool
}

// A Dataset is the shard of volume samples owned by one rank. Samples
// are stored channels-last (D×H×W×C) and presented channels-first
// (C×D×H×W). A Dataset is safe for concurrent use.
type Dataset struct {
	opts       Options
	rank, size int
	files      []string
	// draws counts the reads of each sample; accessed atomically.
	draws []uint64
	stats      *normalize.Stats
	cams       *camera.Loader

	gridOnce sync.Once
	grid     *tensor.Tensor

	scope metrics.Scope
}

// NewDataset returns the shard of files owned by the calling rank of
// group g. When opts names mean and std files, they are loaded once
// through the group so that every rank holds identical statistics;
// NewDataset is therefore a collective in that case.
func NewDataset(ctx context.Context, g *dist.Group, files []string, opts Options) (*Dataset, error) {
	shard, err := Shard(files, g.Rank(), g.Size())
	if err != nil {
		return nil, err
	}
	d := &Dataset{
		opts:  opts,
		rank:  g.Rank(),
		size:  g.Size(),
		files: shard,
		draws: make([]uint64, len(shard)),
	}
	log.Printf("shard %d of %d: %d of %d files", d.rank, d.size, len(d.files), len(files))
	if opts.MeanFile != "" && opts.StdFile != "" {
		mean, err := dist.LoadTensor(ctx, g, opts.MeanFile)
		if err != nil {
			return nil, err
		}
		std, err := dist.LoadTensor(ctx, g, opts.StdFile)
		if err != nil {
			return nil, err
		}
		if d.stats, err = normalize.NewStats(mean, std); err != nil {
			return nil, err
		}
		log.Printf("loaded %s statistics of shape %v", d.stats.Mode(), mean.Shape)
	}
	if opts.LoadCamera > 0 {
		var camOpts camera.Options
		if opts.BlackBackground {
			bg := camera.Black
			camOpts.Background = &bg
		}
		if opts.BlurAlpha {
			camOpts.AlphaFilter = camera.GaussianBlur5
		}
		d.cams = camera.NewLoader(camOpts)
	}
	return d, nil
}

// Len returns the number of samples in the shard.
func (d *Dataset) Len() int { return len(d.files) }

// Files returns the shard's sample paths in order.
func (d *Dataset) Files() []string { return d.files }

// Stats returns the normalization statistics, or nil.
func (d *Dataset) Stats() *normalize.Stats { return d.stats }

// Scope returns the dataset's counters.
func (d *Dataset) Scope() *metrics.Scope { return &d.scope }

// Get returns sample i of the shard, normalized, channels-first, and
// optionally clipped, together with its metadata.
func (d *Dataset) Get(ctx context.Context, i int) (*tensor.Tensor, Meta, error) {
	if i < 0 || i >= len(d.files) {
		return nil, Meta{}, errors.E(errors.Invalid, fmt.Sprintf("sample %d outside shard of %d", i, len(d.files)))
	}
	meta := Meta{Path: d.files[i]}
	x, err := tensor.ReadFile(ctx, meta.Path)
	if err != nil {
		return nil, meta, err
	}
	if x.Rank() != 4 {
		return nil, meta, errors.E(errors.Invalid, fmt.Sprintf("%s: sample of shape %v is not D×H×W×C", meta.Path, x.Shape))
	}
	if d.stats != nil {
		if x, err = d.stats.Apply(x); err != nil {
			return nil, meta, errors.E(fmt.Sprintf("normalize %s", meta.Path), err)
		}
	}
	if x, err = x.Permute(3, 0, 1, 2); err != nil {
		return nil, meta, err
	}
	if d.opts.ClipInput {
		if x, err = normalize.DynamicClip(x, d.opts.Quantile); err != nil {
			return nil, meta, err
		}
	}
	rng := d.rand(i)
	if d.opts.LoadCamera > 0 {
		indices := d.views(rng)
		root := file.Join(d.opts.CamRoot, sampleID(meta.Path))
		if meta.Cams, err = d.cams.LoadAll(ctx, root, indices); err != nil {
			return nil, meta, err
		}
		viewsCounter.Incr(&d.scope, len(meta.Cams))
	}
	if d.opts.Train && d.opts.UncondP > 0 && rng.Float64() < d.opts.UncondP {
		meta.Uncond = true
		uncondCounter.Incr(&d.scope, 1)
	}
	samplesCounter.Incr(&d.scope, 1)
	metrics.Incr(ctx, samplesCounter, 1)
	return x, meta, nil
}

// views returns the camera views of a sample: random views with
// replacement in training, the first views otherwise.
func (d *Dataset) views(rng *rand.Rand) []int {
	n := d.opts.LoadCamera
	if !d.opts.Train {
		if n > camera.NumViews {
			n = camera.NumViews
		}
		indices := make([]int, n)
		for i := range indices {
			indices[i] = i
		}
		return indices
	}
	indices := make([]int, n)
	for i := range indices {
		indices[i] = rng.Intn(camera.NumViews)
	}
	return indices
}

// rand returns a generator for the next read of sample i. It is
// keyed by the seed, the rank, the sample, and how many times the
// sample has been read, so concurrent reads of distinct samples do
// not affect each other's draws.
func (d *Dataset) rand(i int) *rand.Rand {
	var b [32]byte
	binary.LittleEndian.PutUint64(b[:8], uint64(d.opts.Seed))
	binary.LittleEndian.PutUint64(b[8:16], uint64(d.rank))
	binary.LittleEndian.PutUint64(b[16:24], uint64(i))
	binary.LittleEndian.PutUint64(b[24:], atomic.AddUint64(&d.draws[i], 1))
	return rand.New(rand.NewSource(int64(murmur3.Sum64(b[:]))))
}

// sampleID returns the sample identifier of a blob path: its base
// name up to the first '.'.
func sampleID(p string) string {
	base := path.Base(p)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	return base
}

// Grid returns the GridPoints³×3 coordinates of the voxel grid
// spanning [-Bound, Bound] along each axis. The x coordinate varies
// slowest.
func (d *Dataset) Grid() *tensor.Tensor {
	d.gridOnce.Do(func() {
		d.grid = VolumeGrid(d.opts.Bound, GridPoints)
	})
	return d.grid
}

// VolumeGrid returns the n³×3 coordinates of a regular grid of n
// points per axis spanning [-bound, bound].
func VolumeGrid(bound float64, n int) *tensor.Tensor {
	axis := make([]float32, n)
	for i := range axis {
		if n == 1 {
			break
		}
		axis[i] = float32(-bound + 2*bound*float64(i)/float64(n-1))
	}
	grid := tensor.New(n*n*n, 3)
	var k int
	for _, x := range axis {
		for _, y := range axis {
			for _, z := range axis {
				grid.Data[k], grid.Data[k+1], grid.Data[k+2] = x, y, z
				k += 3
			}
		}
	}
	return grid
}
