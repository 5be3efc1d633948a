// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gaussiancube

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/gaussiancube/dist"
	"github.com/grailbio/gaussiancube/tensor"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"
)

// A Batch is a group of samples stacked along a leading batch axis.
type Batch struct {
	// Volumes is B×C×D×H×W.
	Volumes *tensor.Tensor
	// Meta holds the metadata of each sample, in batch order.
	Meta []Meta
	// Epoch is the pass over the shard that produced the batch,
	// starting at 0.
	Epoch int
}

// A Loader is a logically infinite sequence of batches over a
// Dataset: it restarts the dataset whenever a pass is exhausted.
// Samples of a batch are read concurrently by at most NumWorkers
// goroutines. A Loader is not safe for concurrent use.
type Loader struct {
	ds     *Dataset
	opts   Options
	limit  *limiter.Limiter
	status *status.Group

	epoch int
	order []int
	pos   int
}

// NewLoader returns a loader over ds. The dataset must hold at least
// one full batch when DropLast is set, and at least one sample
// otherwise.
func NewLoader(ds *Dataset, opts Options) (*Loader, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if ds.Len() == 0 || (opts.DropLast && ds.Len() < opts.BatchSize) {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("shard %d of %d holds %d samples, fewer than a batch of %d", ds.rank, ds.size, ds.Len(), opts.BatchSize))
	}
	l := &Loader{
		ds:    ds,
		opts:  opts,
		limit: limiter.New(),
		epoch: -1,
	}
	l.limit.Release(opts.NumWorkers)
	return l, nil
}

// Load enumerates the files selected by opts, shards them over group
// g, and returns a loader over the calling rank's shard.
func Load(ctx context.Context, g *dist.Group, opts Options) (*Loader, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	files, err := Enumerate(ctx, opts)
	if err != nil {
		return nil, err
	}
	ds, err := NewDataset(ctx, g, files, opts)
	if err != nil {
		return nil, err
	}
	return NewLoader(ds, opts)
}

// SetStatus reports the loader's progress to group.
func (l *Loader) SetStatus(group *status.Group) { l.status = group }

// Dataset returns the loader's dataset.
func (l *Loader) Dataset() *Dataset { return l.ds }

// BatchesPerEpoch returns the number of batches in one pass.
func (l *Loader) BatchesPerEpoch() int {
	n := l.ds.Len() / l.opts.BatchSize
	if !l.opts.DropLast && l.ds.Len()%l.opts.BatchSize != 0 {
		n++
	}
	return n
}

func (l *Loader) remaining() int {
	return len(l.order) - l.pos
}

// Next returns the next batch, starting a new pass over the dataset
// when the current one is exhausted.
func (l *Loader) Next(ctx context.Context) (*Batch, error) {
	if l.remaining() == 0 || (l.opts.DropLast && l.remaining() < l.opts.BatchSize) {
		l.restart()
	}
	n := l.opts.BatchSize
	if n > l.remaining() {
		n = l.remaining()
	}
	indices := l.order[l.pos : l.pos+n]

	var (
		volumes = make([]*tensor.Tensor, n)
		metas   = make([]Meta, n)
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := range indices {
		i := i
		g.Go(func() error {
			if err := l.limit.Acquire(gctx, 1); err != nil {
				return err
			}
			defer l.limit.Release(1)
			var err error
			volumes[i], metas[i], err = l.ds.Get(gctx, indices[i])
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	stacked, err := tensor.Stack(volumes)
	if err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("epoch %d: stack batch", l.epoch), err)
	}
	l.pos += n
	if l.status != nil {
		l.status.Printf("epoch %d: batch %d/%d", l.epoch, (l.pos+l.opts.BatchSize-1)/l.opts.BatchSize, l.BatchesPerEpoch())
	}
	return &Batch{Volumes: stacked, Meta: metas, Epoch: l.epoch}, nil
}

// restart begins a new pass. Deterministic loaders visit the shard
// in order; others shuffle it with a seed derived from the loader's
// seed, rank, and epoch.
func (l *Loader) restart() {
	l.epoch++
	l.pos = 0
	if l.order == nil {
		l.order = make([]int, l.ds.Len())
	}
	for i := range l.order {
		l.order[i] = i
	}
	if !l.opts.Deterministic {
		var b [24]byte
		binary.LittleEndian.PutUint64(b[:8], uint64(l.opts.Seed))
		binary.LittleEndian.PutUint64(b[8:16], uint64(l.ds.rank))
		binary.LittleEndian.PutUint64(b[16:], uint64(l.epoch))
		rng := rand.New(rand.NewSource(int64(murmur3.Sum64(b[:]))))
		rng.Shuffle(len(l.order), func(i, j int) {
			l.order[i], l.order[j] = l.order[j], l.order[i]
		})
	}
	log.Debug.Printf("shard %d: epoch %d", l.ds.rank, l.epoch)
}
