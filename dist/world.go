// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dist

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gaussiancube/ctxsync"
)

// A World is the launcher-provided set of cooperating processes that
// exists before a process group is established: it knows each
// process's rank and the world size, can broadcast small values from
// rank 0, and holds the coordination environment.
type World interface {
	// Rank returns this process's index in the world.
	Rank() int
	// Size returns the number of processes in the world.
	Size() int
	// Bcast returns rank 0's value on every rank. It must be called
	// by all ranks, in the same order.
	Bcast(ctx context.Context, value string) (string, error)
	// Getenv returns the value of a coordination variable, or "" if
	// it is unset.
	Getenv(key string) string
	// Setenv sets a coordination variable.
	Setenv(key, value string) error
}

var (
	envOnce  sync.Once
	envWorld *processWorld
	envErr   error
)

// Env returns the world of the current process as described by its
// environment: RANK and WORLD_SIZE, or the equivalents exported by
// Open MPI and PMI launchers. Without any of these, the process is
// rank 0 of a world of size 1. Env always returns the same World.
func Env() (World, error) {
	envOnce.Do(func() {
		envWorld, envErr = newProcessWorld()
	})
	if envErr != nil {
		return nil, envErr
	}
	return envWorld, nil
}

type processWorld struct {
	rank, size int
}

func newProcessWorld() (*processWorld, error) {
	for _, vars := range [][2]string{
		{EnvRank, EnvWorldSize},
		{"OMPI_COMM_WORLD_RANK", "OMPI_COMM_WORLD_SIZE"},
		{"PMI_RANK", "PMI_SIZE"},
	} {
		rankStr, sizeStr := os.Getenv(vars[0]), os.Getenv(vars[1])
		if rankStr == "" || sizeStr == "" {
			continue
		}
		rank, err := strconv.Atoi(rankStr)
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("dist: %s=%q", vars[0], rankStr), err)
		}
		size, err := strconv.Atoi(sizeStr)
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("dist: %s=%q", vars[1], sizeStr), err)
		}
		if size < 1 || rank < 0 || rank >= size {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("dist: rank %d outside world of size %d", rank, size))
		}
		return &processWorld{rank, size}, nil
	}
	return &processWorld{0, 1}, nil
}

func (w *processWorld) Rank() int { return w.rank }
func (w *processWorld) Size() int { return w.size }

// Bcast is only possible in a singleton world: multi-process
// launchers that start processes from the environment must also
// supply the coordinator's address and port.
func (w *processWorld) Bcast(ctx context.Context, value string) (string, error) {
	if w.size == 1 {
		return value, nil
	}
	return "", errors.E(errors.Precondition,
		fmt.Sprintf("dist: %s and %s must be set by the launcher for a world of size %d", EnvMasterAddr, EnvMasterPort, w.size))
}

func (*processWorld) Getenv(key string) string        { return os.Getenv(key) }
func (*processWorld) Setenv(key, value string) error { return os.Setenv(key, value) }

// LocalWorlds returns n worlds that together simulate n cooperating
// processes within the current one. Each world has its own
// coordination environment.
func LocalWorlds(n int) []World {
	h := &localHub{
		n:      n,
		values: make(map[int]string),
		taken:  make(map[int]int),
	}
	h.cond = ctxsync.NewCond(&h.mu)
	worlds := make([]World, n)
	for i := range worlds {
		worlds[i] = &localWorld{hub: h, rank: i, env: make(map[string]string)}
	}
	return worlds
}

type localHub struct {
	n      int
	mu     sync.Mutex
	cond   *ctxsync.Cond
	values map[int]string
	taken  map[int]int
}

type localWorld struct {
	hub  *localHub
	rank int

	mu  sync.Mutex
	seq int
	env map[string]string
}

func (w *localWorld) Rank() int { return w.rank }
func (w *localWorld) Size() int { return w.hub.n }

func (w *localWorld) Bcast(ctx context.Context, value string) (string, error) {
	w.mu.Lock()
	w.seq++
	seq := w.seq
	w.mu.Unlock()

	h := w.hub
	if h.n == 1 {
		return value, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if w.rank == 0 {
		h.values[seq] = value
		h.cond.Broadcast()
		return value, nil
	}
	err := h.cond.WaitUntil(ctx, func() bool {
		_, ok := h.values[seq]
		return ok
	})
	if err != nil {
		return "", err
	}
	value = h.values[seq]
	h.taken[seq]++
	if h.taken[seq] == h.n-1 {
		delete(h.values, seq)
		delete(h.taken, seq)
	}
	return value, nil
}

func (w *localWorld) Getenv(key string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.env[key]
}

func (w *localWorld) Setenv(key, value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.env[key] = value
	return nil
}
