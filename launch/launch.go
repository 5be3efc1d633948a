// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package launch runs a registered job on a cluster of bigmachine
// machines, one rank per machine. Machine 0 hosts the process group's
// coordinator; every machine's job receives a dist.World that carries
// the coordinator's address, so that dist.Init establishes the group
// without further negotiation.
//
// Jobs must be registered, under the same names, in every binary
// that participates, typically during package initialization.
package launch

import (
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/gaussiancube/dist"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&rankService{})
}

// A Job is run on every rank of a launch. The world carries the
// rank, the world size, and the coordinator's address.
type Job func(ctx context.Context, world dist.World, args []string) error

var (
	mu   sync.Mutex
	jobs = make(map[string]Job)
)

// Register registers a job under the given name. Register panics if
// the name is already taken.
func Register(name string, job Job) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := jobs[name]; ok {
		panic(fmt.Sprintf("launch: job %s registered twice", name))
	}
	jobs[name] = job
}

func lookup(name string) (Job, bool) {
	mu.Lock()
	defer mu.Unlock()
	job, ok := jobs[name]
	return job, ok
}

// Jobs returns the names of the registered jobs.
func Jobs() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run starts n machines on system and runs the named job on each of
// them, with ranks assigned in machine order. Run returns the first
// error returned by any rank. Machines are shut down when Run
// returns.
func Run(ctx context.Context, system bigmachine.System, n int, name string, args []string) error {
	if n < 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("launch: %d ranks", n))
	}
	if _, ok := lookup(name); !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("launch: job %s is not registered", name))
	}
	b := bigmachine.Start(system)
	defer b.Shutdown()
	svc := &rankService{Jobs: Jobs()}
	machines, err := b.Start(ctx, n, bigmachine.Services{"Rank": svc})
	if err != nil {
		return err
	}
	for _, m := range machines {
		<-m.Wait(bigmachine.Running)
		if err := m.Err(); err != nil {
			return errors.E(errors.Net, fmt.Sprintf("launch: machine %s failed to start", m.Addr), err)
		}
	}
	var port int
	if err := machines[0].RetryCall(ctx, "Rank.FreePort", struct{}{}, &port); err != nil {
		return err
	}
	host := "127.0.0.1"
	if u, err := url.Parse(machines[0].Addr); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	log.Printf("launch: running %s on %d ranks; coordinator at %s", name, n, net.JoinHostPort(host, strconv.Itoa(port)))
	g, ctx := errgroup.WithContext(ctx)
	for i, m := range machines {
		req := RunRequest{
			Job:  name,
			Args: args,
			Rank: i,
			Size: n,
			Addr: host,
			Port: strconv.Itoa(port),
		}
		m := m
		g.Go(func() error {
			if err := m.Call(ctx, "Rank.Run", req, nil); err != nil {
				return errors.E(fmt.Sprintf("launch: rank %d on %s", req.Rank, m.Addr), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RunRequest instructs a machine to run a job as the given rank.
type RunRequest struct {
	Job        string
	Args       []string
	Rank, Size int
	Addr, Port string
}

// rankService runs jobs on a machine. Jobs lists the jobs registered
// in the driver, which must also be registered on the machine.
type rankService struct {
	Jobs []string
}

func (s *rankService) Init(b *bigmachine.B) error {
	for _, name := range s.Jobs {
		if _, ok := lookup(name); !ok {
			return errors.E(errors.Precondition, fmt.Sprintf("launch: job %s is registered in the driver but not on this machine", name))
		}
	}
	return nil
}

// FreePort returns a port on which the machine may host the
// coordinator.
func (s *rankService) FreePort(ctx context.Context, _ struct{}, port *int) error {
	var err error
	*port, err = dist.FreePort()
	return err
}

// Run runs a job.
func (s *rankService) Run(ctx context.Context, req RunRequest, _ *struct{}) error {
	job, ok := lookup(req.Job)
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("launch: job %s is not registered", req.Job))
	}
	world := newWorld(req)
	log.Printf("launch: rank %d of %d: running %s", req.Rank, req.Size, req.Job)
	return job(ctx, world, req.Args)
}

// machineWorld is the world of a launched rank. Its environment is
// prepopulated with the coordinator's address, so that dist.Init
// never needs to broadcast over it.
type machineWorld struct {
	rank, size int

	mu  sync.Mutex
	env map[string]string
}

func newWorld(req RunRequest) *machineWorld {
	return &machineWorld{
		rank: req.Rank,
		size: req.Size,
		env: map[string]string{
			dist.EnvMasterAddr: req.Addr,
			dist.EnvMasterPort: req.Port,
			dist.EnvRank:       strconv.Itoa(req.Rank),
			dist.EnvWorldSize:  strconv.Itoa(req.Size),
		},
	}
}

func (w *machineWorld) Rank() int { return w.rank }
func (w *machineWorld) Size() int { return w.size }

func (w *machineWorld) Bcast(ctx context.Context, value string) (string, error) {
	if w.size == 1 {
		return value, nil
	}
	return "", errors.E(errors.Precondition, "launch: worlds do not broadcast")
}

func (w *machineWorld) Getenv(key string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.env[key]
}

func (w *machineWorld) Setenv(key, value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.env[key] = value
	return nil
}
