// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dist

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/gaussiancube/metrics"
)

// Coordination variables. Init populates each of them in the world's
// environment unless the launcher already did.
const (
	EnvMasterAddr = "MASTER_ADDR"
	EnvMasterPort = "MASTER_PORT"
	EnvRank       = "RANK"
	EnvWorldSize  = "WORLD_SIZE"
)

// SetupRetryCount is the number of times a rank tries to join an
// established coordinator before Init gives up. Waiting for the
// coordinator to start listening does not count against it.
const SetupRetryCount = 3

// DefaultSetupTimeout bounds how long Init waits for every rank of
// the world to reach the coordinator.
const DefaultSetupTimeout = 30 * time.Minute

// Backend names the transport family of a process group.
type Backend string

const (
	// NCCL is selected when accelerators are present.
	NCCL Backend = "nccl"
	// Gloo is the CPU-only fallback.
	Gloo Backend = "gloo"
)

// Device is the compute device assigned to a rank.
type Device struct {
	// Kind is "cuda" or "cpu".
	Kind string
	// Index is the accelerator index; it is 0 for cpu devices.
	Index int
}

func (d Device) String() string {
	if d.Kind == "cpu" {
		return "cpu"
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}

var (
	broadcastCounter = metrics.NewCounter("dist.broadcasts")
	bytesCounter     = metrics.NewCounter("dist.bytes")
	barrierCounter   = metrics.NewCounter("dist.barriers")
)

type options struct {
	accelerators int
	gpusPerNode  int
	hostname     func() (string, error)
	policy       retry.Policy
	timeout      time.Duration
}

// An Option customizes Init.
type Option func(*options)

// Accelerators overrides accelerator detection.
func Accelerators(n int) Option {
	return func(o *options) { o.accelerators = n }
}

// GPUsPerNode sets the number of accelerators per host used to assign
// devices to ranks. It defaults to the number of accelerators.
func GPUsPerNode(n int) Option {
	return func(o *options) { o.gpusPerNode = n }
}

// Hostname overrides how rank 0 resolves the coordinator address for
// the nccl backend.
func Hostname(fn func() (string, error)) Option {
	return func(o *options) { o.hostname = fn }
}

// RetryPolicy sets the policy that governs retries of failed joins.
// The default allows SetupRetryCount tries.
func RetryPolicy(policy retry.Policy) Option {
	return func(o *options) { o.policy = policy }
}

// SetupTimeout bounds how long Init waits for the coordinator and for
// every rank to join it. It defaults to DefaultSetupTimeout.
func SetupTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// dialPolicy paces a rank's attempts to reach a coordinator that is
// not yet listening.
var dialPolicy = retry.Backoff(100*time.Millisecond, 5*time.Second, 1.5)

// A Group is an established process group. It carries the rank, world
// size, backend and device of the calling process, and it implements
// the collectives used to share data among ranks. Collectives must be
// issued by every rank in the same order; a Group must not be used by
// concurrent goroutines.
type Group struct {
	world      World
	rank, size int
	backend    Backend
	device     Device
	addr       string

	transport transport
	server    *http.Server

	mu     sync.Mutex
	seq    uint64
	closed bool

	scope metrics.Scope
}

type groupEntry struct {
	once  sync.Once
	group *Group
	err   error
}

var (
	groupsMu sync.Mutex
	groups   = make(map[World]*groupEntry)
)

// Init establishes the process group of the given world, or returns
// the group already established for it. Init is a collective: it
// returns on no rank until every rank of the world has joined. Init
// populates MASTER_ADDR, MASTER_PORT, RANK and WORLD_SIZE in the
// world's environment, each only if it is not already set. A failed
// Init may be attempted again.
func Init(ctx context.Context, world World, opts ...Option) (*Group, error) {
	groupsMu.Lock()
	entry := groups[world]
	if entry == nil {
		entry = new(groupEntry)
		groups[world] = entry
	}
	groupsMu.Unlock()
	entry.once.Do(func() {
		entry.group, entry.err = setup(ctx, world, opts)
	})
	if entry.err != nil {
		groupsMu.Lock()
		if groups[world] == entry {
			delete(groups, world)
		}
		groupsMu.Unlock()
	}
	return entry.group, entry.err
}

func setup(ctx context.Context, world World, opts []Option) (*Group, error) {
	o := options{
		accelerators: -1,
		hostname:     HostAddr,
		policy:       retry.MaxTries(retry.Backoff(time.Second, 10*time.Second, 2), SetupRetryCount),
		timeout:      DefaultSetupTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.accelerators < 0 {
		o.accelerators = VisibleAccelerators()
	}
	if o.gpusPerNode <= 0 {
		o.gpusPerNode = o.accelerators
	}
	g := &Group{
		world:   world,
		rank:    world.Rank(),
		size:    world.Size(),
		backend: Gloo,
		device:  Device{Kind: "cpu"},
	}
	if o.accelerators > 0 {
		g.backend = NCCL
		g.device = Device{Kind: "cuda", Index: g.rank % o.gpusPerNode}
	}

	host, port := world.Getenv(EnvMasterAddr), world.Getenv(EnvMasterPort)
	if host == "" || port == "" {
		var proposal string
		if g.rank == 0 {
			var err error
			if proposal, err = propose(g.backend, o.hostname); err != nil {
				return nil, err
			}
		}
		proposal, err := world.Bcast(ctx, proposal)
		if err != nil {
			return nil, err
		}
		phost, pport, err := net.SplitHostPort(proposal)
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("dist: bad coordinator proposal %q", proposal), err)
		}
		if host == "" {
			host = phost
		}
		if port == "" {
			port = pport
		}
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("dist: %s=%q", EnvMasterPort, port), err)
	}
	for _, kv := range [][2]string{
		{EnvMasterAddr, host},
		{EnvMasterPort, port},
		{EnvRank, strconv.Itoa(g.rank)},
		{EnvWorldSize, strconv.Itoa(g.size)},
	} {
		if world.Getenv(kv[0]) != "" {
			continue
		}
		if err := world.Setenv(kv[0], kv[1]); err != nil {
			return nil, err
		}
	}
	g.addr = net.JoinHostPort(host, port)
	if g.rank == 0 {
		log.Printf("dist: rank 0 of %d: %s backend, coordinator at %s", g.size, g.backend, g.addr)
	}
	if err := g.handshake(ctx, port, o.policy, o.timeout); err != nil {
		g.shutdown()
		return nil, err
	}
	log.Debug.Printf("dist: rank %d of %d joined group at %s on %s", g.rank, g.size, g.addr, g.device)
	return g, nil
}

// propose returns the coordinator address chosen by rank 0.
func propose(backend Backend, hostname func() (string, error)) (string, error) {
	host := "127.0.0.1"
	if backend == NCCL {
		var err error
		if host, err = hostname(); err != nil {
			return "", err
		}
	}
	port, err := FreePort()
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// handshake starts the coordinator on rank 0 and joins the group.
// Failed joins are retried according to policy; the whole handshake,
// including waiting for the coordinator to listen, is bounded by
// timeout.
func (g *Group) handshake(ctx context.Context, port string, policy retry.Policy, timeout time.Duration) error {
	if g.size == 1 {
		c := newCoordinator(1)
		g.transport = localTransport{c}
		return g.transport.join(ctx, g.rank, g.size)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for tries := 1; ; tries++ {
		err := g.attempt(ctx, port)
		if err == nil {
			return nil
		}
		if errors.Is(errors.Precondition, err) {
			return err
		}
		if ctx.Err() != nil {
			return errors.E(errors.Net, fmt.Sprintf("dist: rank %d: handshake with %s did not complete", g.rank, g.addr), err)
		}
		log.Error.Printf("dist: rank %d: handshake try %d: %v", g.rank, tries, err)
		if werr := retry.Wait(ctx, policy, tries); werr != nil {
			return errors.E(errors.Net, fmt.Sprintf("dist: rank %d: handshake with %s failed after %d tries", g.rank, g.addr, tries), err)
		}
	}
}

func (g *Group) attempt(ctx context.Context, port string) error {
	if g.rank != 0 {
		if err := g.awaitCoordinator(ctx); err != nil {
			return err
		}
		if g.transport == nil {
			t, err := newRemoteTransport(g.addr)
			if err != nil {
				return err
			}
			g.transport = t
		}
		return g.transport.join(ctx, g.rank, g.size)
	}
	if g.server == nil {
		c := newCoordinator(g.size)
		handler, err := c.handler()
		if err != nil {
			return err
		}
		l, err := net.Listen("tcp", ":"+port)
		if err != nil {
			return errors.E(errors.Net, fmt.Sprintf("dist: listen on port %s", port), err)
		}
		g.server = &http.Server{Handler: handler}
		go func() {
			if err := g.server.Serve(l); err != nil && err != http.ErrServerClosed {
				log.Error.Printf("dist: coordinator: %v", err)
			}
		}()
		g.transport = localTransport{c}
	}
	return g.transport.join(ctx, g.rank, g.size)
}

// awaitCoordinator redials the coordinator until it accepts a
// connection or ctx is done. Ranks may start well before rank 0 is
// listening.
func (g *Group) awaitCoordinator(ctx context.Context) error {
	var dialer net.Dialer
	for retries := 0; ; retries++ {
		conn, err := dialer.DialContext(ctx, "tcp", g.addr)
		if err == nil {
			conn.Close()
			return nil
		}
		if retries == 0 {
			log.Printf("dist: rank %d: waiting for coordinator at %s: %v", g.rank, g.addr, err)
		}
		if werr := retry.Wait(ctx, dialPolicy, retries); werr != nil {
			return errors.E(errors.Net, fmt.Sprintf("dist: rank %d: coordinator at %s unreachable", g.rank, g.addr), err)
		}
	}
}

// Rank returns the rank of the calling process.
func (g *Group) Rank() int { return g.rank }

// Size returns the number of ranks in the group.
func (g *Group) Size() int { return g.size }

// Backend returns the group's backend.
func (g *Group) Backend() Backend { return g.backend }

// Device returns the device assigned to the calling rank.
func (g *Group) Device() Device { return g.device }

// Addr returns the coordinator's host:port.
func (g *Group) Addr() string { return g.addr }

// Scope returns the group's collective counters.
func (g *Group) Scope() *metrics.Scope { return &g.scope }

func (g *Group) next() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return 0, errors.E(errors.Precondition, "dist: group is closed")
	}
	g.seq++
	return g.seq, nil
}

// Broadcast returns root's data on every rank. The data passed by
// other ranks is ignored.
func (g *Group) Broadcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	if root < 0 || root >= g.size {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("dist: broadcast root %d outside group of size %d", root, g.size))
	}
	seq, err := g.next()
	if err != nil {
		return nil, err
	}
	broadcastCounter.Incr(&g.scope, 1)
	if g.size == 1 {
		bytesCounter.Incr(&g.scope, len(data))
		return data, nil
	}
	if g.rank == root {
		log.Debug.Printf("dist: rank %d: broadcast %d: posting %s", g.rank, seq, humanize.Bytes(uint64(len(data))))
		if err := g.transport.post(ctx, seq, g.rank, data); err != nil {
			return nil, err
		}
		bytesCounter.Incr(&g.scope, len(data))
		return data, nil
	}
	data, err = g.transport.fetch(ctx, seq, g.rank)
	if err != nil {
		return nil, err
	}
	log.Debug.Printf("dist: rank %d: broadcast %d: received %s from rank %d", g.rank, seq, humanize.Bytes(uint64(len(data))), root)
	bytesCounter.Incr(&g.scope, len(data))
	return data, nil
}

// Barrier returns once every rank has called Barrier.
func (g *Group) Barrier(ctx context.Context) error {
	seq, err := g.next()
	if err != nil {
		return err
	}
	barrierCounter.Incr(&g.scope, 1)
	if g.size == 1 {
		return nil
	}
	return g.transport.barrier(ctx, seq, g.rank)
}

// Close is a collective that tears down the group once every rank has
// reached it. After Close, Init establishes a new group for the world.
func (g *Group) Close(ctx context.Context) error {
	err := g.Barrier(ctx)
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	if g.server != nil {
		// Shutdown lets peers receive their barrier replies.
		if serr := g.server.Shutdown(ctx); serr != nil {
			log.Error.Printf("dist: shut down coordinator: %v", serr)
		}
		g.server = nil
	}
	groupsMu.Lock()
	if e := groups[g.world]; e != nil && e.group == g {
		delete(groups, g.world)
	}
	groupsMu.Unlock()
	return err
}

func (g *Group) shutdown() {
	if g.server == nil {
		return
	}
	if err := g.server.Close(); err != nil {
		log.Error.Printf("dist: close coordinator: %v", err)
	}
	g.server = nil
}
