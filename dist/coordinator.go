// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dist

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine/rpc"
	"github.com/grailbio/gaussiancube/ctxsync"
)

// rpcPrefix is the HTTP path under which the coordinator service is
// served.
const rpcPrefix = "/bigrpc/"

// JoinRequest announces a rank to the coordinator.
type JoinRequest struct {
	Rank, Size int
}

// PostRequest carries a broadcast payload from its root.
type PostRequest struct {
	Seq  uint64
	Rank int
	Data []byte
}

// FetchRequest asks for the payload of a broadcast.
type FetchRequest struct {
	Seq  uint64
	Rank int
}

// BarrierRequest announces a rank's arrival at a barrier.
type BarrierRequest struct {
	Seq  uint64
	Rank int
}

// Coordinator is the rendezvous service run by rank 0 of a process
// group. Every collective is identified by a sequence number; ranks
// issue collectives in the same order and therefore agree on
// sequence numbers without further communication. Coordinator is
// exported only so that its methods may be dispatched over RPC.
type Coordinator struct {
	size int

	mu       sync.Mutex
	cond     *ctxsync.Cond
	joined   map[int]bool
	slots    map[uint64]*slot
	barriers map[uint64]*barrier
}

type slot struct {
	data    []byte
	posted  bool
	fetched int
}

type barrier struct {
	arrived map[int]bool
	left    int
}

func newCoordinator(size int) *Coordinator {
	c := &Coordinator{
		size:     size,
		joined:   make(map[int]bool),
		slots:    make(map[uint64]*slot),
		barriers: make(map[uint64]*barrier),
	}
	c.cond = ctxsync.NewCond(&c.mu)
	return c
}

func (c *Coordinator) checkRank(rank int) error {
	if rank < 0 || rank >= c.size {
		return errors.E(errors.Precondition, fmt.Sprintf("dist: rank %d outside group of size %d", rank, c.size))
	}
	return nil
}

// Join registers a rank and returns once every rank has joined.
// Joining is idempotent, so that a rank may retry a join whose reply
// was lost.
func (c *Coordinator) Join(ctx context.Context, req JoinRequest, _ *struct{}) error {
	if req.Size != c.size {
		return errors.E(errors.Precondition, fmt.Sprintf("dist: rank %d expects a group of size %d, coordinator has %d", req.Rank, req.Size, c.size))
	}
	if err := c.checkRank(req.Rank); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined[req.Rank] {
		c.joined[req.Rank] = true
		log.Debug.Printf("dist: rank %d joined (%d/%d)", req.Rank, len(c.joined), c.size)
		c.cond.Broadcast()
	}
	return c.cond.WaitUntil(ctx, func() bool { return len(c.joined) == c.size })
}

func (c *Coordinator) slot(seq uint64) *slot {
	s := c.slots[seq]
	if s == nil {
		s = new(slot)
		c.slots[seq] = s
	}
	return s
}

// Post publishes the root's payload for broadcast req.Seq.
func (c *Coordinator) Post(ctx context.Context, req PostRequest, _ *struct{}) error {
	if err := c.checkRank(req.Rank); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slot(req.Seq)
	if s.posted {
		return errors.E(errors.Exists, fmt.Sprintf("dist: broadcast %d posted twice", req.Seq))
	}
	s.data, s.posted = req.Data, true
	if c.size == 1 {
		delete(c.slots, req.Seq)
	}
	c.cond.Broadcast()
	return nil
}

// Fetch returns the payload of broadcast req.Seq, waiting for the
// root to post it.
func (c *Coordinator) Fetch(ctx context.Context, req FetchRequest, reply *[]byte) error {
	if err := c.checkRank(req.Rank); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slot(req.Seq)
	if err := c.cond.WaitUntil(ctx, func() bool { return s.posted }); err != nil {
		return err
	}
	*reply = s.data
	s.fetched++
	if s.fetched == c.size-1 {
		delete(c.slots, req.Seq)
	}
	return nil
}

// Barrier returns once every rank has arrived at barrier req.Seq.
func (c *Coordinator) Barrier(ctx context.Context, req BarrierRequest, _ *struct{}) error {
	if err := c.checkRank(req.Rank); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.barriers[req.Seq]
	if b == nil {
		b = &barrier{arrived: make(map[int]bool)}
		c.barriers[req.Seq] = b
	}
	b.arrived[req.Rank] = true
	c.cond.Broadcast()
	if err := c.cond.WaitUntil(ctx, func() bool { return len(b.arrived) == c.size }); err != nil {
		return err
	}
	b.left++
	if b.left == c.size {
		delete(c.barriers, req.Seq)
	}
	return nil
}

// handler returns an HTTP handler that serves the coordinator over
// RPC.
func (c *Coordinator) handler() (http.Handler, error) {
	server := rpc.NewServer()
	if err := server.Register("Coordinator", c); err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle(rpcPrefix, server)
	return mux, nil
}

// A transport carries a rank's side of the collectives.
type transport interface {
	join(ctx context.Context, rank, size int) error
	post(ctx context.Context, seq uint64, rank int, data []byte) error
	fetch(ctx context.Context, seq uint64, rank int) ([]byte, error)
	barrier(ctx context.Context, seq uint64, rank int) error
}

// localTransport is used by rank 0, which hosts the coordinator.
type localTransport struct{ c *Coordinator }

func (t localTransport) join(ctx context.Context, rank, size int) error {
	return t.c.Join(ctx, JoinRequest{rank, size}, nil)
}

func (t localTransport) post(ctx context.Context, seq uint64, rank int, data []byte) error {
	return t.c.Post(ctx, PostRequest{seq, rank, data}, nil)
}

func (t localTransport) fetch(ctx context.Context, seq uint64, rank int) ([]byte, error) {
	var data []byte
	err := t.c.Fetch(ctx, FetchRequest{seq, rank}, &data)
	return data, err
}

func (t localTransport) barrier(ctx context.Context, seq uint64, rank int) error {
	return t.c.Barrier(ctx, BarrierRequest{seq, rank}, nil)
}

// remoteTransport reaches the coordinator over RPC.
type remoteTransport struct {
	client *rpc.Client
	addr   string
}

func newRemoteTransport(hostport string) (*remoteTransport, error) {
	client, err := rpc.NewClient(func() *http.Client { return http.DefaultClient }, rpcPrefix)
	if err != nil {
		return nil, err
	}
	return &remoteTransport{client: client, addr: "http://" + hostport}, nil
}

func (t *remoteTransport) join(ctx context.Context, rank, size int) error {
	return t.client.Call(ctx, t.addr, "Coordinator.Join", JoinRequest{rank, size}, nil)
}

func (t *remoteTransport) post(ctx context.Context, seq uint64, rank int, data []byte) error {
	return t.client.Call(ctx, t.addr, "Coordinator.Post", PostRequest{seq, rank, data}, nil)
}

func (t *remoteTransport) fetch(ctx context.Context, seq uint64, rank int) ([]byte, error) {
	var data []byte
	err := t.client.Call(ctx, t.addr, "Coordinator.Fetch", FetchRequest{seq, rank}, &data)
	return data, err
}

func (t *remoteTransport) barrier(ctx context.Context, seq uint64, rank int) error {
	return t.client.Call(ctx, t.addr, "Coordinator.Barrier", BarrierRequest{seq, rank}, nil)
}
