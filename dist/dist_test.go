// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dist

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/gaussiancube/tensor"
	"github.com/grailbio/testutil"
	"golang.org/x/sync/errgroup"
)

var testPolicy = retry.MaxTries(retry.Backoff(10*time.Millisecond, 200*time.Millisecond, 2), 20)

// run establishes a group on each of n local worlds and calls fn on
// every rank concurrently.
func run(t *testing.T, n int, fn func(ctx context.Context, g *Group) error, opts ...Option) []*Group {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	opts = append([]Option{Accelerators(0), RetryPolicy(testPolicy)}, opts...)
	worlds := LocalWorlds(n)
	groups := make([]*Group, n)
	g, ctx := errgroup.WithContext(ctx)
	for i := range worlds {
		i := i
		g.Go(func() error {
			group, err := Init(ctx, worlds[i], opts...)
			if err != nil {
				return err
			}
			groups[i] = group
			if fn == nil {
				return nil
			}
			return fn(ctx, group)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	return groups
}

func closeAll(t *testing.T, groups []*Group) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	var g errgroup.Group
	for _, group := range groups {
		group := group
		g.Go(func() error { return group.Close(ctx) })
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestInitSingleton(t *testing.T) {
	ctx := context.Background()
	world := LocalWorlds(1)[0]
	g, err := Init(ctx, world, Accelerators(0))
	if err != nil {
		t.Fatal(err)
	}
	again, err := Init(ctx, world, Accelerators(0))
	if err != nil {
		t.Fatal(err)
	}
	if g != again {
		t.Error("Init is not idempotent")
	}
	if got, want := g.Backend(), Gloo; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := g.Device().String(), "cpu"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for key, want := range map[string]string{
		EnvMasterAddr: "127.0.0.1",
		EnvRank:       "0",
		EnvWorldSize:  "1",
	} {
		if got := world.Getenv(key); got != want {
			t.Errorf("%s: got %q, want %q", key, got, want)
		}
	}
	if world.Getenv(EnvMasterPort) == "" {
		t.Errorf("%s not set", EnvMasterPort)
	}
	p, err := g.Broadcast(ctx, 0, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(p), "x"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if err := g.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Broadcast(ctx, 0, nil); !errors.Is(errors.Precondition, err) {
		t.Errorf("broadcast on closed group: %v", err)
	}
	fresh, err := Init(ctx, world, Accelerators(0))
	if err != nil {
		t.Fatal(err)
	}
	if fresh == g {
		t.Error("Init returned a closed group")
	}
}

// presetWorlds returns n local worlds whose environment already names
// a coordinator at addr, as a launcher would.
func presetWorlds(t *testing.T, n int, host, port string) []World {
	t.Helper()
	worlds := LocalWorlds(n)
	for _, w := range worlds {
		if err := w.Setenv(EnvMasterAddr, host); err != nil {
			t.Fatal(err)
		}
		if err := w.Setenv(EnvMasterPort, port); err != nil {
			t.Fatal(err)
		}
	}
	return worlds
}

func TestInitLateCoordinator(t *testing.T) {
	if testing.Short() {
		t.Skip("slow")
	}
	port, err := FreePort()
	if err != nil {
		t.Fatal(err)
	}
	worlds := presetWorlds(t, 2, "127.0.0.1", strconv.Itoa(port))
	ctx := context.Background()
	groups := make([]*Group, 2)
	var g errgroup.Group
	g.Go(func() error {
		var err error
		groups[1], err = Init(ctx, worlds[1], Accelerators(0))
		return err
	})
	g.Go(func() error {
		// Rank 0 arrives after the join retries of rank 1 would have
		// been spent had waiting for the listener counted against them.
		time.Sleep(8 * time.Second)
		var err error
		groups[0], err = Init(ctx, worlds[0], Accelerators(0))
		return err
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	closeAll(t, groups)
}

func TestInitRetriesExhausted(t *testing.T) {
	if testing.Short() {
		t.Skip("slow")
	}
	var joins int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&joins, 1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	host, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	world := presetWorlds(t, 2, host, port)[1]
	_, err = Init(context.Background(), world, Accelerators(0))
	if !errors.Is(errors.Net, err) {
		t.Errorf("got %v, want net error", err)
	}
	if got, want := atomic.LoadInt32(&joins), int32(SetupRetryCount); got != want {
		t.Errorf("got %d joins, want %d", got, want)
	}
}

func TestInitSetupTimeout(t *testing.T) {
	port, err := FreePort()
	if err != nil {
		t.Fatal(err)
	}
	world := presetWorlds(t, 2, "127.0.0.1", strconv.Itoa(port))[1]
	start := time.Now()
	_, err = Init(context.Background(), world, Accelerators(0), SetupTimeout(300*time.Millisecond))
	if !errors.Is(errors.Net, err) {
		t.Errorf("got %v, want net error", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Init returned after %s", elapsed)
	}
}

func TestInitPreservesEnv(t *testing.T) {
	const n = 3
	worlds := LocalWorlds(n)
	for _, w := range worlds {
		if err := w.Setenv(EnvMasterAddr, "localhost"); err != nil {
			t.Fatal(err)
		}
		if err := w.Setenv(EnvRank, "7"); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	groups := make([]*Group, n)
	var eg errgroup.Group
	for i := range worlds {
		i := i
		eg.Go(func() (err error) {
			groups[i], err = Init(ctx, worlds[i], Accelerators(0), RetryPolicy(testPolicy))
			return
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	defer closeAll(t, groups)
	port := worlds[0].Getenv(EnvMasterPort)
	for i, w := range worlds {
		if got, want := w.Getenv(EnvMasterAddr), "localhost"; got != want {
			t.Errorf("rank %d: got %q, want %q", i, got, want)
		}
		if got, want := w.Getenv(EnvRank), "7"; got != want {
			t.Errorf("rank %d: got %q, want %q", i, got, want)
		}
		if got, want := w.Getenv(EnvWorldSize), fmt.Sprint(n); got != want {
			t.Errorf("rank %d: got %q, want %q", i, got, want)
		}
		if got, want := w.Getenv(EnvMasterPort), port; got != want {
			t.Errorf("rank %d: got %q, want %q", i, got, want)
		}
		if got, want := groups[i].Rank(), i; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := groups[i].Addr(), "localhost:"+port; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestDevice(t *testing.T) {
	hostname := func() (string, error) { return "127.0.0.1", nil }
	groups := run(t, 4, nil, Accelerators(4), GPUsPerNode(2), Hostname(hostname))
	defer closeAll(t, groups)
	for i, g := range groups {
		if got, want := g.Backend(), NCCL; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := g.Device().String(), fmt.Sprintf("cuda:%d", i%2); got != want {
			t.Errorf("rank %d: got %v, want %v", i, got, want)
		}
	}
}

func TestBroadcast(t *testing.T) {
	const n = 4
	groups := run(t, n, func(ctx context.Context, g *Group) error {
		for root := 0; root < n; root++ {
			data := []byte(fmt.Sprintf("from rank %d", g.Rank()))
			got, err := g.Broadcast(ctx, root, data)
			if err != nil {
				return err
			}
			if want := fmt.Sprintf("from rank %d", root); string(got) != want {
				return fmt.Errorf("rank %d: got %q, want %q", g.Rank(), got, want)
			}
			if err := g.Barrier(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	defer closeAll(t, groups)
	for _, g := range groups {
		if got, want := broadcastCounter.Value(g.Scope()), uint64(n); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := barrierCounter.Value(g.Scope()), uint64(n); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestBroadcastInvalidRoot(t *testing.T) {
	groups := run(t, 1, nil)
	defer closeAll(t, groups)
	if _, err := groups[0].Broadcast(context.Background(), 1, nil); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
}

func TestLoadTensor(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	want := tensor.New(2, 3, 4)
	fz := fuzz.New().RandSource(rand.NewSource(1))
	for i := range want.Data {
		fz.Fuzz(&want.Data[i])
	}
	path := dir + "/stats.zst"
	if err := tensor.WriteFile(context.Background(), path, want); err != nil {
		t.Fatal(err)
	}
	raw, err := tensor.ReadBytes(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []int{1, 2, 5} {
		groups := run(t, n, func(ctx context.Context, g *Group) error {
			p, err := ReadFile(ctx, g, path)
			if err != nil {
				return err
			}
			if !bytes.Equal(p, raw) {
				return fmt.Errorf("rank %d: bytes differ", g.Rank())
			}
			got, err := LoadTensor(ctx, g, path)
			if err != nil {
				return err
			}
			if !got.Equal(want) {
				return fmt.Errorf("rank %d: got %v, want %v", g.Rank(), got, want)
			}
			return nil
		})
		closeAll(t, groups)
	}
}

func TestReadFileError(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	const n = 3
	errs := make([]error, n)
	groups := run(t, n, func(ctx context.Context, g *Group) error {
		_, errs[g.Rank()] = ReadFile(ctx, g, dir+"/missing")
		return nil
	})
	defer closeAll(t, groups)
	if errs[0] == nil {
		t.Fatal("rank 0: expected error")
	}
	for rank := 1; rank < n; rank++ {
		if !isFatal(errs[rank]) {
			t.Errorf("rank %d: got %v, want fatal", rank, errs[rank])
		}
	}
}

func isFatal(err error) bool {
	return err != nil && errors.Recover(err).Severity == errors.Fatal
}

func TestSyncParams(t *testing.T) {
	const n = 3
	shapes := [][]int{{4}, {2, 3}, {1, 2, 2, 2}}
	params := make([][]*tensor.Tensor, n)
	for rank := range params {
		fz := fuzz.New().RandSource(rand.NewSource(int64(rank)))
		for _, shape := range shapes {
			p := tensor.New(shape...)
			for i := range p.Data {
				fz.Fuzz(&p.Data[i])
			}
			params[rank] = append(params[rank], p)
		}
	}
	want := make([]*tensor.Tensor, len(shapes))
	for i, p := range params[0] {
		want[i] = p.Clone()
	}
	groups := run(t, n, func(ctx context.Context, g *Group) error {
		return SyncParams(ctx, g, params[g.Rank()])
	})
	defer closeAll(t, groups)
	for rank := range params {
		for i, p := range params[rank] {
			if !p.Equal(want[i]) {
				t.Errorf("rank %d, parameter %d: got %v, want %v", rank, i, p, want[i])
			}
		}
	}
}

func TestSyncParamsShapeMismatch(t *testing.T) {
	errs := make([]error, 2)
	groups := run(t, 2, func(ctx context.Context, g *Group) error {
		p := tensor.New(2 + g.Rank())
		errs[g.Rank()] = SyncParams(ctx, g, []*tensor.Tensor{p})
		return nil
	})
	defer closeAll(t, groups)
	if errs[0] != nil {
		t.Errorf("rank 0: %v", errs[0])
	}
	if !errors.Is(errors.Invalid, errs[1]) {
		t.Errorf("rank 1: got %v, want Invalid", errs[1])
	}
}

func TestSyncParamsMarshalError(t *testing.T) {
	const n = 3
	errs := make([]error, n)
	groups := run(t, n, func(ctx context.Context, g *Group) error {
		p := tensor.New(2)
		if g.Rank() == 0 {
			// The shape no longer describes the data.
			p.Shape = []int{3}
		}
		errs[g.Rank()] = SyncParams(ctx, g, []*tensor.Tensor{p})
		return nil
	})
	defer closeAll(t, groups)
	if !errors.Is(errors.Invalid, errs[0]) {
		t.Errorf("rank 0: got %v, want invalid", errs[0])
	}
	for rank := 1; rank < n; rank++ {
		if !isFatal(errs[rank]) {
			t.Errorf("rank %d: got %v, want fatal", rank, errs[rank])
		}
	}
}

func TestCancel(t *testing.T) {
	groups := run(t, 2, nil)
	defer closeAll(t, groups)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// Rank 0 never posts.
	if _, err := groups[1].Broadcast(ctx, 0, nil); err == nil {
		t.Fatal("expected error")
	}
	// Keep sequence numbers aligned for Close.
	if _, err := groups[0].Broadcast(context.Background(), 0, nil); err != nil {
		t.Fatal(err)
	}
}
