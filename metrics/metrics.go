// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package metrics provides named counters that are accumulated in
// scopes. Each dataset and process group carries its own scope, and
// scopes from different ranks may be merged for reporting.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	mu    sync.Mutex
	names = []string{""} // index 0 is reserved so zero counters are detectable
)

// A Counter is a monotonically increasing metric.
type Counter struct {
	id int
}

// NewCounter registers and returns a new counter with the provided
// name. Counters should be created during package initialization.
func NewCounter(name string) Counter {
	mu.Lock()
	defer mu.Unlock()
	names = append(names, name)
	return Counter{len(names) - 1}
}

// Name returns the counter's registered name.
func (c Counter) Name() string {
	mu.Lock()
	defer mu.Unlock()
	return names[c.id]
}

// Incr adds n to the counter's value in scope.
func (c Counter) Incr(scope *Scope, n int) {
	if c.id == 0 {
		panic("metrics: uninitialized counter")
	}
	atomic.AddUint64(scope.instance(c.id), uint64(n))
}

// Value returns the counter's value in scope.
func (c Counter) Value(scope *Scope) uint64 {
	return atomic.LoadUint64(scope.instance(c.id))
}

// Scope is a collection of counter values. The zero Scope is
// empty and ready to use.
type Scope struct {
	mu     sync.Mutex
	values map[int]*uint64
}

func (s *Scope) instance(id int) *uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[int]*uint64)
	}
	v := s.values[id]
	if v == nil {
		v = new(uint64)
		s.values[id] = v
	}
	return v
}

// Merge adds the values of u into s.
func (s *Scope) Merge(u *Scope) {
	for id, v := range u.Snapshot() {
		atomic.AddUint64(s.instance(id), v)
	}
}

// Snapshot returns the current values in s, keyed by counter id.
func (s *Scope) Snapshot() map[int]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(map[int]uint64, len(s.values))
	for id, v := range s.values {
		snap[id] = atomic.LoadUint64(v)
	}
	return snap
}

// String renders the scope's values as name=value pairs, sorted by
// name.
func (s *Scope) String() string {
	snap := s.Snapshot()
	mu.Lock()
	pairs := make([]string, 0, len(snap))
	for id, v := range snap {
		pairs = append(pairs, fmt.Sprintf("%s=%d", names[id], v))
	}
	mu.Unlock()
	sort.Strings(pairs)
	return strings.Join(pairs, " ")
}
