// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package trace records loader activity in the Chrome tracing format,
// viewable in chrome://tracing. Each rank is a process; events carry
// durations in microseconds.
package trace

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/grailbio/base/file"
)

// T is a trace document.
type T struct {
	mu     sync.Mutex
	start  time.Time
	Events []Event `json:"traceEvents"`
}

// Event is a complete ("X") event in the Chrome tracing format. For
// details, see:
//	https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/preview
type Event struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// New returns a trace whose timestamps are relative to now.
func New() *T {
	return &T{start: time.Now()}
}

// Span records an event named name on process pid that began at
// start and ends now.
func (t *T) Span(pid int, name string, start time.Time, args map[string]interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Events = append(t.Events, Event{
		Pid:  pid,
		Ts:   start.Sub(t.start).Microseconds(),
		Ph:   "X",
		Dur:  time.Since(start).Microseconds(),
		Name: name,
		Args: args,
	})
}

// Encode writes the trace as JSON.
func (t *T) Encode(w io.Writer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return json.NewEncoder(w).Encode(t)
}

// WriteFile writes the trace to path, which may be any path supported
// by github.com/grailbio/base/file.
func (t *T) WriteFile(ctx context.Context, path string) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Discard(ctx)
			return
		}
		err = f.Close(ctx)
	}()
	return t.Encode(f.Writer(ctx))
}
