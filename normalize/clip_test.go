// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package normalize

import (
	"math/rand"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/gaussiancube/tensor"
	"github.com/grailbio/testutil/assert"
)

func TestDynamicClipIdentity(t *testing.T) {
	fz := fuzz.New().RandSource(rand.NewSource(3))
	x := randomSample(fz, 50, 4, 5, 5, 5)
	y, err := DynamicClip(x, 1)
	assert.NoError(t, err)
	if !y.Equal(x) {
		t.Error("clipping at p = 1 modified the input")
	}
}

func TestDynamicClipZeroChannel(t *testing.T) {
	fz := fuzz.New().RandSource(rand.NewSource(4))
	x := randomSample(fz, 3, 3, 4, 4, 4)
	// Zero out channel 1.
	n := x.Len() / 3
	for i := n; i < 2*n; i++ {
		x.Data[i] = 0
	}
	y, err := DynamicClip(x, DefaultQuantile)
	assert.NoError(t, err)
	for i := n; i < 2*n; i++ {
		if y.Data[i] != 0 {
			t.Fatalf("value %d: got %v, want 0", i, y.Data[i])
		}
	}
}

func TestDynamicClipOutlier(t *testing.T) {
	// One channel of 101 values: 0..99 and a single outlier.
	x := tensor.New(1, 101)
	for i := 0; i < 100; i++ {
		x.Data[i] = float32(i)
	}
	x.Data[100] = -1e6
	y, err := DynamicClip(x, 0.5)
	assert.NoError(t, err)
	// The median of |x| is 50.
	if got, want := y.Data[100], float32(-50); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := y.Data[99], float32(50); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := y.Data[10], float32(10); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDynamicClipInvalid(t *testing.T) {
	for _, p := range []float64{-0.1, 1.5} {
		if _, err := DynamicClip(tensor.New(1, 2), p); err == nil {
			t.Errorf("p=%v: expected error", p)
		}
	}
}

func TestQuantile(t *testing.T) {
	for _, c := range []struct {
		values []float64
		p      float64
		want   float64
	}{
		{[]float64{}, 0.5, 0},
		{[]float64{3}, 0.9, 3},
		{[]float64{4, 1, 3, 2}, 0, 1},
		{[]float64{4, 1, 3, 2}, 1, 4},
		{[]float64{4, 1, 3, 2}, 0.5, 2.5},
		{[]float64{0, 10}, 0.25, 2.5},
	} {
		if got := Quantile(append([]float64(nil), c.values...), c.p); got != c.want {
			t.Errorf("Quantile(%v, %v): got %v, want %v", c.values, c.p, got, c.want)
		}
	}
}
