// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package normalize

import (
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gaussiancube/tensor"
)

// DefaultQuantile is the quantile used by dynamic clipping unless
// configured otherwise.
const DefaultQuantile = 0.995

// DynamicClip clips every channel of the channels-first tensor x
// (C×...) symmetrically to ± the p-quantile of that channel's
// absolute values. Values are not rescaled. A channel whose quantile
// is zero is clipped to zero.
func DynamicClip(x *tensor.Tensor, p float64) (*tensor.Tensor, error) {
	if p < 0 || p > 1 || math.IsNaN(p) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("normalize: quantile %v outside [0, 1]", p))
	}
	if x.Rank() < 1 {
		return nil, errors.E(errors.Invalid, "normalize: dynamic clip of a scalar")
	}
	var (
		out     = tensor.New(x.Shape...)
		nc      = x.Shape[0]
		stride  = x.Len() / max(nc, 1)
		scratch = make([]float64, stride)
	)
	for c := 0; c < nc; c++ {
		ch := x.Data[c*stride : (c+1)*stride]
		for i, v := range ch {
			scratch[i] = math.Abs(float64(v))
		}
		bound := float32(Quantile(scratch, p))
		dst := out.Data[c*stride : (c+1)*stride]
		for i, v := range ch {
			switch {
			case v > bound:
				v = bound
			case v < -bound:
				v = -bound
			}
			dst[i] = v
		}
	}
	return out, nil
}

// Quantile returns the p-quantile of values, interpolating linearly
// between the two nearest order statistics (the estimator used by
// NumPy and PyTorch by default). Values is sorted in place. Quantile
// of an empty slice is 0.
func Quantile(values []float64, p float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sort.Float64s(values)
	h := float64(n-1) * p
	lo := int(math.Floor(h))
	if lo >= n-1 {
		return values[n-1]
	}
	frac := h - float64(lo)
	return values[lo] + frac*(values[lo+1]-values[lo])
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
