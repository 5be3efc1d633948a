// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package normalize applies precomputed mean/std statistics to raw
// volume samples, and suppresses outliers with per-sample dynamic
// clipping.
//
// Raw samples are stored channels-last (D×H×W×C). Statistics are
// either a length-C vector per channel (channel-wise normalization),
// or a full grid of the sample's shape (instance-wise
// normalization); the rank of the statistics selects the mode.
package normalize

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gaussiancube/tensor"
)

// Mode is a normalization mode.
type Mode int

const (
	// ChannelWise statistics are shared by all spatial positions of a
	// channel.
	ChannelWise Mode = iota
	// InstanceWise statistics are defined for every grid cell.
	InstanceWise
)

func (m Mode) String() string {
	switch m {
	case ChannelWise:
		return "channel-wise"
	case InstanceWise:
		return "instance-wise"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Stats holds a pair of normalization statistics.
type Stats struct {
	Mean, Std *tensor.Tensor
}

// NewStats validates and returns the statistics pair (mean, std).
// Mean and std must have the same shape, and every std entry must be
// strictly positive.
func NewStats(mean, std *tensor.Tensor) (*Stats, error) {
	if mean == nil || std == nil {
		return nil, errors.E(errors.Invalid, "normalize: both mean and std are required")
	}
	if !mean.SameShape(std) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("normalize: mean shape %v does not match std shape %v", mean.Shape, std.Shape))
	}
	if mean.Rank() == 0 {
		return nil, errors.E(errors.Invalid, "normalize: scalar statistics")
	}
	for i, s := range std.Data {
		if !(s > 0) || math.IsInf(float64(s), 0) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("normalize: std[%d] = %v is not strictly positive", i, s))
		}
	}
	return &Stats{Mean: mean, Std: std}, nil
}

// Mode returns the normalization mode implied by the statistics'
// rank.
func (s *Stats) Mode() Mode {
	if s.Mean.Rank() == 1 {
		return ChannelWise
	}
	return InstanceWise
}

// Check returns an error if a sample of the provided shape cannot be
// normalized by s.
func (s *Stats) Check(shape []int) error {
	switch s.Mode() {
	case ChannelWise:
		if len(shape) == 0 || shape[len(shape)-1] != s.Mean.Len() {
			return errors.E(errors.Invalid, fmt.Sprintf("normalize: sample shape %v does not end in %d channels", shape, s.Mean.Len()))
		}
	case InstanceWise:
		if !s.Mean.SameShape(&tensor.Tensor{Shape: shape}) {
			return errors.E(errors.Invalid, fmt.Sprintf("normalize: sample shape %v does not match statistics shape %v", shape, s.Mean.Shape))
		}
	}
	return nil
}

// Apply normalizes the channels-last sample x and returns the result
// in the same layout. In channel-wise mode, each value has its
// channel mean subtracted, is clipped to ± the channel std, and is
// then divided by that std, so that results lie in [-1, 1]. In
// instance-wise mode each value is mapped to (x - mean) / std.
func (s *Stats) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := s.Check(x.Shape); err != nil {
		return nil, err
	}
	out := tensor.New(x.Shape...)
	mean, std := s.Mean.Data, s.Std.Data
	switch s.Mode() {
	case ChannelWise:
		nc := len(mean)
		for i, v := range x.Data {
			c := i % nc
			d := v - mean[c]
			if d > std[c] {
				d = std[c]
			} else if d < -std[c] {
				d = -std[c]
			}
			out.Data[i] = d / std[c]
		}
	case InstanceWise:
		for i, v := range x.Data {
			out.Data[i] = (v - mean[i]) / std[i]
		}
	}
	return out, nil
}

// Invert maps a normalized channels-last sample back to the raw
// value range: y * std + mean. Values that were clipped by Apply are
// not recovered.
func (s *Stats) Invert(y *tensor.Tensor) (*tensor.Tensor, error) {
	if err := s.Check(y.Shape); err != nil {
		return nil, err
	}
	out := tensor.New(y.Shape...)
	mean, std := s.Mean.Data, s.Std.Data
	n := len(mean)
	for i, v := range y.Data {
		j := i
		if s.Mode() == ChannelWise {
			j = i % n
		}
		out.Data[i] = v*std[j] + mean[j]
	}
	return out, nil
}
