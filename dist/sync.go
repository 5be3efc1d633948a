// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dist

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gaussiancube/tensor"
)

// SyncParams overwrites, in place, the values of params on every rank
// with those of rank 0. It is used once after initialization so that
// every replica starts from identical parameters. Every rank must pass
// tensors of the same shapes in the same order.
func SyncParams(ctx context.Context, g *Group, params []*tensor.Tensor) error {
	for i, p := range params {
		var (
			data       []byte
			marshalErr error
		)
		if g.Rank() == 0 {
			data, marshalErr = tensor.Marshal(p)
		}
		data, err := broadcastEnvelope(ctx, g, fmt.Sprintf("parameter %d", i), data, marshalErr)
		if err != nil {
			return err
		}
		if g.Rank() == 0 {
			continue
		}
		src, err := tensor.Unmarshal(data)
		if err != nil {
			return errors.E(fmt.Sprintf("dist: parameter %d", i), err)
		}
		if !src.SameShape(p) {
			return errors.E(errors.Invalid,
				fmt.Sprintf("dist: parameter %d: shape %v on rank %d, %v on rank 0", i, p.Shape, g.Rank(), src.Shape))
		}
		copy(p.Data, src.Data)
	}
	return nil
}
