// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dist

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gaussiancube/tensor"
)

// envelope is the payload of a broadcast from rank 0 whose data may
// fail to materialize. Err is set when rank 0 failed to produce Data.
type envelope struct {
	Data []byte
	Err  string
}

// broadcastEnvelope broadcasts rank 0's data, or the error rank 0
// encountered producing it, so that no peer waits on a broadcast
// that rank 0 abandoned. Rank 0 returns rootErr; peers receiving an
// error return it with fatal severity.
func broadcastEnvelope(ctx context.Context, g *Group, what string, data []byte, rootErr error) ([]byte, error) {
	var env envelope
	if g.Rank() == 0 {
		env.Data = data
		if rootErr != nil {
			env.Data, env.Err = nil, rootErr.Error()
		}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, err
	}
	p, err := g.Broadcast(ctx, 0, buf.Bytes())
	if err != nil {
		return nil, err
	}
	if g.Rank() == 0 {
		return data, rootErr
	}
	env = envelope{}
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&env); err != nil {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("dist: decode broadcast of %s", what), err)
	}
	if env.Err != "" {
		return nil, errors.E(errors.Fatal, fmt.Sprintf("dist: rank 0 failed on %s: %s", what, env.Err))
	}
	return env.Data, nil
}

// ReadFile returns the contents of the file at path on every rank.
// Only rank 0 reads the file; the other ranks receive its exact
// bytes through a broadcast. A read failure on rank 0 is returned on
// every rank. ReadFile is a collective and does not retry.
func ReadFile(ctx context.Context, g *Group, path string) ([]byte, error) {
	var (
		data    []byte
		readErr error
	)
	if g.Rank() == 0 {
		data, readErr = tensor.ReadBytes(ctx, path)
	}
	data, err := broadcastEnvelope(ctx, g, path, data, readErr)
	if err != nil {
		return nil, err
	}
	log.Debug.Printf("dist: rank %d: read %s (%s)", g.Rank(), path, humanize.Bytes(uint64(len(data))))
	return data, nil
}

// LoadTensor reads a tensor blob with ReadFile and decodes it
// locally on every rank.
func LoadTensor(ctx context.Context, g *Group, path string) (*tensor.Tensor, error) {
	p, err := ReadFile(ctx, g, path)
	if err != nil {
		return nil, err
	}
	t, err := tensor.Unmarshal(p)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("dist: decode %s", path), err)
	}
	return t, nil
}
