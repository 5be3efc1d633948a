// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
	"io/ioutil"
	"strings"

	"github.com/grailbio/base/compress/zstd"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// CompressedSuffix is the path suffix that marks zstd-compressed
// tensor blobs.
const CompressedSuffix = ".zst"

type header struct {
	Shape []int
}

// Encode writes t to w as a tensor blob: a gob stream carrying the
// shape and the values, followed by a CRC-32 (IEEE) checksum of the
// encoded stream.
func Encode(w io.Writer, t *Tensor) error {
	if Size(t.Shape) != len(t.Data) {
		return errors.E(errors.Invalid, fmt.Sprintf("tensor: encode: shape %v does not match %d values", t.Shape, len(t.Data)))
	}
	crc := crc32.NewIEEE()
	enc := gob.NewEncoder(io.MultiWriter(w, crc))
	if err := enc.Encode(header{t.Shape}); err != nil {
		return err
	}
	if err := enc.Encode(t.Data); err != nil {
		return err
	}
	return enc.Encode(crc.Sum32())
}

// Decode reads a tensor blob written by Encode.
func Decode(r io.Reader) (*Tensor, error) {
	// Gob treats an io.ByteReader as a signal that the reader is
	// buffered; we buffer ourselves so that the tee observes exactly
	// the bytes consumed by the decoder.
	crc := crc32.NewIEEE()
	if _, ok := r.(io.ByteReader); !ok {
		r = bufio.NewReader(r)
	}
	dec := gob.NewDecoder(byteReader{Reader: io.TeeReader(r, crc)})
	var h header
	if err := dec.Decode(&h); err != nil {
		return nil, errors.E(errors.Invalid, "tensor: decode header", err)
	}
	var data []float32
	if err := dec.Decode(&data); err != nil {
		return nil, errors.E(errors.Invalid, "tensor: decode values", err)
	}
	sum := crc.Sum32()
	var want uint32
	if err := dec.Decode(&want); err != nil {
		return nil, errors.E(errors.Invalid, "tensor: decode checksum", err)
	}
	if sum != want {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("tensor: computed checksum %x but expected checksum %x", sum, want))
	}
	if data == nil {
		data = []float32{}
	}
	return FromData(data, h.Shape...)
}

// Unmarshal decodes a tensor blob held in memory. Compressed blobs
// are recognized by their frame magic.
func Unmarshal(p []byte) (*Tensor, error) {
	if isZstd(p) {
		zr, err := zstd.NewReader(bytes.NewReader(p))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return Decode(zr)
	}
	return Decode(bytes.NewReader(p))
}

// Marshal encodes t into an in-memory tensor blob.
func Marshal(t *Tensor) ([]byte, error) {
	var b bytes.Buffer
	if err := Encode(&b, t); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// ReadFile reads the tensor blob stored at path, which may be any
// path or URL supported by github.com/grailbio/base/file.
func ReadFile(ctx context.Context, path string) (*Tensor, error) {
	p, err := ReadBytes(ctx, path)
	if err != nil {
		return nil, err
	}
	t, err := Unmarshal(p)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("tensor: read %s", path))
	}
	return t, nil
}

// ReadBytes returns the raw contents of the blob stored at path.
func ReadBytes(ctx context.Context, path string) ([]byte, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(ctx); err != nil {
			log.Error.Printf("tensor: close %s: %v", path, err)
		}
	}()
	return ioutil.ReadAll(f.Reader(ctx))
}

// WriteFile stores t at path. Paths ending in CompressedSuffix are
// zstd-compressed.
func WriteFile(ctx context.Context, path string, t *Tensor) (err error) {
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
	w := f.Writer(ctx)
	if !strings.HasSuffix(path, CompressedSuffix) {
		return Encode(w, t)
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if err := Encode(zw, t); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

func isZstd(p []byte) bool {
	return bytes.HasPrefix(p, zstdMagic)
}

// byteReader provides an (invalid) implementation of io.ByteReader
// so that gob does not insert its own buffering. See Decode.
type byteReader struct {
	io.Reader
	io.ByteReader
}
