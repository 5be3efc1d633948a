// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gaussiancube

import (
	"bufio"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// SampleExt is the extension of sample blobs.
const SampleExt = "pt"

// ListFiles returns the sample blobs under dataDir, recursively. The
// entries of each directory are ordered by name, and the contents of
// a subdirectory appear where the subdirectory's name sorts.
func ListFiles(ctx context.Context, dataDir string) ([]string, error) {
	if dataDir == "" {
		return nil, errors.E(errors.Invalid, "unspecified data directory")
	}
	var paths []string
	lst := file.List(ctx, dataDir, true)
	for lst.Scan() {
		if !lst.IsDir() && isSample(lst.Path()) {
			paths = append(paths, lst.Path())
		}
	}
	if err := lst.Err(); err != nil {
		return nil, errors.E(fmt.Sprintf("list %s", dataDir), err)
	}
	sortPaths(paths)
	return paths, nil
}

func isSample(p string) bool {
	base := path.Base(p)
	i := strings.LastIndexByte(base, '.')
	return i >= 0 && strings.EqualFold(base[i+1:], SampleExt)
}

// sortPaths orders paths component by component, which is the order
// of a depth-first walk over sorted directory entries.
func sortPaths(paths []string) {
	sort.SliceStable(paths, func(i, j int) bool {
		a, b := strings.Split(paths[i], "/"), strings.Split(paths[j], "/")
		for k := 0; k < len(a) && k < len(b); k++ {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return len(a) < len(b)
	})
}

// ReadManifest reads a manifest of sample identifiers, one per line,
// and returns the sorted paths of their blobs under dataDir.
func ReadManifest(ctx context.Context, dataDir, manifest string) (paths []string, err error) {
	if dataDir == "" {
		return nil, errors.E(errors.Invalid, "unspecified data directory")
	}
	f, err := file.Open(ctx, manifest)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	scan := bufio.NewScanner(f.Reader(ctx))
	for scan.Scan() {
		id := strings.TrimSuffix(scan.Text(), "\r")
		if id == "" {
			continue
		}
		paths = append(paths, file.Join(dataDir, id+"."+SampleExt))
	}
	if err := scan.Err(); err != nil {
		return nil, errors.E(fmt.Sprintf("read manifest %s", manifest), err)
	}
	sort.Strings(paths)
	return paths, nil
}

// Enumerate returns the sample files selected by opts: the manifest
// if TxtFile is set, the directory listing otherwise, restricted to
// the StartIdx:EndIdx range.
func Enumerate(ctx context.Context, opts Options) ([]string, error) {
	var (
		files []string
		err   error
	)
	if opts.TxtFile != "" {
		files, err = ReadManifest(ctx, opts.DataDir, opts.TxtFile)
	} else {
		files, err = ListFiles(ctx, opts.DataDir)
	}
	if err != nil {
		return nil, err
	}
	files = SelectRange(files, opts.StartIdx, opts.EndIdx)
	log.Printf("loading files: %d", len(files))
	return files, nil
}

// SelectRange returns files[start:end], clamped to the list, when
// 0 <= start < end; otherwise it returns files unchanged.
func SelectRange(files []string, start, end int) []string {
	if start < 0 || end < 0 || start >= end {
		return files
	}
	if start > len(files) {
		start = len(files)
	}
	if end > len(files) {
		end = len(files)
	}
	return files[start:end]
}

// Shard returns the stride partition of files owned by rank in a
// world of the given size: files[rank], files[rank+size], and so on.
func Shard(files []string, rank, size int) ([]string, error) {
	if size <= 0 || rank < 0 || rank >= size {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("rank %d outside world of size %d", rank, size))
	}
	var shard []string
	for i := rank; i < len(files); i += size {
		shard = append(shard, files[i])
	}
	return shard, nil
}
