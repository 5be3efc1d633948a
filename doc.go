// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package gaussiancube implements the data pipeline of a distributed
	GaussianCube training job. A GaussianCube sample is a volumetric
	grid of Gaussian attributes, stored channels-last as a tensor blob
	(see package tensor), optionally paired with rendered camera views
	(see package camera).

	The pipeline enumerates sample blobs, either by listing a directory
	tree or from a manifest of sample identifiers; partitions them among
	the ranks of a process group (see package dist) with a stride
	partition, so that shard sizes differ by at most one; and presents
	each sample normalized (see package normalize), channels-first, and
	dynamically clipped. Normalization statistics are read once by rank
	0 and broadcast, so that every rank holds identical statistics.

	A typical rank does the following:

		world, err := dist.Env()
		...
		group, err := dist.Init(ctx, world)
		...
		loader, err := gaussiancube.Load(ctx, group, opts)
		...
		for {
			batch, err := loader.Next(ctx)
			...
		}

	Loaders never end: each pass over the shard is followed by another,
	reshuffled unless Options.Deterministic is set.
*/
package gaussiancube
