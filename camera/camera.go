// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package camera reconstructs per-view camera intrinsics, extrinsics,
// and projection matrices from a sample's transform manifest, and
// loads the matching foreground image composited over a background.
//
// View, projection, and full projection matrices are returned in the
// row-vector layout expected by the Gaussian rasterizer: each is the
// transpose of its column-vector counterpart, so that points
// transform as p' = p × M.
package camera

import (
	"context"
	"sync"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/gaussiancube/tensor"
)

// Clipping planes used for every projection.
const (
	ZNear = 0.01
	ZFar  = 100.0
)

// NumViews is the number of rendered views expected per sample.
const NumViews = 150

// Options configures a Loader.
type Options struct {
	// Background is the color composited behind transparent pixels.
	// The zero value selects White.
	Background *[3]float32
	// AlphaFilter, if set, preprocesses the alpha plane before
	// compositing. It is disabled by default; GaussianBlur5 is the
	// conventional choice.
	AlphaFilter AlphaFilter
	// Relative, if set, left-multiplies every camera-to-world
	// transform, canonicalizing the scene's pose.
	Relative *Matrix4
	// Translate and Scale recenter and rescale camera positions in
	// world space when building view matrices. A zero Scale is
	// treated as 1.
	Translate Vec3
	Scale     float64
}

// A Frame is a fully reconstructed camera view.
type Frame struct {
	// FovX and FovY are the horizontal and vertical fields of view,
	// in radians.
	FovX, FovY float64
	// Width and Height are the image dimensions in pixels.
	Width, Height int
	// R is the rotation of the world-to-camera transform, stored
	// transposed; T is its translation.
	R Matrix3
	T Vec3
	// WorldView, Projection, and FullProj are in row-vector layout;
	// FullProj = WorldView × Projection.
	WorldView  Matrix4
	Projection Matrix4
	FullProj   Matrix4
	// CameraCenter is the camera position in world space.
	CameraCenter Vec3
	// Image is the composited view, 3×Height×Width in [0, 1].
	Image *tensor.Tensor
	// C2W is the camera-to-world transform after the optional
	// relative transform and axis-convention conversion.
	C2W Matrix4
	// Path is the image's path.
	Path string
}

// A Loader loads camera frames. Manifests are read once per root and
// retained for the lifetime of the Loader. A Loader is safe for
// concurrent use.
type Loader struct {
	opts Options

	mu        sync.Mutex
	manifests map[string]*Manifest
}

// NewLoader returns a new Loader configured by opts.
func NewLoader(opts Options) *Loader {
	if opts.Background == nil {
		bg := White
		opts.Background = &bg
	}
	if opts.Scale == 0 {
		opts.Scale = 1
	}
	return &Loader{opts: opts, manifests: make(map[string]*Manifest)}
}

func (l *Loader) manifest(ctx context.Context, root string) (*Manifest, error) {
	l.mu.Lock()
	m := l.manifests[root]
	l.mu.Unlock()
	if m != nil {
		return m, nil
	}
	m, err := ReadManifest(ctx, root)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.manifests[root] = m
	l.mu.Unlock()
	return m, nil
}

// Load reconstructs frame index of the sample whose manifest is in
// directory root.
func (l *Loader) Load(ctx context.Context, root string, index int) (*Frame, error) {
	m, err := l.manifest(ctx, root)
	if err != nil {
		return nil, err
	}
	mf, err := m.Frame(index)
	if err != nil {
		return nil, err
	}
	path := file.Join(root, mf.FilePath)
	img, err := ReadImage(ctx, path)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	frame, err := l.reconstruct(m.CameraAngleX, mf.TransformMatrix, b.Dx(), b.Dy())
	if err != nil {
		return nil, err
	}
	frame.Image = Composite(img, *l.opts.Background, l.opts.AlphaFilter)
	frame.Path = path
	return frame, nil
}

// LoadAll loads the provided frame indices of a sample concurrently.
func (l *Loader) LoadAll(ctx context.Context, root string, indices []int) ([]*Frame, error) {
	// Warm the manifest cache so that concurrent loads do not race
	// to read it.
	if _, err := l.manifest(ctx, root); err != nil {
		return nil, err
	}
	frames := make([]*Frame, len(indices))
	err := traverse.Each(len(indices), func(i int) error {
		var err error
		frames[i], err = l.Load(ctx, root, indices[i])
		return err
	})
	if err != nil {
		return nil, err
	}
	return frames, nil
}

// reconstruct derives the camera geometry of a view with horizontal
// field of view fovX and camera-to-world transform c2w (Y up, Z back)
// rendered at width×height pixels.
func (l *Loader) reconstruct(fovX float64, c2w Matrix4, width, height int) (*Frame, error) {
	if l.opts.Relative != nil {
		c2w = l.opts.Relative.Mul(c2w)
	}
	// Convert to Y down, Z forward.
	for i := 0; i < 3; i++ {
		c2w[i][1] = -c2w[i][1]
		c2w[i][2] = -c2w[i][2]
	}
	w2c, err := c2w.Inverse()
	if err != nil {
		return nil, err
	}
	f := &Frame{
		FovX:   fovX,
		FovY:   FieldOfView(Focal(fovX, width), height),
		Width:  width,
		Height: height,
		R:      w2c.Rotation().Transpose(),
		T:      w2c.Translation(),
		C2W:    c2w,
	}
	view, err := WorldToView(f.R, f.T, l.opts.Translate, l.opts.Scale)
	if err != nil {
		return nil, err
	}
	f.WorldView = view.Transpose()
	f.Projection = Projection(ZNear, ZFar, f.FovX, f.FovY).Transpose()
	f.FullProj = f.WorldView.Mul(f.Projection)
	inv, err := f.WorldView.Inverse()
	if err != nil {
		return nil, err
	}
	f.CameraCenter = Vec3{inv[3][0], inv[3][1], inv[3][2]}
	return f, nil
}
