// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package camera

import (
	"context"
	"image"
	"image/draw"
	// Decoders for rendered views.
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gaussiancube/tensor"
)

// Background colors for alpha compositing.
var (
	White = [3]float32{1, 1, 1}
	Black = [3]float32{0, 0, 0}
)

// An AlphaFilter transforms a w×h alpha plane (row-major, values in
// [0, 1]) before it is used for compositing.
type AlphaFilter func(alpha []float32, w, h int) []float32

// ReadImage decodes the image stored at path.
func ReadImage(ctx context.Context, path string) (image.Image, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(ctx); err != nil {
			log.Error.Printf("camera: close %s: %v", path, err)
		}
	}()
	img, _, err := image.Decode(f.Reader(ctx))
	if err != nil {
		return nil, errors.E(errors.Invalid, "camera: decode "+path, err)
	}
	return img, nil
}

// Composite blends img over a uniform background using its straight
// (non-premultiplied) alpha: rgb·alpha + background·(1-alpha). If
// filter is non-nil, it is applied to the alpha plane first. The
// result is a 3×H×W tensor with values in [0, 1].
func Composite(img image.Image, background [3]float32, filter AlphaFilter) *tensor.Tensor {
	b := img.Bounds()
	rgba := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	w, h := b.Dx(), b.Dy()
	alpha := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			alpha[y*w+x] = float32(rgba.Pix[y*rgba.Stride+4*x+3]) / 255
		}
	}
	if filter != nil {
		alpha = filter(alpha, w, h)
	}
	out := tensor.New(3, h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			a := alpha[y*w+x]
			px := rgba.Pix[y*rgba.Stride+4*x:]
			for c := 0; c < 3; c++ {
				v := float32(px[c]) / 255
				out.Data[(c*h+y)*w+x] = v*a + background[c]*(1-a)
			}
		}
	}
	return out
}

// GaussianBlur5 is an AlphaFilter that smooths the alpha plane with
// a 5×5 Gaussian kernel (σ = 1.1), reflecting at the borders.
func GaussianBlur5(alpha []float32, w, h int) []float32 {
	const sigma = 1.1
	var kernel [5]float32
	var sum float32
	for i := range kernel {
		d := float64(i - 2)
		kernel[i] = float32(math.Exp(-d * d / (2 * sigma * sigma)))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	tmp := make([]float32, len(alpha))
	out := make([]float32, len(alpha))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var v float32
			for k := -2; k <= 2; k++ {
				v += kernel[k+2] * alpha[y*w+reflect101(x+k, w)]
			}
			tmp[y*w+x] = v
		}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var v float32
			for k := -2; k <= 2; k++ {
				v += kernel[k+2] * tmp[reflect101(y+k, h)*w+x]
			}
			out[y*w+x] = v
		}
	}
	return out
}

// reflect101 maps i into [0, n) by reflecting about the edge pixels
// (dcb|abcd|cba).
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*(n-1) - i
		}
	}
	return i
}
