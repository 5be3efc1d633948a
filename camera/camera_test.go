// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package camera

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

const (
	testWidth  = 8
	testHeight = 6
	testFovX   = 0.8575560450553894
)

// testTransform returns a camera-to-world transform rotated by theta
// about Z and phi about X, positioned at (x, y, z).
func testTransform(theta, phi, x, y, z float64) Matrix4 {
	rz := Matrix4{
		{math.Cos(theta), -math.Sin(theta), 0, 0},
		{math.Sin(theta), math.Cos(theta), 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
	rx := Matrix4{
		{1, 0, 0, 0},
		{0, math.Cos(phi), -math.Sin(phi), 0},
		{0, math.Sin(phi), math.Cos(phi), 0},
		{0, 0, 0, 1},
	}
	m := rz.Mul(rx)
	m[0][3], m[1][3], m[2][3] = x, y, z
	return m
}

// writeSample writes a manifest with n frames and their images into
// dir.
func writeSample(t *testing.T, dir string, n int) Manifest {
	t.Helper()
	m := Manifest{CameraAngleX: testFovX}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("%03d.png", i)
		img := image.NewNRGBA(image.Rect(0, 0, testWidth, testHeight))
		for y := 0; y < testHeight; y++ {
			for x := 0; x < testWidth; x++ {
				img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 0, B: 51, A: uint8(x * 255 / (testWidth - 1))})
			}
		}
		f, err := os.Create(filepath.Join(dir, name))
		assert.NoError(t, err)
		assert.NoError(t, png.Encode(f, img))
		assert.NoError(t, f.Close())
		m.Frames = append(m.Frames, ManifestFrame{
			FilePath:        name,
			TransformMatrix: testTransform(float64(i)*0.3, 0.5, 1, -2, 3+float64(i)),
		})
	}
	p, err := json.Marshal(m)
	assert.NoError(t, err)
	assert.NoError(t, ioutil.WriteFile(filepath.Join(dir, ManifestName), p, 0644))
	return m
}

func near(a, b float64) bool {
	return math.Abs(a-b) <= 1e-4*math.Max(1, math.Abs(b))
}

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	manifest := writeSample(t, dir, 3)
	loader := NewLoader(Options{})
	for i := range manifest.Frames {
		frame, err := loader.Load(ctx, dir, i)
		assert.NoError(t, err)
		if got, want := frame.Width, testWidth; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := frame.Height, testHeight; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		// The vertical field of view shares the horizontal focal length.
		if got, want := Focal(frame.FovY, testHeight), Focal(frame.FovX, testWidth); !near(got, want) {
			t.Errorf("focal: got %v, want %v", got, want)
		}
		if got, want := FieldOfView(Focal(frame.FovY, testHeight), testWidth), testFovX; !near(got, want) {
			t.Errorf("fov x: got %v, want %v", got, want)
		}
		// The camera center is the world-space camera position.
		want := manifest.Frames[i].TransformMatrix.Translation()
		for j := range want {
			if !near(frame.CameraCenter[j], want[j]) {
				t.Errorf("frame %d: center got %v, want %v", i, frame.CameraCenter, want)
				break
			}
		}
		// Columns 1 and 2 of the rotation are flipped.
		src := manifest.Frames[i].TransformMatrix
		for r := 0; r < 3; r++ {
			if frame.C2W[r][0] != src[r][0] || frame.C2W[r][1] != -src[r][1] || frame.C2W[r][2] != -src[r][2] {
				t.Errorf("frame %d: c2w row %d: got %v, source %v", i, r, frame.C2W[r], src[r])
			}
		}
		// FullProj composes view and projection.
		full := frame.WorldView.Mul(frame.Projection)
		for r := range full {
			for c := range full[r] {
				if !near(frame.FullProj[r][c], full[r][c]) {
					t.Fatalf("full projection mismatch at %d,%d", r, c)
				}
			}
		}
		expectImage(t, frame)
	}
}

func expectImage(t *testing.T, frame *Frame) {
	t.Helper()
	if got, want := frame.Image.Shape, []int{3, testHeight, testWidth}; fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	at := func(c, y, x int) float32 { return frame.Image.Data[(c*testHeight+y)*testWidth+x] }
	// Fully transparent: white background.
	for c := 0; c < 3; c++ {
		if got, want := at(c, 2, 0), float32(1); got != want {
			t.Errorf("transparent channel %d: got %v, want %v", c, got, want)
		}
	}
	// Fully opaque: the foreground color.
	if got, want := at(0, 2, testWidth-1), float32(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := at(1, 2, testWidth-1), float32(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := at(2, 2, testWidth-1), float32(0.2); math.Abs(float64(got-want)) > 1e-6 {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLoadAll(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	writeSample(t, dir, 4)
	loader := NewLoader(Options{Background: &Black, AlphaFilter: GaussianBlur5})
	frames, err := loader.LoadAll(context.Background(), dir, []int{3, 0, 3})
	assert.NoError(t, err)
	if got, want := len(frames), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if frames[0].Path != frames[2].Path || frames[0].Path == frames[1].Path {
		t.Errorf("unexpected paths %v %v %v", frames[0].Path, frames[1].Path, frames[2].Path)
	}
}

func TestFrameOutOfRange(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	writeSample(t, dir, 2)
	loader := NewLoader(Options{})
	for _, index := range []int{-1, 2} {
		if _, err := loader.Load(context.Background(), dir, index); !errors.Is(errors.Invalid, err) {
			t.Errorf("frame %d: got %v, want invalid", index, err)
		}
	}
}

func TestRecenter(t *testing.T) {
	loader := NewLoader(Options{Translate: Vec3{1, 1, 1}, Scale: 2})
	c2w := testTransform(0.2, 0.1, 1, 2, 3)
	frame, err := loader.reconstruct(testFovX, c2w, testWidth, testHeight)
	assert.NoError(t, err)
	want := Vec3{4, 6, 8}
	for j := range want {
		if !near(frame.CameraCenter[j], want[j]) {
			t.Fatalf("got %v, want %v", frame.CameraCenter, want)
		}
	}
}

func TestRelative(t *testing.T) {
	shift := Identity4()
	shift[0][3] = 10
	loader := NewLoader(Options{Relative: &shift})
	frame, err := loader.reconstruct(testFovX, testTransform(0, 0, 1, 2, 3), testWidth, testHeight)
	assert.NoError(t, err)
	if got, want := frame.C2W.Translation(), (Vec3{11, 2, 3}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestProjection(t *testing.T) {
	p := Projection(ZNear, ZFar, math.Pi/2, math.Pi/2)
	if !near(p[0][0], 1) || !near(p[1][1], 1) {
		t.Errorf("unexpected focal terms %v %v", p[0][0], p[1][1])
	}
	if got, want := p[3][2], 1.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !near(p[2][2], ZFar/(ZFar-ZNear)) || !near(p[2][3], -(ZFar*ZNear)/(ZFar-ZNear)) {
		t.Errorf("unexpected depth terms %v %v", p[2][2], p[2][3])
	}
}

func TestGaussianBlurConstant(t *testing.T) {
	alpha := make([]float32, 7*5)
	for i := range alpha {
		alpha[i] = 0.25
	}
	for i, v := range GaussianBlur5(alpha, 7, 5) {
		if math.Abs(float64(v-0.25)) > 1e-6 {
			t.Fatalf("value %d: got %v, want 0.25", i, v)
		}
	}
}

func TestParseManifestInvalid(t *testing.T) {
	for _, doc := range []string{
		`{"frames": []}`,
		`{"camera_angle_x": 0.5, "frames": [{"file_path": "a.png"}]}`,
		`{"camera_angle_x": 0.5, "frames": [{"file_path": "a.png", "transform_matrix": [[1,0,0],[0,1,0],[0,0,1]]}]}`,
		`not json`,
	} {
		if _, err := ParseManifest([]byte(doc)); !errors.Is(errors.Invalid, err) {
			t.Errorf("%s: got %v, want invalid", doc, err)
		}
	}
}
