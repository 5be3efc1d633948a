// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package camera

import (
	"math"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/mat"
)

// Matrix4 is a 4×4 matrix indexed [row][column].
type Matrix4 [4][4]float64

// Identity4 returns the 4×4 identity matrix.
func Identity4() Matrix4 {
	var m Matrix4
	for i := range m {
		m[i][i] = 1
	}
	return m
}

// Mul returns the matrix product m × n.
func (m Matrix4) Mul(n Matrix4) Matrix4 {
	var p Matrix4
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += m[i][k] * n[k][j]
			}
			p[i][j] = s
		}
	}
	return p
}

// Transpose returns the transpose of m.
func (m Matrix4) Transpose() Matrix4 {
	var t Matrix4
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			t[i][j] = m[j][i]
		}
	}
	return t
}

// Inverse returns the inverse of m. Singular matrices are rejected.
func (m Matrix4) Inverse() (Matrix4, error) {
	a := mat.NewDense(4, 4, m.flat())
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return Matrix4{}, errors.E(errors.Invalid, "camera: singular transform", err)
	}
	var r Matrix4
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			r[i][j] = inv.At(i, j)
		}
	}
	return r, nil
}

// Float32 rounds every entry of m to single precision.
func (m Matrix4) Float32() Matrix4 {
	for i := range m {
		for j := range m[i] {
			m[i][j] = float64(float32(m[i][j]))
		}
	}
	return m
}

func (m Matrix4) flat() []float64 {
	p := make([]float64, 0, 16)
	for i := range m {
		p = append(p, m[i][:]...)
	}
	return p
}

// Vec3 is a 3-vector.
type Vec3 [3]float64

// Matrix3 is a 3×3 matrix indexed [row][column].
type Matrix3 [3][3]float64

// Transpose returns the transpose of m.
func (m Matrix3) Transpose() Matrix3 {
	var t Matrix3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t[i][j] = m[j][i]
		}
	}
	return t
}

// Rigid returns the 4×4 transform with rotation block r and
// translation t.
func Rigid(r Matrix3, t Vec3) Matrix4 {
	m := Identity4()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = r[i][j]
		}
		m[i][3] = t[i]
	}
	return m
}

// Rotation returns the upper-left 3×3 block of m.
func (m Matrix4) Rotation() Matrix3 {
	var r Matrix3
	for i := 0; i < 3; i++ {
		copy(r[i][:], m[i][:3])
	}
	return r
}

// Translation returns the first three entries of m's last column.
func (m Matrix4) Translation() Vec3 {
	return Vec3{m[0][3], m[1][3], m[2][3]}
}

// Focal returns the pinhole focal length, in pixels, of a view with
// field of view fov (radians) spanning the given number of pixels.
func Focal(fov float64, pixels int) float64 {
	return float64(pixels) / (2 * math.Tan(fov/2))
}

// FieldOfView returns the field of view (radians) spanned by the
// given number of pixels at focal length focal.
func FieldOfView(focal float64, pixels int) float64 {
	return 2 * math.Atan(float64(pixels)/(2*focal))
}

// WorldToView returns the world-to-camera transform for the
// transposed rotation r and translation t, after moving the camera
// center by translate and scaling it by scale, in world space.
func WorldToView(r Matrix3, t Vec3, translate Vec3, scale float64) (Matrix4, error) {
	rt := Rigid(r.Transpose(), t)
	c2w, err := rt.Inverse()
	if err != nil {
		return Matrix4{}, err
	}
	for i := 0; i < 3; i++ {
		c2w[i][3] = (c2w[i][3] + translate[i]) * scale
	}
	w2v, err := c2w.Inverse()
	if err != nil {
		return Matrix4{}, err
	}
	return w2v.Float32(), nil
}

// Projection returns the perspective projection for the provided
// clipping planes and fields of view, following the OpenGL frustum
// layout with depth mapped to [0, 1].
func Projection(znear, zfar, fovX, fovY float64) Matrix4 {
	var (
		top    = math.Tan(fovY/2) * znear
		bottom = -top
		right  = math.Tan(fovX/2) * znear
		left   = -right
		p      Matrix4
	)
	const zSign = 1.0
	p[0][0] = 2 * znear / (right - left)
	p[1][1] = 2 * znear / (top - bottom)
	p[0][2] = (right + left) / (right - left)
	p[1][2] = (top + bottom) / (top - bottom)
	p[3][2] = zSign
	p[2][2] = zSign * zfar / (zfar - znear)
	p[2][3] = -(zfar * znear) / (zfar - znear)
	return p.Float32()
}
