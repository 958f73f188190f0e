// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package camera

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Rotation is a 3D rotation stored as unit quaternion.
type Rotation quat.Number

// Identity is the rotation by zero angle.
var Identity = Rotation{Real: 1}

// NewRotation creates the rotation by angle radians around axis.
func NewRotation(axis r3.Vector, angle float64) Rotation {
	return RotationFromExp(axis.Normalize().Mul(angle))
}

// RotationFromExp converts an exponential map (axis scaled by angle) into a rotation.
func RotationFromExp(w r3.Vector) Rotation {
	return Rotation(quat.Exp(quat.Number{Imag: w.X / 2, Jmag: w.Y / 2, Kmag: w.Z / 2}))
}

// Exp returns the exponential map of the rotation with angle in [0, π].
func (r Rotation) Exp() r3.Vector {
	q := quat.Number(r)
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	v := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	sin := v.Norm()
	if sin == 0 {
		return r3.Vector{}
	}
	angle := 2 * math.Atan2(sin, q.Real)
	return v.Mul(angle / sin)
}

// Angle returns the rotation angle in [0, π].
func (r Rotation) Angle() float64 {
	return r.Exp().Norm()
}

// Rotate applies the rotation to a vector.
func (r Rotation) Rotate(v r3.Vector) r3.Vector {
	q := quat.Number(r)
	p := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vector{X: p.Imag, Y: p.Jmag, Z: p.Kmag}
}

// Inverse returns the opposite rotation.
func (r Rotation) Inverse() Rotation {
	return Rotation(quat.Conj(quat.Number(r)))
}

// Mul returns the rotation applying o first and r second.
func (r Rotation) Mul(o Rotation) Rotation {
	return Rotation(quat.Mul(quat.Number(r), quat.Number(o)))
}

// Normalize rescales the quaternion to unit length.
func (r Rotation) Normalize() Rotation {
	n := quat.Abs(quat.Number(r))
	if n == 0 {
		return Identity
	}
	return Rotation(quat.Scale(1/n, quat.Number(r)))
}

// ExpParams writes the exponential map of r into dst[:3].
func (r Rotation) ExpParams(dst []float64) {
	w := r.Exp()
	dst[0], dst[1], dst[2] = w.X, w.Y, w.Z
}

// RotationFromParams converts the exponential map stored in src[:3] into a rotation.
func RotationFromParams(src []float64) Rotation {
	return RotationFromExp(r3.Vector{X: src[0], Y: src[1], Z: src[2]})
}
