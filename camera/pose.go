// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package camera

import (
	"math"

	"github.com/golang/geo/r3"
)

// PoseParameters is the size of the internal pose representation.
const PoseParameters = 6

// Pose maps world coordinates into camera coordinates: 𝐱꜀ = R𝐱𝓌 + 𝐭.
type Pose struct {
	R Rotation
	T r3.Vector
}

// PoseFromParams converts the internal representation (exponential map, translation)
// stored in src[:6] into a pose.
func PoseFromParams(src []float64) Pose {
	return Pose{
		R: RotationFromParams(src[:3]),
		T: r3.Vector{X: src[3], Y: src[4], Z: src[5]},
	}
}

// Params writes the internal representation of p into dst[:6].
func (p Pose) Params(dst []float64) {
	p.R.ExpParams(dst[:3])
	dst[3], dst[4], dst[5] = p.T.X, p.T.Y, p.T.Z
}

// Transform maps a world point into camera coordinates.
func (p Pose) Transform(x r3.Vector) r3.Vector {
	return p.R.Rotate(x).Add(p.T)
}

// Inverse returns the pose mapping camera coordinates back into world coordinates.
func (p Pose) Inverse() Pose {
	inv := p.R.Inverse()
	return Pose{R: inv, T: inv.Rotate(p.T).Mul(-1)}
}

// Center returns the camera center in world coordinates.
func (p Pose) Center() r3.Vector {
	return p.Inverse().T
}

// LookAt creates the pose of a camera at center looking at target,
// with up giving the approximate negative image Y direction.
func LookAt(center, target, up r3.Vector) Pose {
	z := target.Sub(center).Normalize()
	x := up.Mul(-1).Cross(z).Normalize()
	y := z.Cross(x)
	r := rotationFromRows(x, y, z)
	return Pose{R: r, T: r.Rotate(center).Mul(-1)}
}

// rotationFromRows converts an orthonormal matrix given by its rows into a quaternion.
func rotationFromRows(x, y, z r3.Vector) Rotation {
	m00, m01, m02 := x.X, x.Y, x.Z
	m10, m11, m12 := y.X, y.Y, y.Z
	m20, m21, m22 := z.X, z.Y, z.Z

	var r Rotation
	switch trace := m00 + m11 + m22; {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		r = Rotation{Real: 0.25 / s, Imag: (m21 - m12) * s, Jmag: (m02 - m20) * s, Kmag: (m10 - m01) * s}
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		r = Rotation{Real: (m21 - m12) / s, Imag: 0.25 * s, Jmag: (m01 + m10) / s, Kmag: (m02 + m20) / s}
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		r = Rotation{Real: (m02 - m20) / s, Imag: (m01 + m10) / s, Jmag: 0.25 * s, Kmag: (m12 + m21) / s}
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		r = Rotation{Real: (m10 - m01) / s, Imag: (m02 + m20) / s, Jmag: (m12 + m21) / s, Kmag: 0.25 * s}
	}
	return r.Normalize()
}
