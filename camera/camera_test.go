// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package camera

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomVector(rng *rand.Rand, scale float64) r3.Vector {
	return r3.Vector{
		X: (rng.Float64()*2 - 1) * scale,
		Y: (rng.Float64()*2 - 1) * scale,
		Z: (rng.Float64()*2 - 1) * scale,
	}
}

func assertVector(t *testing.T, want, got r3.Vector, delta float64) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, delta)
	assert.InDelta(t, want.Y, got.Y, delta)
	assert.InDelta(t, want.Z, got.Z, delta)
}

func TestRotationExpRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for range 1000 {
		w := randomVector(rng, 1.5)
		r := RotationFromExp(w)
		assert.InDelta(t, 1, math.Sqrt(r.Real*r.Real+r.Imag*r.Imag+r.Jmag*r.Jmag+r.Kmag*r.Kmag), 1e-12)
		assertVector(t, w, r.Exp(), 1e-9)

		// negated quaternions describe the same rotation
		neg := Rotation{Real: -r.Real, Imag: -r.Imag, Jmag: -r.Jmag, Kmag: -r.Kmag}
		assertVector(t, w, neg.Exp(), 1e-9)
	}

	assert.Equal(t, r3.Vector{}, Identity.Exp())
	assertVector(t, r3.Vector{X: 1e-9}, RotationFromExp(r3.Vector{X: 1e-9}).Exp(), 1e-18)
}

func TestRotationRotate(t *testing.T) {
	r := NewRotation(r3.Vector{Z: 1}, math.Pi/2)
	assertVector(t, r3.Vector{Y: 1}, r.Rotate(r3.Vector{X: 1}), 1e-12)
	assertVector(t, r3.Vector{X: 1}, r.Inverse().Rotate(r3.Vector{Y: 1}), 1e-12)
	assert.InDelta(t, math.Pi/2, r.Angle(), 1e-12)

	rng := rand.New(rand.NewPCG(3, 4))
	for range 100 {
		a, b := RotationFromExp(randomVector(rng, 1)), RotationFromExp(randomVector(rng, 1))
		v := randomVector(rng, 10)
		assertVector(t, a.Rotate(b.Rotate(v)), a.Mul(b).Rotate(v), 1e-9)
		assert.InDelta(t, v.Norm(), a.Rotate(v).Norm(), 1e-9)
	}
}

func TestPoseRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	params, back := make([]float64, PoseParameters), make([]float64, PoseParameters)
	for range 200 {
		w, tr := randomVector(rng, 1), randomVector(rng, 5)
		params[0], params[1], params[2] = w.X, w.Y, w.Z
		params[3], params[4], params[5] = tr.X, tr.Y, tr.Z

		pose := PoseFromParams(params)
		pose.Params(back)
		assert.InDeltaSlice(t, params, back, 1e-9)

		x := randomVector(rng, 3)
		assertVector(t, x, pose.Inverse().Transform(pose.Transform(x)), 1e-9)
	}
}

func TestLookAt(t *testing.T) {
	cam := NewPinholeFOV(640, 480, 60*math.Pi/180)
	center := r3.Vector{X: 1, Y: -2, Z: 0.5}
	target := r3.Vector{X: 3, Y: 4, Z: 1}

	pose := LookAt(center, target, r3.Vector{Z: 1})
	assertVector(t, center, pose.Center(), 1e-9)

	p := pose.Transform(target)
	require.Greater(t, p.Z, 0.0)
	pt := cam.Project(p)
	assert.InDelta(t, cam.Cx, pt.X, 1e-9)
	assert.InDelta(t, cam.Cy, pt.Y, 1e-9)

	// world up appears above the image center
	above := cam.Project(pose.Transform(target.Add(r3.Vector{Z: 0.1})))
	assert.Less(t, above.Y, cam.Cy)
}

func TestFieldOfView(t *testing.T) {
	fov := 63 * math.Pi / 180
	cam := NewPinholeFOV(640, 480, fov)
	assert.InDelta(t, fov, cam.FovX(), 1e-12)
	assert.InDelta(t, 320/math.Tan(fov/2), cam.Fx, 1e-9)
	assert.Equal(t, cam.Fx, cam.Fy)
	assert.Equal(t, 320.0, cam.Cx)
	assert.Equal(t, 240.0, cam.Cy)
	assert.Less(t, cam.FovY(), cam.FovX())
}

func TestDistortion(t *testing.T) {
	cam := Pinhole{
		Width: 640, Height: 480,
		Fx: 500, Fy: 505, Cx: 322, Cy: 236,
		K1: -0.25, K2: 0.08, P1: 0.001, P2: -0.0015,
	}
	require.True(t, cam.Plausible())

	for _, pt := range []r2.Point{{X: 0, Y: 0}, {X: 320, Y: 240}, {X: 600, Y: 50}, {X: 639, Y: 479}} {
		ray := cam.Ray(pt)
		assert.InDelta(t, 1, ray.Norm(), 1e-12)
		back := cam.Project(ray)
		assert.InDelta(t, pt.X, back.X, 1e-6)
		assert.InDelta(t, pt.Y, back.Y, 1e-6)
	}

	plain := NewPinholeFOV(640, 480, 1)
	x, y := plain.Undistort(0.3, -0.2)
	assert.Equal(t, 0.3, x)
	assert.Equal(t, -0.2, y)
}

func TestPlausible(t *testing.T) {
	cam := NewPinholeFOV(640, 480, 1)
	assert.True(t, cam.Plausible())

	bad := cam
	bad.Fy = cam.Fx * 1.2
	assert.False(t, bad.Plausible())

	bad = cam
	bad.Cx = -1
	assert.False(t, bad.Plausible())

	bad = cam
	bad.Fx, bad.Fy = -cam.Fx, -cam.Fy
	assert.False(t, bad.Plausible())

	bad = cam
	bad.K1 = -5
	assert.False(t, bad.Plausible())
}

func TestDistortionWithin(t *testing.T) {
	prev := Pinhole{K1: -0.2}
	next := prev
	next.K1 = -0.5
	assert.True(t, next.DistortionWithin(prev, 2))
	next.K1 = -0.7
	assert.False(t, next.DistortionWithin(prev, 2))
	assert.True(t, next.DistortionWithin(prev, 0))

	// coefficients starting at zero may move up to factor times the floor
	next = prev
	next.P1 = 0.15
	assert.True(t, next.DistortionWithin(prev, 2))
	next.P1 = 0.25
	assert.False(t, next.DistortionWithin(prev, 2))
}

func TestStrategyParams(t *testing.T) {
	cam := Pinhole{
		Width: 640, Height: 480,
		Fx: 500, Fy: 510, Cx: 322, Cy: 236,
		K1: -0.25, K2: 0.08, P1: 0.001, P2: -0.0015,
	}

	counts := map[Strategy]int{
		FocalLength:                   1,
		FocalLengths:                  2,
		IntrinsicParameters:           4,
		FocalLengthsDistortion:        6,
		SymmetricIntrinsicDistortions: 7,
		IntrinsicDistortions:          8,
		Distortion:                    4,
		IntrinsicRadialDistortion:     6,
	}
	for s, n := range counts {
		require.Equal(t, n, s.Parameters(), s.String())

		params := cam.Params(s, make([]float64, n))
		back := cam.WithParams(s, params)
		assert.Equal(t, params, back.Params(s, make([]float64, n)))

		parsed, err := ParseStrategy(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	assert.Equal(t, []float64{500, 510, 322, 236, -0.25, 0.08, 0.001, -0.0015},
		cam.Params(IntrinsicDistortions, make([]float64, 8)))
	assert.Equal(t, []float64{505}, cam.Params(FocalLength, make([]float64, 1)))
	assert.Equal(t, []float64{-0.25, 0.08, 0.001, -0.0015}, cam.Params(Distortion, make([]float64, 4)))
	assert.Equal(t, []float64{500, 510, 322, 236, -0.25, 0.08},
		cam.Params(IntrinsicRadialDistortion, make([]float64, 6)))

	radial := cam.WithParams(IntrinsicRadialDistortion, []float64{400, 410, 300, 200, -0.1, 0.02})
	assert.Equal(t, -0.1, radial.K1)
	assert.Equal(t, cam.P1, radial.P1, "tangential distortion kept")
	undistorted := cam.WithParams(Distortion, []float64{0, 0, 0, 0})
	assert.Equal(t, cam.Fx, undistorted.Fx)
	assert.False(t, undistorted.HasDistortion())

	changed := cam.WithParams(FocalLength, []float64{400})
	assert.Equal(t, 400.0, changed.Fx)
	assert.Equal(t, 400.0, changed.Fy)
	assert.Equal(t, cam.K1, changed.K1)

	assert.Zero(t, InvalidStrategy.Parameters())
	_, err := ParseStrategy("everything")
	assert.Error(t, err)
	assert.Panics(t, func() { cam.Params(FocalLengths, make([]float64, 3)) })
}
