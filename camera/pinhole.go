// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package camera provides the pinhole camera with radial and tangential distortion,
// rotations and poses used by the calibration problems.
//
// Camera coordinates look along +Z with Y pointing down, a point is in front of
// the camera when its Z coordinate is positive.
package camera

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

const (
	// undistortIterations bounds the fixed point iteration of Undistort.
	undistortIterations = 100
	// focalRatio is the largest accepted ratio between both focal lengths.
	focalRatio = 1.1
	// distortionFloor is the smallest magnitude a coefficient change is measured against.
	distortionFloor = 0.1
)

// Pinhole is a pinhole camera profile with Brown-Conrady distortion.
//
// A normalized point (x, y) with r² = x² + y² is distorted by
//
//	x′ = x(1 + k₁r² + k₂r⁴) + 2p₁xy + p₂(r² + 2x²)
//	y′ = y(1 + k₁r² + k₂r⁴) + p₁(r² + 2y²) + 2p₂xy
//
// and mapped to pixels by u = fₓx′ + cₓ, v = fᵧy′ + cᵧ.
type Pinhole struct {
	Width, Height int
	Fx, Fy        float64 // Focal lengths in pixels.
	Cx, Cy        float64 // Principal point in pixels.
	K1, K2        float64 // Radial distortion.
	P1, P2        float64 // Tangential distortion.
}

// NewPinholeFOV creates an undistorted camera with centered principal point
// and the given horizontal field of view in radians.
func NewPinholeFOV(width, height int, fovX float64) Pinhole {
	c := Pinhole{
		Width: width, Height: height,
		Cx: float64(width) / 2, Cy: float64(height) / 2,
	}
	return c.WithFovX(fovX)
}

// WithFovX returns a copy with both focal lengths set to match the horizontal field of view.
func (c Pinhole) WithFovX(fovX float64) Pinhole {
	f := float64(c.Width) / 2 / math.Tan(fovX/2)
	c.Fx, c.Fy = f, f
	return c
}

// FovX returns the horizontal field of view in radians.
func (c Pinhole) FovX() float64 {
	return 2 * math.Atan(float64(c.Width)/2/c.Fx)
}

// FovY returns the vertical field of view in radians.
func (c Pinhole) FovY() float64 {
	return 2 * math.Atan(float64(c.Height)/2/c.Fy)
}

// HasDistortion reports whether any distortion coefficient is set.
func (c Pinhole) HasDistortion() bool {
	return c.K1 != 0 || c.K2 != 0 || c.P1 != 0 || c.P2 != 0
}

// Distort applies the lens distortion to a normalized point.
func (c Pinhole) Distort(x, y float64) (float64, float64) {
	rsq := x*x + y*y
	radial := 1 + c.K1*rsq + c.K2*rsq*rsq
	dx := x*radial + 2*c.P1*x*y + c.P2*(rsq+2*x*x)
	dy := y*radial + c.P1*(rsq+2*y*y) + 2*c.P2*x*y
	return dx, dy
}

// Undistort removes the lens distortion from a normalized point by fixed point iteration.
func (c Pinhole) Undistort(dx, dy float64) (float64, float64) {
	if !c.HasDistortion() {
		return dx, dy
	}
	x, y := dx, dy
	for range undistortIterations {
		rsq := x*x + y*y
		radial := 1 + c.K1*rsq + c.K2*rsq*rsq
		if radial <= 0 {
			break
		}
		tx := 2*c.P1*x*y + c.P2*(rsq+2*x*x)
		ty := c.P1*(rsq+2*y*y) + 2*c.P2*x*y
		nx, ny := (dx-tx)/radial, (dy-ty)/radial
		if math.Abs(nx-x)+math.Abs(ny-y) < 1e-15 {
			return nx, ny
		}
		x, y = nx, ny
	}
	return x, y
}

// Project maps a point given in camera coordinates onto the image.
func (c Pinhole) Project(p r3.Vector) r2.Point {
	x, y := c.Distort(p.X/p.Z, p.Y/p.Z)
	return r2.Point{X: c.Fx*x + c.Cx, Y: c.Fy*y + c.Cy}
}

// Normalize maps an image point to undistorted normalized coordinates.
func (c Pinhole) Normalize(pt r2.Point) (float64, float64) {
	return c.Undistort((pt.X-c.Cx)/c.Fx, (pt.Y-c.Cy)/c.Fy)
}

// Ray returns the unit viewing direction of an image point in camera coordinates.
func (c Pinhole) Ray(pt r2.Point) r3.Vector {
	x, y := c.Normalize(pt)
	return r3.Vector{X: x, Y: y, Z: 1}.Normalize()
}

// Inside reports whether an image point lies inside the image area.
func (c Pinhole) Inside(pt r2.Point) bool {
	return pt.X >= 0 && pt.Y >= 0 && pt.X < float64(c.Width) && pt.Y < float64(c.Height)
}

// Plausible reports whether the profile describes a physically reasonable camera:
// positive focal lengths of similar size, the principal point inside the image,
// and a radial distortion that does not fold the image corners.
func (c Pinhole) Plausible() bool {
	switch {
	case c.Width <= 0 || c.Height <= 0:
		return false
	case !(c.Fx > 0 && c.Fy > 0):
		return false
	case math.Max(c.Fx, c.Fy) > focalRatio*math.Min(c.Fx, c.Fy):
		return false
	case !(c.Cx >= 0 && c.Cy >= 0 && c.Cx <= float64(c.Width) && c.Cy <= float64(c.Height)):
		return false
	}

	var rsq float64
	for _, u := range [2]float64{0, float64(c.Width)} {
		for _, v := range [2]float64{0, float64(c.Height)} {
			x, y := (u-c.Cx)/c.Fx, (v-c.Cy)/c.Fy
			rsq = math.Max(rsq, x*x+y*y)
		}
	}
	return 1+c.K1*rsq+c.K2*rsq*rsq > 0
}

// DistortionWithin reports whether every distortion coefficient moved less than
// factor times its previous magnitude (at least distortionFloor) away from prev.
// A non-positive factor disables the check.
func (c Pinhole) DistortionWithin(prev Pinhole, factor float64) bool {
	if factor <= 0 {
		return true
	}
	cur := [4]float64{c.K1, c.K2, c.P1, c.P2}
	old := [4]float64{prev.K1, prev.K2, prev.P1, prev.P2}
	for i := range cur {
		if math.Abs(cur[i]-old[i]) > factor*math.Max(math.Abs(old[i]), distortionFloor) {
			return false
		}
	}
	return true
}
