// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package calib

import (
	"slices"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/curioloop/calibration/camera"
	"github.com/curioloop/calibration/numdiff"
)

// intrinsics converts the shared model into a camera and checks its plausibility.
type intrinsics struct {
	strategy      camera.Strategy
	base          camera.Pinhole // parameters outside the strategy
	accepted      camera.Pinhole
	constrainment float64
}

func newIntrinsics(cam camera.Pinhole, opts *Options) intrinsics {
	return intrinsics{
		strategy:      opts.Strategy,
		base:          cam,
		accepted:      cam,
		constrainment: opts.DistortionConstrainment,
	}
}

func (in *intrinsics) params() []float64 {
	return in.base.Params(in.strategy, make([]float64, in.strategy.Parameters()))
}

func (in *intrinsics) camera(shared []float64) camera.Pinhole {
	return in.base.WithParams(in.strategy, shared)
}

// candidate returns the camera of shared and whether it may replace the accepted camera.
func (in *intrinsics) candidate(shared []float64) (camera.Pinhole, bool) {
	cam := in.camera(shared)
	return cam, cam.Plausible() && cam.DistortionWithin(in.accepted, in.constrainment)
}

// project writes the pixel error of point p given in camera coordinates.
// It reports false for points behind the camera when onlyFront is set.
func project(cam camera.Pinhole, p r3.Vector, image r2.Point, onlyFront bool, r []float64) bool {
	if onlyFront && p.Z <= 0 {
		return false
	}
	pt := cam.Project(p)
	r[0], r[1] = pt.X-image.X, pt.Y-image.Y
	return true
}

// translationFixed marks the pose parameters whose derivative is analytic.
var translationFixed = []bool{false, false, false, true, true, true}

// projectionColumns writes the analytic derivative of the projection of the camera
// coordinate point p into block: the first active shared columns and, through jp,
// the 2×3 derivative with respect to p itself.
func (in *intrinsics) projectionColumns(cam camera.Pinhole, p r3.Vector, active, width int, block, jp []float64) {
	cam.PointJacobian(p, jp)
	if active == 0 {
		return
	}
	n := in.strategy.Parameters()
	ji := make([]float64, 2*n)
	cam.IntrinsicJacobian(in.strategy, p.X/p.Z, p.Y/p.Z, ji)
	for r := range 2 {
		copy(block[r*width:r*width+active], ji[r*n:r*n+active])
	}
}

// pointColumns writes jp·R, the derivative with respect to the world point
// transformed by rot, into the columns off, off+1, off+2 of block.
func pointColumns(jp []float64, rot camera.Rotation, off, width int, block []float64) {
	axes := [3]r3.Vector{{X: 1}, {Y: 1}, {Z: 1}}
	for j, e := range axes {
		c := rot.Rotate(e)
		for r := range 2 {
			block[r*width+off+j] = jp[3*r]*c.X + jp[3*r+1]*c.Y + jp[3*r+2]*c.Z
		}
	}
}

// translationColumns writes jp into the columns off, off+1, off+2 of block.
func translationColumns(jp []float64, off, width int, block []float64) {
	for r := range 2 {
		copy(block[r*width+off:r*width+off+3], jp[3*r:3*r+3])
	}
}

// derive writes the forward difference derivative of residual at x into the columns
// off, off+1, ... of the row-major 2×width block, leaving the columns marked in fixed untouched.
func derive(x []float64, fixed []bool, residual func(x, r []float64), off, width int, block []float64) {
	jac := make([]float64, 2*len(x))
	approx := numdiff.ApproxSpec{
		N:      len(x),
		M:      2,
		Object: residual,
		Method: numdiff.Forward,
		Fixed:  fixed,
	}
	if err := approx.Diff(slices.Clone(x), jac); err != nil {
		panic(err)
	}
	for j := range x {
		if fixed != nil && fixed[j] {
			continue
		}
		for r := range 2 {
			block[r*width+off+j] = jac[r*len(x)+j]
		}
	}
}
