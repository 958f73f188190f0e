// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package camera

import "github.com/golang/geo/r3"

// IntrinsicJacobian writes the row-major 2×s.Parameters() derivative of the projection
// of the undistorted normalized point (x, y) with respect to the parameters selected by s,
// in the order of Params.
func (c Pinhole) IntrinsicJacobian(s Strategy, x, y float64, dst []float64) {
	n := s.Parameters()
	if len(dst) != 2*n {
		panic("camera jacobian dimension mismatch")
	}
	du, dv := dst[:n], dst[n:]
	clear(dst)

	rsq := x*x + y*y
	dx, dy := c.Distort(x, y)

	k := 0
	switch s.FocalParameters() {
	case 1:
		du[k], dv[k] = dx, dy
		k++
	case 2:
		du[k], dv[k+1] = dx, dy
		k += 2
	}
	if s.PrincipalPoint() {
		du[k], dv[k+1] = 1, 1
		k += 2
	}
	if d := s.Distortions(); d > 0 {
		du[k], dv[k] = c.Fx*x*rsq, c.Fy*y*rsq
		du[k+1], dv[k+1] = c.Fx*x*rsq*rsq, c.Fy*y*rsq*rsq
		if d == 4 {
			du[k+2], dv[k+2] = c.Fx*2*x*y, c.Fy*(rsq+2*y*y)
			du[k+3], dv[k+3] = c.Fx*(rsq+2*x*x), c.Fy*2*x*y
		}
	}
}

// PointJacobian writes the row-major 2×3 derivative of Project at the camera coordinate point p.
func (c Pinhole) PointJacobian(p r3.Vector, dst []float64) {
	if len(dst) != 6 {
		panic("camera jacobian dimension mismatch")
	}
	iz := 1 / p.Z
	x, y := p.X*iz, p.Y*iz

	rsq := x*x + y*y
	radial := 1 + c.K1*rsq + c.K2*rsq*rsq
	dr := c.K1 + 2*c.K2*rsq
	xx := radial + 2*x*x*dr + 2*c.P1*y + 6*c.P2*x
	xy := 2*x*y*dr + 2*c.P1*x + 2*c.P2*y
	yy := radial + 2*y*y*dr + 6*c.P1*y + 2*c.P2*x

	// ∂(x, y)/∂p = [1/z 0 -x/z; 0 1/z -y/z]
	dst[0], dst[1], dst[2] = c.Fx*xx*iz, c.Fx*xy*iz, -c.Fx*(xx*x+xy*y)*iz
	dst[3], dst[4], dst[5] = c.Fy*xy*iz, c.Fy*yy*iz, -c.Fy*(xy*x+yy*y)*iz
}
