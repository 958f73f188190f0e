// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package calib

import (
	"context"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/curioloop/calibration/camera"
	"github.com/curioloop/calibration/levmar"
)

// NormalizedObservation pairs an undistorted point on the normalized image plane
// with the pixel it was observed at.
type NormalizedObservation struct {
	Normalized r2.Point
	Image      r2.Point
}

// cameraProblem refines the intrinsics alone, every observation is independent.
type cameraProblem struct {
	intrinsics
	observations []NormalizedObservation
}

type cameraCandidate struct {
	p   *cameraProblem
	cam camera.Pinhole
}

// OptimizeCamera refines the parameters of cam selected by opts.Strategy so that the
// normalized points project onto their observed pixels.
func OptimizeCamera(ctx context.Context, cam camera.Pinhole, observations []NormalizedObservation, opts Options) (*Result, error) {
	p := &cameraProblem{
		intrinsics:   newIntrinsics(cam, &opts),
		observations: observations,
	}
	layout := levmar.Layout{Shared: opts.Strategy.Parameters()}
	model := &levmar.Model{Shared: make([]float64, layout.Shared)}
	if opts.Strategy.Valid() {
		p.base.Params(opts.Strategy, model.Shared)
	}

	res, err := opts.solve(ctx, p, layout, 0, model)
	if err != nil {
		return nil, err
	}

	out := newResult(res)
	out.Camera = p.camera(res.Model.Shared)
	return out, nil
}

func (p *cameraProblem) Groups() []int       { return []int{len(p.observations)} }
func (p *cameraProblem) Second(int, int) int { return 0 }

func (p *cameraProblem) Candidate(m *levmar.Model) (levmar.Candidate, bool) {
	cam, ok := p.candidate(m.Shared)
	if !ok {
		return nil, false
	}
	return &cameraCandidate{p: p, cam: cam}, true
}

func (p *cameraProblem) Accept(m *levmar.Model) {
	p.accepted = p.camera(m.Shared)
}

func (c *cameraCandidate) Residual(_, k int, r []float64) bool {
	ob := c.p.observations[k]
	return project(c.cam, r3.Vector{X: ob.Normalized.X, Y: ob.Normalized.Y, Z: 1}, ob.Image, false, r)
}

func (c *cameraCandidate) Jacobian(_, k, active int, block []float64) {
	ob := c.p.observations[k]
	s := c.p.strategy.Parameters()
	ji := make([]float64, 2*s)
	c.cam.IntrinsicJacobian(c.p.strategy, ob.Normalized.X, ob.Normalized.Y, ji)
	for r := range 2 {
		copy(block[r*s:r*s+active], ji[r*s:r*s+active])
	}
}
