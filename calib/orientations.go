// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package calib

import (
	"context"
	"fmt"

	"github.com/golang/geo/r3"

	"github.com/curioloop/calibration/camera"
	"github.com/curioloop/calibration/levmar"
)

// orientationProblem refines the intrinsics of a purely rotating camera together with
// one orientation per frame. The observed object points are unit directions averaged
// over all frames, recomputed from every accepted model.
type orientationProblem struct {
	intrinsics
	frames     [][]FrameObservation
	onlyFront  bool
	directions map[int]r3.Vector
}

type orientationCandidate struct {
	p          *orientationProblem
	cam        camera.Pinhole
	shared     []float64
	params     [][]float64
	rotations  []camera.Rotation
	directions map[int]r3.Vector
}

// OptimizeOrientations refines cam and the world to camera rotations of frames
// taken from one optical center. frames[i] holds the observations of orientations[i].
func OptimizeOrientations(ctx context.Context, cam camera.Pinhole, orientations []camera.Rotation, frames [][]FrameObservation, opts Options) (*Result, error) {

	if len(orientations) != len(frames) {
		return nil, fmt.Errorf("%d orientations for %d frames", len(orientations), len(frames))
	}

	p := &orientationProblem{
		intrinsics: newIntrinsics(cam, &opts),
		frames:     frames,
		onlyFront:  opts.OnlyFront,
	}
	layout := levmar.Layout{Shared: opts.Strategy.Parameters(), Individual: 3}
	model := levmar.NewModel(layout, len(frames), 0)
	if opts.Strategy.Valid() {
		p.base.Params(opts.Strategy, model.Shared)
	}
	for i, r := range orientations {
		r.ExpParams(model.Individuals[i])
	}

	res, err := opts.solve(ctx, p, layout, 0, model)
	if err != nil {
		return nil, err
	}

	out := newResult(res)
	out.Camera = p.camera(res.Model.Shared)
	out.Orientations = rotations(res.Model.Individuals)
	out.Directions = triangulate(out.Camera, out.Orientations, frames)
	return out, nil
}

func rotations(params [][]float64) []camera.Rotation {
	rots := make([]camera.Rotation, len(params))
	for i, v := range params {
		rots[i] = camera.RotationFromParams(v)
	}
	return rots
}

// triangulate averages the world directions of every object point over all frames.
func triangulate(cam camera.Pinhole, orientations []camera.Rotation, frames [][]FrameObservation) map[int]r3.Vector {
	sums := make(map[int]r3.Vector)
	for i, frame := range frames {
		inv := orientations[i].Inverse()
		for _, ob := range frame {
			sums[ob.PointID] = sums[ob.PointID].Add(inv.Rotate(cam.Ray(ob.Image)))
		}
	}
	for id, v := range sums {
		sums[id] = v.Normalize()
	}
	return sums
}

func (p *orientationProblem) Groups() []int {
	groups := make([]int, len(p.frames))
	for i, frame := range p.frames {
		groups[i] = len(frame)
	}
	return groups
}

func (p *orientationProblem) Second(int, int) int { return 0 }

func (p *orientationProblem) Candidate(m *levmar.Model) (levmar.Candidate, bool) {
	cam, ok := p.candidate(m.Shared)
	if !ok {
		return nil, false
	}
	c := &orientationCandidate{
		p:          p,
		cam:        cam,
		shared:     append([]float64(nil), m.Shared...),
		params:     make([][]float64, len(m.Individuals)),
		rotations:  rotations(m.Individuals),
		directions: p.directions,
	}
	for i, v := range m.Individuals {
		c.params[i] = append([]float64(nil), v...)
	}
	return c, true
}

func (p *orientationProblem) Accept(m *levmar.Model) {
	p.accepted = p.camera(m.Shared)
	p.directions = triangulate(p.accepted, rotations(m.Individuals), p.frames)
}

func (c *orientationCandidate) Residual(g, k int, r []float64) bool {
	ob := c.p.frames[g][k]
	return project(c.cam, c.rotations[g].Rotate(c.directions[ob.PointID]), ob.Image, c.p.onlyFront, r)
}

func (c *orientationCandidate) Jacobian(g, k, active int, block []float64) {
	ob := c.p.frames[g][k]
	dir := c.directions[ob.PointID]
	s := len(c.shared)
	width := s + 3

	var jp [6]float64
	c.p.projectionColumns(c.cam, c.rotations[g].Rotate(dir), active, width, block, jp[:])
	derive(c.params[g], nil, func(x, r []float64) {
		project(c.cam, camera.RotationFromParams(x).Rotate(dir), ob.Image, false, r)
	}, s, width, block)
}
