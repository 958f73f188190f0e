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

// pointParameters is the width of one object point model.
const pointParameters = 3

// structureProblem refines the intrinsics, every object point and every pose.
// Object points are the individual models, poses the second individual models.
type structureProblem struct {
	intrinsics
	tracks    [][]PointObservation
	onlyFront bool
}

type structureCandidate struct {
	p      *structureProblem
	cam    camera.Pinhole
	shared []float64
	points [][]float64
	poses  [][]float64
	frames []camera.Pose
}

// OptimizeStructure refines cam, the object points and the world to camera poses.
// tracks[i] holds the observations of points[i], Frame indexes poses.
func OptimizeStructure(ctx context.Context, cam camera.Pinhole, poses []camera.Pose, points []r3.Vector, tracks [][]PointObservation, opts Options) (*Result, error) {

	if len(points) != len(tracks) {
		return nil, fmt.Errorf("%d points for %d tracks", len(points), len(tracks))
	}
	for i, track := range tracks {
		for _, ob := range track {
			if ob.Frame < 0 || ob.Frame >= len(poses) {
				return nil, fmt.Errorf("point %d observed in unknown frame %d", i, ob.Frame)
			}
		}
	}

	p := &structureProblem{
		intrinsics: newIntrinsics(cam, &opts),
		tracks:     tracks,
		onlyFront:  opts.OnlyFront,
	}
	layout := levmar.Layout{
		Shared:     opts.Strategy.Parameters(),
		Individual: pointParameters,
		Second:     camera.PoseParameters,
	}
	model := levmar.NewModel(layout, len(points), len(poses))
	if opts.Strategy.Valid() {
		p.base.Params(opts.Strategy, model.Shared)
	}
	for i, pt := range points {
		model.Individuals[i][0], model.Individuals[i][1], model.Individuals[i][2] = pt.X, pt.Y, pt.Z
	}
	for i, pose := range poses {
		pose.Params(model.Seconds[i])
	}

	res, err := opts.solve(ctx, p, layout, len(poses), model)
	if err != nil {
		return nil, err
	}

	out := newResult(res)
	out.Camera = p.camera(res.Model.Shared)
	out.Poses = posesOf(res.Model.Seconds)
	out.Points = make([]r3.Vector, len(points))
	for i, v := range res.Model.Individuals {
		out.Points[i] = r3.Vector{X: v[0], Y: v[1], Z: v[2]}
	}
	return out, nil
}

func (p *structureProblem) Groups() []int {
	groups := make([]int, len(p.tracks))
	for i, track := range p.tracks {
		groups[i] = len(track)
	}
	return groups
}

func (p *structureProblem) Second(g, k int) int {
	return p.tracks[g][k].Frame
}

func (p *structureProblem) Candidate(m *levmar.Model) (levmar.Candidate, bool) {
	cam, ok := p.candidate(m.Shared)
	if !ok {
		return nil, false
	}
	clone := m.Clone()
	return &structureCandidate{
		p:      p,
		cam:    cam,
		shared: clone.Shared,
		points: clone.Individuals,
		poses:  clone.Seconds,
		frames: posesOf(clone.Seconds),
	}, true
}

func (p *structureProblem) Accept(m *levmar.Model) {
	p.accepted = p.camera(m.Shared)
}

func (c *structureCandidate) Residual(g, k int, r []float64) bool {
	ob := c.p.tracks[g][k]
	pt := c.points[g]
	return project(c.cam, c.frames[ob.Frame].Transform(r3.Vector{X: pt[0], Y: pt[1], Z: pt[2]}), ob.Image, c.p.onlyFront, r)
}

func (c *structureCandidate) Jacobian(g, k, active int, block []float64) {
	ob := c.p.tracks[g][k]
	pt := c.points[g]
	world := r3.Vector{X: pt[0], Y: pt[1], Z: pt[2]}
	pose := c.frames[ob.Frame]
	s := len(c.shared)
	width := s + pointParameters + camera.PoseParameters
	off := s + pointParameters

	var jp [6]float64
	c.p.projectionColumns(c.cam, pose.Transform(world), active, width, block, jp[:])
	pointColumns(jp[:], pose.R, s, width, block)
	translationColumns(jp[:], off+3, width, block)
	derive(c.poses[ob.Frame], translationFixed, func(x, r []float64) {
		project(c.cam, camera.PoseFromParams(x).Transform(world), ob.Image, false, r)
	}, off, width, block)
}
