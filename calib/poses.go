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

// poseProblem refines the intrinsics together with one pose per frame
// observing known object points.
type poseProblem struct {
	intrinsics
	points    []r3.Vector
	frames    [][]FrameObservation
	onlyFront bool
}

type poseCandidate struct {
	p      *poseProblem
	cam    camera.Pinhole
	shared []float64
	params [][]float64
	poses  []camera.Pose
}

// OptimizePoses refines cam and the world to camera poses of frames observing points.
// frames[i] holds the observations of poses[i], PointID indexes points.
func OptimizePoses(ctx context.Context, cam camera.Pinhole, poses []camera.Pose, points []r3.Vector, frames [][]FrameObservation, opts Options) (*Result, error) {

	if len(poses) != len(frames) {
		return nil, fmt.Errorf("%d poses for %d frames", len(poses), len(frames))
	}
	for i, frame := range frames {
		for _, ob := range frame {
			if ob.PointID < 0 || ob.PointID >= len(points) {
				return nil, fmt.Errorf("frame %d observes unknown point %d", i, ob.PointID)
			}
		}
	}

	p := &poseProblem{
		intrinsics: newIntrinsics(cam, &opts),
		points:     points,
		frames:     frames,
		onlyFront:  opts.OnlyFront,
	}
	layout := levmar.Layout{Shared: opts.Strategy.Parameters(), Individual: camera.PoseParameters}
	model := levmar.NewModel(layout, len(frames), 0)
	if opts.Strategy.Valid() {
		p.base.Params(opts.Strategy, model.Shared)
	}
	for i, pose := range poses {
		pose.Params(model.Individuals[i])
	}

	res, err := opts.solve(ctx, p, layout, 0, model)
	if err != nil {
		return nil, err
	}

	out := newResult(res)
	out.Camera = p.camera(res.Model.Shared)
	out.Poses = posesOf(res.Model.Individuals)
	return out, nil
}

func posesOf(params [][]float64) []camera.Pose {
	poses := make([]camera.Pose, len(params))
	for i, v := range params {
		poses[i] = camera.PoseFromParams(v)
	}
	return poses
}

func (p *poseProblem) Groups() []int {
	groups := make([]int, len(p.frames))
	for i, frame := range p.frames {
		groups[i] = len(frame)
	}
	return groups
}

func (p *poseProblem) Second(int, int) int { return 0 }

func (p *poseProblem) Candidate(m *levmar.Model) (levmar.Candidate, bool) {
	cam, ok := p.candidate(m.Shared)
	if !ok {
		return nil, false
	}
	c := &poseCandidate{
		p:      p,
		cam:    cam,
		shared: append([]float64(nil), m.Shared...),
		params: make([][]float64, len(m.Individuals)),
		poses:  posesOf(m.Individuals),
	}
	for i, v := range m.Individuals {
		c.params[i] = append([]float64(nil), v...)
	}
	return c, true
}

func (p *poseProblem) Accept(m *levmar.Model) {
	p.accepted = p.camera(m.Shared)
}

func (c *poseCandidate) Residual(g, k int, r []float64) bool {
	ob := c.p.frames[g][k]
	return project(c.cam, c.poses[g].Transform(c.p.points[ob.PointID]), ob.Image, c.p.onlyFront, r)
}

func (c *poseCandidate) Jacobian(g, k, active int, block []float64) {
	ob := c.p.frames[g][k]
	pt := c.p.points[ob.PointID]
	s := len(c.shared)
	width := s + camera.PoseParameters

	var jp [6]float64
	c.p.projectionColumns(c.cam, c.poses[g].Transform(pt), active, width, block, jp[:])
	translationColumns(jp[:], s+3, width, block)
	derive(c.params[g], translationFixed, func(x, r []float64) {
		project(c.cam, camera.PoseFromParams(x).Transform(pt), ob.Image, false, r)
	}, s, width, block)
}
