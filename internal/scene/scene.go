// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scene generates reproducible synthetic calibration scenes.
package scene

import (
	"math"
	"math/rand/v2"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/curioloop/calibration/calib"
	"github.com/curioloop/calibration/camera"
)

// Rotational is a camera rotating around its optical center.
type Rotational struct {
	Camera       camera.Pinhole
	Orientations []camera.Rotation
	Directions   []r3.Vector
	Frames       [][]calib.FrameObservation
}

// Posed is a camera moving around a cloud of object points.
type Posed struct {
	Camera camera.Pinhole
	Poses  []camera.Pose
	Points []r3.Vector
	Frames [][]calib.FrameObservation
	Tracks [][]calib.PointObservation
}

// NewRotational creates frames sweeping a horizontal panorama of about one field of view
// per two frames, with directions sampled so that most of them are seen in several frames.
// Noise is the standard deviation of the pixel noise.
func NewRotational(cam camera.Pinhole, frames, points int, noise float64, seed uint64) *Rotational {
	rnd := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	s := &Rotational{Camera: cam}

	yawStep := cam.FovX() / 2
	for i := range frames {
		yaw := (float64(i) - float64(frames-1)/2) * yawStep
		pitch := 0.1 * math.Sin(float64(i))
		r := camera.NewRotation(r3.Vector{X: 1}, pitch).Mul(camera.NewRotation(r3.Vector{Y: 1}, yaw))
		s.Orientations = append(s.Orientations, r)
	}

	// directions are rays through the inner image area of a random frame
	for range points {
		f := rnd.IntN(frames)
		px := r2.Point{
			X: float64(cam.Width) * (0.1 + 0.8*rnd.Float64()),
			Y: float64(cam.Height) * (0.1 + 0.8*rnd.Float64()),
		}
		s.Directions = append(s.Directions, s.Orientations[f].Inverse().Rotate(cam.Ray(px)))
	}

	s.Frames = make([][]calib.FrameObservation, frames)
	for i, r := range s.Orientations {
		for id, d := range s.Directions {
			if pt, ok := observe(cam, r.Rotate(d), noise, rnd); ok {
				s.Frames[i] = append(s.Frames[i], calib.FrameObservation{PointID: id, Image: pt})
			}
		}
	}
	return s
}

// NewPosed creates frames on a circle of radius 5 around object points inside
// the unit cube, every frame looking at the origin.
func NewPosed(cam camera.Pinhole, frames, points int, noise float64, seed uint64) *Posed {
	rnd := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	s := &Posed{Camera: cam}

	for i := range frames {
		angle := 2 * math.Pi * float64(i) / float64(frames)
		center := r3.Vector{X: 5 * math.Cos(angle), Y: 0.5 * math.Sin(3*angle), Z: 5 * math.Sin(angle)}
		s.Poses = append(s.Poses, camera.LookAt(center, r3.Vector{}, r3.Vector{Y: -1}))
	}
	for range points {
		s.Points = append(s.Points, r3.Vector{
			X: 2*rnd.Float64() - 1,
			Y: 2*rnd.Float64() - 1,
			Z: 2*rnd.Float64() - 1,
		})
	}

	s.Frames = make([][]calib.FrameObservation, frames)
	s.Tracks = make([][]calib.PointObservation, points)
	for i, pose := range s.Poses {
		for id, p := range s.Points {
			if pt, ok := observe(cam, pose.Transform(p), noise, rnd); ok {
				s.Frames[i] = append(s.Frames[i], calib.FrameObservation{PointID: id, Image: pt})
				s.Tracks[id] = append(s.Tracks[id], calib.PointObservation{Frame: i, Image: pt})
			}
		}
	}
	return s
}

func observe(cam camera.Pinhole, p r3.Vector, noise float64, rnd *rand.Rand) (r2.Point, bool) {
	if p.Z <= 0 {
		return r2.Point{}, false
	}
	pt := cam.Project(p)
	if !cam.Inside(pt) {
		return r2.Point{}, false
	}
	if noise > 0 {
		pt.X += noise * rnd.NormFloat64()
		pt.Y += noise * rnd.NormFloat64()
	}
	return pt, true
}
