// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package calib refines camera intrinsics together with orientations, poses
// or 3D object points by staged robust Levenberg-Marquardt optimization.
package calib

import (
	"context"
	"errors"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/curioloop/calibration/camera"
	"github.com/curioloop/calibration/levmar"
	"github.com/curioloop/calibration/robust"
	"github.com/curioloop/calibration/schedule"
)

// Options controls the refinement.
type Options struct {
	Strategy     camera.Strategy  `yaml:"strategy"`      // Camera parameters to optimize
	Policy       schedule.Policy  `yaml:"policy"`        // Activation order of the camera parameters
	Iterations   int              `yaml:"iterations"`    // Solve attempts per stage
	Estimator    robust.Estimator `yaml:"estimator"`     // Robust estimator of the pixel errors
	Lambda       float64          `yaml:"lambda"`        // Initial damping
	LambdaFactor float64          `yaml:"lambda_factor"` // Damping factor
	// Reject every candidate that moves an observed point behind the camera.
	OnlyFront bool `yaml:"only_front"`
	// Maximal change of a distortion coefficient relative to the last accepted camera,
	// zero disables the check.
	DistortionConstrainment float64 `yaml:"distortion_constrainment"`
	Workers                 int     `yaml:"workers"`

	Logger *levmar.Logger `yaml:"-"`
}

// DefaultOptions returns the options used when nothing else is configured.
func DefaultOptions() Options {
	return Options{
		Strategy:                camera.IntrinsicDistortions,
		Policy:                  schedule.Incremental,
		Iterations:              20,
		Estimator:               robust.Square,
		Lambda:                  0.001,
		LambdaFactor:            5,
		OnlyFront:               true,
		DistortionConstrainment: 2,
	}
}

// FrameObservation is the image location of an object point in one frame.
type FrameObservation struct {
	PointID int
	Image   r2.Point
}

// PointObservation is the image location of one object point in a frame.
type PointObservation struct {
	Frame int
	Image r2.Point
}

// Result holds the refined camera and the refined individual models of one problem.
type Result struct {
	Camera       camera.Pinhole    // Every problem, OptimizeCamera refines nothing else
	Orientations []camera.Rotation // OptimizeOrientations
	Directions   map[int]r3.Vector // OptimizeOrientations, averaged unit object directions
	Poses        []camera.Pose     // OptimizePoses, OptimizeStructure
	Points       []r3.Vector       // OptimizeStructure
	InitialCost  float64           // Robust cost of the initial models
	FinalCost    float64           // Robust cost of the refined models
	Costs        []float64         // Cost of every accepted correction of every stage
	levmar.Summary
}

var (
	errStrategy = errors.New("invalid camera strategy")
	errPolicy   = errors.New("invalid staging policy")
)

// solve runs the staged optimization of adapter from model.
func (o *Options) solve(ctx context.Context, adapter levmar.Adapter, layout levmar.Layout, seconds int, model *levmar.Model) (*levmar.Result, error) {
	switch {
	case !o.Strategy.Valid():
		return nil, errStrategy
	case !o.Policy.Valid():
		return nil, errPolicy
	}
	problem := levmar.Problem{
		Layout:       layout,
		Seconds:      seconds,
		Adapter:      adapter,
		Estimator:    o.Estimator,
		Lambda:       o.Lambda,
		LambdaFactor: o.LambdaFactor,
		Workers:      o.Workers,
		Stop:         levmar.Termination{MaxIterations: o.Iterations},
	}
	return schedule.Run(ctx, problem, schedule.Columns(o.Strategy, o.Policy), model, o.Logger)
}

func newResult(res *levmar.Result) *Result {
	return &Result{
		InitialCost: res.InitialCost,
		FinalCost:   res.FinalCost,
		Costs:       res.Costs,
		Summary:     res.Summary,
	}
}
