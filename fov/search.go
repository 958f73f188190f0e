// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fov searches the horizontal field of view of a rotating or posed camera
// by a coarse-to-fine grid of bounded focal length refinements.
package fov

import (
	"context"
	"errors"
	"math"
	"runtime"
	"slices"
	"sync"

	"github.com/golang/geo/r3"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/curioloop/calibration/calib"
	"github.com/curioloop/calibration/camera"
	"github.com/curioloop/calibration/levmar"
	"github.com/curioloop/calibration/robust"
	"github.com/curioloop/calibration/schedule"
)

const (
	// significance is the factor the best cost must beat the third worst cost by.
	significance = 2.25
	// boundTolerance is the angular distance treated as sitting on a bound.
	boundTolerance = 1e-9
)

// ErrNoSample reports that no sample of the search could be refined.
var ErrNoSample = errors.New("no field of view sample succeeded")

// Config specifies the search.
type Config struct {
	Lower      float64 `yaml:"lower"`      // Smallest horizontal field of view in radians
	Upper      float64 `yaml:"upper"`      // Largest horizontal field of view in radians
	Steps      int     `yaml:"steps"`      // Samples per round
	Rounds     int     `yaml:"rounds"`     // Coarse-to-fine rounds
	Iterations int     `yaml:"iterations"` // Solve attempts of every sample

	Estimator               robust.Estimator `yaml:"estimator"`
	Lambda                  float64          `yaml:"lambda"`
	LambdaFactor            float64          `yaml:"lambda_factor"`
	OnlyFront               bool             `yaml:"only_front"`
	DistortionConstrainment float64          `yaml:"distortion_constrainment"`
	// Samples refined concurrently, GOMAXPROCS when zero.
	Workers int `yaml:"workers"`

	Logger *levmar.Logger `yaml:"-"`
}

// DefaultConfig returns a search over [30°, 120°].
func DefaultConfig() Config {
	return Config{
		Lower:        30 * math.Pi / 180,
		Upper:        120 * math.Pi / 180,
		Steps:        10,
		Rounds:       2,
		Iterations:   5,
		Estimator:    robust.Square,
		Lambda:       0.001,
		LambdaFactor: 5,
		OnlyFront:    true,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() (err error) {
	switch {
	case !(c.Lower > 0 && c.Lower <= c.Upper && c.Upper < math.Pi):
		err = errors.New("field of view range must satisfy 0 < lower ≤ upper < π")
	case c.Steps < 4:
		err = errors.New("steps must not less than 4")
	case c.Rounds < 1:
		err = errors.New("rounds must not less than 1")
	case c.Iterations < 1:
		err = errors.New("iterations must not less than 1")
	case c.Workers < 0:
		err = errors.New("workers must not less than 0")
	}
	return
}

// Sample is one evaluated grid angle.
type Sample struct {
	Round, Index int
	Grid         float64 // Sampled field of view
	FovX         float64 // Field of view after refinement
	Cost         float64
	OK           bool
}

// Result holds the outcome of the search.
type Result struct {
	Camera       camera.Pinhole    // Refined camera of the best sample
	Orientations []camera.Rotation // Refined orientations of the best sample
	Poses        []camera.Pose     // Refined poses of the best sample
	Points       []r3.Vector       // Refined object points of the best sample
	FovX         float64           // Refined field of view of the best sample
	Cost         float64           // Cost of the best sample
	// Significant reports whether the best sample is distinctly better than the rest
	// and lies inside the original range.
	Significant bool
	Aborted     bool // The context was cancelled before every round finished
	Samples     []Sample
}

type best struct {
	sync.Mutex
	sample Sample
	res    *calib.Result
	found  bool
}

// update keeps the sample with the lowest cost, the first sample on ties.
func (b *best) update(s Sample, res *calib.Result, order func(Sample) int) {
	b.Lock()
	defer b.Unlock()
	if !b.found || s.Cost < b.sample.Cost || (s.Cost == b.sample.Cost && order(s) < order(b.sample)) {
		b.sample, b.res, b.found = s, res, true
	}
}

// Search samples the horizontal field of view of cam in rounds. Every sample keeps the
// principal point and distortion of cam, re-triangulates the averaged object directions
// and refines the focal length with the orientations for a few iterations.
// After each round the range shrinks to one grid step around the best refined angle.
func Search(ctx context.Context, cam camera.Pinhole, orientations []camera.Rotation, frames [][]calib.FrameObservation, cfg Config) (*Result, error) {
	return search(ctx, cfg, func(ctx context.Context, opts calib.Options, fovX float64) (*calib.Result, error) {
		return calib.OptimizeOrientations(ctx, cam.WithFovX(fovX), orientations, frames, opts)
	})
}

// SearchPosed is Search for a camera with known poses observing known object points.
// Every sample refines the focal length together with the poses and the points.
func SearchPosed(ctx context.Context, cam camera.Pinhole, poses []camera.Pose, points []r3.Vector, tracks [][]calib.PointObservation, cfg Config) (*Result, error) {
	return search(ctx, cfg, func(ctx context.Context, opts calib.Options, fovX float64) (*calib.Result, error) {
		return calib.OptimizeStructure(ctx, cam.WithFovX(fovX), poses, points, tracks, opts)
	})
}

// refineFunc refines the camera with the horizontal field of view fovX.
type refineFunc func(ctx context.Context, opts calib.Options, fovX float64) (*calib.Result, error)

// failure keeps the error of the earliest failed sample in grid order.
type failure struct {
	sync.Mutex
	order int
	err   error
}

func (f *failure) update(order int, err error) {
	f.Lock()
	defer f.Unlock()
	if f.err == nil || order < f.order {
		f.order, f.err = order, err
	}
}

func search(ctx context.Context, cfg Config, refine refineFunc) (*Result, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	workers := cfg.Workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	opts := calib.Options{
		Strategy:                camera.FocalLength,
		Policy:                  schedule.Joint,
		Iterations:              cfg.Iterations,
		Estimator:               cfg.Estimator,
		Lambda:                  cfg.Lambda,
		LambdaFactor:            cfg.LambdaFactor,
		OnlyFront:               cfg.OnlyFront,
		DistortionConstrainment: cfg.DistortionConstrainment,
	}

	order := func(s Sample) int { return s.Round*cfg.Steps + s.Index }
	var top best
	var failed failure
	var samples []Sample
	var mu sync.Mutex

	lower, upper := cfg.Lower, cfg.Upper
	aborted := false
	for round := range cfg.Rounds {
		step := (upper - lower) / float64(cfg.Steps-1)

		var g errgroup.Group
		g.SetLimit(workers)
		for n := range cfg.Steps {
			if ctx.Err() != nil {
				aborted = true
				break
			}
			grid := lower + float64(n)*step
			g.Go(func() error {
				s := Sample{Round: round, Index: n, Grid: grid}
				var out *calib.Result
				err := ctx.Err()
				if err == nil {
					out, err = refine(ctx, opts, grid)
				}
				if err == nil {
					s.OK, s.Cost, s.FovX = true, out.FinalCost, out.Camera.FovX()
					top.update(s, out, order)
				} else {
					failed.update(order(s), err)
				}
				mu.Lock()
				samples = append(samples, s)
				mu.Unlock()
				logSample(cfg.Logger, s, err)
				return nil
			})
		}
		_ = g.Wait()

		if aborted || ctx.Err() != nil || !top.found {
			aborted = aborted || ctx.Err() != nil
			break
		}

		b := math.Min(math.Max(top.sample.FovX, cfg.Lower), cfg.Upper)
		lower, upper = math.Max(cfg.Lower, b-step), math.Min(cfg.Upper, b+step)
	}

	if !top.found {
		if aborted {
			return nil, pkgerrors.Wrap(ctx.Err(), "field of view search")
		}
		if failed.err != nil {
			return nil, errors.Join(ErrNoSample, failed.err)
		}
		return nil, ErrNoSample
	}

	slices.SortFunc(samples, func(a, b Sample) int { return order(a) - order(b) })
	return &Result{
		Camera:       top.res.Camera,
		Orientations: top.res.Orientations,
		Poses:        top.res.Poses,
		Points:       top.res.Points,
		FovX:         top.sample.FovX,
		Cost:         top.sample.Cost,
		Significant:  significant(top.sample, samples, cfg.Lower, cfg.Upper),
		Aborted:      aborted,
		Samples:      samples,
	}, nil
}

// significant reports whether at least three samples succeeded, the best grid angle
// is not on a bound of the original range and the best cost beats the third worst
// successful cost by the significance factor.
func significant(top Sample, samples []Sample, lower, upper float64) bool {
	var costs []float64
	for _, s := range samples {
		if s.OK {
			costs = append(costs, s.Cost)
		}
	}
	if len(costs) < 3 {
		return false
	}
	if math.Abs(top.Grid-lower) <= boundTolerance || math.Abs(top.Grid-upper) <= boundTolerance {
		return false
	}
	slices.Sort(costs)
	return top.Cost*significance < costs[len(costs)-3]
}

func logSample(logger *levmar.Logger, s Sample, err error) {
	if logger == nil || logger.Log == nil || logger.Level < levmar.LogEval {
		return
	}
	if err != nil {
		logger.Log.Warn("field of view sample failed", "round", s.Round, "index", s.Index, "fov", s.Grid, "err", err)
		return
	}
	logger.Log.Info("field of view sample",
		"round", s.Round,
		"index", s.Index,
		"fov", s.Grid,
		"refined", s.FovX,
		"cost", s.Cost)
}
