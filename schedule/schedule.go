// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package schedule orders the shared camera parameters into warm-started
// optimization stages, so that distortion only moves once focal length and
// principal point are roughly right.
package schedule

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/curioloop/calibration/camera"
	"github.com/curioloop/calibration/levmar"
)

// Policy selects how the shared parameters are activated.
type Policy int

const (
	InvalidPolicy Policy = iota
	// Joint optimizes all parameters at once.
	Joint
	// FocalFirst optimizes the focal lengths before all parameters.
	FocalFirst
	// Incremental grows the active parameters in several stages.
	Incremental
)

var policyNames = [...]string{
	InvalidPolicy: "invalid",
	Joint:         "joint",
	FocalFirst:    "focal_first",
	Incremental:   "incremental",
}

// ParsePolicy translates a readable name into a policy.
func ParsePolicy(name string) (Policy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for p, n := range policyNames {
		if p != int(InvalidPolicy) && n == name {
			return Policy(p), nil
		}
	}
	return InvalidPolicy, fmt.Errorf("unknown staging policy %q", name)
}

func (p Policy) String() string {
	if !p.Valid() {
		return policyNames[InvalidPolicy]
	}
	return policyNames[p]
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(text []byte) (err error) {
	*p, err = ParsePolicy(string(text))
	return
}

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	return p > InvalidPolicy && int(p) < len(policyNames)
}

// incremental stages of every strategy.
var incremental = map[camera.Strategy][]int{
	camera.FocalLength:                   {1},
	camera.FocalLengths:                  {2},
	camera.IntrinsicParameters:           {2, 4},
	camera.FocalLengthsDistortion:        {2, 3, 4, 5, 6},
	camera.SymmetricIntrinsicDistortions: {1, 3, 4, 5, 6, 7},
	camera.IntrinsicDistortions:          {2, 4, 5, 6, 7, 8},
	camera.Distortion:                    {2, 4},
	camera.IntrinsicRadialDistortion:     {2, 4, 5, 6},
}

// Columns returns the active shared column count of every stage.
// It returns nil for invalid arguments.
func Columns(s camera.Strategy, p Policy) []int {
	n := s.Parameters()
	if n == 0 || !p.Valid() {
		return nil
	}
	switch p {
	case FocalFirst:
		if f := s.FocalParameters(); f > 0 && f < n {
			return []int{f, n}
		}
	case Incremental:
		if stages, ok := incremental[s]; ok {
			return append([]int(nil), stages...)
		}
	}
	return []int{n}
}

// Validate checks that stages is non-empty, strictly increasing and within (0, shared].
func Validate(stages []int, shared int) error {
	if len(stages) == 0 {
		return errors.New("no optimization stage")
	}
	prev := 0
	for i, n := range stages {
		switch {
		case n <= prev:
			return errors.Errorf("stage %d activates %d columns after %d", i, n, prev)
		case n > shared:
			return errors.Errorf("stage %d activates %d of %d columns", i, n, shared)
		}
		prev = n
	}
	return nil
}

// Run solves problem once per stage with the given number of active shared columns,
// each stage warm-started from the model accepted by the previous one.
//
// The returned result reports the initial cost of the first stage, the final cost of
// the last successful stage and the concatenated costs of all stages.
// A failing first stage is a hard failure, a failing later stage is skipped and
// keeps the previous model.
func Run(ctx context.Context, problem levmar.Problem, stages []int, model *levmar.Model, logger *levmar.Logger) (*levmar.Result, error) {

	if err := Validate(stages, problem.Layout.Shared); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var total *levmar.Result
	for i, active := range stages {
		problem.Active = active
		opt, err := problem.New(logger)
		if err != nil {
			if total == nil {
				return nil, errors.Wrapf(err, "stage %d with %d columns", i, active)
			}
			logStage(logger, i, active, nil, err)
			continue
		}

		res := opt.Fit(ctx, model, opt.Init())
		if !res.OK {
			err = res.Err()
			if total == nil {
				return res, errors.Wrapf(err, "stage %d with %d columns", i, active)
			}
			logStage(logger, i, active, res, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		logStage(logger, i, active, res, nil)

		if total == nil {
			total = &levmar.Result{OK: true, InitialCost: res.InitialCost}
		}
		model = res.Model
		total.Model = res.Model
		total.FinalCost = res.FinalCost
		total.Costs = append(total.Costs, res.Costs...)
		total.Status = res.Status
		total.NumIter += res.NumIter
		total.NumAccept += res.NumAccept
		total.Lambda = res.Lambda

		if ctx.Err() != nil {
			break
		}
	}
	return total, nil
}

func logStage(logger *levmar.Logger, stage, active int, res *levmar.Result, err error) {
	if logger == nil || logger.Log == nil || logger.Level < levmar.LogEval {
		return
	}
	if err != nil {
		logger.Log.Warn("stage skipped", "stage", stage, "columns", active, "err", err)
		return
	}
	logger.Log.Info("stage finished",
		"stage", stage,
		"columns", active,
		"status", res.Status.String(),
		"initial", res.InitialCost,
		"final", res.FinalCost)
}
