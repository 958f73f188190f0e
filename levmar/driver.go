// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package levmar

import (
	"context"
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/curioloop/calibration/robust"
)

// iterDriver is the main driver for iterations in an optimization process,
// responsible for managing the damping and the acceptance of corrections.
type iterDriver struct {
	optimizer *Optimizer
	workspace *Workspace
	ctx       context.Context

	cand    Candidate // external model of the accepted internal model
	lambda  float64
	cost    float64
	costs   []float64
	iter    int
	accepts int
	valid   bool // at least one normal equation was solved
}

// evaluate converts m into a candidate and computes its robust cost.
func (d *iterDriver) evaluate(m *Model, res []float64, ev *robust.Evaluation) (cand Candidate, cost float64, err error) {
	spec := &d.optimizer.iterSpec
	err = guard(func() error {
		var ok bool
		if cand, ok = spec.adapter.Candidate(m); !ok {
			return errInfeasible
		}
		return nil
	})
	if err == nil {
		err = spec.evalResiduals(cand, res)
	}
	if err != nil {
		return
	}
	if cost = spec.loss.Evaluate(res, ev); math.IsNaN(cost) {
		err = errInfeasible
	}
	return
}

// accept notifies the adapter about the accepted model and rebuilds the candidate
// from the refreshed derived quantities.
func (d *iterDriver) accept(m *Model) error {
	spec := &d.optimizer.iterSpec
	return guard(func() error {
		spec.adapter.Accept(m)
		if cand, ok := spec.adapter.Candidate(m); ok {
			d.cand = cand
		}
		return nil
	})
}

// applyCorrection writes the candidate model 𝐱 - Δ into the workspace.
func (d *iterDriver) applyCorrection() {
	spec, w := &d.optimizer.iterSpec, d.workspace
	cur, next, delta := w.accepted, w.candidate, w.delta

	next.copyFrom(cur)
	floats.SubTo(next.Shared[:spec.active], cur.Shared[:spec.active], delta[:spec.active])
	off := spec.active
	for i, v := range cur.Individuals {
		floats.SubTo(next.Individuals[i], v, delta[off:off+len(v)])
		off += len(v)
	}
	for i, v := range cur.Seconds {
		floats.SubTo(next.Seconds[i], v, delta[off:off+len(v)])
		off += len(v)
	}
}

// increaseDamping grows λ after a failed attempt and reports whether iterating may continue.
func (d *iterDriver) increaseDamping(singular bool) bool {
	spec := &d.optimizer.iterSpec
	maxLambda := spec.stop.MaxLambda
	if singular {
		if d.lambda > eps && d.lambda <= maxLambda {
			d.lambda *= spec.factor
			return true
		}
		return false
	}
	if spec.factor > eps && d.lambda > zero && d.lambda <= maxLambda {
		d.lambda *= spec.factor
		return true
	}
	return false
}

// mainLoop is the main execution loop of the iteration process.
// Every solve attempt counts as one iteration, a rejected correction grows the damping
// and retries with the same normal equations.
func (d *iterDriver) mainLoop() (status Status) {

	spec, w := &d.optimizer.iterSpec, d.workspace
	stop := spec.stop

	if err := d.accept(w.accepted); err != nil {
		return EvalPanic
	}

	cand, cost, err := d.evaluate(w.accepted, w.residuals, &w.eval)
	switch {
	case errors.Is(err, ErrPanic):
		return EvalPanic
	case err != nil:
		return InfeasibleStart
	}
	d.cand, d.cost = cand, cost
	d.costs = append(d.costs, cost)
	d.printInit()

	for {
		if d.ctx.Err() != nil {
			return Aborted
		}
		if d.iter >= stop.MaxIterations {
			return ExceedMaxIter
		}

		if err = spec.evalJacobians(d.cand, &w.eval, w.residuals, w.blocks, w.wres); err != nil {
			return EvalPanic
		}
		w.system.build(w.blocks, w.wres)

		for accepted := false; !accepted; {

			if d.ctx.Err() != nil {
				return Aborted
			}
			if d.iter >= stop.MaxIterations {
				return ExceedMaxIter
			}
			d.iter++

			if !w.system.solve(d.lambda, w.delta) {
				d.printReject("singular", math.NaN())
				if d.increaseDamping(true) {
					continue
				}
				return ExceedMaxLambda
			}
			d.valid = true

			if floats.Norm(w.delta, 2)/float64(len(w.delta)) <= stop.StepTolerance {
				return ConvergedStep
			}

			d.applyCorrection()
			cand, cost, err = d.evaluate(w.candidate, w.candRes, &w.candEval)
			if errors.Is(err, ErrPanic) {
				return EvalPanic
			}
			if err != nil {
				cost = math.Inf(1)
			}

			if !(cost < d.cost) {
				d.printReject("worse", cost)
				if d.increaseDamping(false) {
					continue
				}
				return ExceedMaxLambda
			}

			accepted = true
			w.accepted, w.candidate = w.candidate, w.accepted
			w.residuals, w.candRes = w.candRes, w.residuals
			w.eval, w.candEval = w.candEval, w.eval
			d.cand = cand
			if err = d.accept(w.accepted); err != nil {
				return EvalPanic
			}

			improvement := d.cost - cost
			d.cost = cost
			d.costs = append(d.costs, cost)
			d.accepts++
			if d.lambda > eps {
				d.lambda /= spec.factor
			}
			d.printIter()

			if stop.RelTolerance > zero && improvement <= stop.RelTolerance*(cost+improvement) {
				return ConvergedCost
			}
			if stop.AbsTolerance > zero && improvement <= stop.AbsTolerance {
				return ConvergedCost
			}
		}
	}
}

func (d *iterDriver) printInit() {
	spec := &d.optimizer.iterSpec
	if log := spec.logger; log.enable(LogEval) {
		log.Log.Info("levenberg-marquardt start",
			"observations", len(spec.obs),
			"columns", spec.cols,
			"dense", spec.dense,
			"estimator", spec.loss.Estimator,
			"lambda", d.lambda,
			"cost", d.cost)
	}
}

func (d *iterDriver) printIter() {
	if log := d.optimizer.logger; log.enable(LogEval) {
		log.Log.Info("accepted correction",
			"iter", d.iter,
			"cost", d.cost,
			"lambda", d.lambda)
	}
}

func (d *iterDriver) printReject(reason string, cost float64) {
	if log := d.optimizer.logger; log.enable(LogTrace) {
		log.Log.Debug("rejected correction",
			"iter", d.iter,
			"reason", reason,
			"cost", cost,
			"lambda", d.lambda)
	}
}

func (d *iterDriver) printSummary(res *Result) {
	log := d.optimizer.logger
	if !log.enable(LogLast) {
		return
	}
	args := []any{
		"status", res.Status.String(),
		"iterations", res.NumIter,
		"accepted", res.NumAccept,
		"lambda", res.Lambda,
	}
	if res.OK {
		args = append(args, "initial", res.InitialCost, "final", res.FinalCost)
		log.Log.Info("levenberg-marquardt finished", args...)
	} else {
		log.Log.Warn("levenberg-marquardt failed", args...)
	}
}
