// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package levmar

import (
	"errors"
	"log/slog"
)

const (
	zero = 0.0
	one  = 1.0
	eps  = 1e-12

	// residualDim is the dimension of every observation residual.
	residualDim = 2

	defaultMaxLambda     = 1e8
	defaultStepTolerance = 1e-8
	// denseColumnLimit is the largest column count solved densely in Auto mode.
	denseColumnLimit = 64
	// minChunk is the smallest number of observations handled by one worker.
	minChunk = 64
)

var (
	// ErrIllPosed reports an empty observation group or fewer residuals than free parameters.
	ErrIllPosed = errors.New("ill-posed problem")
	// ErrInfeasible reports an initial model rejected by the adapter.
	ErrInfeasible = errors.New("initial model is infeasible")
	// ErrNoProgress reports that no normal equation could be solved.
	ErrNoProgress = errors.New("no valid iteration")
	// ErrPanic reports a panic raised by an adapter callback.
	ErrPanic = errors.New("adapter panic")
	// ErrAborted reports a cancellation before any valid iteration.
	ErrAborted = errors.New("optimization aborted")
)

// errInfeasible rejects a whole candidate.
var errInfeasible = errors.New("infeasible observation")

// Status describes the state of an optimization.
type Status int

const (
	// Iterating the optimization is still running.
	Iterating Status = iota
	// ConvergedStep the normalized correction ‖Δ‖/n fell below the step tolerance.
	ConvergedStep
	// ConvergedCost the improvement of an accepted correction fell below the cost tolerance.
	ConvergedCost
	// ExceedMaxIter the number of solve attempts reached the limit.
	ExceedMaxIter
	// ExceedMaxLambda the damping exceeded its ceiling without improvement.
	ExceedMaxLambda
	// Aborted the context was cancelled.
	Aborted
	// InfeasibleStart the adapter rejected the initial model.
	InfeasibleStart
	// NoValidIteration no normal equation could be solved.
	NoValidIteration
	// EvalPanic an adapter callback panicked.
	EvalPanic
)

var statusNames = [...]string{
	Iterating:        "ITERATING",
	ConvergedStep:    "CONVERGENCE: NORM_OF_CORRECTION_<=_STEP_TOL",
	ConvergedCost:    "CONVERGENCE: REDUCTION_OF_COST_<=_COST_TOL",
	ExceedMaxIter:    "STOP: TOTAL NO. of ITERATIONS REACHED LIMIT",
	ExceedMaxLambda:  "STOP: DAMPING EXCEEDS LIMIT",
	Aborted:          "STOP: ABORTED",
	InfeasibleStart:  "ABNORMAL: INITIAL MODEL INFEASIBLE",
	NoValidIteration: "ABNORMAL: NO VALID ITERATION",
	EvalPanic:        "STOP: CALLBACK REQUESTED HALT",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "UNKNOWN"
	}
	return statusNames[s]
}

// Converged reports whether a convergence criterion was met.
func (s Status) Converged() bool {
	return s == ConvergedStep || s == ConvergedCost
}

// Failed reports whether the status is a hard failure.
func (s Status) Failed() bool {
	return s >= InfeasibleStart
}

// LogLevel controls the frequency and type of logger output
type LogLevel int

const (
	// LogNoop no output is generated (level < 0)
	LogNoop LogLevel = -1
	// LogLast print only one record when the optimization stops
	LogLast LogLevel = 0
	// LogEval print also every accepted correction
	LogEval LogLevel = 1
	// LogTrace print details of every solve attempt including rejected corrections
	LogTrace LogLevel = 99
)

// Logger handles logging output for the optimizer.
type Logger struct {
	Level LogLevel
	Log   *slog.Logger // Defaults to slog.Default().
}

func (l *Logger) enable(level LogLevel) bool {
	return l.Level >= level
}
