// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package levmar

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"

	pkgerrors "github.com/pkg/errors"

	"github.com/curioloop/calibration/robust"
)

// Layout describes the parameter widths of a problem with one shared model,
// one individual model per observation group and optionally a second set of
// individual models referenced by single observations.
type Layout struct {
	Shared     int // Width S of the shared model.
	Individual int // Width I of every individual model.
	Second     int // Width I₂ of every second individual model, zero when unused.
}

// Width returns the number of columns of one observation block.
func (l Layout) Width() int {
	return l.Shared + l.Individual + l.Second
}

// Model holds the internal representation of all parameters.
type Model struct {
	Shared      []float64
	Individuals [][]float64
	Seconds     [][]float64
}

// NewModel allocates a zero model for the given layout and model counts.
func NewModel(layout Layout, individuals, seconds int) *Model {
	m := &Model{
		Shared:      make([]float64, layout.Shared),
		Individuals: make([][]float64, individuals),
		Seconds:     make([][]float64, seconds),
	}
	buf := make([]float64, individuals*layout.Individual+seconds*layout.Second)
	for i := range m.Individuals {
		m.Individuals[i], buf = buf[:layout.Individual:layout.Individual], buf[layout.Individual:]
	}
	for i := range m.Seconds {
		m.Seconds[i], buf = buf[:layout.Second:layout.Second], buf[layout.Second:]
	}
	return m
}

// Clone returns a deep copy of the model.
func (m *Model) Clone() *Model {
	width := func(s [][]float64) int {
		if len(s) == 0 {
			return 0
		}
		return len(s[0])
	}
	c := NewModel(Layout{len(m.Shared), width(m.Individuals), width(m.Seconds)}, len(m.Individuals), len(m.Seconds))
	c.copyFrom(m)
	return c
}

func (m *Model) copyFrom(src *Model) {
	copy(m.Shared, src.Shared)
	for i, v := range src.Individuals {
		copy(m.Individuals[i], v)
	}
	for i, v := range src.Seconds {
		copy(m.Seconds[i], v)
	}
}

// Adapter connects a concrete problem to the optimizer.
// Apart from Candidate.Residual and Candidate.Jacobian, which may run on several
// goroutines when Problem.Workers > 1, all methods are called sequentially.
type Adapter interface {
	// Groups returns the number of observations of every individual model.
	Groups() []int
	// Second returns the second individual model referenced by observation k of group g.
	// It is only called when the layout has second individual models.
	Second(g, k int) int
	// Candidate converts an internal model into its external representation.
	// It returns false when the model is implausible.
	// The candidate must not retain m, which is reused by the optimizer.
	Candidate(m *Model) (Candidate, bool)
	// Accept is called with the initial model and every accepted model
	// so that cached derived quantities can be refreshed.
	Accept(m *Model)
}

// Candidate evaluates the observations for one external model.
type Candidate interface {
	// Residual writes the 2-D error of observation k in group g into r.
	// It returns false when the observation is geometrically infeasible,
	// which rejects the whole candidate.
	Residual(g, k int, r []float64) bool
	// Jacobian writes the row-major 2×(S+I+I₂) derivative block of the residual
	// with respect to the internal shared, individual and second individual parameters.
	// Shared columns at or beyond active are ignored and may be left untouched.
	Jacobian(g, k, active int, block []float64)
}

// SolverMode selects the representation of the normal equations.
type SolverMode int

const (
	// Auto solves densely when the column count is small, blockwise otherwise.
	Auto SolverMode = iota
	// Dense always solves the full normal equations.
	Dense
	// Block keeps the shared columns dense and the individual columns block-diagonal,
	// eliminating the larger individual model set by Schur complement.
	Block
)

// Termination specifies the stopping criteria for the optimization algorithm.
type Termination struct {
	// The iteration stop when the number of solve attempts exceeds limit.
	MaxIterations int
	// The iteration stop when the correction satisfied:
	//   ‖Δ‖ / 𝚕𝚎𝚗(Δ) ≤ 𝚜𝚝𝚎𝚙𝚝𝚘𝚕
	// Defaults to 1e-8 when zero.
	StepTolerance float64
	// The iteration stop when an accepted correction satisfied:
	//   fₖ - fₖ₊₁ ≤ 𝚛𝚎𝚕𝚝𝚘𝚕 × fₖ
	// Disabled when zero.
	RelTolerance float64
	// The iteration stop when an accepted correction satisfied:
	//   fₖ - fₖ₊₁ ≤ 𝚊𝚋𝚜𝚝𝚘𝚕
	// Disabled when zero.
	AbsTolerance float64
	// The iteration stop when the damping exceeds limit after a failed attempt.
	// Defaults to 1e8 when zero.
	MaxLambda float64
}

// Problem specifies the problem for Levenberg-Marquardt optimizer.
type Problem struct {
	Layout    Layout           // Parameter widths
	Seconds   int              // Number of second individual models
	Active    int              // Number of leading shared parameters to optimize, all when zero
	Adapter   Adapter          // Problem specific transforms and derivatives
	Estimator robust.Estimator // Robust estimator of the residuals
	// Initial damping λ₀, zero selects Gauss-Newton.
	Lambda float64
	// Multiplicative damping step, must not less than 1.
	LambdaFactor float64
	// Optional row-major 2×2 inverse covariance of every observation in group order.
	InvCovariances []float64
	Solver         SolverMode  // Normal equation representation
	Workers        int         // Goroutines assembling residuals and derivatives, one when zero
	Stop           Termination // Stop condition
}

// observation addresses one residual.
type observation struct {
	group, index, second int
}

// iterSpec is the validated problem shared by all workspaces.
type iterSpec struct {
	layout  Layout
	active  int
	groups  []int
	obs     []observation
	seconds int
	cols    int
	dense   bool
	elimA   bool // eliminate individual models, otherwise second individual models
	workers int

	lambda, factor float64
	stop           Termination

	adapter Adapter
	loss    robust.Loss
	logger  Logger
}

// New creates a new Levenberg-Marquardt optimizer for given problem.
func (p *Problem) New(logger *Logger) (optimizer *Optimizer, err error) {

	if logger == nil {
		logger = new(Logger)
		logger.Level = LogNoop
	}
	log := *logger
	if log.Log == nil {
		log.Log = slog.Default()
	}

	layout, stop, active := p.Layout, p.Stop, p.Active
	if active == 0 {
		active = layout.Shared
	}
	if stop.StepTolerance == zero {
		stop.StepTolerance = defaultStepTolerance
	}
	if stop.MaxLambda == zero {
		stop.MaxLambda = defaultMaxLambda
	}

	switch {
	case p.Adapter == nil:
		err = errors.New("adapter is required")
	case layout.Shared < 0 || layout.Individual < 0 || layout.Second < 0:
		err = errors.New("layout widths must not less than 0")
	case layout.Width() == 0:
		err = errors.New("layout must have parameters")
	case active < 0 || active > layout.Shared:
		err = errors.New("active shared parameters out of range")
	case layout.Second > 0 && layout.Individual == 0:
		err = errors.New("second models require individual models")
	case layout.Second > 0 && p.Seconds <= 0:
		err = errors.New("second model number must greater than 0")
	case !p.Estimator.Valid():
		err = errors.New("unknown robust estimator")
	case p.Lambda < zero || math.IsNaN(p.Lambda):
		err = errors.New("damping must not less than 0")
	case !(p.LambdaFactor >= one):
		err = errors.New("damping factor must not less than 1")
	case p.Workers < 0:
		err = errors.New("worker number must not less than 0")
	case stop.MaxIterations <= 0:
		err = errors.New("max iteration must greater than 0")
	case stop.StepTolerance < zero || stop.RelTolerance < zero || stop.AbsTolerance < zero:
		err = errors.New("tolerance must not less than 0")
	case stop.MaxLambda < zero:
		err = errors.New("max damping must not less than 0")
	case p.Solver < Auto || p.Solver > Block:
		err = errors.New("unknown solver mode")
	}
	if err != nil {
		return
	}

	groups := slices.Clone(p.Adapter.Groups())
	if len(groups) == 0 {
		return nil, pkgerrors.Wrap(ErrIllPosed, "no observation groups")
	}

	n := 0
	for g, size := range groups {
		if size <= 0 {
			return nil, pkgerrors.Wrapf(ErrIllPosed, "observation group %d is empty", g)
		}
		n += size
	}

	seconds := 0
	if layout.Second > 0 {
		seconds = p.Seconds
	}
	cols := active + layout.Individual*len(groups) + layout.Second*seconds
	if residualDim*n < cols {
		return nil, pkgerrors.Wrapf(ErrIllPosed, "%d residuals for %d free parameters", residualDim*n, cols)
	}

	if p.InvCovariances != nil && len(p.InvCovariances) != residualDim*residualDim*n {
		return nil, errors.New("inverse covariance size must equal to 4 × observations")
	}
	for i := 0; i < len(p.InvCovariances); i += 4 {
		c := p.InvCovariances[i : i+4]
		b := (c[1] + c[2]) / 2
		if !(c[0] > zero && c[0]*c[3]-b*b > zero) {
			return nil, pkgerrors.Errorf("inverse covariance %d is not positive definite", i/4)
		}
	}

	obs := make([]observation, 0, n)
	for g, size := range groups {
		for k := range size {
			ob := observation{group: g, index: k, second: -1}
			if layout.Second > 0 {
				ob.second = p.Adapter.Second(g, k)
				if ob.second < 0 || ob.second >= seconds {
					return nil, pkgerrors.Errorf("observation %d of group %d references invalid model %d", k, g, ob.second)
				}
			}
			obs = append(obs, ob)
		}
	}

	dense := false
	switch p.Solver {
	case Dense:
		dense = true
	case Auto:
		dense = cols <= denseColumnLimit
	}
	if layout.Individual == 0 {
		dense = true
	}

	optimizer = &Optimizer{
		iterSpec{
			layout:  layout,
			active:  active,
			groups:  groups,
			obs:     obs,
			seconds: seconds,
			cols:    cols,
			dense:   dense,
			elimA:   layout.Individual > 0 && (layout.Second == 0 || len(groups) >= seconds),
			workers: max(p.Workers, 1),
			lambda:  p.Lambda,
			factor:  p.LambdaFactor,
			stop:    stop,
			adapter: p.Adapter,
			loss: robust.Loss{
				Estimator:       p.Estimator,
				Dimension:       residualDim,
				ModelParameters: cols,
				InvCovariances:  slices.Clone(p.InvCovariances),
			},
			logger: log,
		},
	}
	return
}

// Optimizer implemented using the Levenberg-Marquardt algorithm.
type Optimizer struct {
	iterSpec
}

// Workspace contains the state and context of the optimization process.
// Given n observations, block width w and c free parameters,
// total work space is approximately float64[2×n×w + 8×n + c²] in dense mode.
type Workspace struct {
	n, cols int

	accepted, candidate *Model
	residuals, candRes  []float64
	eval, candEval      robust.Evaluation

	blocks []float64 // per observation 2×w derivative blocks
	wres   []float64 // whitened residuals
	delta  []float64
	system normalSystem
}

// Result contains the final result of the optimization process.
type Result struct {
	OK          bool      // Whether the returned model can be trusted.
	Model       *Model    // Final model, nil when failed.
	InitialCost float64   // Robust cost of the initial model.
	FinalCost   float64   // Robust cost of the final model.
	Costs       []float64 // Initial cost followed by the cost of every accepted correction.
	Summary               // Optimization summary.
}

// Summary contains a summary of the optimization process.
type Summary struct {
	Status    Status  // Final status after optimization.
	NumIter   int     // Number of solve attempts performed.
	NumAccept int     // Number of accepted corrections.
	Lambda    float64 // Final damping.
}

// Err returns nil for successful results, otherwise the sentinel error of the failure.
func (r *Result) Err() error {
	if r.OK {
		return nil
	}
	switch r.Status {
	case InfeasibleStart:
		return ErrInfeasible
	case EvalPanic:
		return ErrPanic
	case Aborted:
		return ErrAborted
	}
	return ErrNoProgress
}

// Observations returns the number of observations.
func (o *Optimizer) Observations() int {
	return len(o.obs)
}

// Columns returns the number of free parameters.
func (o *Optimizer) Columns() int {
	return o.cols
}

// Init allocate the workspace for Levenberg-Marquardt optimizer.
// To avoid race conditions, separate workspaces need to be created for each goroutine.
// But multiple workspaces could share one optimizer.
func (o *Optimizer) Init() *Workspace {
	n := len(o.obs)
	w := &Workspace{
		n: n, cols: o.cols,
		accepted:  NewModel(o.layout, len(o.groups), o.seconds),
		candidate: NewModel(o.layout, len(o.groups), o.seconds),
		residuals: make([]float64, residualDim*n),
		candRes:   make([]float64, residualDim*n),
		blocks:    make([]float64, residualDim*n*o.layout.Width()),
		wres:      make([]float64, residualDim*n),
		delta:     make([]float64, o.cols),
	}
	if o.dense {
		w.system = newDenseSystem(&o.iterSpec)
	} else {
		w.system = newBlockSystem(&o.iterSpec)
	}
	return w
}

// Fit runs the optimization process from the initial model m using workspace w.
// The model m is never modified, the result holds a copy.
func (o *Optimizer) Fit(ctx context.Context, m *Model, w *Workspace) *Result {

	// models without individual parameters may omit the empty individual slots
	individuals := len(m.Individuals) == len(o.groups) || (o.layout.Individual == 0 && len(m.Individuals) == 0)
	if len(m.Shared) != o.layout.Shared || !individuals || len(m.Seconds) != o.seconds {
		panic("initial model dimension not match problem")
	}
	for _, v := range m.Individuals {
		if len(v) != o.layout.Individual {
			panic("initial model dimension not match problem")
		}
	}
	for _, v := range m.Seconds {
		if len(v) != o.layout.Second {
			panic("initial model dimension not match problem")
		}
	}
	if w.n != len(o.obs) || w.cols != o.cols {
		panic("workspace dimension not match problem")
	}

	if ctx == nil {
		ctx = context.Background()
	}
	w.accepted.copyFrom(m)
	driver := iterDriver{
		optimizer: o,
		workspace: w,
		ctx:       ctx,
		lambda:    o.lambda,
	}

	status := driver.mainLoop()
	if !status.Failed() && !driver.valid && status != Aborted {
		status = NoValidIteration
	}

	res := &Result{
		Summary: Summary{
			Status:    status,
			NumIter:   driver.iter,
			NumAccept: driver.accepts,
			Lambda:    driver.lambda,
		},
	}
	if !status.Failed() && driver.valid {
		res.OK = true
		res.Model = w.accepted.Clone()
		res.InitialCost = driver.costs[0]
		res.FinalCost = driver.cost
		res.Costs = driver.costs
	}

	driver.printSummary(res)
	return res
}
