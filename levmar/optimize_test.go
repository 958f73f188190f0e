// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package levmar

import (
	"context"
	"math"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curioloop/calibration/robust"
)

// curveAdapter fits y₀ = a·x + b and y₁ = c·x² + d with one shared model.
type curveAdapter struct {
	xs, y0, y1 []float64
	accepts    int
	reject     bool
	panicAt    int
	split      int // observations per group, all in one group when zero
}

type curveCandidate struct {
	a *curveAdapter
	p []float64
}

func newCurve(n int, truth []float64) *curveAdapter {
	a := &curveAdapter{panicAt: -1}
	for i := range n {
		x := 0.1 * float64(i)
		a.xs = append(a.xs, x)
		a.y0 = append(a.y0, truth[0]*x+truth[1])
		a.y1 = append(a.y1, truth[2]*x*x+truth[3])
	}
	return a
}

func (a *curveAdapter) Second(g, k int) int { return 0 }
func (a *curveAdapter) Accept(*Model)       { a.accepts++ }

func (a *curveAdapter) Groups() []int {
	if a.split == 0 {
		return []int{len(a.xs)}
	}
	groups := make([]int, len(a.xs)/a.split)
	for g := range groups {
		groups[g] = a.split
	}
	return groups
}

func (a *curveAdapter) index(g, k int) int { return g*a.split + k }

func (a *curveAdapter) Candidate(m *Model) (Candidate, bool) {
	if a.reject {
		return nil, false
	}
	return curveCandidate{a, slices.Clone(m.Shared)}, true
}

func (c curveCandidate) Residual(g, k int, r []float64) bool {
	i := c.a.index(g, k)
	if i == c.a.panicAt {
		panic("broken observation")
	}
	x := c.a.xs[i]
	r[0] = c.p[0]*x + c.p[1] - c.a.y0[i]
	r[1] = c.p[2]*x*x + c.p[3] - c.a.y1[i]
	return true
}

func (c curveCandidate) Jacobian(g, k, active int, block []float64) {
	x := c.a.xs[c.a.index(g, k)]
	copy(block, []float64{
		x, 1, 0, 0,
		0, 0, x * x, 1,
	})
}

// blockAdapter couples a shared offset s, individual models (u, v) and second models q:
//
//	r₀ = u + s·t + q·t² - y₀
//	r₁ = v·t + s - y₁
type blockAdapter struct {
	perGroup, seconds int
	y                 [][][2]float64
}

type blockCandidate struct {
	a *blockAdapter
	m *Model
}

func blockTime(g, k int) float64 {
	return 0.1*float64(k+1) + 0.05*float64(g)
}

func blockTruth(groups, seconds int) *Model {
	m := NewModel(Layout{1, 2, 1}, groups, seconds)
	m.Shared[0] = 0.5
	for g, v := range m.Individuals {
		v[0], v[1] = float64(g+1), 2-0.3*float64(g)
	}
	for j, v := range m.Seconds {
		v[0] = 0.2*float64(j) - 0.1
	}
	return m
}

func newBlock(groups, perGroup, seconds int) (*blockAdapter, *Model) {
	a := &blockAdapter{perGroup: perGroup, seconds: seconds}
	truth := blockTruth(groups, seconds)
	c := blockCandidate{a, truth}
	y := make([][][2]float64, groups)
	for g := range y {
		y[g] = make([][2]float64, perGroup)
		for k := range y[g] {
			c.Residual(g, k, y[g][k][:])
		}
	}
	a.y = y
	return a, truth
}

func (a *blockAdapter) Groups() []int {
	groups := make([]int, len(a.y))
	for g := range groups {
		groups[g] = a.perGroup
	}
	return groups
}

func (a *blockAdapter) Second(g, k int) int { return (g + k) % a.seconds }
func (a *blockAdapter) Accept(*Model)       {}

func (a *blockAdapter) Candidate(m *Model) (Candidate, bool) {
	return blockCandidate{a, m.Clone()}, true
}

func (c blockCandidate) Residual(g, k int, r []float64) bool {
	t := blockTime(g, k)
	s, iv, q := c.m.Shared[0], c.m.Individuals[g], c.m.Seconds[c.a.Second(g, k)][0]
	r[0], r[1] = iv[0]+s*t+q*t*t, iv[1]*t+s
	if c.a.y != nil {
		r[0] -= c.a.y[g][k][0]
		r[1] -= c.a.y[g][k][1]
	}
	return true
}

func (c blockCandidate) Jacobian(g, k, active int, block []float64) {
	t := blockTime(g, k)
	copy(block, []float64{
		t, 1, 0, t * t,
		1, 0, t, 0,
	})
}

func perturb(m *Model, d float64) *Model {
	p := m.Clone()
	for i := range p.Shared {
		p.Shared[i] += d
	}
	for _, v := range slices.Concat(p.Individuals, p.Seconds) {
		for i := range v {
			v[i] += d
		}
	}
	return p
}

func fit(t *testing.T, p Problem, m *Model) *Result {
	t.Helper()
	opt, err := p.New(nil)
	require.NoError(t, err)
	return opt.Fit(context.Background(), m, opt.Init())
}

func curveProblem(a Adapter) Problem {
	return Problem{
		Layout:       Layout{Shared: 4},
		Adapter:      a,
		Estimator:    robust.Square,
		Lambda:       0.001,
		LambdaFactor: 5,
		Stop:         Termination{MaxIterations: 50},
	}
}

func TestCurveFit(t *testing.T) {
	truth := []float64{2, -1, 0.5, 3}
	a := newCurve(20, truth)

	init := &Model{Shared: []float64{1, 0, 0, 0}}
	res := fit(t, curveProblem(a), init)

	require.True(t, res.OK, res.Status.String())
	require.NoError(t, res.Err())
	assert.InDeltaSlice(t, truth, res.Model.Shared, 1e-6)
	assert.Less(t, res.FinalCost, 1e-12)
	assert.Equal(t, []float64{1, 0, 0, 0}, init.Shared, "initial model modified")

	assert.Equal(t, res.InitialCost, res.Costs[0])
	assert.Equal(t, res.FinalCost, res.Costs[len(res.Costs)-1])
	assert.Len(t, res.Costs, res.NumAccept+1)
	for i := 1; i < len(res.Costs); i++ {
		assert.Less(t, res.Costs[i], res.Costs[i-1])
	}
	// initial model plus every accepted correction
	assert.Equal(t, res.NumAccept+1, a.accepts)
}

func TestGaussNewton(t *testing.T) {
	truth := []float64{2, -1, 0.5, 3}
	p := curveProblem(newCurve(20, truth))
	p.Lambda = 0

	res := fit(t, p, &Model{Shared: []float64{0, 0, 0, 0}})
	require.True(t, res.OK, res.Status.String())
	assert.InDeltaSlice(t, truth, res.Model.Shared, 1e-8)
	assert.Equal(t, 0.0, res.Lambda)
}

func TestActiveColumns(t *testing.T) {
	truth := []float64{2, -1, 0.5, 3}
	p := curveProblem(newCurve(20, truth))
	p.Active = 2

	res := fit(t, p, &Model{Shared: []float64{0, 0, 0.5, 3}})
	require.True(t, res.OK, res.Status.String())
	assert.InDeltaSlice(t, truth[:2], res.Model.Shared[:2], 1e-6)
	assert.Equal(t, []float64{0.5, 3}, res.Model.Shared[2:])

	res = fit(t, p, &Model{Shared: []float64{0, 0, 1, 1}})
	require.True(t, res.OK, res.Status.String())
	assert.Equal(t, []float64{1, 1}, res.Model.Shared[2:])
}

func TestIdempotence(t *testing.T) {
	truth := []float64{2, -1, 0.5, 3}
	p := curveProblem(newCurve(20, truth))

	first := fit(t, p, &Model{Shared: []float64{1, 1, 1, 1}})
	require.True(t, first.OK)

	second := fit(t, p, first.Model)
	require.True(t, second.OK, second.Status.String())
	assert.LessOrEqual(t, second.FinalCost, second.InitialCost)
	assert.InDeltaSlice(t, first.Model.Shared, second.Model.Shared, 1e-9)
}

func TestRobustOutliers(t *testing.T) {
	truth := []float64{2, -1, 0.5, 3}
	a := newCurve(20, truth)
	a.y0[3] += 50
	a.y0[15] += 50
	init := &Model{Shared: []float64{2.05, -0.95, 0.55, 3.05}}

	p := curveProblem(a)
	square := fit(t, p, init)
	require.True(t, square.OK)

	p.Estimator = robust.Tukey
	tukey := fit(t, p, init)
	require.True(t, tukey.OK, tukey.Status.String())

	assert.InDelta(t, truth[0], tukey.Model.Shared[0], 1e-3)
	assert.InDelta(t, truth[1], tukey.Model.Shared[1], 1e-3)
	assert.Greater(t, math.Abs(square.Model.Shared[1]-truth[1]), 0.1)
}

func TestBlockMatchesDense(t *testing.T) {
	for _, c := range []struct {
		name                      string
		groups, perGroup, seconds int
	}{
		{"eliminate individual", 5, 6, 3},
		{"eliminate second", 2, 12, 5},
	} {
		t.Run(c.name, func(t *testing.T) {
			a, truth := newBlock(c.groups, c.perGroup, c.seconds)
			p := Problem{
				Layout:       Layout{Shared: 1, Individual: 2, Second: 1},
				Seconds:      c.seconds,
				Adapter:      a,
				Estimator:    robust.Square,
				Lambda:       0.001,
				LambdaFactor: 5,
				Stop:         Termination{MaxIterations: 50},
			}
			init := perturb(truth, 0.3)

			p.Solver = Dense
			dense := fit(t, p, init)
			require.True(t, dense.OK, dense.Status.String())

			p.Solver = Block
			block := fit(t, p, init)
			require.True(t, block.OK, block.Status.String())

			approx := cmpopts.EquateApprox(0, 1e-6)
			assert.True(t, cmp.Equal(truth, dense.Model, approx), cmp.Diff(truth, dense.Model, approx))
			assert.True(t, cmp.Equal(truth, block.Model, approx), cmp.Diff(truth, block.Model, approx))
			assert.InDeltaSlice(t, dense.Costs[:2], block.Costs[:2], 1e-9)
		})
	}
}

// lineGroups fits r₀ = u·t + v - y₀ and r₁ = u - v - y₁ independently for every group.
type lineGroups struct {
	y [][][2]float64
}

type lineCandidate struct {
	g *lineGroups
	m *Model
}

func (l *lineGroups) Groups() []int {
	groups := make([]int, len(l.y))
	for g, v := range l.y {
		groups[g] = len(v)
	}
	return groups
}

func (l *lineGroups) Second(g, k int) int { return 0 }
func (l *lineGroups) Accept(*Model)       {}

func (l *lineGroups) Candidate(m *Model) (Candidate, bool) {
	return lineCandidate{l, m.Clone()}, true
}

func (c lineCandidate) Residual(g, k int, r []float64) bool {
	u, v := c.m.Individuals[g][0], c.m.Individuals[g][1]
	r[0] = u*float64(k) + v - c.g.y[g][k][0]
	r[1] = u - v - c.g.y[g][k][1]
	return true
}

func (c lineCandidate) Jacobian(g, k, active int, block []float64) {
	copy(block, []float64{float64(k), 1, 1, -1})
}

func TestIndividualOnly(t *testing.T) {
	truth := NewModel(Layout{Individual: 2}, 6, 0)
	l := &lineGroups{}
	for g, v := range truth.Individuals {
		v[0], v[1] = 0.5*float64(g)-1, float64(g)
		obs := make([][2]float64, 5)
		for k := range obs {
			obs[k] = [2]float64{v[0]*float64(k) + v[1], v[0] - v[1]}
		}
		l.y = append(l.y, obs)
	}

	p := Problem{
		Layout:       Layout{Individual: 2},
		Adapter:      l,
		Estimator:    robust.Square,
		Lambda:       0.001,
		LambdaFactor: 5,
		Solver:       Block,
		Stop:         Termination{MaxIterations: 50},
	}
	res := fit(t, p, NewModel(p.Layout, 6, 0))
	require.True(t, res.OK, res.Status.String())
	for g, v := range truth.Individuals {
		assert.InDeltaSlice(t, v, res.Model.Individuals[g], 1e-6)
	}
}

func TestParallelWorkers(t *testing.T) {
	truth := []float64{2, -1, 0.5, 3}
	p := curveProblem(newCurve(500, truth))
	init := &Model{Shared: []float64{1, 0, 0, 0}}

	serial := fit(t, p, init)
	p.Workers = 4
	parallel := fit(t, p, init)

	require.True(t, parallel.OK)
	assert.Equal(t, serial.NumIter, parallel.NumIter)
	assert.InDeltaSlice(t, serial.Model.Shared, parallel.Model.Shared, 1e-12)
}

func TestInvCovariances(t *testing.T) {
	truth := []float64{2, -1, 0.5, 3}
	a := newCurve(10, truth)
	p := curveProblem(a)
	init := &Model{Shared: []float64{1, 0, 0, 0}}

	plain := fit(t, p, init)
	p.InvCovariances = make([]float64, 4*10)
	for i := 0; i < len(p.InvCovariances); i += 4 {
		p.InvCovariances[i], p.InvCovariances[i+3] = 1, 1
	}
	identity := fit(t, p, init)
	require.True(t, identity.OK)
	assert.InDelta(t, plain.InitialCost, identity.InitialCost, 1e-12)
	assert.InDeltaSlice(t, plain.Model.Shared, identity.Model.Shared, 1e-9)

	p.InvCovariances[4+1] = 3
	_, err := p.New(nil)
	assert.Error(t, err)
}

func TestInfeasibleStart(t *testing.T) {
	a := newCurve(10, []float64{1, 1, 1, 1})
	a.reject = true

	res := fit(t, curveProblem(a), &Model{Shared: []float64{0, 0, 0, 0}})
	assert.False(t, res.OK)
	assert.Nil(t, res.Model)
	assert.Equal(t, InfeasibleStart, res.Status)
	assert.ErrorIs(t, res.Err(), ErrInfeasible)
}

func TestEvalPanic(t *testing.T) {
	a := newCurve(10, []float64{1, 1, 1, 1})
	a.panicAt = 7

	var res *Result
	assert.NotPanics(t, func() {
		res = fit(t, curveProblem(a), &Model{Shared: []float64{0, 0, 0, 0}})
	})
	assert.False(t, res.OK)
	assert.Equal(t, EvalPanic, res.Status)
	assert.ErrorIs(t, res.Err(), ErrPanic)
}

func TestAborted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := curveProblem(newCurve(10, []float64{1, 1, 1, 1}))
	opt, err := p.New(nil)
	require.NoError(t, err)
	res := opt.Fit(ctx, &Model{Shared: []float64{0, 0, 0, 0}}, opt.Init())
	assert.False(t, res.OK)
	assert.Equal(t, Aborted, res.Status)
	assert.ErrorIs(t, res.Err(), ErrAborted)
}

func TestIllPosed(t *testing.T) {
	// four parameters need at least two observations
	p := curveProblem(newCurve(1, []float64{1, 1, 1, 1}))
	_, err := p.New(nil)
	assert.ErrorIs(t, err, ErrIllPosed)

	p = curveProblem(newCurve(0, nil))
	_, err = p.New(nil)
	assert.ErrorIs(t, err, ErrIllPosed)

	a, _ := newBlock(3, 4, 2)
	a.perGroup = 0
	p = Problem{
		Layout:       Layout{Shared: 1, Individual: 2, Second: 1},
		Seconds:      2,
		Adapter:      a,
		Estimator:    robust.Square,
		LambdaFactor: 5,
		Stop:         Termination{MaxIterations: 10},
	}
	_, err = p.New(nil)
	assert.ErrorIs(t, err, ErrIllPosed)
}

func TestCheck(t *testing.T) {
	a := newCurve(10, []float64{1, 1, 1, 1})
	for _, p := range []Problem{
		{Layout: Layout{Shared: 4}, Estimator: robust.Square, LambdaFactor: 5, Stop: Termination{MaxIterations: 1}},
		{Layout: Layout{Shared: 4}, Adapter: a, LambdaFactor: 5, Stop: Termination{MaxIterations: 1}},
		{Layout: Layout{Shared: 4}, Adapter: a, Estimator: robust.Square, LambdaFactor: 0.5, Stop: Termination{MaxIterations: 1}},
		{Layout: Layout{Shared: 4}, Adapter: a, Estimator: robust.Square, Lambda: -1, LambdaFactor: 5, Stop: Termination{MaxIterations: 1}},
		{Layout: Layout{Shared: 4}, Adapter: a, Estimator: robust.Square, LambdaFactor: 5},
		{Layout: Layout{Shared: 4}, Adapter: a, Estimator: robust.Square, LambdaFactor: 5, Active: 5, Stop: Termination{MaxIterations: 1}},
		{Layout: Layout{Shared: 4, Second: 1}, Seconds: 1, Adapter: a, Estimator: robust.Square, LambdaFactor: 5, Stop: Termination{MaxIterations: 1}},
		{Layout: Layout{Shared: 4}, Adapter: a, Estimator: robust.Square, LambdaFactor: 5, Solver: SolverMode(9), Stop: Termination{MaxIterations: 1}},
	} {
		_, err := p.New(nil)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrIllPosed)
	}
}

func TestSharedOnlyGroups(t *testing.T) {
	truth := []float64{2, -1, 0.5, 3}
	a := newCurve(20, truth)
	a.split = 5

	p := curveProblem(a)
	opt, err := p.New(nil)
	require.NoError(t, err)

	init := &Model{Shared: []float64{0, 0, 0, 0}}
	var res *Result
	require.NotPanics(t, func() {
		res = opt.Fit(context.Background(), init, opt.Init())
	})
	require.True(t, res.OK, res.Status.String())
	assert.InDeltaSlice(t, truth, res.Model.Shared, 1e-6)
	for _, v := range res.Model.Individuals {
		assert.Empty(t, v)
	}

	// the returned model, which carries empty individual slots, can be refined again
	again := opt.Fit(context.Background(), res.Model, opt.Init())
	require.True(t, again.OK, again.Status.String())
	assert.InDeltaSlice(t, truth, again.Model.Shared, 1e-6)
}

func TestDimensionMismatch(t *testing.T) {
	p := curveProblem(newCurve(10, []float64{1, 1, 1, 1}))
	opt, err := p.New(nil)
	require.NoError(t, err)
	assert.Panics(t, func() {
		opt.Fit(context.Background(), &Model{Shared: []float64{0, 0}}, opt.Init())
	})
}
