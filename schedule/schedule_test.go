// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package schedule_test

import (
	"context"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/curioloop/calibration/camera"
	"github.com/curioloop/calibration/levmar"
	"github.com/curioloop/calibration/robust"
	"github.com/curioloop/calibration/schedule"
)

func TestColumns(t *testing.T) {
	for _, c := range []struct {
		strategy camera.Strategy
		policy   schedule.Policy
		stages   []int
	}{
		{camera.IntrinsicDistortions, schedule.Incremental, []int{2, 4, 5, 6, 7, 8}},
		{camera.SymmetricIntrinsicDistortions, schedule.Incremental, []int{1, 3, 4, 5, 6, 7}},
		{camera.FocalLengthsDistortion, schedule.Incremental, []int{2, 3, 4, 5, 6}},
		{camera.IntrinsicParameters, schedule.Incremental, []int{2, 4}},
		{camera.FocalLengths, schedule.Incremental, []int{2}},
		{camera.FocalLength, schedule.Incremental, []int{1}},
		{camera.IntrinsicDistortions, schedule.FocalFirst, []int{2, 8}},
		{camera.SymmetricIntrinsicDistortions, schedule.FocalFirst, []int{1, 7}},
		{camera.FocalLength, schedule.FocalFirst, []int{1}},
		{camera.IntrinsicDistortions, schedule.Joint, []int{8}},
		{camera.IntrinsicRadialDistortion, schedule.Incremental, []int{2, 4, 5, 6}},
		{camera.IntrinsicRadialDistortion, schedule.FocalFirst, []int{2, 6}},
		{camera.Distortion, schedule.Incremental, []int{2, 4}},
		{camera.Distortion, schedule.FocalFirst, []int{4}},
		{camera.InvalidStrategy, schedule.Joint, nil},
		{camera.FocalLength, schedule.InvalidPolicy, nil},
	} {
		stages := schedule.Columns(c.strategy, c.policy)
		assert.Equal(t, c.stages, stages, "%v %v", c.strategy, c.policy)
		if stages != nil {
			assert.NoError(t, schedule.Validate(stages, c.strategy.Parameters()))
		}
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, schedule.Validate([]int{1, 2, 8}, 8))
	assert.Error(t, schedule.Validate(nil, 8))
	assert.Error(t, schedule.Validate([]int{0, 2}, 8))
	assert.Error(t, schedule.Validate([]int{2, 2}, 8))
	assert.Error(t, schedule.Validate([]int{4, 2}, 8))
	assert.Error(t, schedule.Validate([]int{2, 9}, 8))
}

func TestPolicyText(t *testing.T) {
	var cfg struct {
		Policy schedule.Policy `yaml:"policy"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("policy: focal_first\n"), &cfg))
	assert.Equal(t, schedule.FocalFirst, cfg.Policy)

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.Equal(t, "policy: focal_first\n", string(out))

	_, err = schedule.ParsePolicy("greedy")
	assert.Error(t, err)
}

// polyAdapter fits r₀ = a·x + b·x² - y₀ and r₁ = c·x + d - y₁ over one shared model.
type polyAdapter struct {
	xs, y0, y1 []float64
	failAt     int // active column count whose derivatives panic
}

type polyCandidate struct {
	a *polyAdapter
	p []float64
}

func newPoly(truth []float64) *polyAdapter {
	a := &polyAdapter{}
	for i := range 12 {
		x := 0.25 * float64(i+1)
		a.xs = append(a.xs, x)
		a.y0 = append(a.y0, truth[0]*x+truth[1]*x*x)
		a.y1 = append(a.y1, truth[2]*x+truth[3])
	}
	return a
}

func (a *polyAdapter) Groups() []int       { return []int{len(a.xs)} }
func (a *polyAdapter) Second(g, k int) int { return 0 }
func (a *polyAdapter) Accept(*levmar.Model) {}

func (a *polyAdapter) Candidate(m *levmar.Model) (levmar.Candidate, bool) {
	return polyCandidate{a, slices.Clone(m.Shared)}, true
}

func (c polyCandidate) Residual(g, k int, r []float64) bool {
	x := c.a.xs[k]
	r[0] = c.p[0]*x + c.p[1]*x*x - c.a.y0[k]
	r[1] = c.p[2]*x + c.p[3] - c.a.y1[k]
	return true
}

func (c polyCandidate) Jacobian(g, k, active int, block []float64) {
	if active == c.a.failAt {
		panic("unsupported stage")
	}
	x := c.a.xs[k]
	copy(block, []float64{x, x * x, 0, 0, 0, 0, x, 1})
}

func polyProblem(a levmar.Adapter) levmar.Problem {
	return levmar.Problem{
		Layout:       levmar.Layout{Shared: 4},
		Adapter:      a,
		Estimator:    robust.Square,
		Lambda:       0.001,
		LambdaFactor: 5,
		Stop:         levmar.Termination{MaxIterations: 30},
	}
}

func TestRun(t *testing.T) {
	truth := []float64{1.5, -0.5, 2, 0.25}
	a := newPoly(truth)
	init := &levmar.Model{Shared: []float64{1, 0, 1, 0}}

	res, err := schedule.Run(context.Background(), polyProblem(a), []int{2, 4}, init, nil)
	require.NoError(t, err)
	require.True(t, res.OK)

	assert.InDeltaSlice(t, truth, res.Model.Shared, 1e-6)
	assert.Equal(t, res.Costs[0], res.InitialCost)
	assert.Equal(t, res.Costs[len(res.Costs)-1], res.FinalCost)
	assert.Less(t, res.FinalCost, res.InitialCost)
	assert.Equal(t, []float64{1, 0, 1, 0}, init.Shared)
	for i := 1; i < len(res.Costs); i++ {
		assert.LessOrEqual(t, res.Costs[i], res.Costs[i-1])
	}

	// the first stage alone only moves the first two parameters
	first, err := schedule.Run(context.Background(), polyProblem(a), []int{2}, init, nil)
	require.NoError(t, err)
	assert.InDeltaSlice(t, truth[:2], first.Model.Shared[:2], 1e-6)
	assert.Equal(t, []float64{1, 0}, first.Model.Shared[2:])
	assert.Equal(t, first.InitialCost, res.InitialCost)
	assert.Len(t, res.Costs, len(first.Costs)+res.NumAccept-first.NumAccept+1)
}

func TestRunKeepsPreviousStage(t *testing.T) {
	truth := []float64{1.5, -0.5, 2, 0.25}
	a := newPoly(truth)
	a.failAt = 4
	init := &levmar.Model{Shared: []float64{1, 0, 1, 0}}

	res, err := schedule.Run(context.Background(), polyProblem(a), []int{2, 4}, init, nil)
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.InDeltaSlice(t, truth[:2], res.Model.Shared[:2], 1e-6)
	assert.Equal(t, []float64{1, 0}, res.Model.Shared[2:])

	a.failAt = 2
	res, err = schedule.Run(context.Background(), polyProblem(a), []int{2, 4}, init, nil)
	assert.ErrorIs(t, err, levmar.ErrPanic)
	require.NotNil(t, res)
	assert.False(t, res.OK)
	assert.Nil(t, res.Model)
}

func TestRunIllPosed(t *testing.T) {
	a := newPoly([]float64{1, 1, 1, 1})
	a.xs, a.y0, a.y1 = a.xs[:1], a.y0[:1], a.y1[:1]

	// two residuals can not determine four columns
	_, err := schedule.Run(context.Background(), polyProblem(a), []int{4}, &levmar.Model{Shared: make([]float64, 4)}, nil)
	assert.ErrorIs(t, err, levmar.ErrIllPosed)

	_, err = schedule.Run(context.Background(), polyProblem(a), []int{3, 2}, &levmar.Model{Shared: make([]float64, 4)}, nil)
	assert.Error(t, err)
}
