// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package robust

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Loss maps stacked residual vectors to robust weights and a scalar cost.
type Loss struct {
	Estimator Estimator
	// Dimension of one residual vector, 2 for image points when zero.
	Dimension int
	// Number of model parameters used to correct the sigma estimation.
	ModelParameters int
	// Optional row-major inverse covariance of each residual vector (Dimension² values each).
	// The squared error becomes the Mahalanobis distance 𝐫ᵀ𝐂⁻¹𝐫.
	InvCovariances []float64
}

// Evaluation holds the per-residual outcome of Loss.Evaluate.
// Its buffers are reused across calls.
type Evaluation struct {
	SqrErrors []float64 // Squared magnitude of every residual vector.
	Weights   []float64 // Robust weight of every residual component, nil for Square.
	Weighted  []float64 // Residual components multiplied by their weights.
	Cost      float64   // Mean robust cost.

	weights, weighted []float64
}

func (l *Loss) dimension() int {
	if l.Dimension <= 0 {
		return 2
	}
	return l.Dimension
}

// Evaluate computes squared errors, weights and the mean cost of residuals,
// which stacks one vector of Dimension components per observation.
//
// Square estimators take a fast path that neither allocates nor fills Weights,
// the weighted residuals then alias the residuals.
// All other estimators clamp weights to at least WeakEps.
func (l *Loss) Evaluate(residuals []float64, ev *Evaluation) float64 {
	d := l.dimension()
	if len(residuals)%d != 0 {
		panic("residual dimension mismatch")
	}
	n := len(residuals) / d
	if l.InvCovariances != nil && len(l.InvCovariances) != n*d*d {
		panic("covariance dimension mismatch")
	}
	if !l.Estimator.Valid() {
		panic("invalid estimator")
	}

	if cap(ev.SqrErrors) < n {
		ev.SqrErrors = make([]float64, n)
	}
	ev.SqrErrors = ev.SqrErrors[:n]
	for i := range n {
		ev.SqrErrors[i] = l.sqrError(residuals[i*d:(i+1)*d], i)
	}

	if n == 0 {
		ev.Weights, ev.Weighted, ev.Cost = nil, residuals, zero
		return zero
	}

	if l.Estimator == Square {
		ev.Weights = nil
		ev.Weighted = residuals
		ev.Cost = floats.Sum(ev.SqrErrors) / float64(n)
		return ev.Cost
	}

	if len(ev.weights) < n*d {
		ev.weights = make([]float64, n*d)
		ev.weighted = make([]float64, n*d)
	}
	ev.Weights = ev.weights[:n*d]
	ev.Weighted = ev.weighted[:n*d]

	sqrSigma := l.Estimator.SigmaSquare(ev.SqrErrors, l.ModelParameters)
	var cost float64
	for i, sqr := range ev.SqrErrors {
		w := math.Max(WeakEps, l.Estimator.WeightSquare(sqr, sqrSigma))
		cost += sqr * w
		for k := i * d; k < (i+1)*d; k++ {
			ev.Weights[k] = w
			ev.Weighted[k] = residuals[k] * w
		}
	}
	ev.Cost = cost / float64(n)
	return ev.Cost
}

func (l *Loss) sqrError(r []float64, i int) float64 {
	if l.InvCovariances == nil {
		return floats.Dot(r, r)
	}
	d := len(r)
	c := l.InvCovariances[i*d*d : (i+1)*d*d]
	var sqr float64
	for a := range d {
		var t float64
		for b := range d {
			t += c[a*d+b] * r[b]
		}
		sqr += r[a] * t
	}
	return sqr
}
