// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package robust

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"gonum.org/v1/gonum/stat"
)

const (
	zero = 0.0
	one  = 1.0
	two  = 2.0

	// Eps is the accuracy used for zero tests.
	Eps = 1e-12
	// WeakEps is the accuracy used for weights and finite steps.
	WeakEps = 1e-6
	// MaxWeight bounds the weight any estimator may assign to a residual.
	MaxWeight = 10 / WeakEps
)

// Estimator is an M-estimator mapping residuals to robust errors.
type Estimator int

const (
	// Invalid is not an estimator.
	Invalid Estimator = iota
	// Square is the least-squares estimator: ρ(𝑥) = 𝑥²/2, w = 1.
	Square
	// Linear is the absolute estimator: ρ(𝑥) = |𝑥|, w = 1/|𝑥|.
	Linear
	// Huber behaves like Square inside σ and like Linear outside.
	Huber
	// Tukey rejects residuals beyond σ entirely.
	Tukey
	// Cauchy is a logarithmic estimator with slowly decaying weights.
	Cauchy
)

var names = [...]string{
	Invalid: "invalid",
	Square:  "square",
	Linear:  "linear",
	Huber:   "huber",
	Tukey:   "tukey",
	Cauchy:  "cauchy",
}

// Estimators returns all valid estimators.
func Estimators() []Estimator {
	return []Estimator{Square, Linear, Huber, Tukey, Cauchy}
}

// Parse translates a readable name into an estimator.
func Parse(name string) (Estimator, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for e, n := range names {
		if e != int(Invalid) && n == name {
			return Estimator(e), nil
		}
	}
	return Invalid, fmt.Errorf("unknown estimator %q", name)
}

func (e Estimator) String() string {
	if e < Invalid || int(e) >= len(names) {
		return names[Invalid]
	}
	return names[e]
}

// MarshalText implements encoding.TextMarshaler.
func (e Estimator) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Estimator) UnmarshalText(text []byte) (err error) {
	*e, err = Parse(string(text))
	return
}

// Valid reports whether e is a known estimator.
func (e Estimator) Valid() bool {
	return e > Invalid && int(e) < len(names)
}

// NeedsSigma reports whether the estimator depends on a standard deviation.
func (e Estimator) NeedsSigma() bool {
	return e == Huber || e == Tukey || e == Cauchy
}

// TuningConstant returns the factor applied to the normalized median deviation.
func (e Estimator) TuningConstant() float64 {
	switch e {
	case Huber:
		return 1.345
	case Tukey:
		return 4.6851
	case Cauchy:
		return 2.3849
	}
	return one
}

// WeightSquare returns the weight of a squared residual given the squared sigma.
func (e Estimator) WeightSquare(sqr, sqrSigma float64) float64 {
	switch e {
	case Square:
		return one
	case Linear:
		if sqr < WeakEps*WeakEps {
			return one / WeakEps
		}
		return one / math.Sqrt(sqr)
	case Huber:
		if sqr <= sqrSigma {
			return one
		}
		return math.Min(math.Sqrt(sqrSigma/sqr), MaxWeight)
	case Tukey:
		if sqr > sqrSigma {
			return zero
		}
		t := one - sqr/sqrSigma
		return math.Min(t*t, MaxWeight)
	case Cauchy:
		return one / (one + sqr/sqrSigma)
	}
	panic("invalid estimator")
}

// Weight returns the weight of a residual given sigma.
func (e Estimator) Weight(value, sigma float64) float64 {
	return e.WeightSquare(value*value, sigma*sigma)
}

// ErrorSquare returns the robust error of a squared residual given the squared sigma.
func (e Estimator) ErrorSquare(sqr, sqrSigma float64) float64 {
	switch e {
	case Square:
		return sqr / two
	case Linear:
		return math.Sqrt(sqr)
	case Huber:
		if sqr <= sqrSigma {
			return sqr / two
		}
		return math.Sqrt(sqr)*math.Sqrt(sqrSigma) - sqrSigma/two
	case Tukey:
		if sqr > sqrSigma {
			return sqrSigma / 6
		}
		t := one - sqr/sqrSigma
		return sqrSigma / 6 * (one - t*t*t)
	case Cauchy:
		return math.Log1p(sqr/sqrSigma) * sqrSigma / two
	}
	panic("invalid estimator")
}

// Error returns the robust error of a residual given sigma.
func (e Estimator) Error(value, sigma float64) float64 {
	return e.ErrorSquare(value*value, sigma*sigma)
}

// SigmaSquare estimates the squared standard deviation of the given squared residuals:
//
//	σ = 𝚖𝚊𝚡(𝚎𝚙𝚜, c × 1.4826 × (1 + 5/(n - p)) × √𝚖𝚎𝚍𝚒𝚊𝚗(𝐫²))
//
// where c is the tuning constant and p the number of model parameters.
// The correction term is applied only when n > p.
// Estimators without sigma return zero.
func (e Estimator) SigmaSquare(sqrErrors []float64, modelParameters int) float64 {
	if !e.NeedsSigma() || len(sqrErrors) == 0 {
		return zero
	}
	sorted := slices.Clone(sqrErrors)
	slices.Sort(sorted)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)

	n := len(sqrErrors)
	correction := one
	if n > modelParameters {
		correction += 5 / float64(n-modelParameters)
	}
	sigma := math.Max(Eps, e.TuningConstant()*1.4826*correction*math.Sqrt(median))
	return sigma * sigma
}

// RobustError returns the mean robust error of the given squared residuals.
func (e Estimator) RobustError(sqrErrors []float64, modelParameters int) float64 {
	if len(sqrErrors) == 0 {
		return zero
	}
	sqrSigma := e.SigmaSquare(sqrErrors, modelParameters)
	var sum float64
	for _, sqr := range sqrErrors {
		sum += e.ErrorSquare(sqr, sqrSigma)
	}
	return sum / float64(len(sqrErrors))
}
