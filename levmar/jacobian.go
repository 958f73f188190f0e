// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package levmar

import (
	"math"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/curioloop/calibration/robust"
)

// guard converts a panic raised by f into ErrPanic.
func guard(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = pkgerrors.Wrapf(ErrPanic, "%v", r)
		}
	}()
	return f()
}

// parallel splits the observations into chunks of at least minChunk
// and runs task on up to workers goroutines.
// The first error returned by any chunk is reported.
func (s *iterSpec) parallel(task func(lo, hi int) error) error {
	n := len(s.obs)
	chunk := max(minChunk, (n+s.workers-1)/s.workers)
	if s.workers == 1 || n <= chunk {
		return guard(func() error { return task(0, n) })
	}
	var g errgroup.Group
	g.SetLimit(s.workers)
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		g.Go(func() error {
			return guard(func() error { return task(lo, hi) })
		})
	}
	return g.Wait()
}

// evalResiduals writes the residual of every observation into res.
func (s *iterSpec) evalResiduals(cand Candidate, res []float64) error {
	return s.parallel(func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			ob := s.obs[i]
			r := res[i*residualDim : (i+1)*residualDim]
			if !cand.Residual(ob.group, ob.index, r) {
				return errInfeasible
			}
			if math.IsNaN(r[0]) || math.IsNaN(r[1]) || math.IsInf(r[0], 0) || math.IsInf(r[1], 0) {
				return errInfeasible
			}
		}
		return nil
	})
}

// evalJacobians writes the whitened derivative block of every observation into blocks
// and the matching whitened residuals into wres.
func (s *iterSpec) evalJacobians(cand Candidate, ev *robust.Evaluation, res, blocks, wres []float64) error {
	width := residualDim * s.layout.Width()
	return s.parallel(func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			ob := s.obs[i]
			block := blocks[i*width : (i+1)*width]
			clear(block)
			cand.Jacobian(ob.group, ob.index, s.active, block)
			s.whiten(i, ev, block, res[i*residualDim:(i+1)*residualDim], wres[i*residualDim:(i+1)*residualDim])
		}
		return nil
	})
}

// whiten scales the derivative block and residual of observation i by Lᵀ,
// where L is the Cholesky factor of the information matrix Ω = w × C⁻¹,
// so that the normal equations reduce to plain outer products.
func (s *iterSpec) whiten(i int, ev *robust.Evaluation, block, r, wr []float64) {
	w := one
	if ev.Weights != nil {
		w = ev.Weights[i*residualDim]
	}
	cols := s.layout.Width()
	row0, row1 := block[:cols], block[cols:]

	cov := s.loss.InvCovariances
	if cov == nil {
		sw := math.Sqrt(w)
		for j := range row0 {
			row0[j] *= sw
			row1[j] *= sw
		}
		wr[0], wr[1] = r[0]*sw, r[1]*sw
		return
	}

	c := cov[i*4 : i*4+4]
	a, b, d := w*c[0], w*(c[1]+c[2])/2, w*c[3]
	l00 := math.Sqrt(a)
	l10 := b / l00
	l11 := math.Sqrt(d - l10*l10)
	for j := range row0 {
		row0[j] = l00*row0[j] + l10*row1[j]
		row1[j] *= l11
	}
	wr[0], wr[1] = l00*r[0]+l10*r[1], l11*r[1]
}
