// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package levmar

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// normalSystem accumulates the normal equations 𝐇 = 𝐉̃ᵀ𝐉̃, 𝐠 = 𝐉̃ᵀ𝐫̃ of the whitened
// derivatives and solves the damped system (𝐇 + λ diag(𝐇)) Δ = 𝐠.
//
// The correction Δ is written in canonical column order:
// active shared parameters, then every individual model, then every second individual model.
type normalSystem interface {
	build(blocks, wres []float64)
	solve(lambda float64, delta []float64) bool
}

// column returns the canonical column of block column j of an observation, -1 when inactive.
func (s *iterSpec) column(ob observation, j int) int {
	sh, in := s.layout.Shared, s.layout.Individual
	switch {
	case j < sh:
		if j < s.active {
			return j
		}
		return -1
	case j < sh+in:
		return s.active + ob.group*in + j - sh
	default:
		return s.active + len(s.groups)*in + ob.second*s.layout.Second + j - sh - in
	}
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// denseSystem keeps the full Jacobian and Hessian approximation.
type denseSystem struct {
	spec *iterSpec
	jac  *mat.Dense
	hess *mat.SymDense
	damp *mat.SymDense
	grad *mat.VecDense
	chol mat.Cholesky
}

func newDenseSystem(s *iterSpec) *denseSystem {
	rows, cols := residualDim*len(s.obs), s.cols
	return &denseSystem{
		spec: s,
		jac:  mat.NewDense(rows, cols, nil),
		hess: mat.NewSymDense(cols, nil),
		damp: mat.NewSymDense(cols, nil),
		grad: mat.NewVecDense(cols, nil),
	}
}

func (d *denseSystem) build(blocks, wres []float64) {
	s := d.spec
	width := s.layout.Width()
	d.jac.Zero()
	for i, ob := range s.obs {
		block := blocks[i*residualDim*width : (i+1)*residualDim*width]
		for r := range residualDim {
			row := i*residualDim + r
			for j, v := range block[r*width : (r+1)*width] {
				if c := s.column(ob, j); c >= 0 {
					d.jac.Set(row, c, v)
				}
			}
		}
	}
	d.hess.SymOuterK(one, d.jac.T())
	d.grad.MulVec(d.jac.T(), mat.NewVecDense(len(wres), wres))
}

func (d *denseSystem) solve(lambda float64, delta []float64) bool {
	d.damp.CopySym(d.hess)
	if lambda > zero {
		for i := range d.damp.SymmetricDim() {
			d.damp.SetSym(i, i, d.hess.At(i, i)*(one+lambda))
		}
	}
	if !d.chol.Factorize(d.damp) {
		return false
	}
	if err := d.chol.SolveVecTo(mat.NewVecDense(len(delta), delta), d.grad); err != nil {
		return false
	}
	return finite(delta)
}

// blockSystem keeps the shared columns and the kept model set in a dense system 𝐃,
// and the eliminated model set 𝐄 as independent diagonal blocks.
// The eliminated set is removed by the Schur complement
//
//	(𝐇_DD - 𝐇_DE 𝐇_EE⁻¹ 𝐇_ED) Δ_D = 𝐠_D - 𝐇_DE 𝐇_EE⁻¹ 𝐠_E
//	Δ_E = 𝐇_EE⁻¹ (𝐠_E - 𝐇_ED Δ_D)
//
// with 𝐇_DE made of the shared coupling and the (e, k) pair blocks actually observed.
type blockSystem struct {
	spec *iterSpec

	eCount, eW int // eliminated models
	kCount, kW int // kept models
	dim        int // active shared columns + kept model columns

	// per observation model indices and pair index
	obsE, obsK, obsPair []int
	// per eliminated model, the pair blocks coupling it with kept models
	ePairs [][]pairRef

	hDD, gD []float64 // dim×dim, dim
	hEE, gE []float64 // eCount×eW×eW, eCount×eW
	hSE     []float64 // eCount×active×eW
	hKE     []float64 // pairs×kW×eW

	vinv    []*mat.SymDense
	v       *mat.SymDense
	reduced *mat.Dense
	rhs, xD []float64
	chol    mat.Cholesky
	y, z    mat.Dense
	tv      mat.VecDense
}

type pairRef struct {
	kept, index int
}

// segment is one non-zero row block of 𝐇_DE for a single eliminated model.
type segment struct {
	off int
	m   *mat.Dense
}

func newBlockSystem(s *iterSpec) *blockSystem {
	b := &blockSystem{spec: s}
	if s.elimA {
		b.eCount, b.eW = len(s.groups), s.layout.Individual
		b.kCount, b.kW = s.seconds, s.layout.Second
	} else {
		b.eCount, b.eW = s.seconds, s.layout.Second
		b.kCount, b.kW = len(s.groups), s.layout.Individual
	}
	b.dim = s.active + b.kCount*b.kW

	n := len(s.obs)
	b.obsE, b.obsK, b.obsPair = make([]int, n), make([]int, n), make([]int, n)
	b.ePairs = make([][]pairRef, b.eCount)
	pairs := make(map[[2]int]int)
	for i, ob := range s.obs {
		e, k := ob.group, ob.second
		if !s.elimA {
			e, k = k, e
		}
		b.obsE[i], b.obsK[i], b.obsPair[i] = e, k, -1
		if b.kW == 0 {
			continue
		}
		p, ok := pairs[[2]int{e, k}]
		if !ok {
			p = len(pairs)
			pairs[[2]int{e, k}] = p
			b.ePairs[e] = append(b.ePairs[e], pairRef{kept: k, index: p})
		}
		b.obsPair[i] = p
	}

	b.hDD, b.gD = make([]float64, b.dim*b.dim), make([]float64, b.dim)
	b.hEE, b.gE = make([]float64, b.eCount*b.eW*b.eW), make([]float64, b.eCount*b.eW)
	b.hSE = make([]float64, b.eCount*s.active*b.eW)
	b.hKE = make([]float64, len(pairs)*b.kW*b.eW)

	b.vinv = make([]*mat.SymDense, b.eCount)
	for e := range b.vinv {
		b.vinv[e] = mat.NewSymDense(b.eW, nil)
	}
	b.v = mat.NewSymDense(b.eW, nil)
	if b.dim > 0 {
		b.reduced = mat.NewDense(b.dim, b.dim, nil)
	}
	b.rhs, b.xD = make([]float64, b.dim), make([]float64, b.dim)
	return b
}

func (b *blockSystem) build(blocks, wres []float64) {
	s := b.spec
	width := s.layout.Width()
	sh, in := s.layout.Shared, s.layout.Individual
	dim, eW, kW, active := b.dim, b.eW, b.kW, s.active

	clear(b.hDD)
	clear(b.gD)
	clear(b.hEE)
	clear(b.gE)
	clear(b.hSE)
	clear(b.hKE)

	// dIdx is the row of 𝐃, eIdx the local column of the eliminated model,
	// sIdx the shared column and kIdx the local column of the kept model.
	dIdx, eIdx := make([]int, width), make([]int, width)
	sIdx, kIdx := make([]int, width), make([]int, width)

	for i := range s.obs {
		e, k, p := b.obsE[i], b.obsK[i], b.obsPair[i]
		for j := range width {
			dIdx[j], eIdx[j], sIdx[j], kIdx[j] = -1, -1, -1, -1
			var local int
			var individual bool
			switch {
			case j < sh:
				if j < active {
					dIdx[j], sIdx[j] = j, j
				}
				continue
			case j < sh+in:
				local, individual = j-sh, true
			default:
				local = j - sh - in
			}
			if individual == s.elimA {
				eIdx[j] = local
			} else {
				dIdx[j], kIdx[j] = active+k*kW+local, local
			}
		}

		hEE := b.hEE[e*eW*eW : (e+1)*eW*eW]
		gE := b.gE[e*eW : (e+1)*eW]
		hSE := b.hSE[e*active*eW : (e+1)*active*eW]
		var hKE []float64
		if p >= 0 {
			hKE = b.hKE[p*kW*eW : (p+1)*kW*eW]
		}

		block := blocks[i*residualDim*width : (i+1)*residualDim*width]
		for r := range residualDim {
			row, v := block[r*width:(r+1)*width], wres[i*residualDim+r]
			for a, ja := range row {
				if ja == 0 {
					continue
				}
				if da := dIdx[a]; da >= 0 {
					b.gD[da] += ja * v
					for c, jc := range row {
						if dc := dIdx[c]; dc >= 0 {
							b.hDD[da*dim+dc] += ja * jc
						}
					}
				}
				ea := eIdx[a]
				if ea < 0 {
					continue
				}
				gE[ea] += ja * v
				for c, jc := range row {
					switch {
					case eIdx[c] >= 0:
						hEE[ea*eW+eIdx[c]] += ja * jc
					case sIdx[c] >= 0:
						hSE[sIdx[c]*eW+ea] += ja * jc
					case kIdx[c] >= 0:
						hKE[kIdx[c]*eW+ea] += ja * jc
					}
				}
			}
		}
	}
}

func (b *blockSystem) segments(e int, segs []segment) []segment {
	active, eW, kW := b.spec.active, b.eW, b.kW
	segs = segs[:0]
	if active > 0 {
		segs = append(segs, segment{
			off: 0,
			m:   mat.NewDense(active, eW, b.hSE[e*active*eW:(e+1)*active*eW]),
		})
	}
	for _, p := range b.ePairs[e] {
		segs = append(segs, segment{
			off: active + p.kept*kW,
			m:   mat.NewDense(kW, eW, b.hKE[p.index*kW*eW:(p.index+1)*kW*eW]),
		})
	}
	return segs
}

func (b *blockSystem) solve(lambda float64, delta []float64) bool {
	s := b.spec
	dim, eW := b.dim, b.eW
	damp := one
	if lambda > zero {
		damp += lambda
	}

	if dim > 0 {
		raw := b.reduced.RawMatrix().Data
		copy(raw, b.hDD)
		for i := range dim {
			raw[i*dim+i] *= damp
		}
	}
	copy(b.rhs, b.gD)

	var segs []segment
	for e := range b.eCount {
		hEE := b.hEE[e*eW*eW : (e+1)*eW*eW]
		for r := range eW {
			for c := r; c < eW; c++ {
				v := hEE[r*eW+c]
				if r == c {
					v *= damp
				}
				b.v.SetSym(r, c, v)
			}
		}
		if !b.chol.Factorize(b.v) {
			return false
		}
		if err := b.chol.InverseTo(b.vinv[e]); err != nil {
			return false
		}
		if dim == 0 {
			continue
		}

		gE := mat.NewVecDense(eW, b.gE[e*eW:(e+1)*eW])
		segs = b.segments(e, segs)
		for _, sa := range segs {
			ra, _ := sa.m.Dims()
			b.y.Reset()
			b.y.Mul(sa.m, b.vinv[e])
			b.tv.Reset()
			b.tv.MulVec(&b.y, gE)
			for r := range ra {
				b.rhs[sa.off+r] -= b.tv.AtVec(r)
			}
			for _, sb := range segs {
				rb, _ := sb.m.Dims()
				b.z.Reset()
				b.z.Mul(&b.y, sb.m.T())
				view := b.reduced.Slice(sa.off, sa.off+ra, sb.off, sb.off+rb).(*mat.Dense)
				view.Sub(view, &b.z)
			}
		}
	}

	if dim > 0 {
		sym := mat.NewSymDense(dim, b.reduced.RawMatrix().Data)
		if !b.chol.Factorize(sym) {
			return false
		}
		if err := b.chol.SolveVecTo(mat.NewVecDense(dim, b.xD), mat.NewVecDense(dim, b.rhs)); err != nil {
			return false
		}
	}

	// canonical offsets of the eliminated and kept model sets
	active := s.active
	aOff, bOff := active, active+len(s.groups)*s.layout.Individual
	eOff, kOff := aOff, bOff
	if !s.elimA {
		eOff, kOff = bOff, aOff
	}
	copy(delta[:active], b.xD[:active])
	copy(delta[kOff:kOff+b.kCount*b.kW], b.xD[active:])

	t := make([]float64, eW)
	for e := range b.eCount {
		copy(t, b.gE[e*eW:(e+1)*eW])
		if dim > 0 {
			segs = b.segments(e, segs)
			for _, sg := range segs {
				rows, _ := sg.m.Dims()
				for r := range rows {
					x := b.xD[sg.off+r]
					for c := range eW {
						t[c] -= sg.m.At(r, c) * x
					}
				}
			}
		}
		out := mat.NewVecDense(eW, delta[eOff+e*eW:eOff+(e+1)*eW])
		out.MulVec(b.vinv[e], mat.NewVecDense(eW, t))
	}
	return finite(delta)
}
