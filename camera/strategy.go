// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package camera

import (
	"fmt"
	"strings"
)

// Strategy selects which camera parameters are optimized and their order.
type Strategy int

const (
	InvalidStrategy Strategy = iota
	// FocalLength optimizes one focal length f shared by both axes.
	FocalLength
	// FocalLengths optimizes fₓ, fᵧ.
	FocalLengths
	// IntrinsicParameters optimizes fₓ, fᵧ, cₓ, cᵧ.
	IntrinsicParameters
	// FocalLengthsDistortion optimizes fₓ, fᵧ, k₁, k₂, p₁, p₂.
	FocalLengthsDistortion
	// SymmetricIntrinsicDistortions optimizes f, cₓ, cᵧ, k₁, k₂, p₁, p₂.
	SymmetricIntrinsicDistortions
	// IntrinsicDistortions optimizes fₓ, fᵧ, cₓ, cᵧ, k₁, k₂, p₁, p₂.
	IntrinsicDistortions
	// Distortion optimizes k₁, k₂, p₁, p₂ only.
	Distortion
	// IntrinsicRadialDistortion optimizes fₓ, fᵧ, cₓ, cᵧ, k₁, k₂ without tangential distortion.
	IntrinsicRadialDistortion
)

var strategyNames = [...]string{
	InvalidStrategy:               "invalid",
	FocalLength:                   "focal_length",
	FocalLengths:                  "focal_lengths",
	IntrinsicParameters:           "intrinsic_parameters",
	FocalLengthsDistortion:        "focal_lengths_distortion",
	SymmetricIntrinsicDistortions: "symmetric_intrinsic_distortions",
	IntrinsicDistortions:          "intrinsic_distortions",
	Distortion:                    "distortion",
	IntrinsicRadialDistortion:     "intrinsic_radial_distortion",
}

// ParseStrategy translates a readable name into a strategy.
func ParseStrategy(name string) (Strategy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range strategyNames {
		if s != int(InvalidStrategy) && n == name {
			return Strategy(s), nil
		}
	}
	return InvalidStrategy, fmt.Errorf("unknown optimization strategy %q", name)
}

func (s Strategy) String() string {
	if !s.Valid() {
		return strategyNames[InvalidStrategy]
	}
	return strategyNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(text []byte) (err error) {
	*s, err = ParseStrategy(string(text))
	return
}

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return s > InvalidStrategy && int(s) < len(strategyNames)
}

// Symmetric reports whether both axes share one focal length.
func (s Strategy) Symmetric() bool {
	return s == FocalLength || s == SymmetricIntrinsicDistortions
}

// FocalParameters returns the number of leading focal length parameters.
func (s Strategy) FocalParameters() int {
	switch {
	case s == Distortion:
		return 0
	case s.Symmetric():
		return 1
	}
	return 2
}

// PrincipalPoint reports whether the principal point is optimized.
func (s Strategy) PrincipalPoint() bool {
	switch s {
	case IntrinsicParameters, SymmetricIntrinsicDistortions, IntrinsicDistortions, IntrinsicRadialDistortion:
		return true
	}
	return false
}

// Distortions returns the number of trailing distortion parameters:
// two for radial distortion, four for radial and tangential distortion.
func (s Strategy) Distortions() int {
	switch s {
	case FocalLengthsDistortion, SymmetricIntrinsicDistortions, IntrinsicDistortions, Distortion:
		return 4
	case IntrinsicRadialDistortion:
		return 2
	}
	return 0
}

// Parameters returns the number of optimized camera parameters.
func (s Strategy) Parameters() int {
	if !s.Valid() {
		return 0
	}
	n := s.FocalParameters() + s.Distortions()
	if s.PrincipalPoint() {
		n += 2
	}
	return n
}

// Params writes the parameters selected by s into dst, which must hold s.Parameters() values.
func (c Pinhole) Params(s Strategy, dst []float64) []float64 {
	if len(dst) != s.Parameters() {
		panic("camera parameter dimension mismatch")
	}
	k := 0
	switch s.FocalParameters() {
	case 1:
		dst[k] = (c.Fx + c.Fy) / 2
		k++
	case 2:
		dst[k], dst[k+1] = c.Fx, c.Fy
		k += 2
	}
	if s.PrincipalPoint() {
		dst[k], dst[k+1] = c.Cx, c.Cy
		k += 2
	}
	switch s.Distortions() {
	case 2:
		dst[k], dst[k+1] = c.K1, c.K2
	case 4:
		dst[k], dst[k+1], dst[k+2], dst[k+3] = c.K1, c.K2, c.P1, c.P2
	}
	return dst
}

// WithParams returns a copy of c with the parameters selected by s replaced.
func (c Pinhole) WithParams(s Strategy, src []float64) Pinhole {
	if len(src) != s.Parameters() {
		panic("camera parameter dimension mismatch")
	}
	k := 0
	switch s.FocalParameters() {
	case 1:
		c.Fx, c.Fy = src[k], src[k]
		k++
	case 2:
		c.Fx, c.Fy = src[k], src[k+1]
		k += 2
	}
	if s.PrincipalPoint() {
		c.Cx, c.Cy = src[k], src[k+1]
		k += 2
	}
	switch s.Distortions() {
	case 2:
		c.K1, c.K2 = src[k], src[k+1]
	case 4:
		c.K1, c.K2, c.P1, c.P2 = src[k], src[k+1], src[k+2], src[k+3]
	}
	return c
}
