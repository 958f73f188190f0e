// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curioloop/calibration/camera"
	"github.com/curioloop/calibration/levmar"
	"github.com/curioloop/calibration/robust"
	"github.com/curioloop/calibration/schedule"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig(strings.NewReader(`
scene:
  fov_x_degrees: 70
  frames: 5
search:
  steps: 8
  rounds: 3
calibration:
  strategy: intrinsic_parameters
  policy: focal_first
  estimator: cauchy
`))
	require.NoError(t, err)

	assert.Equal(t, 70.0, cfg.Scene.FovX)
	assert.Equal(t, 5, cfg.Scene.Frames)
	assert.Equal(t, 80, cfg.Scene.Points, "defaults are kept")
	assert.Equal(t, 8, cfg.Search.Steps)
	assert.Equal(t, 3, cfg.Search.Rounds)
	assert.Equal(t, 5, cfg.Search.Iterations)
	assert.Equal(t, camera.IntrinsicParameters, cfg.Calibration.Strategy)
	assert.Equal(t, schedule.FocalFirst, cfg.Calibration.Policy)
	assert.Equal(t, robust.Cauchy, cfg.Calibration.Estimator)
	assert.Equal(t, 20, cfg.Calibration.Iterations)
}

func TestLoadConfigInvalid(t *testing.T) {
	for _, doc := range []string{
		"unknown: 1",
		"search:\n  steps: 2",
		"scene:\n  width: 0",
		"scene:\n  fov_x_degrees: 180",
		"scene:\n  frames: 1",
		"calibration:\n  policy: sometimes",
	} {
		_, err := loadConfig(strings.NewReader(doc))
		assert.Error(t, err, doc)
	}

	cfg, err := loadConfig(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, defaultConfig().Scene, cfg.Scene)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "json", "trace")
	require.NoError(t, err)
	assert.Equal(t, levmar.LogTrace, logger.Level)
	logger.Log.Debug("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	logger, err = newLogger(&buf, "text", "none")
	require.NoError(t, err)
	assert.Equal(t, levmar.LogNoop, logger.Level)

	_, err = newLogger(&buf, "xml", "last")
	assert.Error(t, err)
	_, err = newLogger(&buf, "text", "loud")
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "text", "last")
	require.NoError(t, err)

	cfg := defaultConfig()
	cfg.Scene.Noise = 0
	cfg.Search.Lower, cfg.Search.Upper = 40*math.Pi/180, 100*math.Pi/180
	cfg.Search.Logger = logger
	cfg.Calibration.Logger = logger

	require.NoError(t, run(context.Background(), cfg))
	assert.Contains(t, buf.String(), "camera calibrated")
}
