// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/curioloop/calibration/calib"
	"github.com/curioloop/calibration/fov"
	"github.com/curioloop/calibration/levmar"
)

// SceneConfig describes the synthetic rotating camera.
type SceneConfig struct {
	Width  int     `yaml:"width"`
	Height int     `yaml:"height"`
	FovX   float64 `yaml:"fov_x_degrees"`
	Frames int     `yaml:"frames"`
	Points int     `yaml:"points"`
	Noise  float64 `yaml:"noise"` // Pixel noise standard deviation
	Seed   uint64  `yaml:"seed"`
}

// Config is the YAML document read by the command.
type Config struct {
	Scene       SceneConfig   `yaml:"scene"`
	Search      fov.Config    `yaml:"search"`
	Calibration calib.Options `yaml:"calibration"`
}

func defaultConfig() Config {
	return Config{
		Scene: SceneConfig{
			Width:  640,
			Height: 480,
			FovX:   63,
			Frames: 8,
			Points: 80,
			Noise:  0.3,
			Seed:   1,
		},
		Search:      fov.DefaultConfig(),
		Calibration: calib.DefaultOptions(),
	}
}

// loadConfig overlays the YAML document of r onto the defaults.
func loadConfig(r io.Reader) (Config, error) {
	cfg := defaultConfig()
	if r == nil {
		return cfg, nil
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, errors.Wrap(err, "decode config")
	}
	if err := cfg.Search.Validate(); err != nil {
		return cfg, errors.Wrap(err, "search")
	}
	switch s := cfg.Scene; {
	case s.Width <= 0 || s.Height <= 0:
		return cfg, errors.New("scene size must be positive")
	case !(s.FovX > 0 && s.FovX < 180):
		return cfg, errors.New("scene field of view must be inside (0°, 180°)")
	case s.Frames < 2 || s.Points < 1:
		return cfg, errors.New("scene needs at least two frames and one point")
	}
	return cfg, nil
}

func readConfig(path string) (Config, error) {
	if path == "" {
		return loadConfig(nil)
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	return loadConfig(f)
}

// newLogger creates the slog logger and the optimizer log level of a verbosity name.
func newLogger(w io.Writer, format, verbosity string) (*levmar.Logger, error) {
	var level levmar.LogLevel
	slogLevel := slog.LevelInfo
	switch strings.ToLower(verbosity) {
	case "none":
		level = levmar.LogNoop
	case "last":
		level = levmar.LogLast
	case "eval":
		level = levmar.LogEval
	case "trace":
		level, slogLevel = levmar.LogTrace, slog.LevelDebug
	default:
		return nil, fmt.Errorf("unknown verbosity %q", verbosity)
	}

	opts := &slog.HandlerOptions{Level: slogLevel}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return &levmar.Logger{Level: level, Log: slog.New(handler)}, nil
}
