// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command fovcalib calibrates a synthetic rotating camera: it searches the
// horizontal field of view and then refines the intrinsics with the orientations.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"time"

	"github.com/curioloop/calibration/calib"
	"github.com/curioloop/calibration/camera"
	"github.com/curioloop/calibration/fov"
	"github.com/curioloop/calibration/internal/scene"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file (optional)")
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	verbosity := flag.String("verbosity", "last", "Optimizer logging: none, last, eval or trace")
	timeout := flag.Duration("timeout", time.Minute, "Abort the calibration after this duration")
	flag.Parse()

	logger, err := newLogger(os.Stderr, *logFormat, *verbosity)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg, err := readConfig(*configPath)
	if err != nil {
		logger.Log.Error("invalid configuration", "err", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	cfg.Search.Logger = logger
	cfg.Calibration.Logger = logger
	if err = run(ctx, cfg); err != nil {
		logger.Log.Error("calibration failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config) error {
	log := cfg.Calibration.Logger.Log
	sc := cfg.Scene

	truth := camera.NewPinholeFOV(sc.Width, sc.Height, sc.FovX*math.Pi/180)
	s := scene.NewRotational(truth, sc.Frames, sc.Points, sc.Noise, sc.Seed)
	log.Info("scene created", "frames", len(s.Frames), "directions", len(s.Directions), "fov", sc.FovX)

	guess := truth.WithFovX((cfg.Search.Lower + cfg.Search.Upper) / 2)
	found, err := fov.Search(ctx, guess, s.Orientations, s.Frames, cfg.Search)
	if err != nil {
		return err
	}
	log.Info("field of view found",
		"fov", found.FovX*180/math.Pi,
		"cost", found.Cost,
		"significant", found.Significant,
		"aborted", found.Aborted)

	res, err := calib.OptimizeOrientations(ctx, found.Camera, found.Orientations, s.Frames, cfg.Calibration)
	if err != nil {
		return err
	}
	cam := res.Camera
	log.Info("camera calibrated",
		"fov", cam.FovX()*180/math.Pi,
		"fx", cam.Fx, "fy", cam.Fy,
		"cx", cam.Cx, "cy", cam.Cy,
		"k1", cam.K1, "k2", cam.K2,
		"initial", math.Sqrt(res.InitialCost),
		"final", math.Sqrt(res.FinalCost),
		"status", res.Status.String())
	return nil
}
