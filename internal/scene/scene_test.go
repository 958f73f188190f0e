// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scene

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curioloop/calibration/camera"
)

func TestRotational(t *testing.T) {
	cam := camera.NewPinholeFOV(640, 480, 60*math.Pi/180)
	s := NewRotational(cam, 6, 40, 0, 1)

	require.Len(t, s.Orientations, 6)
	require.Len(t, s.Directions, 40)
	require.Len(t, s.Frames, 6)

	seen := make(map[int]int)
	for i, frame := range s.Frames {
		assert.NotEmpty(t, frame)
		for _, ob := range frame {
			seen[ob.PointID]++
			pt := cam.Project(s.Orientations[i].Rotate(s.Directions[ob.PointID]))
			assert.InDelta(t, pt.X, ob.Image.X, 1e-9)
			assert.InDelta(t, pt.Y, ob.Image.Y, 1e-9)
		}
	}
	// every direction is seen at least in the frame it was sampled from
	assert.Len(t, seen, 40)

	again := NewRotational(cam, 6, 40, 0, 1)
	assert.True(t, cmp.Equal(s.Frames, again.Frames), "scene not reproducible")
}

func TestPosed(t *testing.T) {
	cam := camera.NewPinholeFOV(640, 480, 63*math.Pi/180)
	s := NewPosed(cam, 6, 20, 0.5, 2)

	require.Len(t, s.Poses, 6)
	require.Len(t, s.Tracks, 20)

	var frames, tracks int
	for i, frame := range s.Frames {
		frames += len(frame)
		for _, ob := range frame {
			assert.Positive(t, s.Poses[i].Transform(s.Points[ob.PointID]).Z)
		}
	}
	for _, track := range s.Tracks {
		tracks += len(track)
	}
	assert.Equal(t, frames, tracks)
	assert.Greater(t, frames, 6*10)
}
