// Package fake provides a deterministic scripted frontend for tests and for
// running the daemon without real cameras.
package fake

import (
	"context"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.viam.com/auvnav/spatial"
	"go.viam.com/auvnav/vio"
)

// Frontend fabricates odometry: every KeyframeEvery-th frame is a keyframe
// advancing by Step, carrying LandmarksPerFrame synthetic observations with
// healthy disparity. Landmark ids repeat across frames so smart factors see
// multiple sightings.
type Frontend struct {
	// Step is the relative pose per keyframe.
	Step spatial.Pose
	// KeyframeEvery makes every n-th processed frame a keyframe (min 1).
	KeyframeEvery int
	// LandmarksPerFrame is the number of observations per result.
	LandmarksPerFrame int

	mu           sync.Mutex
	frames       int
	haveKeyframe bool
	lastKeyframe vio.OdometryResult
}

// NewFrontend returns a frontend stepping forward along x each keyframe.
func NewFrontend(keyframeEvery, landmarksPerFrame int) *Frontend {
	if keyframeEvery < 1 {
		keyframeEvery = 1
	}
	return &Frontend{
		Step:              spatial.NewPose(spatial.NewZeroPose().R, r3.Vector{X: 0.1}),
		KeyframeEvery:     keyframeEvery,
		LandmarksPerFrame: landmarksPerFrame,
	}
}

// Process implements vio.Frontend.
func (f *Frontend) Process(ctx context.Context, frame vio.StereoFrame) (vio.OdometryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.frames++
	isKeyframe := !f.haveKeyframe || f.frames%f.KeyframeEvery == 0

	keyframeTime := frame.Time
	if f.haveKeyframe {
		keyframeTime = f.lastKeyframe.Time
	}

	landmarks := make([]vio.LandmarkObservation, 0, f.LandmarksPerFrame)
	for i := 0; i < f.LandmarksPerFrame; i++ {
		landmarks = append(landmarks, vio.LandmarkObservation{
			LandmarkID: uint64(i),
			Pixel:      r2.Point{X: float64(100 + 10*i), Y: float64(80 + 5*i)},
			Disparity:  8,
		})
	}

	res := vio.OdometryResult{
		Time:         frame.Time,
		KeyframeTime: keyframeTime,
		Relative:     f.Step,
		IsKeyframe:   isKeyframe,
		Landmarks:    landmarks,
	}
	if isKeyframe {
		f.haveKeyframe = true
		f.lastKeyframe = res
	}
	return res, nil
}
