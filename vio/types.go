// Package vio orchestrates stereo visual odometry and IMU measurements into a
// continuous vehicle pose estimate. A slow smoother refines a factor graph on
// keyframes while a fast filter propagates pose from IMU between smoother
// updates, resynchronizing whenever the smoother publishes.
package vio

import (
	"context"
	"image"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.viam.com/auvnav/imu"
	"go.viam.com/auvnav/spatial"
)

// StereoFrame is one synchronized, rectified image pair from the stereo rig.
// Immutable once ingested.
type StereoFrame struct {
	Time  time.Time
	Seq   int64
	Left  image.Image
	Right image.Image
}

// LandmarkObservation is one tracked feature sighting in the left image.
type LandmarkObservation struct {
	LandmarkID uint64
	Pixel      r2.Point
	Disparity  float64
}

// OdometryResult is the frontend's output for one stereo frame.
type OdometryResult struct {
	// Time is the current frame's timestamp.
	Time time.Time
	// KeyframeTime is the timestamp of the keyframe Relative is measured from.
	KeyframeTime time.Time
	// Relative transforms the last keyframe's pose to this frame's pose.
	Relative spatial.Pose
	// IsKeyframe marks frames the smoother should turn into keyposes.
	IsKeyframe bool
	// Landmarks are this frame's feature sightings. Their count doubles as
	// the frontend's reliability signal.
	Landmarks []LandmarkObservation
}

// Frontend converts raw stereo frames into odometry. Implementations may keep
// tracking state across calls; each call is deterministic given that state.
type Frontend interface {
	Process(ctx context.Context, frame StereoFrame) (OdometryResult, error)
}

// Mode selects how long the smoother waits for odometry before falling back
// to IMU-only updates.
type Mode int

const (
	// ModeVisionAvailable waits patiently for vision; entered after any
	// keyframe update.
	ModeVisionAvailable Mode = iota
	// ModeVisionUnavailable waits briefly and leans on IMU; entered after
	// any vision timeout.
	ModeVisionUnavailable
)

func (m Mode) String() string {
	switch m {
	case ModeVisionAvailable:
		return "vision_available"
	case ModeVisionUnavailable:
		return "vision_unavailable"
	default:
		return "unknown"
	}
}

// SmootherResult is the authoritative state at the newest keypose. Readers
// always receive a fully-committed snapshot, never a partial update.
type SmootherResult struct {
	KeyposeID uint64
	Time      time.Time
	Pose      spatial.Pose
	// HasImuState is false until an IMU factor has been incorporated, after
	// which Velocity and Bias are meaningful.
	HasImuState bool
	Velocity    r3.Vector
	Bias        imu.Bias
}

// FilterResult is the fast path's low-latency pose estimate.
type FilterResult struct {
	Time time.Time
	Pose spatial.Pose
}

// SmootherResultCallback observes each committed smoother result. Callbacks
// run synchronously on the smoother goroutine and gate its next iteration.
type SmootherResultCallback func(SmootherResult)

// FilterResultCallback observes each filter publication. Callbacks run
// synchronously on the filter goroutine and gate its next iteration.
type FilterResultCallback func(FilterResult)
