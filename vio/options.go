package vio

import (
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/auvnav/imu"
)

// Options configures the state estimator.
type Options struct {
	// Queue capacities. Oldest entries are dropped on overflow.
	MaxQueueSizeStereo   int `json:"max_queue_size_stereo"`
	MaxQueueSizeOdometry int `json:"max_queue_size_odometry"`
	MaxQueueSizeImu      int `json:"max_queue_size_imu"`

	// ReliableVisionMinLandmarks is the observation count below which vision
	// is considered degraded; recovering above it triggers reinitialization.
	ReliableVisionMinLandmarks int `json:"reliable_vision_min_landmarks"`

	// MinDisparity rejects landmark observations with no depth information.
	MinDisparity float64 `json:"min_disparity"`

	// ExtraRefinementPasses runs the backend a few more times after each
	// update to reduce error.
	ExtraRefinementPasses int `json:"extra_refinement_passes"`

	// WaitVisionAvailableMillis is how long the smoother waits for odometry
	// while vision has been arriving.
	WaitVisionAvailableMillis int `json:"wait_vision_available_millis"`
	// WaitVisionUnavailableMillis is the short wait used once vision has
	// gone missing, so IMU-only updates are not delayed.
	WaitVisionUnavailableMillis int `json:"wait_vision_unavailable_millis"`

	// MaxImuSampleGapMillis invalidates preintegration across larger gaps.
	MaxImuSampleGapMillis int `json:"max_imu_sample_gap_millis"`

	// ZeroVelocityMaxTranslation is the relative-translation bound (meters)
	// under which a keyframe clamps the filter's velocity to zero.
	ZeroVelocityMaxTranslation float64 `json:"zero_velocity_max_translation"`

	// Gravity is the world-frame gravity vector in m/s^2.
	Gravity r3.Vector `json:"gravity"`
}

// DefaultOptions returns the tuning used on the vehicle.
func DefaultOptions() Options {
	return Options{
		MaxQueueSizeStereo:          20,
		MaxQueueSizeOdometry:        20,
		MaxQueueSizeImu:             1000,
		ReliableVisionMinLandmarks:  12,
		MinDisparity:                1.0,
		ExtraRefinementPasses:       2,
		WaitVisionAvailableMillis:   5000,
		WaitVisionUnavailableMillis: 100,
		MaxImuSampleGapMillis:       500,
		ZeroVelocityMaxTranslation:  0.005,
		Gravity:                     imu.DefaultGravity,
	}
}

// Validate checks the options for usability.
func (o Options) Validate() error {
	if o.MaxQueueSizeStereo <= 0 || o.MaxQueueSizeOdometry <= 0 || o.MaxQueueSizeImu <= 0 {
		return errors.New("queue sizes must be positive")
	}
	if o.ReliableVisionMinLandmarks <= 0 {
		return errors.New("reliable_vision_min_landmarks must be positive")
	}
	if o.MinDisparity < 0 {
		return errors.New("min_disparity cannot be negative")
	}
	if o.ExtraRefinementPasses < 0 {
		return errors.New("extra_refinement_passes cannot be negative")
	}
	if o.WaitVisionAvailableMillis <= 0 || o.WaitVisionUnavailableMillis <= 0 {
		return errors.New("smoother wait durations must be positive")
	}
	if o.WaitVisionUnavailableMillis > o.WaitVisionAvailableMillis {
		return errors.New("wait_vision_unavailable_millis cannot exceed wait_vision_available_millis")
	}
	if o.MaxImuSampleGapMillis <= 0 {
		return errors.New("max_imu_sample_gap_millis must be positive")
	}
	if o.ZeroVelocityMaxTranslation < 0 {
		return errors.New("zero_velocity_max_translation cannot be negative")
	}
	return nil
}

// waitFor returns the odometry wait for the given smoother mode.
func (o Options) waitFor(m Mode) time.Duration {
	if m == ModeVisionAvailable {
		return time.Duration(o.WaitVisionAvailableMillis) * time.Millisecond
	}
	return time.Duration(o.WaitVisionUnavailableMillis) * time.Millisecond
}

// MaxImuSampleGap returns the preintegration gap bound as a duration.
func (o Options) MaxImuSampleGap() time.Duration {
	return time.Duration(o.MaxImuSampleGapMillis) * time.Millisecond
}
