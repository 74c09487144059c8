// Package backend defines the contract between the state estimator and the
// nonlinear optimization backend that solves its factor graph.
//
// Updates are incremental: each batch adds variables and factors keyed by
// keypose id (and landmark id for smart landmark factors) on top of
// everything submitted before. Landmarks are represented lazily — a landmark
// constrains the graph through its observations without the backend ever
// exposing an explicit 3D landmark variable.
package backend

import (
	"context"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.viam.com/auvnav/imu"
	"go.viam.com/auvnav/spatial"
)

// Estimate is the backend's current best estimate for one keypose.
type Estimate struct {
	Pose        spatial.Pose
	Velocity    r3.Vector
	Bias        imu.Bias
	HasImuState bool
}

// Values are initial guesses for a keypose's newly-added variables. Nil
// fields add nothing; a velocity or bias value may be added for an existing
// keypose after the fact, when IMU first becomes available.
type Values struct {
	Keypose  uint64
	Pose     *spatial.Pose
	Velocity *r3.Vector
	Bias     *imu.Bias
}

// PosePrior anchors a keypose's world pose.
type PosePrior struct {
	Keypose uint64
	Pose    spatial.Pose
}

// VelocityPrior anchors a keypose's world velocity.
type VelocityPrior struct {
	Keypose  uint64
	Velocity r3.Vector
}

// BiasPrior anchors a keypose's IMU bias.
type BiasPrior struct {
	Keypose uint64
	Bias    imu.Bias
}

// BetweenFactor constrains two keyposes with a relative pose from odometry.
type BetweenFactor struct {
	From, To uint64
	Relative spatial.Pose
}

// InertialFactor constrains consecutive keyposes with preintegrated IMU
// motion, anchored on the From keypose's velocity and bias.
type InertialFactor struct {
	From, To      uint64
	Preintegrated imu.PreintegrationResult
}

// BiasDriftFactor expects the IMU bias change between two keyposes to be
// near zero.
type BiasDriftFactor struct {
	From, To uint64
}

// LandmarkObservation extends the smart factor for a landmark with one
// sighting from a keypose. New marks the first sighting, which creates the
// factor.
type LandmarkObservation struct {
	LandmarkID uint64
	Keypose    uint64
	Pixel      r2.Point
	Disparity  float64
	New        bool
}

// Update is one incremental batch of new variables and factors.
type Update struct {
	NewValues      []Values
	PosePriors     []PosePrior
	VelocityPriors []VelocityPrior
	BiasPriors     []BiasPrior
	Between        []BetweenFactor
	Inertial       []InertialFactor
	BiasDrift      []BiasDriftFactor
	Landmarks      []LandmarkObservation
}

// Backend is an incremental factor-graph solver. Implementations must
// re-linearize incrementally as factors arrive rather than recomputing from
// scratch, and must support the lazy landmark representation described above.
type Backend interface {
	// Update incorporates one batch.
	Update(ctx context.Context, u Update) error
	// Refine runs extra relinearization/refinement passes over the graph.
	Refine(ctx context.Context, iterations int) error
	// Estimate returns the current best estimate for a keypose.
	Estimate(keypose uint64) (Estimate, bool)
	// Reset discards all variables and factors, including smart landmark
	// factors, ahead of re-seeding the graph.
	Reset()
}
