// Package imu models inertial measurements and their preintegration into
// relative-motion constraints between keyposes.
package imu

import (
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/auvnav/spatial"
)

// DefaultGravity is the world-frame gravity vector in m/s^2, z-up convention.
var DefaultGravity = r3.Vector{Z: -9.80665}

// Sample is a single inertial measurement. Immutable once ingested.
type Sample struct {
	Time               time.Time
	AngularVelocity    spatial.AngularVelocity // rad/s, body frame
	LinearAcceleration r3.Vector               // specific force, m/s^2, body frame
}

// Bias is the slowly-varying additive error on the gyroscope and accelerometer.
type Bias struct {
	Gyroscope     r3.Vector
	Accelerometer r3.Vector
}

// PreintegrationResult summarizes IMU samples between From and To as
// gravity-free motion deltas expressed in the starting body frame. Gravity is
// accounted for at Predict time, not during integration.
type PreintegrationResult struct {
	Valid    bool
	From, To time.Time
	DeltaR   quat.Number
	DeltaV   r3.Vector
	DeltaP   r3.Vector
}

// Predict composes the preintegrated motion onto a prior world-frame state,
// applying gravity over the integration window.
func (p PreintegrationResult) Predict(pose spatial.Pose, velocity, gravity r3.Vector) (spatial.Pose, r3.Vector) {
	dt := p.To.Sub(p.From).Seconds()
	newT := pose.T.
		Add(velocity.Mul(dt)).
		Add(gravity.Mul(0.5 * dt * dt)).
		Add(spatial.RotateVector(pose.R, p.DeltaP))
	newV := velocity.
		Add(gravity.Mul(dt)).
		Add(spatial.RotateVector(pose.R, p.DeltaV))
	newR := quat.Mul(pose.R, p.DeltaR)
	return spatial.NewPose(newR, newT), newV
}

// Preintegrator converts buffered samples into one relative-motion summary.
// The result is invalid if there are no samples or the stream has an excessive
// time gap.
type Preintegrator interface {
	Integrate(samples []Sample, startBias Bias) PreintegrationResult
}
