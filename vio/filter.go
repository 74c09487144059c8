package vio

import (
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/auvnav/imu"
	"go.viam.com/auvnav/spatial"
)

// filter owns the fast path: simple kinematic IMU propagation between
// smoother publications. Odometry feeding the filter is auxiliary only — it
// can clamp velocity on near-zero motion but never defines the state.
type filter struct {
	opts   Options
	logger golog.Logger

	resultMu sync.Mutex
	result   FilterResult

	// Propagation state, touched only from the filter goroutine.
	initialized bool
	velocity    r3.Vector
	bias        imu.Bias
	lastTime    time.Time
}

func newFilter(opts Options, logger golog.Logger) *filter {
	return &filter{opts: opts, logger: logger}
}

// Result returns a snapshot of the newest published filter estimate.
func (f *filter) Result() FilterResult {
	f.resultMu.Lock()
	defer f.resultMu.Unlock()
	return f.result
}

// resyncTo re-anchors the filter on a smoother result, discarding any
// propagation accumulated since that keypose's timestamp. Afterward filter
// and smoother agree exactly at that instant.
func (f *filter) resyncTo(sr SmootherResult) {
	f.resultMu.Lock()
	f.result = FilterResult{Time: sr.Time, Pose: sr.Pose}
	f.resultMu.Unlock()

	f.velocity = sr.Velocity
	f.bias = sr.Bias
	f.lastTime = sr.Time
	f.initialized = true
}

// propagate integrates one IMU sample into the pose. Samples older than the
// current state (e.g. preceding a resync) are ignored.
func (f *filter) propagate(sample imu.Sample) bool {
	if !f.initialized || !sample.Time.After(f.lastTime) {
		return false
	}
	dt := sample.Time.Sub(f.lastTime).Seconds()
	f.lastTime = sample.Time

	cur := f.Result()

	w := r3.Vector(sample.AngularVelocity).Sub(f.bias.Gyroscope)
	a := sample.LinearAcceleration.Sub(f.bias.Accelerometer)
	aWorld := spatial.RotateVector(cur.Pose.R, a).Add(f.opts.Gravity)

	newT := cur.Pose.T.Add(f.velocity.Mul(dt)).Add(aWorld.Mul(0.5 * dt * dt))
	f.velocity = f.velocity.Add(aWorld.Mul(dt))
	newR := spatial.Normalize(quat.Mul(cur.Pose.R, spatial.RotationFromAngularVelocity(spatial.AngularVelocity(w), dt)))

	f.resultMu.Lock()
	f.result = FilterResult{Time: sample.Time, Pose: spatial.Pose{R: newR, T: newT}}
	f.resultMu.Unlock()
	return true
}

// observeOdometry applies auxiliary corrections from odometry. A keyframe
// whose relative translation is within the zero-velocity bound clamps the
// propagated velocity, keeping a hovering vehicle from drifting.
func (f *filter) observeOdometry(odom OdometryResult) {
	if !f.initialized || !odom.IsKeyframe {
		return
	}
	if odom.Relative.T.Norm() <= f.opts.ZeroVelocityMaxTranslation {
		f.velocity = r3.Vector{}
	}
}
