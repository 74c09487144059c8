// Package deadreckon implements the backend contract by dead reckoning: each
// keypose estimate is produced by composing the strongest available motion
// constraint onto the previous estimate, with priors taken as exact. It does
// no least-squares refinement, which makes it deterministic and cheap — the
// daemon's default when no external solver is wired in, and the integration
// backend for tests.
package deadreckon

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/auvnav/backend"
	"go.viam.com/auvnav/spatial"
)

// Backend is a dead-reckoning implementation of backend.Backend.
type Backend struct {
	mu          sync.Mutex
	gravity     r3.Vector
	estimates   map[uint64]backend.Estimate
	landmarkObs map[uint64]int
	logger      golog.Logger
}

// New returns an empty dead-reckoning backend.
func New(gravity r3.Vector, logger golog.Logger) *Backend {
	return &Backend{
		gravity:     gravity,
		estimates:   map[uint64]backend.Estimate{},
		landmarkObs: map[uint64]int{},
		logger:      logger,
	}
}

// Update incorporates one incremental batch. Factors referencing a keypose
// with no estimate and no initial value in the same batch are rejected.
func (b *Backend) Update(ctx context.Context, u backend.Update) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, v := range u.NewValues {
		est := b.estimates[v.Keypose]
		if v.Pose != nil {
			est.Pose = *v.Pose
		}
		if v.Velocity != nil {
			est.Velocity = *v.Velocity
			est.HasImuState = true
		}
		if v.Bias != nil {
			est.Bias = *v.Bias
		}
		b.estimates[v.Keypose] = est
	}

	if err := b.validate(u); err != nil {
		return err
	}

	// Priors are exact in this backend.
	for _, p := range u.PosePriors {
		est := b.estimates[p.Keypose]
		est.Pose = p.Pose
		b.estimates[p.Keypose] = est
	}
	for _, p := range u.VelocityPriors {
		est := b.estimates[p.Keypose]
		est.Velocity = p.Velocity
		est.HasImuState = true
		b.estimates[p.Keypose] = est
	}
	for _, p := range u.BiasPriors {
		est := b.estimates[p.Keypose]
		est.Bias = p.Bias
		b.estimates[p.Keypose] = est
	}

	// Inertial factors first so an odometry between-factor, when present,
	// wins the pose while the inertial factor still supplies velocity/bias.
	for _, f := range u.Inertial {
		from := b.estimates[f.From]
		pose, vel := f.Preintegrated.Predict(from.Pose, from.Velocity, b.gravity)
		to := b.estimates[f.To]
		to.Pose = pose
		to.Velocity = vel
		to.Bias = from.Bias
		to.HasImuState = true
		b.estimates[f.To] = to
	}
	for _, f := range u.Between {
		to := b.estimates[f.To]
		to.Pose = spatial.Compose(b.estimates[f.From].Pose, f.Relative)
		b.estimates[f.To] = to
	}
	// Bias drift factors hold trivially: the To bias already copies From.

	for _, obs := range u.Landmarks {
		b.landmarkObs[obs.LandmarkID]++
	}
	return nil
}

func (b *Backend) validate(u backend.Update) error {
	var err error
	for _, f := range u.Between {
		if _, ok := b.estimates[f.From]; !ok {
			err = multierr.Append(err, errors.Errorf("between factor references unknown keypose %d", f.From))
		}
	}
	for _, f := range u.Inertial {
		if _, ok := b.estimates[f.From]; !ok {
			err = multierr.Append(err, errors.Errorf("inertial factor references unknown keypose %d", f.From))
		}
		if !f.Preintegrated.Valid {
			err = multierr.Append(err, errors.Errorf("inertial factor %d->%d has invalid preintegration", f.From, f.To))
		}
	}
	for _, obs := range u.Landmarks {
		if _, ok := b.estimates[obs.Keypose]; !ok {
			err = multierr.Append(err, errors.Errorf("landmark %d observed from unknown keypose %d", obs.LandmarkID, obs.Keypose))
		}
	}
	return err
}

// Refine is a no-op: dead reckoning has nothing to relinearize.
func (b *Backend) Refine(ctx context.Context, iterations int) error {
	return nil
}

// Estimate returns the current estimate for a keypose.
func (b *Backend) Estimate(keypose uint64) (backend.Estimate, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	est, ok := b.estimates[keypose]
	return est, ok
}

// LandmarkObservationCount returns how many sightings extend the smart factor
// for a landmark. The landmark itself is never materialized.
func (b *Backend) LandmarkObservationCount(landmarkID uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.landmarkObs[landmarkID]
}

// Reset discards all state.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.estimates = map[uint64]backend.Estimate{}
	b.landmarkObs = map[uint64]int{}
}
