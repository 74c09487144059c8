package vio

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/auvnav/backend"
	"go.viam.com/auvnav/imu"
	"go.viam.com/auvnav/spatial"
)

// smoother owns the slow path: it turns keyframes and preintegrated IMU into
// incremental factor-graph updates and commits the authoritative result.
//
// All fields below resultMu are touched only from the smoother goroutine
// (single-writer discipline); in particular the keypose counter needs no lock.
type smoother struct {
	opts          Options
	logger        golog.Logger
	backend       backend.Backend
	preintegrator imu.Preintegrator

	resultMu sync.Mutex
	result   SmootherResult

	mode           Mode
	nextKeypose    uint64
	initialized    bool
	visionDegraded bool
	imuBuffer      []imu.Sample
	smartLandmarks map[uint64]int
}

func newSmoother(opts Options, be backend.Backend, pre imu.Preintegrator, logger golog.Logger) *smoother {
	return &smoother{
		opts:           opts,
		logger:         logger,
		backend:        be,
		preintegrator:  pre,
		mode:           ModeVisionAvailable,
		smartLandmarks: map[uint64]int{},
	}
}

// Result returns a snapshot of the newest committed result.
func (s *smoother) Result() SmootherResult {
	s.resultMu.Lock()
	defer s.resultMu.Unlock()
	return s.result
}

func (s *smoother) commit(res SmootherResult) {
	s.resultMu.Lock()
	s.result = res
	s.resultMu.Unlock()
}

// nextKeyposeID allocates a new keypose id. Ids are strictly increasing from
// zero and survive reinitialization.
func (s *smoother) nextKeyposeID() uint64 {
	id := s.nextKeypose
	s.nextKeypose++
	return id
}

func (s *smoother) prevKeyposeID() uint64 {
	return s.nextKeypose - 1
}

// bufferImu stashes drained ingest samples until an update consumes them.
func (s *smoother) bufferImu(samples []imu.Sample) {
	s.imuBuffer = append(s.imuBuffer, samples...)
}

// takeImuThrough removes and returns buffered samples with timestamps in
// (after, through]; samples at or before the last keypose are discarded.
func (s *smoother) takeImuThrough(after, through time.Time) []imu.Sample {
	var taken []imu.Sample
	remaining := s.imuBuffer[:0]
	for _, sample := range s.imuBuffer {
		switch {
		case sample.Time.Before(after):
			// Already covered by a previous keypose.
		case sample.Time.After(through):
			remaining = append(remaining, sample)
		default:
			taken = append(taken, sample)
		}
	}
	s.imuBuffer = remaining
	return taken
}

// onKeyframe handles one keyframe odometry result: preintegrates IMU gathered
// since the last keypose, builds and submits the graph update, and commits.
// The reported bool is whether a new result was committed.
func (s *smoother) onKeyframe(ctx context.Context, odom OdometryResult) (SmootherResult, bool, error) {
	if !s.initialized {
		res, err := s.initializeFromVision(ctx, odom)
		return res, err == nil, err
	}

	reliable := len(odom.Landmarks) >= s.opts.ReliableVisionMinLandmarks
	if !reliable {
		if !s.visionDegraded {
			s.logger.Warnw("vision reliability degraded",
				"landmarks", len(odom.Landmarks),
				"min_landmarks", s.opts.ReliableVisionMinLandmarks)
		}
		s.visionDegraded = true
	} else if s.visionDegraded {
		// Recovery after degradation: re-seed rather than letting an
		// ill-conditioned graph poison future estimates.
		res, err := s.reinitialize(ctx, odom)
		return res, err == nil, err
	}

	last := s.Result()
	samples := s.takeImuThrough(last.Time, odom.Time)
	var pim imu.PreintegrationResult
	if len(samples) > 0 {
		pim = s.preintegrator.Integrate(samples, last.Bias)
	}

	res, err := s.updateWithVision(ctx, odom, pim)
	if err != nil {
		return SmootherResult{}, false, err
	}
	s.mode = ModeVisionAvailable
	return res, true, nil
}

// onVisionTimeout handles a wait that produced no keyframe. If valid IMU
// exists the smoother advances on IMU alone; with no valid IMU it either
// downgrades the mode (first miss) or reports ErrNoMotionSource (already
// vision-unavailable, nothing left to update from).
func (s *smoother) onVisionTimeout(ctx context.Context) (SmootherResult, bool, error) {
	if !s.initialized {
		if len(s.imuBuffer) == 0 {
			// Nothing has ever arrived; stay idle rather than failing an
			// estimator that started before its sensors.
			return SmootherResult{}, false, nil
		}
		if err := s.initializeFromImu(ctx); err != nil {
			return SmootherResult{}, false, err
		}
	}

	last := s.Result()
	samples := s.takeImuThrough(last.Time, farFuture(last.Time))
	var pim imu.PreintegrationResult
	if len(samples) > 0 {
		pim = s.preintegrator.Integrate(samples, last.Bias)
	}

	if !pim.Valid {
		if s.mode == ModeVisionUnavailable {
			return SmootherResult{}, false, ErrNoMotionSource
		}
		s.logger.Warnw("vision timed out with no valid IMU preintegration; entering vision-unavailable mode")
		s.mode = ModeVisionUnavailable
		return SmootherResult{}, false, nil
	}

	res, err := s.updateNoVision(ctx, pim)
	if err != nil {
		return SmootherResult{}, false, err
	}
	s.mode = ModeVisionUnavailable
	return res, true, nil
}

// initializeFromVision seeds the graph from the first keyframe: a pose prior
// at the origin plus this keyframe's landmark sightings.
func (s *smoother) initializeFromVision(ctx context.Context, odom OdometryResult) (SmootherResult, error) {
	res, err := s.seedGraph(ctx, odom.Time, SmootherResult{Pose: spatial.NewZeroPose()}, odom.Landmarks)
	if err != nil {
		return SmootherResult{}, err
	}
	s.initialized = true
	s.visionDegraded = len(odom.Landmarks) < s.opts.ReliableVisionMinLandmarks
	s.mode = ModeVisionAvailable
	s.logger.Infow("smoother initialized from vision", "keypose", res.KeyposeID, "time", odom.Time)
	return res, nil
}

// initializeFromImu seeds the graph at the first buffered IMU sample with
// zero-velocity/zero-bias priors; the caller then performs an IMU-only update.
func (s *smoother) initializeFromImu(ctx context.Context) error {
	t0 := s.imuBuffer[0].Time
	seed := SmootherResult{Pose: spatial.NewZeroPose(), HasImuState: true}
	res, err := s.seedGraph(ctx, t0, seed, nil)
	if err != nil {
		return err
	}
	s.initialized = true
	s.logger.Infow("smoother initialized from IMU", "keypose", res.KeyposeID, "time", t0)
	return nil
}

// reinitialize re-seeds the graph at the current estimate: smart factors are
// discarded and fresh priors placed, while the keypose counter continues.
func (s *smoother) reinitialize(ctx context.Context, odom OdometryResult) (SmootherResult, error) {
	last := s.Result()
	s.logger.Infow("vision recovered; reinitializing graph",
		"landmarks", len(odom.Landmarks), "last_keypose", last.KeyposeID)

	seed := last
	res, err := s.seedGraph(ctx, odom.Time, seed, odom.Landmarks)
	if err != nil {
		return SmootherResult{}, err
	}
	s.visionDegraded = false
	s.mode = ModeVisionAvailable
	// Motion buffered during the degraded stretch no longer has an anchor.
	s.takeImuThrough(time.Time{}, odom.Time)
	return res, nil
}

// seedGraph resets the backend and places priors for a fresh first keypose,
// exactly as at startup. Landmark sightings, when given, attach to it.
func (s *smoother) seedGraph(
	ctx context.Context,
	t time.Time,
	seed SmootherResult,
	landmarks []LandmarkObservation,
) (SmootherResult, error) {
	s.backend.Reset()
	s.smartLandmarks = map[uint64]int{}

	id := s.nextKeyposeID()
	values := backend.Values{Keypose: id, Pose: &seed.Pose}
	u := backend.Update{
		PosePriors: []backend.PosePrior{{Keypose: id, Pose: seed.Pose}},
	}
	if seed.HasImuState {
		values.Velocity = &seed.Velocity
		values.Bias = &seed.Bias
		u.VelocityPriors = []backend.VelocityPrior{{Keypose: id, Velocity: seed.Velocity}}
		u.BiasPriors = []backend.BiasPrior{{Keypose: id, Bias: seed.Bias}}
	}
	u.NewValues = []backend.Values{values}
	u.Landmarks = s.collectLandmarks(id, landmarks)

	if err := s.backend.Update(ctx, u); err != nil {
		return SmootherResult{}, errors.Wrap(err, "seeding factor graph")
	}

	res := SmootherResult{
		KeyposeID:   id,
		Time:        t,
		Pose:        seed.Pose,
		HasImuState: seed.HasImuState,
		Velocity:    seed.Velocity,
		Bias:        seed.Bias,
	}
	s.commit(res)
	return res, nil
}

// updateWithVision builds and submits a keyframe update. The
// odometry between-factor is used only if the result is relative to the last
// committed keypose; stale odometry still contributes landmark sightings.
func (s *smoother) updateWithVision(
	ctx context.Context,
	odom OdometryResult,
	pim imu.PreintegrationResult,
) (SmootherResult, error) {
	last := s.Result()
	id := s.nextKeyposeID()

	var u backend.Update
	hasVisionFactor := false
	hasImuFactor := false

	newPose := backend.Values{Keypose: id}

	if odom.KeyframeTime.Equal(last.Time) {
		guess := spatial.Compose(last.Pose, odom.Relative)
		newPose.Pose = &guess
		u.Between = append(u.Between, backend.BetweenFactor{
			From: last.KeyposeID, To: id, Relative: odom.Relative,
		})
		hasVisionFactor = true
	} else {
		s.logger.Warnw("dropping stale odometry constraint",
			"keypose_time", last.Time, "odometry_relative_to", odom.KeyframeTime)
	}

	u.Landmarks = s.collectLandmarks(id, odom.Landmarks)

	if pim.Valid {
		s.addInertial(&u, last, id, pim, &newPose, !hasVisionFactor)
		hasImuFactor = true
	}

	if !hasVisionFactor && !hasImuFactor {
		return SmootherResult{}, ErrUnderconstrained
	}

	u.NewValues = append(u.NewValues, newPose)

	res, err := s.submit(ctx, u, id, odom.Time, hasImuFactor)
	if err != nil {
		return SmootherResult{}, err
	}
	return res, nil
}

// updateNoVision builds and submits an IMU-only update; the preintegrated
// motion is the sole between-factor and supplies the initial guess.
func (s *smoother) updateNoVision(ctx context.Context, pim imu.PreintegrationResult) (SmootherResult, error) {
	if !pim.Valid {
		return SmootherResult{}, ErrNoMotionSource
	}
	last := s.Result()
	id := s.nextKeyposeID()

	var u backend.Update
	newPose := backend.Values{Keypose: id}
	s.addInertial(&u, last, id, pim, &newPose, true)
	u.NewValues = append(u.NewValues, newPose)

	return s.submit(ctx, u, id, pim.To, true)
}

// addInertial appends the IMU between-factor plus a bias-drift factor, and
// when the previous keypose lacked velocity/bias state, injects
// zero-velocity/zero-bias priors for it first.
func (s *smoother) addInertial(
	u *backend.Update,
	last SmootherResult,
	id uint64,
	pim imu.PreintegrationResult,
	newPose *backend.Values,
	predictPose bool,
) {
	if !last.HasImuState {
		s.logger.Infow("previous keypose missing velocity and bias state; adding zero priors",
			"keypose", last.KeyposeID)
		zeroVel := r3.Vector{}
		zeroBias := imu.Bias{}
		u.NewValues = append(u.NewValues, backend.Values{
			Keypose: last.KeyposeID, Velocity: &zeroVel, Bias: &zeroBias,
		})
		u.VelocityPriors = append(u.VelocityPriors, backend.VelocityPrior{Keypose: last.KeyposeID})
		u.BiasPriors = append(u.BiasPriors, backend.BiasPrior{Keypose: last.KeyposeID})
		last.Velocity = r3.Vector{}
		last.Bias = imu.Bias{}
	}

	predPose, predVel := pim.Predict(last.Pose, last.Velocity, s.opts.Gravity)
	if predictPose {
		newPose.Pose = &predPose
	}
	newPose.Velocity = &predVel
	bias := last.Bias
	newPose.Bias = &bias

	u.Inertial = append(u.Inertial, backend.InertialFactor{
		From: last.KeyposeID, To: id, Preintegrated: pim,
	})
	u.BiasDrift = append(u.BiasDrift, backend.BiasDriftFactor{
		From: last.KeyposeID, To: id,
	})
}

// collectLandmarks filters degenerate observations and extends (or creates)
// the persistent smart factor for each surviving landmark.
func (s *smoother) collectLandmarks(id uint64, landmarks []LandmarkObservation) []backend.LandmarkObservation {
	var out []backend.LandmarkObservation
	for _, obs := range landmarks {
		if obs.Disparity < s.opts.MinDisparity {
			s.logger.Warnw("skipping near-zero disparity observation",
				"landmark", obs.LandmarkID, "disparity", obs.Disparity)
			continue
		}
		seen := s.smartLandmarks[obs.LandmarkID]
		s.smartLandmarks[obs.LandmarkID] = seen + 1
		out = append(out, backend.LandmarkObservation{
			LandmarkID: obs.LandmarkID,
			Keypose:    id,
			Pixel:      obs.Pixel,
			Disparity:  obs.Disparity,
			New:        seen == 0,
		})
	}
	return out
}

// submit sends the batch, runs extra refinement passes, reads back the new
// keypose's estimate, and commits it.
func (s *smoother) submit(
	ctx context.Context,
	u backend.Update,
	id uint64,
	t time.Time,
	hasImuFactor bool,
) (SmootherResult, error) {
	if err := s.backend.Update(ctx, u); err != nil {
		return SmootherResult{}, errors.Wrap(err, "submitting graph update")
	}
	if err := s.backend.Refine(ctx, s.opts.ExtraRefinementPasses); err != nil {
		return SmootherResult{}, errors.Wrap(err, "refining graph")
	}
	est, ok := s.backend.Estimate(id)
	if !ok {
		return SmootherResult{}, errors.Errorf("backend has no estimate for keypose %d", id)
	}

	res := SmootherResult{
		KeyposeID: id,
		Time:      t,
		Pose:      est.Pose,
	}
	if hasImuFactor {
		res.HasImuState = true
		res.Velocity = est.Velocity
		res.Bias = est.Bias
	}
	s.commit(res)
	return res, nil
}

// farFuture is a timestamp upper bound for "take everything buffered".
func farFuture(t time.Time) time.Time {
	return t.Add(100 * 365 * 24 * time.Hour)
}
