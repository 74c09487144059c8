package vio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/auvnav/backend"
	"go.viam.com/auvnav/imu"
	"go.viam.com/auvnav/queue"
	auvutils "go.viam.com/auvnav/utils"
)

// frameWait is how long the frontend loop waits for a raw frame each pass.
const frameWait = 100 * time.Millisecond

// StateEstimator fuses asynchronous stereo odometry and IMU streams into a
// continuous pose estimate using three worker goroutines: a stereo frontend,
// a smoother, and a filter. Ingest calls never block the sensor-driver
// threads; overflow drops the oldest buffered item instead.
type StateEstimator struct {
	opts   Options
	logger golog.Logger

	frontend      Frontend
	preintegrator imu.Preintegrator

	rawStereo    *queue.Queue[StereoFrame]
	smootherOdom *queue.Queue[OdometryResult]
	filterOdom   *queue.Queue[OdometryResult]
	smootherImu  *queue.Queue[imu.Sample]
	filterImu    *queue.Queue[imu.Sample]

	smoother *smoother
	filter   *filter

	// resyncFilter is level-triggered: publications before the filter
	// observes it coalesce into one resync to the freshest result.
	resyncFilter atomic.Bool

	smootherCallbacks []SmootherResultCallback
	filterCallbacks   []FilterResultCallback

	mu      sync.Mutex
	started bool
	workers auvutils.StoppableWorkers
}

// NewStateEstimator wires the estimator from its external collaborators. The
// backend and preintegrator are consumed by the smoother; the frontend runs
// on its own worker.
func NewStateEstimator(
	opts Options,
	frontend Frontend,
	pre imu.Preintegrator,
	be backend.Backend,
	logger golog.Logger,
) (*StateEstimator, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid options")
	}
	if frontend == nil || pre == nil || be == nil {
		return nil, errors.New("frontend, preintegrator, and backend are required")
	}
	return &StateEstimator{
		opts:          opts,
		logger:        logger,
		frontend:      frontend,
		preintegrator: pre,
		rawStereo:     queue.New[StereoFrame](opts.MaxQueueSizeStereo),
		smootherOdom:  queue.New[OdometryResult](opts.MaxQueueSizeOdometry),
		filterOdom:    queue.New[OdometryResult](opts.MaxQueueSizeOdometry),
		smootherImu:   queue.New[imu.Sample](opts.MaxQueueSizeImu),
		filterImu:     queue.New[imu.Sample](opts.MaxQueueSizeImu),
		smoother:      newSmoother(opts, be, pre, logger.Named("smoother")),
		filter:        newFilter(opts, logger.Named("filter")),
	}, nil
}

// ReceiveStereo ingests a stereo frame. Never blocks.
func (s *StateEstimator) ReceiveStereo(frame StereoFrame) {
	if s.rawStereo.Push(frame) {
		s.logger.Debugw("stereo ingest overflow; dropped oldest frame", "seq", frame.Seq)
	}
}

// ReceiveImu ingests an IMU sample into both consumer buffers. Never blocks.
func (s *StateEstimator) ReceiveImu(sample imu.Sample) {
	if s.smootherImu.Push(sample) {
		s.logger.Debugw("smoother IMU buffer overflow; dropped oldest sample")
	}
	if s.filterImu.Push(sample) {
		s.logger.Debugw("filter IMU buffer overflow; dropped oldest sample")
	}
}

// RegisterSmootherResultCallback adds an observer of committed smoother
// results. Callbacks run synchronously on the smoother goroutine in
// registration order, so a slow callback directly delays the next update;
// whether that backpressure is a feature or an oversight is under review —
// keep callbacks fast. Registration is only legal before Start.
func (s *StateEstimator) RegisterSmootherResultCallback(cb SmootherResultCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.smootherCallbacks = append(s.smootherCallbacks, cb)
	return nil
}

// RegisterFilterResultCallback adds an observer of filter publications. The
// same synchronous-execution contract as the smoother callbacks applies.
func (s *StateEstimator) RegisterFilterResultCallback(cb FilterResultCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.filterCallbacks = append(s.filterCallbacks, cb)
	return nil
}

// GetSmootherResult returns a snapshot of the newest committed smoother
// result. Safe to call concurrently with updates.
func (s *StateEstimator) GetSmootherResult() SmootherResult {
	return s.smoother.Result()
}

// GetFilterResult returns a snapshot of the newest filter estimate.
func (s *StateEstimator) GetFilterResult() FilterResult {
	return s.filter.Result()
}

// Start spawns the frontend, smoother, and filter workers.
func (s *StateEstimator) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.started = true
	s.workers = auvutils.NewStoppableWorkers(s.frontendLoop, s.smootherLoop, s.filterLoop)
	s.logger.Infow("state estimator started")
	return nil
}

// Shutdown requests a graceful stop and joins all workers. Each worker
// observes cancellation at the top of its loop and before every blocking
// wait; a callback already in flight runs to completion first.
func (s *StateEstimator) Shutdown() {
	s.mu.Lock()
	workers := s.workers
	s.workers = nil
	s.mu.Unlock()
	if workers == nil {
		return
	}
	workers.Stop()
	s.logger.Infow("state estimator shut down")
}

// BlockUntilFinished returns once every item present in the ingest queues at
// the moment of the call has been dequeued by its consumer (or evicted).
// Items ingested after the call do not delay the return; shutdown also
// releases it.
func (s *StateEstimator) BlockUntilFinished() {
	s.mu.Lock()
	workers := s.workers
	s.mu.Unlock()

	if workers == nil {
		// Nothing is running, so nothing queued can ever drain.
		return
	}
	ctx := workers.Context()

	stereoPushed, _ := s.rawStereo.Counters()
	smootherImuPushed, _ := s.smootherImu.Counters()
	filterImuPushed, _ := s.filterImu.Counters()

	drained := func() bool {
		if _, removed := s.rawStereo.Counters(); removed < stereoPushed {
			return false
		}
		if _, removed := s.smootherImu.Counters(); removed < smootherImuPushed {
			return false
		}
		if _, removed := s.filterImu.Counters(); removed < filterImuPushed {
			return false
		}
		return true
	}
	for !drained() {
		if !goutils.SelectContextOrWait(ctx, queue.PollInterval) {
			return
		}
	}
}

// frontendLoop feeds raw frames through the stereo frontend and fans the
// odometry out to the smoother- and filter-bound queues.
func (s *StateEstimator) frontendLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		frame, ok := s.rawStereo.PopWait(ctx, frameWait)
		if !ok {
			continue
		}
		odom, err := s.frontend.Process(ctx, frame)
		if err != nil {
			s.logger.Errorw("stereo frontend failed; dropping frame", "seq", frame.Seq, "error", err)
			continue
		}
		if s.smootherOdom.Push(odom) {
			s.logger.Debugw("smoother odometry overflow; dropped oldest result")
		}
		if s.filterOdom.Push(odom) {
			s.logger.Debugw("filter odometry overflow; dropped oldest result")
		}
	}
}

// smootherLoop is the slow path: an explicit two-state machine. In
// vision-available mode it waits patiently for keyframes; in
// vision-unavailable mode it polls briefly and advances on IMU alone.
func (s *StateEstimator) smootherLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.smoother.bufferImu(s.smootherImu.Drain())

		odom, ok := s.smootherOdom.PopWait(ctx, s.opts.waitFor(s.smoother.mode))
		if ctx.Err() != nil {
			return
		}
		s.smoother.bufferImu(s.smootherImu.Drain())

		var (
			res     SmootherResult
			updated bool
			err     error
		)
		if ok && odom.IsKeyframe {
			res, updated, err = s.smoother.onKeyframe(ctx, odom)
		} else {
			if ok {
				s.logger.Debugw("non-keyframe odometry; treating as vision timeout", "time", odom.Time)
			}
			res, updated, err = s.smoother.onVisionTimeout(ctx)
		}

		switch {
		case errors.Is(err, ErrUnderconstrained), errors.Is(err, ErrNoMotionSource):
			// An under-constrained graph or a total loss of motion sources is
			// unrecoverable by design.
			s.logger.Fatalw("fatal smoother invariant violation", "error", err)
			return
		case err != nil:
			s.logger.Errorw("smoother update failed", "error", err)
			continue
		}

		if updated {
			s.publishSmootherResult(res)
		}
	}
}

// publishSmootherResult runs after the result is committed: flag the filter
// for resync, then notify observers in registration order.
func (s *StateEstimator) publishSmootherResult(res SmootherResult) {
	s.resyncFilter.Store(true)
	for _, cb := range s.smootherCallbacks {
		cb(res)
	}
}

// filterLoop is the fast path: re-anchor on the smoother whenever flagged,
// then propagate pose through any buffered IMU samples.
func (s *StateEstimator) filterLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if s.resyncFilter.CompareAndSwap(true, false) {
			s.filter.resyncTo(s.smoother.Result())
		}

		for _, odom := range s.filterOdom.Drain() {
			s.filter.observeOdometry(odom)
		}

		published := false
		for _, sample := range s.filterImu.Drain() {
			if s.filter.propagate(sample) {
				published = true
			}
		}
		if published {
			res := s.filter.Result()
			for _, cb := range s.filterCallbacks {
				cb(res)
			}
		}

		if !goutils.SelectContextOrWait(ctx, queue.PollInterval) {
			return
		}
	}
}
