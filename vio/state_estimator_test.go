package vio_test

import (
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/auvnav/backend/deadreckon"
	"go.viam.com/auvnav/imu"
	"go.viam.com/auvnav/vio"
	"go.viam.com/auvnav/vio/fake"
)

func testOptions() vio.Options {
	opts := vio.DefaultOptions()
	// Short waits keep IMU-only fallbacks snappy under test.
	opts.WaitVisionAvailableMillis = 500
	opts.WaitVisionUnavailableMillis = 50
	return opts
}

func newTestEstimator(t *testing.T, opts vio.Options) (*vio.StateEstimator, *fake.Frontend) {
	logger := golog.NewTestLogger(t)
	frontend := fake.NewFrontend(1, 15)
	pre := imu.NewMidpointPreintegrator(opts.MaxImuSampleGap())
	be := deadreckon.New(opts.Gravity, logger)
	est, err := vio.NewStateEstimator(opts, frontend, pre, be, logger)
	test.That(t, err, test.ShouldBeNil)
	return est, frontend
}

func stationarySample(ts time.Time) imu.Sample {
	return imu.Sample{Time: ts, LinearAcceleration: imu.DefaultGravity.Mul(-1)}
}

func TestNewStateEstimatorValidation(t *testing.T) {
	logger := golog.NewTestLogger(t)
	opts := testOptions()
	pre := imu.NewMidpointPreintegrator(opts.MaxImuSampleGap())
	be := deadreckon.New(opts.Gravity, logger)

	_, err := vio.NewStateEstimator(opts, nil, pre, be, logger)
	test.That(t, err, test.ShouldNotBeNil)

	bad := opts
	bad.MaxQueueSizeImu = 0
	_, err = vio.NewStateEstimator(bad, fake.NewFrontend(1, 15), pre, be, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestStartAndRegisterAfterStart(t *testing.T) {
	est, _ := newTestEstimator(t, testOptions())
	defer est.Shutdown()

	test.That(t, est.Start(), test.ShouldBeNil)
	test.That(t, est.Start(), test.ShouldBeError, vio.ErrStarted)
	err := est.RegisterSmootherResultCallback(func(vio.SmootherResult) {})
	test.That(t, err, test.ShouldBeError, vio.ErrStarted)
	err = est.RegisterFilterResultCallback(func(vio.FilterResult) {})
	test.That(t, err, test.ShouldBeError, vio.ErrStarted)
}

func TestShutdownIdempotent(t *testing.T) {
	est, _ := newTestEstimator(t, testOptions())
	test.That(t, est.Start(), test.ShouldBeNil)
	est.Shutdown()
	est.Shutdown()
}

func TestEndToEndStereoAndImu(t *testing.T) {
	est, _ := newTestEstimator(t, testOptions())

	var mu sync.Mutex
	var smootherSeen []uint64
	var filterTimes []time.Time
	err := est.RegisterSmootherResultCallback(func(res vio.SmootherResult) {
		mu.Lock()
		smootherSeen = append(smootherSeen, res.KeyposeID)
		mu.Unlock()
	})
	test.That(t, err, test.ShouldBeNil)
	err = est.RegisterFilterResultCallback(func(res vio.FilterResult) {
		mu.Lock()
		filterTimes = append(filterTimes, res.Time)
		mu.Unlock()
	})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, est.Start(), test.ShouldBeNil)
	defer est.Shutdown()

	t0 := time.Now()
	est.ReceiveStereo(vio.StereoFrame{Time: t0, Seq: 0})
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, est.GetSmootherResult().Time.Equal(t0), test.ShouldBeTrue)
	})
	test.That(t, est.GetSmootherResult().KeyposeID, test.ShouldEqual, uint64(0))

	// IMU covering the inter-keyframe interval, then the next keyframe.
	t1 := t0.Add(time.Second)
	for ts := t0.Add(10 * time.Millisecond); !ts.After(t1); ts = ts.Add(10 * time.Millisecond) {
		est.ReceiveImu(stationarySample(ts))
	}
	est.ReceiveStereo(vio.StereoFrame{Time: t1, Seq: 1})
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, est.GetSmootherResult().KeyposeID, test.ShouldEqual, uint64(1))
	})

	res := est.GetSmootherResult()
	test.That(t, res.HasImuState, test.ShouldBeTrue)
	// The scripted frontend steps 0.1m along x per keyframe.
	test.That(t, res.Pose.T.X, test.ShouldAlmostEqual, 0.1, 1e-6)

	// The filter re-anchors on the publication and propagates fresh samples.
	t2 := t1.Add(200 * time.Millisecond)
	for ts := t1.Add(10 * time.Millisecond); !ts.After(t2); ts = ts.Add(10 * time.Millisecond) {
		est.ReceiveImu(stationarySample(ts))
	}
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, est.GetFilterResult().Time.After(t1), test.ShouldBeTrue)
	})
	fres := est.GetFilterResult()
	test.That(t, fres.Pose.T.X, test.ShouldAlmostEqual, 0.1, 1e-3)

	mu.Lock()
	defer mu.Unlock()
	// Smoother callbacks fire once per committed keypose, in order. IMU-only
	// keyposes may follow once vision goes quiet, so check the prefix.
	test.That(t, len(smootherSeen), test.ShouldBeGreaterThanOrEqualTo, 2)
	test.That(t, smootherSeen[0], test.ShouldEqual, uint64(0))
	test.That(t, smootherSeen[1], test.ShouldEqual, uint64(1))
	for i := 1; i < len(smootherSeen); i++ {
		test.That(t, smootherSeen[i], test.ShouldEqual, smootherSeen[i-1]+1)
	}
	test.That(t, len(filterTimes), test.ShouldBeGreaterThan, 0)
	for i := 1; i < len(filterTimes); i++ {
		test.That(t, filterTimes[i].After(filterTimes[i-1]), test.ShouldBeTrue)
	}
}

func TestImuOnlyFallback(t *testing.T) {
	est, _ := newTestEstimator(t, testOptions())
	test.That(t, est.Start(), test.ShouldBeNil)
	defer est.Shutdown()

	t0 := time.Now()
	est.ReceiveStereo(vio.StereoFrame{Time: t0, Seq: 0})
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, est.GetSmootherResult().Time.Equal(t0), test.ShouldBeTrue)
	})

	// Vision goes silent; a steady IMU stream must keep keyposes coming.
	for ts := t0.Add(10 * time.Millisecond); !ts.After(t0.Add(time.Second)); ts = ts.Add(10 * time.Millisecond) {
		est.ReceiveImu(stationarySample(ts))
	}
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, est.GetSmootherResult().KeyposeID, test.ShouldBeGreaterThan, uint64(0))
	})
	res := est.GetSmootherResult()
	test.That(t, res.HasImuState, test.ShouldBeTrue)
	test.That(t, res.Pose.T.Norm(), test.ShouldAlmostEqual, 0, 1e-6)
}

func TestIngestNeverBlocksWhenStopped(t *testing.T) {
	est, _ := newTestEstimator(t, testOptions())

	// No workers are running; ingest far beyond capacity must not block.
	t0 := time.Now()
	for i := 0; i < 500; i++ {
		est.ReceiveStereo(vio.StereoFrame{Time: t0.Add(time.Duration(i) * 50 * time.Millisecond), Seq: int64(i)})
		est.ReceiveImu(stationarySample(t0.Add(time.Duration(i) * time.Millisecond)))
	}
}

func TestBlockUntilFinished(t *testing.T) {
	est, _ := newTestEstimator(t, testOptions())

	// Before Start it returns immediately.
	est.BlockUntilFinished()

	test.That(t, est.Start(), test.ShouldBeNil)
	defer est.Shutdown()

	t0 := time.Now()
	est.ReceiveStereo(vio.StereoFrame{Time: t0, Seq: 0})
	for ts := t0.Add(10 * time.Millisecond); !ts.After(t0.Add(500 * time.Millisecond)); ts = ts.Add(10 * time.Millisecond) {
		est.ReceiveImu(stationarySample(ts))
	}

	done := make(chan struct{})
	go func() {
		est.BlockUntilFinished()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("BlockUntilFinished did not return")
	}

	// Everything ingested before the call has been dequeued; the commit
	// itself lags the dequeue by at most one smoother pass.
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, est.GetSmootherResult().Time.IsZero(), test.ShouldBeFalse)
	})
}

func TestShutdownWhileIngestContinues(t *testing.T) {
	est, _ := newTestEstimator(t, testOptions())
	test.That(t, est.Start(), test.ShouldBeNil)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t0 := time.Now()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			est.ReceiveStereo(vio.StereoFrame{Time: t0.Add(time.Duration(i) * 100 * time.Millisecond), Seq: int64(i)})
			est.ReceiveImu(stationarySample(t0.Add(time.Duration(i) * 10 * time.Millisecond)))
			time.Sleep(time.Millisecond)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	shutdownDone := make(chan struct{})
	go func() {
		est.Shutdown()
		close(shutdownDone)
	}()
	select {
	case <-shutdownDone:
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown did not finish while ingest continued")
	}
	close(stop)
	wg.Wait()
}
