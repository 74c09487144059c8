// Package main runs the AUV state estimator as a standalone daemon. Without
// real sensor drivers wired in it feeds the estimator from a synthetic stereo
// and IMU source, which is useful for soak testing the pipeline.
package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/a8m/envsubst"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"go.viam.com/auvnav/backend/deadreckon"
	"go.viam.com/auvnav/imu"
	"go.viam.com/auvnav/vio"
	"go.viam.com/auvnav/vio/fake"
)

var logger = golog.NewDevelopmentLogger("auvnav")

// Arguments are the daemon's command line flags.
type Arguments struct {
	ConfigFile string `flag:"config,usage=path to a JSON config file"`
	Debug      bool   `flag:"debug,usage=enable debug logging"`
}

// Config is the daemon's JSON configuration. Environment variables in the
// file are substituted before parsing.
type Config struct {
	Options vio.Options `json:"options"`

	// Synthetic source rates, used until real drivers are attached.
	StereoHz int `json:"stereo_hz"`
	ImuHz    int `json:"imu_hz"`
}

func defaultConfig() Config {
	return Config{
		Options:  vio.DefaultOptions(),
		StereoHz: 10,
		ImuHz:    100,
	}
}

func readConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := envsubst.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "reading config file")
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parsing config file")
	}
	if cfg.StereoHz <= 0 || cfg.ImuHz <= 0 {
		return Config{}, errors.New("stereo_hz and imu_hz must be positive")
	}
	return cfg, cfg.Options.Validate()
}

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := goutils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if argsParsed.Debug {
		logger = golog.NewDebugLogger("auvnav")
	}

	cfg, err := readConfig(argsParsed.ConfigFile)
	if err != nil {
		return err
	}

	frontend := fake.NewFrontend(3, cfg.Options.ReliableVisionMinLandmarks+3)
	pre := imu.NewMidpointPreintegrator(cfg.Options.MaxImuSampleGap())
	be := deadreckon.New(cfg.Options.Gravity, logger.Named("backend"))

	est, err := vio.NewStateEstimator(cfg.Options, frontend, pre, be, logger.Named("vio"))
	if err != nil {
		return err
	}

	if err := est.RegisterSmootherResultCallback(func(res vio.SmootherResult) {
		logger.Infow("keypose committed",
			"keypose", res.KeyposeID,
			"time", res.Time,
			"position", res.Pose.T,
			"has_imu_state", res.HasImuState)
	}); err != nil {
		return err
	}
	if err := est.RegisterFilterResultCallback(func(res vio.FilterResult) {
		logger.Debugw("filter pose", "time", res.Time, "position", res.Pose.T)
	}); err != nil {
		return err
	}

	if err := est.Start(); err != nil {
		return err
	}
	defer est.Shutdown()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return feedStereo(groupCtx, est, cfg.StereoHz) })
	group.Go(func() error { return feedImu(groupCtx, est, cfg.ImuHz) })

	logger.Infow("auvnav running", "stereo_hz", cfg.StereoHz, "imu_hz", cfg.ImuHz)
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	est.BlockUntilFinished()
	return nil
}

func feedStereo(ctx context.Context, est *vio.StateEstimator, hz int) error {
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()
	var seq int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			est.ReceiveStereo(vio.StereoFrame{Time: now, Seq: seq})
			seq++
		}
	}
}

func feedImu(ctx context.Context, est *vio.StateEstimator, hz int) error {
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			// A vehicle at rest measures specific force opposing gravity.
			est.ReceiveImu(imu.Sample{
				Time:               now,
				LinearAcceleration: imu.DefaultGravity.Mul(-1),
			})
		}
	}
}
