package vio

import "github.com/pkg/errors"

var (
	// ErrUnderconstrained means a smoother update had no between-factor from
	// either vision or IMU. Submitting it could poison the whole graph, so
	// the smoother treats this as fatal.
	ErrUnderconstrained = errors.New("smoother update has no between factor from vision or IMU")

	// ErrNoMotionSource means vision is unavailable and no valid IMU
	// preintegration exists either; the estimator has nothing to update
	// from and cannot recover.
	ErrNoMotionSource = errors.New("no motion source: vision unavailable and IMU preintegration invalid")

	// ErrStarted is returned by calls that are only legal before Start.
	ErrStarted = errors.New("state estimator already started")
)
