package utils

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestStoppableWorkers(t *testing.T) {
	var iterations int64
	sw := NewStoppableWorkers(func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Millisecond):
				atomic.AddInt64(&iterations, 1)
			}
		}
	})
	time.Sleep(20 * time.Millisecond)
	sw.Stop()
	n := atomic.LoadInt64(&iterations)
	test.That(t, n, test.ShouldBeGreaterThan, 0)

	// Workers are joined: the count no longer moves.
	time.Sleep(10 * time.Millisecond)
	test.That(t, atomic.LoadInt64(&iterations), test.ShouldEqual, n)
}

func TestStoppableWorkersPanic(t *testing.T) {
	sw := NewStoppableWorkers(func(ctx context.Context) {
		panic("worker failure")
	})
	// Stop must not hang or re-raise even though the worker panicked.
	sw.Stop()
	test.That(t, sw.Context().Err(), test.ShouldNotBeNil)
}
