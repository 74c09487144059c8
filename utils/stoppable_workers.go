// Package utils contains small shared helpers for the auvnav worker loops.
package utils

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// StoppableWorkers is a group of goroutines sharing a cancel context that can
// be stopped and waited on together.
type StoppableWorkers interface {
	// Stop cancels the shared context and blocks until every worker returns.
	Stop()
	// Context is the context the workers watch for cancellation.
	Context() context.Context
}

type stoppableWorkers struct {
	cancelCtx  context.Context
	cancelFunc func()
	workers    sync.WaitGroup
}

// NewStoppableWorkers runs each function in its own goroutine. Panics are
// captured rather than crashing the process.
func NewStoppableWorkers(funcs ...func(context.Context)) StoppableWorkers {
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	sw := &stoppableWorkers{cancelCtx: cancelCtx, cancelFunc: cancelFunc}
	sw.workers.Add(len(funcs))
	for _, f := range funcs {
		f := f
		goutils.PanicCapturingGo(func() {
			defer sw.workers.Done()
			f(sw.cancelCtx)
		})
	}
	return sw
}

func (sw *stoppableWorkers) Stop() {
	sw.cancelFunc()
	sw.workers.Wait()
}

func (sw *stoppableWorkers) Context() context.Context {
	return sw.cancelCtx
}
