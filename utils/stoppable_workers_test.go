package utils

import (
	"context"
	"sync/atomic"
	"testing"

	"go.viam.com/test"
)

func TestStoppableWorkers(t *testing.T) {
	var iterations atomic.Int64
	loop := func(ctx context.Context) {
		for ctx.Err() == nil {
			iterations.Add(1)
		}
	}
	started := make(chan struct{})
	workers := NewStoppableWorkers(loop, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	<-started

	workers.Stop()
	test.That(t, workers.Context().Err(), test.ShouldNotBeNil)
	after := iterations.Load()

	// Stopping twice is a no-op and workers added after Stop never run.
	workers.Stop()
	workers.AddWorkers(loop)
	test.That(t, iterations.Load(), test.ShouldEqual, after)
}
