package utils

import (
	"context"
	"sync"
	"time"
)

// PeriodicTask runs a function on a fixed interval until stopped
type PeriodicTask struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// StartPeriodic runs fn every interval on its own goroutine. The first run
// happens after one interval. fn receives a context cancelled by Stop.
func StartPeriodic(parent context.Context, interval time.Duration, fn func(ctx context.Context)) *PeriodicTask {
	ctx, cancel := context.WithCancel(parent)
	t := &PeriodicTask{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(t.done)
		if interval <= 0 {
			<-ctx.Done()
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()

	return t
}

// Stop cancels the task and waits for a running iteration to return
func (t *PeriodicTask) Stop() {
	if t == nil {
		return
	}
	t.once.Do(t.cancel)
	<-t.done
}
