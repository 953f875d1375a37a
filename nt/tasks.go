package nt

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// tasks runs the periodic work of one role (flush, persistence). Each task
// is a goroutine that runs on its ticker or when kicked through its
// channel; stop cancels them all and waits for them to exit.
type tasks struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger
}

func newTasks(role Role) *tasks {
	ctx, cancel := context.WithCancel(context.Background())
	return &tasks{
		ctx:    ctx,
		cancel: cancel,
		log:    slog.With("component", "tasks", "role", role.String()),
	}
}

// every starts fn on period d. The returned function requests an extra run
// as soon as possible; requests made while one is pending are merged.
func (ts *tasks) every(name string, d time.Duration, fn func(context.Context) error) func() {
	kick := make(chan struct{}, 1)
	ts.wg.Add(1)
	go func() {
		defer ts.wg.Done()
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		ts.log.Debug("task starting", "task", name, "period", d)
		for {
			select {
			case <-ts.ctx.Done():
				ts.log.Debug("task stopping", "task", name)
				return
			case <-ticker.C:
			case <-kick:
			}
			if err := fn(ts.ctx); err != nil && ts.ctx.Err() == nil {
				ts.log.Warn("task failed", "task", name, "error", err)
			}
		}
	}()
	return func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
}

// stop cancels every task and waits for them. Safe to call more than once.
func (ts *tasks) stop() {
	ts.cancel()
	ts.wg.Wait()
}
