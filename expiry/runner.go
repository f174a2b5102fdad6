package expiry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Runner drives recurring cleanup passes. A pass runs immediately on
// Start and then on every tick. Starting an already-running runner stops
// the previous timer first, so two timers never run at once.
type Runner struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewRunner creates a runner for the engine at its configured interval.
func NewRunner(engine *Engine, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	interval := engine.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Runner{
		engine:   engine,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the recurring sweep, replacing any running one.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		stopCh, doneCh := r.stopCh, r.doneCh
		r.mu.Unlock()
		close(stopCh)
		<-doneCh
		r.mu.Lock()
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	go r.loop(ctx, stopCh, doneCh)
}

// Stop halts the recurring sweep, waiting for an in-progress pass.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the recurring sweep is active.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runner) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	defer r.setStopped(doneCh)

	r.logger.Info("cleanup runner starting", "interval", r.interval)

	if _, err := r.engine.RunAll(ctx); err != nil {
		r.logger.Warn("cleanup pass failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.engine.RunAll(ctx); err != nil {
				r.logger.Warn("cleanup pass failed", "error", err)
			}
		case <-stopCh:
			r.logger.Info("cleanup runner stopped")
			return
		case <-ctx.Done():
			r.logger.Info("cleanup runner context cancelled")
			return
		}
	}
}

// setStopped clears the running flag, but only if this loop is still the
// current one; a replacing Start may already own the flag.
func (r *Runner) setStopped(doneCh chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doneCh == doneCh {
		r.running = false
	}
}
