package sweep

import (
	"context"
	"log/slog"
	"time"
)

// Reaper is one cleanup task: release stale reward reservations, expire
// overdue vouchers. It returns how many rows it moved.
type Reaper interface {
	Name() string
	Sweep(ctx context.Context) (int64, error)
}

// ReaperFunc adapts a function to the Reaper interface.
type ReaperFunc struct {
	Label string
	Fn    func(ctx context.Context) (int64, error)
}

func (r ReaperFunc) Name() string { return r.Label }

func (r ReaperFunc) Sweep(ctx context.Context) (int64, error) { return r.Fn(ctx) }

// RunnerConfig configures the background cleanup runner.
type RunnerConfig struct {
	Reapers  []Reaper
	Interval time.Duration
	Logger   *slog.Logger
}

// Runner executes the cleanup tasks on a fixed cadence.
type Runner struct {
	reapers  []Reaper
	interval time.Duration
	logger   *slog.Logger
}

// NewRunner constructs a runner with sane defaults.
func NewRunner(cfg RunnerConfig) *Runner {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{reapers: cfg.Reapers, interval: interval, logger: logger}
}

// Start begins the sweep loop until the context is cancelled. The first pass
// runs immediately so a restart clears backlog without waiting an interval.
func (r *Runner) Start(ctx context.Context) {
	if r == nil || len(r.reapers) == 0 {
		return
	}
	r.runAll(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runAll(ctx)
		}
	}
}

// RunOnce executes a single pass over every reaper, used by tests and ops
// tooling.
func (r *Runner) RunOnce(ctx context.Context) {
	r.runAll(ctx)
}

func (r *Runner) runAll(ctx context.Context) {
	for _, reaper := range r.reapers {
		moved, err := reaper.Sweep(ctx)
		if err != nil {
			r.logger.Error("sweep failed", "task", reaper.Name(), "err", err)
			continue
		}
		if moved > 0 {
			r.logger.Info("sweep completed", "task", reaper.Name(), "rows", moved)
		}
	}
}
