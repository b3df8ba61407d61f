package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TaskFunc is the callback invoked on every tick.
type TaskFunc func(context.Context) error

// RecurringConfig configures a recurring task.
type RecurringConfig struct {
	Interval   time.Duration
	RunOnStart bool
	MaxRetries int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Recurring invokes a task roughly every interval. A failed invocation is
// retried a bounded number of times and then abandoned until the next tick, so
// a missed or failed run delays the task rather than killing it.
type Recurring struct {
	name string
	task TaskFunc

	interval   time.Duration
	runOnStart bool
	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewRecurring builds a recurring task with the provided callback.
func NewRecurring(name string, task TaskFunc, cfg RecurringConfig) *Recurring {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Recurring{
		name:       name,
		task:       task,
		interval:   cfg.Interval,
		runOnStart: cfg.RunOnStart,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger,
	}
}

// Start begins the tick loop. Safe to call once.
func (r *Recurring) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop()
	r.started = true
	r.logger.Sugar().Infow("recurring task started", "task", r.name, "interval", r.interval)
}

// Stop cancels the loop and waits for the in-flight run to finish.
func (r *Recurring) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()
	r.logger.Sugar().Infow("recurring task stopped", "task", r.name)
}

func (r *Recurring) loop() {
	defer r.wg.Done()

	if r.runOnStart {
		r.runOnce()
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.runOnce()
		}
	}
}

func (r *Recurring) runOnce() {
	for attempt := 0; ; attempt++ {
		err := r.task(r.ctx)
		if err == nil {
			return
		}
		if r.ctx.Err() != nil {
			return
		}
		if attempt >= r.maxRetries {
			r.logger.Sugar().Errorw("task exceeded retries", "task", r.name, "attempts", attempt+1, "error", err)
			return
		}
		r.logger.Sugar().Warnw("task failed, retrying", "task", r.name, "attempt", attempt+1, "error", err)

		timer := time.NewTimer(r.retryDelay)
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
