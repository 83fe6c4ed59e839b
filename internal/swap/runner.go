package swap

import (
	"context"
	"fmt"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Runner drives the top-up engine on a fixed cadence. Errors are operator
// signals, not batch failures, so they are logged and the job keeps running.
type Runner struct {
	scheduler gocron.Scheduler
	engine    *Engine
	log       *zap.Logger
	observe   func(outcome string)
}

func NewRunner(engine *Engine, interval time.Duration, log *zap.Logger) (*Runner, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	r := &Runner{scheduler: scheduler, engine: engine, log: log}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(r.runOnce),
	)
	if err != nil {
		return nil, fmt.Errorf("schedule top-up job: %w", err)
	}
	return r, nil
}

// SetObserver installs an outcome counter hook. Nil disables it.
func (r *Runner) SetObserver(observe func(outcome string)) { r.observe = observe }

func (r *Runner) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	outcome := "ok"
	switch err := r.engine.TopUp(ctx); err {
	case nil:
	case ErrNothingToConvert, ErrBelowMinimumSwap:
		outcome = "skipped"
		r.log.Debug("top-up skipped", zap.Error(err))
	default:
		outcome = "failed"
		r.log.Warn("top-up failed", zap.Error(err))
	}
	if r.observe != nil {
		r.observe(outcome)
	}
}

func (r *Runner) Start() {
	r.scheduler.Start()
	r.log.Info("top-up runner started")
}

func (r *Runner) Stop() error {
	return r.scheduler.Shutdown()
}
