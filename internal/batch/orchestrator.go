// Package batch runs a grid of frame generations with bounded concurrency,
// retrying rate-limited calls and streaming progress as frames finish.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cuongbtq/parallax-avatar/internal/grid"
	"github.com/cuongbtq/parallax-avatar/internal/replicate"
)

// FrameCaller renders a single frame from the source photo
type FrameCaller interface {
	CallFrame(ctx context.Context, source []byte, spec grid.FrameSpec) ([]byte, error)
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Orchestrator executes jobs against a FrameCaller
type Orchestrator struct {
	caller       FrameCaller
	policy       Policy
	costPerFrame float64
	sleep        SleepFunc
	logger       *slog.Logger
}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithSleep replaces the backoff sleep, mainly for tests
func WithSleep(fn SleepFunc) Option {
	return func(o *Orchestrator) {
		o.sleep = fn
	}
}

// WithCostPerFrame sets the estimated cost reported in the config event
func WithCostPerFrame(cost float64) Option {
	return func(o *Orchestrator) {
		o.costPerFrame = cost
	}
}

func NewOrchestrator(caller FrameCaller, policy Policy, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		caller: caller,
		policy: policy.withDefaults(),
		sleep:  sleepContext,
		logger: logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Policy returns the effective policy
func (o *Orchestrator) Policy() Policy {
	return o.policy
}

// Run starts the job and returns its event stream. The stream starts with a
// ConfigEvent, carries one ProgressEvent per frame and ends with a
// CompleteEvent or ErrorEvent, after which it is closed. If ctx is canceled
// the stream is closed without a terminal event.
func (o *Orchestrator) Run(ctx context.Context, job Job) <-chan Event {
	out := make(chan Event)
	r := &run{
		Orchestrator: o,
		job:          job,
		out:          out,
		logger:       o.logger.With(slog.String("batch_id", job.BatchID)),
	}
	if o.policy.RequestsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(o.policy.RequestsPerSecond), 1)
	}

	go func() {
		defer close(out)
		r.execute(ctx)
	}()
	return out
}

// run holds the state of a single job execution
type run struct {
	*Orchestrator
	job     Job
	out     chan<- Event
	limiter *rate.Limiter
	logger  *slog.Logger

	cursor atomic.Int64

	emitMu    sync.Mutex
	completed int
}

func (r *run) execute(ctx context.Context) {
	total := len(r.job.Specs)
	start := time.Now()

	if !r.emit(ctx, ConfigEvent{
		BatchID:       r.job.BatchID,
		XSteps:        r.job.XSteps,
		YSteps:        r.job.YSteps,
		Prefix:        r.job.Prefix,
		TotalFrames:   total,
		EstimatedCost: r.EstimatedCost(total),
	}) {
		return
	}

	workers := r.policy.Workers(total)
	r.logger.Info("Starting batch",
		slog.Int("frames", total),
		slog.Int("workers", workers),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		workerNum := i
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("worker %d panicked: %v", workerNum, p)
				}
			}()
			r.workerLoop(gctx, workerNum)
			return nil
		})
	}
	err := g.Wait()

	if ctx.Err() != nil {
		r.logger.Warn("Batch canceled",
			slog.Int("completed", r.completedCount()),
			slog.Int("total", total),
			slog.Any("error", ctx.Err()),
		)
		return
	}

	if err != nil {
		r.logger.Error("Batch aborted", slog.Any("error", err))
		r.emit(ctx, ErrorEvent{BatchID: r.job.BatchID, Message: err.Error()})
		return
	}

	r.logger.Info("Batch completed",
		slog.Int("frames", total),
		slog.Duration("elapsed", time.Since(start)),
	)
	r.emit(ctx, CompleteEvent{BatchID: r.job.BatchID})
}

// workerLoop claims frame indices from the shared cursor until none remain
func (r *run) workerLoop(ctx context.Context, workerNum int) {
	for {
		if ctx.Err() != nil {
			return
		}

		idx := int(r.cursor.Add(1) - 1)
		if idx >= len(r.job.Specs) {
			return
		}
		spec := r.job.Specs[idx]

		image, attempts, err := r.attemptFrame(ctx, spec)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			r.logger.Warn("Frame given up",
				slog.Int("worker", workerNum),
				slog.Int("index", spec.Index),
				slog.Int("attempts", attempts),
				slog.Any("error", err),
			)
		}
		r.emitProgress(ctx, spec, image, attempts, err)
	}
}

// attemptFrame drives a frame through Attempting, backing off on rate limits,
// until it succeeds or is given up. It returns the number of calls made.
func (r *run) attemptFrame(ctx context.Context, spec grid.FrameSpec) ([]byte, int, error) {
	for attempt := 0; ; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, attempt, err
			}
		}

		image, err := r.callOnce(ctx, spec)
		if err == nil {
			return image, attempt + 1, nil
		}

		if !isRetryable(err) || attempt >= r.policy.MaxRetries {
			return nil, attempt + 1, err
		}

		delay := r.policy.Backoff(attempt)
		r.logger.Info("Frame rate limited, backing off",
			slog.Int("index", spec.Index),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
		)
		if err := r.sleep(ctx, delay); err != nil {
			return nil, attempt + 1, err
		}
	}
}

func (r *run) callOnce(ctx context.Context, spec grid.FrameSpec) ([]byte, error) {
	if r.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.policy.AttemptTimeout)
		defer cancel()
	}
	return r.caller.CallFrame(ctx, r.job.Source, spec)
}

func (r *run) emitProgress(ctx context.Context, spec grid.FrameSpec, image []byte, attempts int, err error) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.completed++
	ev := ProgressEvent{
		BatchID:   r.job.BatchID,
		Completed: r.completed,
		Total:     len(r.job.Specs),
		Index:     spec.Index,
		Spec:      spec,
		Image:     image,
		Status:    StatusOK,
		Attempts:  attempts,
	}
	if err != nil {
		ev.Image = nil
		ev.Status = StatusFailed
		ev.Error = err.Error()
	}
	r.emit(ctx, ev)
}

func (r *run) completedCount() int {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	return r.completed
}

// emit delivers ev unless the consumer has gone away
func (r *run) emit(ctx context.Context, ev Event) bool {
	select {
	case r.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func isRetryable(err error) bool {
	return replicate.IsRetryable(err) || replicate.IsRateLimited(err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
