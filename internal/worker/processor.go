package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/parallax-avatar/internal/batch"
	"github.com/cuongbtq/parallax-avatar/internal/history"
	"github.com/cuongbtq/parallax-avatar/internal/worker/domain"
)

// batchSummary is what a worker learns from draining a batch's events
type batchSummary struct {
	ok       int
	failed   int
	complete bool
	errMsg   string
}

// processBatch claims a queued batch, runs it and leaves it COMPLETED, FAILED
// or, when the worker is shutting down, PENDING for another worker
func (w *Worker) processBatch(ctx context.Context, msg *domain.BatchMessage) error {
	b, source, err := w.store.ClaimBatch(ctx, msg.BatchID, w.workerID)
	if err != nil {
		if errors.Is(err, history.ErrBatchAlreadyClaimed) {
			return fmt.Errorf("%w: %v", domain.ErrBatchSkipped, err)
		}
		// database errors may be transient
		return domain.NewRetryableError(fmt.Errorf("failed to claim batch: %w", err))
	}

	job, err := batch.NewJob(b.BatchID, b.XSteps, b.YSteps, b.Prefix, source, w.grid.GridBounds(), w.grid.GridRender())
	if err == nil && len(source) == 0 {
		err = errors.New("source image is empty")
	}
	if err != nil {
		w.markBatch(ctx, b.BatchID, history.StatusFailed, err.Error())
		return fmt.Errorf("%w: %v", domain.ErrInvalidBatch, err)
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.sendBatchHeartbeat(jobCtx, b.BatchID, heartbeatDone)
	defer close(heartbeatDone)

	start := time.Now()
	events := w.recorder.Observe(jobCtx, job, w.orchestrator.Run(jobCtx, job))
	summary := drain(events)

	logger := w.logger.With(slog.String("batch_id", b.BatchID))
	switch {
	case summary.complete:
		logger.Info("Batch completed",
			slog.Int("frames_ok", summary.ok),
			slog.Int("frames_failed", summary.failed),
			slog.Duration("elapsed", time.Since(start)),
		)
		return nil

	case summary.errMsg != "":
		return fmt.Errorf("batch failed: %s", summary.errMsg)

	case ctx.Err() != nil:
		// shutting down: hand the batch back to the queue
		w.markBatch(ctx, b.BatchID, history.StatusPending, "")
		return domain.NewRetryableError(fmt.Errorf("batch interrupted by shutdown: %w", ctx.Err()))

	default:
		return fmt.Errorf("batch interrupted: %w", jobCtx.Err())
	}
}

func drain(events <-chan batch.Event) batchSummary {
	var s batchSummary
	for ev := range events {
		switch ev := ev.(type) {
		case batch.ProgressEvent:
			if ev.Status == batch.StatusOK {
				s.ok++
			} else {
				s.failed++
			}
		case batch.CompleteEvent:
			s.complete = true
		case batch.ErrorEvent:
			s.errMsg = ev.Message
		}
	}
	return s
}

// markBatch updates status outside the job's cancellation
func (w *Worker) markBatch(ctx context.Context, batchID, status, msg string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := w.store.UpdateStatus(ctx, batchID, status, msg); err != nil {
		w.logger.Error("Failed to update batch status",
			slog.String("batch_id", batchID),
			slog.String("status", status),
			slog.Any("error", err),
		)
	}
}

// sendBatchHeartbeat periodically updates the batch's heartbeat timestamp
func (w *Worker) sendBatchHeartbeat(ctx context.Context, batchID string, done <-chan struct{}) {
	interval := w.heartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.Heartbeat(ctx, batchID); err != nil {
				w.logger.Warn("Failed to update batch heartbeat",
					slog.String("batch_id", batchID),
					slog.Any("error", err),
				)
			}
		}
	}
}
