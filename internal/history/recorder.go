package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/parallax-avatar/internal/batch"
)

const recordTimeout = 10 * time.Second

// Writer is the subset of Store used while a batch runs
type Writer interface {
	StartBatch(ctx context.Context, b *Batch, source []byte) error
	SaveFrame(ctx context.Context, f *Frame, image []byte) error
	UpdateStatus(ctx context.Context, batchID, status, errorMsg string) error
	EvictOldest(ctx context.Context, keep int) (int64, error)
}

// Recorder persists a batch by observing its event stream
type Recorder struct {
	writer     Writer
	maxBatches int
	logger     *slog.Logger
}

// NewRecorder creates a Recorder that keeps at most maxBatches finished batches
func NewRecorder(writer Writer, maxBatches int, logger *slog.Logger) *Recorder {
	return &Recorder{writer: writer, maxBatches: maxBatches, logger: logger}
}

// Observe forwards every event of in to the returned channel and persists it
// on a separate goroutine, so a slow database never delays delivery.
// Persistence failures are logged and never interrupt the stream. Recording
// continues after ctx is done so finished frames are kept. The returned
// channel closes once every event has been written.
func (r *Recorder) Observe(ctx context.Context, job batch.Job, in <-chan batch.Event) <-chan batch.Event {
	out := make(chan batch.Event)
	pending := make(chan batch.Event, queueSize(job))
	written := make(chan struct{})

	go func() {
		defer close(written)

		terminated := false
		for ev := range pending {
			r.record(ctx, job, ev)
			terminated = terminated || batch.IsTerminal(ev)
		}

		// no eviction here: the batch may be requeued
		if !terminated {
			r.setStatus(ctx, job.BatchID, StatusFailed, "batch interrupted before completion")
		}
	}()

	go func() {
		defer close(out)

		for ev := range in {
			select {
			case out <- ev:
			case <-ctx.Done():
			}
			pending <- ev
		}
		close(pending)
		<-written
	}()

	return out
}

// queueSize fits a whole batch: config, one event per frame and the terminal event
func queueSize(job batch.Job) int {
	n := max(len(job.Specs), job.XSteps*job.YSteps) + 2
	return max(n, 16)
}

func (r *Recorder) record(ctx context.Context, job batch.Job, ev batch.Event) {
	switch ev := ev.(type) {
	case batch.ConfigEvent:
		b := &Batch{
			BatchID:       job.BatchID,
			Prefix:        ev.Prefix,
			XSteps:        ev.XSteps,
			YSteps:        ev.YSteps,
			TotalFrames:   ev.TotalFrames,
			EstimatedCost: ev.EstimatedCost,
		}
		r.do(ctx, "start batch", job.BatchID, func(ctx context.Context) error {
			return r.writer.StartBatch(ctx, b, job.Source)
		})

	case batch.ProgressEvent:
		f := &Frame{
			BatchID:      job.BatchID,
			Index:        ev.Index,
			Filename:     ev.Spec.Filename,
			RotateYaw:    ev.Spec.RotateYaw,
			RotatePitch:  ev.Spec.RotatePitch,
			PupilX:       ev.Spec.PupilX,
			PupilY:       ev.Spec.PupilY,
			Status:       string(ev.Status),
			Attempts:     ev.Attempts,
			ErrorMessage: ev.Error,
		}
		r.do(ctx, "save frame", job.BatchID, func(ctx context.Context) error {
			return r.writer.SaveFrame(ctx, f, ev.Image)
		})

	case batch.CompleteEvent:
		r.finish(ctx, job.BatchID, StatusCompleted, "")

	case batch.ErrorEvent:
		r.finish(ctx, job.BatchID, StatusFailed, ev.Message)
	}
}

func (r *Recorder) finish(ctx context.Context, batchID, status, msg string) {
	r.setStatus(ctx, batchID, status, msg)
	if r.maxBatches > 0 {
		r.do(ctx, "evict batches", batchID, func(ctx context.Context) error {
			_, err := r.writer.EvictOldest(ctx, r.maxBatches)
			return err
		})
	}
}

func (r *Recorder) setStatus(ctx context.Context, batchID, status, msg string) {
	r.do(ctx, "update status", batchID, func(ctx context.Context) error {
		return r.writer.UpdateStatus(ctx, batchID, status, msg)
	})
}

// do runs a write detached from the caller's cancellation
func (r *Recorder) do(ctx context.Context, op, batchID string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		r.logger.Error("Failed to record batch history",
			slog.String("op", op),
			slog.String("batch_id", batchID),
			slog.Any("error", err),
		)
	}
}
