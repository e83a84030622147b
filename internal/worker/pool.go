package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/parallax-avatar/internal/worker/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool", slog.Int("concurrency", w.concurrency))

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	logger := w.logger.With(slog.String("worker_name", fmt.Sprintf("%s-%d", w.workerID, workerNum)))
	logger.Debug("Worker goroutine started")

	for {
		select {
		case <-w.stopChan:
			logger.Debug("Worker goroutine stopping - stopChan closed")
			return

		case <-ctx.Done():
			logger.Debug("Worker goroutine stopping - context canceled")
			return

		case msg, ok := <-w.jobsChan:
			if !ok {
				return
			}
			w.handleMessage(ctx, logger, msg)
		}
	}
}

// handleMessage processes one batch and settles its delivery
func (w *Worker) handleMessage(ctx context.Context, logger *slog.Logger, msg *domain.BatchMessage) {
	logger = logger.With(slog.String("batch_id", msg.BatchID))
	logger.Info("Worker received batch", slog.Uint64("delivery_tag", msg.DeliveryTag))

	err := w.processBatch(ctx, msg)
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			logger.Error("Failed to ACK message", slog.Any("error", ackErr))
		}
		return
	}

	requeue := shouldRequeue(err)
	logger.Warn("Batch not completed",
		slog.Any("error", err),
		slog.Bool("requeue", requeue),
	)

	if nackErr := msg.Nack(requeue); nackErr != nil {
		logger.Error("Failed to NACK message", slog.Any("error", nackErr))
	}
}

// shouldRequeue requeues only errors marked retryable
func shouldRequeue(err error) bool {
	return domain.IsRetryable(err)
}
