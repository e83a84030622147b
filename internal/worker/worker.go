package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/parallax-avatar/internal/batch"
	"github.com/cuongbtq/parallax-avatar/internal/config"
	"github.com/cuongbtq/parallax-avatar/internal/history"
	"github.com/cuongbtq/parallax-avatar/internal/worker/domain"
)

const defaultJobTimeout = 10 * time.Minute

// BatchStore is the persistence the worker needs to claim and run batches
type BatchStore interface {
	history.Writer
	ClaimBatch(ctx context.Context, batchID, workerID string) (*history.Batch, []byte, error)
	Heartbeat(ctx context.Context, batchID string) error
}

// Consumer delivers queued batch messages
type Consumer interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Store             BatchStore
	Consumer          Consumer
	Orchestrator      *batch.Orchestrator
	Grid              config.GridConfig
	WorkerID          string
	Concurrency       int
	MaxJobs           int
	MaxBatches        int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
}

// Worker consumes queued batches and runs them with a bounded pool
type Worker struct {
	logger            *slog.Logger
	store             BatchStore
	consumer          Consumer
	orchestrator      *batch.Orchestrator
	recorder          *history.Recorder
	grid              config.GridConfig
	workerID          string
	concurrency       int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration

	jobsChan chan *domain.BatchMessage
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	logger := cfg.Logger.With(slog.String("worker_id", cfg.WorkerID))
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}
	return &Worker{
		logger:            logger,
		store:             cfg.Store,
		consumer:          cfg.Consumer,
		orchestrator:      cfg.Orchestrator,
		recorder:          history.NewRecorder(cfg.Store, cfg.MaxBatches, logger),
		grid:              cfg.Grid,
		workerID:          cfg.WorkerID,
		concurrency:       max(cfg.Concurrency, 1),
		jobTimeout:        jobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		jobsChan:          make(chan *domain.BatchMessage, max(cfg.MaxJobs, 1)),
		stopChan:          make(chan struct{}),
	}
}

// Start subscribes to the queue, spawns the pool and dispatches deliveries
// until ctx is canceled or the broker closes the delivery channel
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)

	if err := w.startMessageDispatcher(ctx, deliveries); err != nil {
		return err
	}

	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop signals the pool to exit and waits for in-flight batches
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
