// Package history persists generated batches and their frames in PostgreSQL.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/parallax-avatar/internal/batch"
)

const batchColumns = `
	batch_id, prefix, x_steps, y_steps, total_frames,
	completed_frames, failed_frames, estimated_cost, status,
	COALESCE(worker_id, '') AS worker_id,
	COALESCE(error_message, '') AS error_message,
	created_at, updated_at`

const frameColumns = `
	batch_id, frame_index, filename, rotate_yaw, rotate_pitch,
	pupil_x, pupil_y, status, attempts,
	COALESCE(error_message, '') AS error_message,
	created_at`

// Store handles all database operations for batch history
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store instance
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// CreateBatch inserts a new batch together with its source image
func (s *Store) CreateBatch(ctx context.Context, b *Batch, source []byte) error {
	query := `
		INSERT INTO batches (
			batch_id, prefix, x_steps, y_steps, total_frames,
			estimated_cost, status, source_image, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, NOW(), NOW()
		)
	`

	_, err := s.db.ExecContext(ctx, query,
		b.BatchID, b.Prefix, b.XSteps, b.YSteps, b.TotalFrames,
		b.EstimatedCost, b.Status, source,
	)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

// StartBatch records a batch as RUNNING. An existing row keeps its source image
// and restarts its frame counters; frames are overwritten as they finish again.
func (s *Store) StartBatch(ctx context.Context, b *Batch, source []byte) error {
	query := `
		INSERT INTO batches (
			batch_id, prefix, x_steps, y_steps, total_frames,
			estimated_cost, status, source_image, started_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, NOW(), NOW(), NOW()
		)
		ON CONFLICT (batch_id) DO UPDATE
		SET status = EXCLUDED.status,
		    total_frames = EXCLUDED.total_frames,
		    completed_frames = 0,
		    failed_frames = 0,
		    error_message = NULL,
		    estimated_cost = EXCLUDED.estimated_cost,
		    started_at = COALESCE(batches.started_at, NOW()),
		    updated_at = NOW()
	`

	_, err := s.db.ExecContext(ctx, query,
		b.BatchID, b.Prefix, b.XSteps, b.YSteps, b.TotalFrames,
		b.EstimatedCost, StatusRunning, source,
	)
	if err != nil {
		return fmt.Errorf("failed to start batch: %w", err)
	}
	return nil
}

// ClaimBatch moves a batch from PENDING to RUNNING for workerID and returns it with its source image
func (s *Store) ClaimBatch(ctx context.Context, batchID, workerID string) (*Batch, []byte, error) {
	query := `
		UPDATE batches
		SET status = $1,
		    worker_id = $2,
		    started_at = NOW(),
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE batch_id = $3
		  AND status = $4
		RETURNING batch_id, prefix, x_steps, y_steps, total_frames, estimated_cost, source_image
	`

	var b Batch
	var source []byte
	err := s.db.QueryRowContext(ctx, query, StatusRunning, workerID, batchID, StatusPending).Scan(
		&b.BatchID,
		&b.Prefix,
		&b.XSteps,
		&b.YSteps,
		&b.TotalFrames,
		&b.EstimatedCost,
		&source,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to claim batch - already claimed or not found",
				slog.String("batch_id", batchID),
				slog.String("worker_id", workerID),
			)
			return nil, nil, ErrBatchAlreadyClaimed
		}
		return nil, nil, fmt.Errorf("failed to claim batch: %w", err)
	}

	b.Status = StatusRunning
	b.WorkerID = workerID

	s.logger.Info("Batch claimed successfully",
		slog.String("batch_id", batchID),
		slog.String("worker_id", workerID),
	)
	return &b, source, nil
}

// SaveFrame stores a finished frame and advances the batch counters
func (s *Store) SaveFrame(ctx context.Context, f *Frame, image []byte) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := `
		INSERT INTO frames (
			batch_id, frame_index, filename, rotate_yaw, rotate_pitch,
			pupil_x, pupil_y, status, attempts, image, error_message
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, NULLIF($11, '')
		)
		ON CONFLICT (batch_id, frame_index) DO UPDATE
		SET status = EXCLUDED.status,
		    attempts = EXCLUDED.attempts,
		    image = EXCLUDED.image,
		    error_message = EXCLUDED.error_message
	`
	_, err = tx.ExecContext(ctx, insert,
		f.BatchID, f.Index, f.Filename, f.RotateYaw, f.RotatePitch,
		f.PupilX, f.PupilY, f.Status, f.Attempts, image, f.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to save frame: %w", err)
	}

	failed := 0
	if f.Status != string(batch.StatusOK) {
		failed = 1
	}
	counters := `
		UPDATE batches
		SET completed_frames = completed_frames + 1,
		    failed_frames = failed_frames + $1,
		    updated_at = NOW()
		WHERE batch_id = $2
	`
	if _, err := tx.ExecContext(ctx, counters, failed, f.BatchID); err != nil {
		return fmt.Errorf("failed to update batch counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit frame: %w", err)
	}
	return nil
}

// UpdateStatus updates the batch status and optionally sets an error message
func (s *Store) UpdateStatus(ctx context.Context, batchID, status, errorMsg string) error {
	query := `
		UPDATE batches
		SET status = $1::text,
			error_message = NULLIF($2, ''),
			completed_at = CASE
				WHEN $1::text IN ($3::text, $4::text, $5::text) THEN NOW()
				ELSE NULL
			END,
			updated_at = NOW()
		WHERE batch_id = $6
	`

	_, err := s.db.ExecContext(ctx, query, status, errorMsg, StatusCompleted, StatusFailed, StatusCanceled, batchID)
	if err != nil {
		return fmt.Errorf("failed to update batch status: %w", err)
	}

	s.logger.Info("Batch status updated",
		slog.String("batch_id", batchID),
		slog.String("status", status),
	)
	return nil
}

// Heartbeat updates last_heartbeat_at for a running batch
func (s *Store) Heartbeat(ctx context.Context, batchID string) error {
	query := `
		UPDATE batches
		SET last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE batch_id = $1 AND status = $2
	`

	result, err := s.db.ExecContext(ctx, query, batchID, StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to update batch heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		s.logger.Warn("Batch heartbeat update - no rows affected (batch may not be running)",
			slog.String("batch_id", batchID),
		)
	}
	return nil
}

// GetBatch returns a batch by ID
func (s *Store) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE batch_id = $1`

	var b Batch
	if err := s.db.GetContext(ctx, &b, query, batchID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBatchNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &b, nil
}

// ListBatches returns up to PageSize+1 batches, newest first. The extra row
// tells the caller whether another page exists.
func (s *Store) ListBatches(ctx context.Context, filter ListFilter) ([]Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, batch_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.BatchID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, batch_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var batches []Batch
	if err := s.db.SelectContext(ctx, &batches, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	return batches, nil
}

// ListFrames returns the stored frame metadata of a batch in grid order
func (s *Store) ListFrames(ctx context.Context, batchID string) ([]Frame, error) {
	query := `SELECT ` + frameColumns + ` FROM frames WHERE batch_id = $1 ORDER BY frame_index`

	var frames []Frame
	if err := s.db.SelectContext(ctx, &frames, query, batchID); err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	return frames, nil
}

// GetFrameImage returns the filename and image bytes of a successful frame
func (s *Store) GetFrameImage(ctx context.Context, batchID string, index int) (string, []byte, error) {
	query := `
		SELECT filename, image
		FROM frames
		WHERE batch_id = $1 AND frame_index = $2 AND image IS NOT NULL
	`

	var filename string
	var image []byte
	err := s.db.QueryRowContext(ctx, query, batchID, index).Scan(&filename, &image)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil, ErrFrameNotFound
		}
		return "", nil, fmt.Errorf("failed to get frame: %w", err)
	}
	return filename, image, nil
}

// DeleteBatch removes a batch and, by cascade, its frames
func (s *Store) DeleteBatch(ctx context.Context, batchID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM batches WHERE batch_id = $1`, batchID)
	if err != nil {
		return fmt.Errorf("failed to delete batch: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrBatchNotFound
	}
	return nil
}

// CancelBatch moves a PENDING batch to CANCELED so workers skip it
func (s *Store) CancelBatch(ctx context.Context, batchID string) error {
	query := `
		UPDATE batches
		SET status = $1,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE batch_id = $2 AND status = $3
	`

	result, err := s.db.ExecContext(ctx, query, StatusCanceled, batchID, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to cancel batch: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	if _, err := s.GetBatch(ctx, batchID); err != nil {
		return err
	}
	return ErrBatchNotPending
}

// EvictOldest deletes finished batches beyond the newest keep batches
func (s *Store) EvictOldest(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}

	query := `
		DELETE FROM batches
		WHERE status NOT IN ($1, $2)
		  AND batch_id IN (
			SELECT batch_id FROM batches
			ORDER BY created_at DESC, batch_id DESC
			OFFSET $3
		  )
	`

	result, err := s.db.ExecContext(ctx, query, StatusPending, StatusRunning, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to evict batches: %w", err)
	}

	evicted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if evicted > 0 {
		s.logger.Info("Evicted old batches", slog.Int64("evicted", evicted), slog.Int("keep", keep))
	}
	return evicted, nil
}
