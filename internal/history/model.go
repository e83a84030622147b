package history

import (
	"errors"
	"time"
)

// Batch status values
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCanceled  = "CANCELED"
)

var (
	// ErrBatchNotFound is returned when a batch cannot be found in the database
	ErrBatchNotFound = errors.New("batch not found")

	// ErrFrameNotFound is returned when a frame has not been stored
	ErrFrameNotFound = errors.New("frame not found")

	// ErrBatchAlreadyClaimed is returned when claiming a batch that is not PENDING
	ErrBatchAlreadyClaimed = errors.New("batch already claimed or not in PENDING status")

	// ErrBatchNotPending is returned when canceling a batch that already started
	ErrBatchNotPending = errors.New("batch is not in PENDING status")
)

// Batch is one persisted generation run
type Batch struct {
	BatchID         string    `db:"batch_id"`
	Prefix          string    `db:"prefix"`
	XSteps          int       `db:"x_steps"`
	YSteps          int       `db:"y_steps"`
	TotalFrames     int       `db:"total_frames"`
	CompletedFrames int       `db:"completed_frames"`
	FailedFrames    int       `db:"failed_frames"`
	EstimatedCost   float64   `db:"estimated_cost"`
	Status          string    `db:"status"`
	WorkerID        string    `db:"worker_id"`
	ErrorMessage    string    `db:"error_message"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// Frame is the metadata of one stored frame. Image bytes are loaded separately.
type Frame struct {
	BatchID      string    `db:"batch_id"`
	Index        int       `db:"frame_index"`
	Filename     string    `db:"filename"`
	RotateYaw    float64   `db:"rotate_yaw"`
	RotatePitch  float64   `db:"rotate_pitch"`
	PupilX       float64   `db:"pupil_x"`
	PupilY       float64   `db:"pupil_y"`
	Status       string    `db:"status"`
	Attempts     int       `db:"attempts"`
	ErrorMessage string    `db:"error_message"`
	CreatedAt    time.Time `db:"created_at"`
}

// Cursor is a keyset position over (created_at, batch_id) in descending order
type Cursor struct {
	CreatedAt time.Time
	BatchID   string
}

// ListFilter selects a page of batches
type ListFilter struct {
	Status   string
	PageSize int
	Cursor   *Cursor
}
