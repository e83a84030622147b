package batch

import "github.com/cuongbtq/parallax-avatar/internal/grid"

// FrameStatus is the outcome of a single frame
type FrameStatus string

const (
	StatusOK     FrameStatus = "ok"
	StatusFailed FrameStatus = "failed"
)

// Event is one item of a batch's event stream. The set is closed:
// ConfigEvent, ProgressEvent, CompleteEvent and ErrorEvent.
type Event interface {
	isEvent()
}

// ConfigEvent is emitted once before any frame work begins
type ConfigEvent struct {
	BatchID       string
	XSteps        int
	YSteps        int
	Prefix        string
	TotalFrames   int
	EstimatedCost float64
}

// ProgressEvent reports one finished frame, in completion order
type ProgressEvent struct {
	BatchID   string
	Completed int
	Total     int
	Index     int
	Spec      grid.FrameSpec
	Image     []byte
	Status    FrameStatus
	Attempts  int
	Error     string
}

// CompleteEvent terminates a batch in which every frame was attempted
type CompleteEvent struct {
	BatchID string
}

// ErrorEvent terminates a batch aborted by a non-frame failure
type ErrorEvent struct {
	BatchID string
	Message string
}

func (ConfigEvent) isEvent()   {}
func (ProgressEvent) isEvent() {}
func (CompleteEvent) isEvent() {}
func (ErrorEvent) isEvent()    {}

// IsTerminal reports whether ev ends the stream
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case CompleteEvent, ErrorEvent:
		return true
	}
	return false
}
