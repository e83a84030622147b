package gridclient

import (
	"fmt"

	"github.com/cuongbtq/parallax-avatar/internal/grid"
	"github.com/cuongbtq/parallax-avatar/internal/sse"
)

// Frame is one grid cell. Data is nil for a dropped frame.
type Frame struct {
	Spec     grid.FrameSpec
	Data     []byte
	Status   string
	Received bool
}

// FrameSet reassembles a stream into grid order
type FrameSet struct {
	XSteps        int
	YSteps        int
	Prefix        string
	EstimatedCost float64
	Frames        []Frame
	Completed     int
	Done          bool
}

// Apply folds one event into the set
func (s *FrameSet) Apply(msg sse.Message) error {
	switch msg.Type {
	case sse.TypeConfig:
		s.XSteps = msg.XSteps
		s.YSteps = msg.YSteps
		s.Prefix = msg.Prefix
		s.EstimatedCost = msg.EstimatedCost
		s.Frames = make([]Frame, msg.TotalImages)

	case sse.TypeProgress:
		if s.Frames == nil {
			return fmt.Errorf("progress event before config")
		}
		if msg.Index < 0 || msg.Index >= len(s.Frames) {
			return fmt.Errorf("progress index %d out of range [0, %d)", msg.Index, len(s.Frames))
		}
		data, err := msg.Image()
		if err != nil {
			return fmt.Errorf("frame %d: %w", msg.Index, err)
		}

		f := Frame{Data: data, Status: msg.Status, Received: true}
		if msg.Step != nil {
			f.Spec = *msg.Step
		}
		s.Frames[msg.Index] = f
		s.Completed = msg.Completed

	case sse.TypeComplete, sse.TypeError:
		s.Done = true
	}
	return nil
}

// Dropped returns the indices with no usable image, in grid order.
// Frames that never arrived count as dropped.
func (s *FrameSet) Dropped() []int {
	var out []int
	for i, f := range s.Frames {
		if len(f.Data) == 0 {
			out = append(out, i)
		}
	}
	return out
}

// Total is the number of frames announced by the config event
func (s *FrameSet) Total() int {
	return len(s.Frames)
}
