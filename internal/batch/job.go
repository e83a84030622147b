package batch

import "github.com/cuongbtq/parallax-avatar/internal/grid"

// Job is one batch of frames rendered from a single source photo
type Job struct {
	BatchID string
	XSteps  int
	YSteps  int
	Prefix  string
	Source  []byte
	Specs   []grid.FrameSpec
}

// NewJob validates the grid shape and expands it into frame specs
func NewJob(batchID string, xSteps, ySteps int, prefix string, source []byte, bounds grid.Bounds, render grid.RenderParams) (Job, error) {
	if err := grid.Validate(xSteps, ySteps); err != nil {
		return Job{}, err
	}
	return Job{
		BatchID: batchID,
		XSteps:  xSteps,
		YSteps:  ySteps,
		Prefix:  prefix,
		Source:  source,
		Specs:   grid.Generate(xSteps, ySteps, bounds, render, prefix),
	}, nil
}

// EstimatedCost returns the cost reported for a job of n frames
func (o *Orchestrator) EstimatedCost(frames int) float64 {
	return float64(frames) * o.costPerFrame
}
