package grid

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

const (
	// MaxSteps caps a single grid axis accepted from callers
	MaxSteps = 30
)

// ErrInvalidSteps is returned when a grid axis is outside [1, MaxSteps]
var ErrInvalidSteps = errors.New("grid steps out of range")

// Bounds holds the maximum magnitude reached at the grid edges
type Bounds struct {
	Rotate float64 // degrees
	Pupil  float64
}

// RenderParams are the fixed rendering parameters shared by every frame of a batch
type RenderParams struct {
	CropFactor    float64
	OutputQuality int
	SrcRatio      float64
	SampleRatio   float64
	OutputFormat  string
}

// FrameSpec is one cell of the generation grid
type FrameSpec struct {
	Index       int     `json:"index"`
	Row         int     `json:"row"`
	Col         int     `json:"col"`
	RotateYaw   float64 `json:"rotateYaw"`
	RotatePitch float64 `json:"rotatePitch"`
	PupilX      float64 `json:"pupilX"`
	PupilY      float64 `json:"pupilY"`
	Filename    string  `json:"filename"`

	Render RenderParams `json:"-"`
}

// Generate expands an xSteps × ySteps grid into row-major frame specs.
// Callers must pass xSteps, ySteps >= 1.
func Generate(xSteps, ySteps int, bounds Bounds, render RenderParams, prefix string) []FrameSpec {
	specs := make([]FrameSpec, 0, xSteps*ySteps)

	for y := 0; y < ySteps; y++ {
		yNorm := normalize(y, ySteps)
		for x := 0; x < xSteps; x++ {
			xNorm := normalize(x, xSteps)

			spec := FrameSpec{
				Index:       y*xSteps + x,
				Row:         y,
				Col:         x,
				RotateYaw:   scale(xNorm, bounds.Rotate),
				RotatePitch: scale(yNorm, bounds.Rotate),
				PupilX:      scale(xNorm, bounds.Pupil),
				PupilY:      scale(yNorm, bounds.Pupil),
				Render:      render,
			}
			spec.Filename = Filename(prefix, spec.PupilX, spec.PupilY, render.OutputFormat)
			specs = append(specs, spec)
		}
	}

	return specs
}

// Validate checks that both axes are within [1, MaxSteps]
func Validate(xSteps, ySteps int) error {
	if xSteps < 1 || xSteps > MaxSteps {
		return fmt.Errorf("%w: xSteps=%d (must be between 1 and %d)", ErrInvalidSteps, xSteps, MaxSteps)
	}
	if ySteps < 1 || ySteps > MaxSteps {
		return fmt.Errorf("%w: ySteps=%d (must be between 1 and %d)", ErrInvalidSteps, ySteps, MaxSteps)
	}
	return nil
}

// Filename builds the stable frame filename, e.g. avatar_px-15_py7.5.webp
func Filename(prefix string, pupilX, pupilY float64, format string) string {
	if format == "" {
		format = "webp"
	}
	return fmt.Sprintf("%s_px%s_py%s.%s", prefix, formatOffset(pupilX), formatOffset(pupilY), format)
}

func normalize(i, steps int) float64 {
	if steps <= 1 {
		return 0.5
	}
	return float64(i) / float64(steps-1)
}

func scale(norm, bound float64) float64 {
	return round2(-bound + norm*bound*2)
}

// round2 rounds to 2 decimals and folds -0 into 0
func round2(v float64) float64 {
	r := math.Round(v*100) / 100
	if r == 0 {
		return 0
	}
	return r
}

func formatOffset(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
