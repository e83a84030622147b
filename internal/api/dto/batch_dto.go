package dto

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cuongbtq/parallax-avatar/internal/history"
)

// ErrNoImage is returned when a request carries no image
var ErrNoImage = errors.New("No image provided")

var prefixPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// GenerateBatchRequest is the body of POST /generate-batch and POST /api/v1/batches
type GenerateBatchRequest struct {
	ImageBase64 string `json:"imageBase64"`
	XSteps      *int   `json:"xSteps"`
	YSteps      *int   `json:"ySteps"`
	Prefix      string `json:"prefix"`
}

// Grid returns the requested grid shape, falling back to the given defaults
func (r *GenerateBatchRequest) Grid(defaultX, defaultY int, defaultPrefix string) (int, int, string, error) {
	x, y := defaultX, defaultY
	if r.XSteps != nil {
		x = *r.XSteps
	}
	if r.YSteps != nil {
		y = *r.YSteps
	}

	prefix := strings.TrimSpace(r.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	if !prefixPattern.MatchString(prefix) {
		return 0, 0, "", fmt.Errorf("invalid prefix %q: use letters, digits, '-' or '_'", prefix)
	}

	return x, y, prefix, nil
}

// ImageRequest is the body of POST /preprocess and POST /generate-3d
type ImageRequest struct {
	ImageBase64 string `json:"imageBase64"`
}

// PreprocessResponse returns the restyled image
type PreprocessResponse struct {
	ImageBase64 string `json:"imageBase64"`
	Cached      bool   `json:"cached"`
}

// DecodeImage accepts a data URI or a bare base64 string
func DecodeImage(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrNoImage
	}

	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 || !strings.HasSuffix(s[:comma], ";base64") {
			return nil, fmt.Errorf("invalid image data URI")
		}
		s = s[comma+1:]
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 image: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNoImage
	}
	return data, nil
}

type ListBatchesRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListBatchesResponse struct {
	Batches    []BatchDTO `json:"batches"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

type BatchDTO struct {
	BatchID         string  `json:"batch_id"`
	Prefix          string  `json:"prefix"`
	XSteps          int     `json:"x_steps"`
	YSteps          int     `json:"y_steps"`
	TotalFrames     int     `json:"total_frames"`
	CompletedFrames int     `json:"completed_frames"`
	FailedFrames    int     `json:"failed_frames"`
	EstimatedCost   float64 `json:"estimated_cost"`
	Status          string  `json:"status"`
	ErrorMessage    string  `json:"error_message,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

type FrameDTO struct {
	Index        int     `json:"index"`
	Filename     string  `json:"filename"`
	RotateYaw    float64 `json:"rotate_yaw"`
	RotatePitch  float64 `json:"rotate_pitch"`
	PupilX       float64 `json:"pupil_x"`
	PupilY       float64 `json:"pupil_y"`
	Status       string  `json:"status"`
	Attempts     int     `json:"attempts"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

type BatchDetailResponse struct {
	BatchDTO
	Frames []FrameDTO `json:"frames"`
}

// NewBatchDTO converts a stored batch for the API
func NewBatchDTO(b *history.Batch) BatchDTO {
	return BatchDTO{
		BatchID:         b.BatchID,
		Prefix:          b.Prefix,
		XSteps:          b.XSteps,
		YSteps:          b.YSteps,
		TotalFrames:     b.TotalFrames,
		CompletedFrames: b.CompletedFrames,
		FailedFrames:    b.FailedFrames,
		EstimatedCost:   b.EstimatedCost,
		Status:          b.Status,
		ErrorMessage:    b.ErrorMessage,
		CreatedAt:       b.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       b.UpdatedAt.Format(time.RFC3339),
	}
}

// NewFrameDTO converts stored frame metadata for the API
func NewFrameDTO(f *history.Frame) FrameDTO {
	return FrameDTO{
		Index:        f.Index,
		Filename:     f.Filename,
		RotateYaw:    f.RotateYaw,
		RotatePitch:  f.RotatePitch,
		PupilX:       f.PupilX,
		PupilY:       f.PupilY,
		Status:       f.Status,
		Attempts:     f.Attempts,
		ErrorMessage: f.ErrorMessage,
	}
}
