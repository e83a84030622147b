// Package generation maps avatar operations onto remote model predictions.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/parallax-avatar/internal/cache"
	"github.com/cuongbtq/parallax-avatar/internal/grid"
	"github.com/cuongbtq/parallax-avatar/internal/replicate"
)

const (
	defaultMeshField = "model_file"
	restyleNamespace = "restyle"
)

// Predictor runs a model and normalizes its output to bytes
type Predictor interface {
	Run(ctx context.Context, model string, input map[string]any) (replicate.Output, error)
	Resolve(ctx context.Context, out replicate.Output, field string) ([]byte, error)
}

// ImageDataURI encodes image bytes as a data URI, sniffing the MIME type
func ImageDataURI(data []byte) string {
	return replicate.DataURI(http.DetectContentType(data), data)
}

// FrameClient renders a single grid frame with the expression editor model
type FrameClient struct {
	predictor Predictor
	model     string
	logger    *slog.Logger
}

func NewFrameClient(predictor Predictor, model string, logger *slog.Logger) *FrameClient {
	return &FrameClient{predictor: predictor, model: model, logger: logger}
}

// CallFrame renders spec from the source photo and returns the image bytes
func (c *FrameClient) CallFrame(ctx context.Context, source []byte, spec grid.FrameSpec) ([]byte, error) {
	input := map[string]any{
		"image":          ImageDataURI(source),
		"rotate_yaw":     spec.RotateYaw,
		"rotate_pitch":   spec.RotatePitch,
		"pupil_x":        spec.PupilX,
		"pupil_y":        spec.PupilY,
		"crop_factor":    spec.Render.CropFactor,
		"output_quality": spec.Render.OutputQuality,
		"src_ratio":      spec.Render.SrcRatio,
		"sample_ratio":   spec.Render.SampleRatio,
		"output_format":  spec.Render.OutputFormat,
	}

	start := time.Now()
	out, err := c.predictor.Run(ctx, c.model, input)
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", spec.Index, err)
	}

	data, err := c.predictor.Resolve(ctx, out, "")
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", spec.Index, err)
	}

	c.logger.Debug("Frame rendered",
		slog.Int("index", spec.Index),
		slog.String("filename", spec.Filename),
		slog.Int("bytes", len(data)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return data, nil
}

// Restyler restyles the uploaded photo before frame generation
type Restyler struct {
	predictor Predictor
	model     string
	prompt    string
	cache     cache.Store
	logger    *slog.Logger
}

// NewRestyler creates a Restyler. store may be nil to disable caching.
func NewRestyler(predictor Predictor, model, prompt string, store cache.Store, logger *slog.Logger) *Restyler {
	return &Restyler{predictor: predictor, model: model, prompt: prompt, cache: store, logger: logger}
}

// Restyle returns the restyled image and whether it came from the cache
func (r *Restyler) Restyle(ctx context.Context, source []byte) ([]byte, bool, error) {
	key := cache.Key(restyleNamespace, source)

	if r.cache != nil {
		data, err := r.cache.Get(ctx, key)
		switch {
		case err == nil:
			return data, true, nil
		case !errors.Is(err, cache.ErrCacheMiss):
			r.logger.Warn("Restyle cache lookup failed", slog.Any("error", err))
		}
	}

	input := map[string]any{"image": ImageDataURI(source)}
	if r.prompt != "" {
		input["prompt"] = r.prompt
	}

	out, err := r.predictor.Run(ctx, r.model, input)
	if err != nil {
		return nil, false, fmt.Errorf("restyle: %w", err)
	}
	data, err := r.predictor.Resolve(ctx, out, "")
	if err != nil {
		return nil, false, fmt.Errorf("restyle: %w", err)
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, key, data); err != nil {
			r.logger.Warn("Failed to cache restyled image", slog.Any("error", err))
		}
	}
	return data, false, nil
}

// MeshGenerator converts a photo into a binary glTF model
type MeshGenerator struct {
	predictor   Predictor
	model       string
	outputField string
}

// NewMeshGenerator creates a MeshGenerator. outputField names the object
// field holding the model file and defaults to model_file.
func NewMeshGenerator(predictor Predictor, model, outputField string) *MeshGenerator {
	if outputField == "" {
		outputField = defaultMeshField
	}
	return &MeshGenerator{predictor: predictor, model: model, outputField: outputField}
}

func (g *MeshGenerator) Generate(ctx context.Context, source []byte) ([]byte, error) {
	out, err := g.predictor.Run(ctx, g.model, map[string]any{"image": ImageDataURI(source)})
	if err != nil {
		return nil, fmt.Errorf("generate 3d: %w", err)
	}
	data, err := g.predictor.Resolve(ctx, out, g.outputField)
	if err != nil {
		return nil, fmt.Errorf("generate 3d: %w", err)
	}
	return data, nil
}
