package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/parallax-avatar/internal/api/dto"
	"github.com/cuongbtq/parallax-avatar/internal/batch"
	"github.com/cuongbtq/parallax-avatar/internal/history"
	"github.com/cuongbtq/parallax-avatar/internal/replicate"
	"github.com/cuongbtq/parallax-avatar/internal/sse"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const missingTokenMessage = "REPLICATE_API_TOKEN is not configured"

// GenerationHandler serves the streaming batch endpoint and the single-call generators
type GenerationHandler struct {
	deps     *Dependencies
	logger   *slog.Logger
	recorder *history.Recorder
}

// NewGenerationHandler creates a new GenerationHandler instance
func NewGenerationHandler(deps *Dependencies) *GenerationHandler {
	h := &GenerationHandler{
		deps:   deps,
		logger: deps.Logger,
	}
	if deps.History != nil {
		h.recorder = history.NewRecorder(deps.History, deps.Config.History.MaxBatches, deps.Logger)
	}
	return h
}

// parseBatchRequest binds and validates a batch body, writing the 400 on failure
func parseBatchRequest(c *gin.Context, deps *Dependencies, batchID string) (batch.Job, bool) {
	var req dto.GenerateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		errorJSON(c, http.StatusBadRequest, "Invalid request body")
		return batch.Job{}, false
	}

	if req.ImageBase64 == "" {
		errorJSON(c, http.StatusBadRequest, dto.ErrNoImage.Error())
		return batch.Job{}, false
	}

	gridCfg := deps.Config.Generation.Grid
	x, y, prefix, err := req.Grid(gridCfg.XSteps, gridCfg.YSteps, gridCfg.Prefix)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return batch.Job{}, false
	}

	source, err := dto.DecodeImage(req.ImageBase64)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return batch.Job{}, false
	}

	job, err := batch.NewJob(batchID, x, y, prefix, source, gridCfg.GridBounds(), gridCfg.GridRender())
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return batch.Job{}, false
	}
	return job, true
}

// GenerateBatch handles POST /generate-batch
// Streams the batch as server-sent events while frames finish
func (h *GenerationHandler) GenerateBatch(c *gin.Context) {
	job, ok := parseBatchRequest(c, h.deps, uuid.New().String())
	if !ok {
		return
	}

	if !h.deps.Credentials.HasCredentials() {
		h.logger.Error("Batch rejected: prediction API token missing")
		errorJSON(c, http.StatusInternalServerError, missingTokenMessage)
		return
	}

	logger := h.logger.With(slog.String("batch_id", job.BatchID))
	logger.Info("GenerateBatch called",
		slog.Int("x_steps", job.XSteps),
		slog.Int("y_steps", job.YSteps),
		slog.String("prefix", job.Prefix),
		slog.Int("source_bytes", len(job.Source)),
	)

	reqCtx := c.Request.Context()
	ctx, cancel := context.WithTimeout(reqCtx, h.deps.Config.Generation.Batch.BatchTimeout)
	defer cancel()

	events := h.deps.Orchestrator.Run(ctx, job)
	if h.recorder != nil {
		events = h.recorder.Observe(ctx, job, events)
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	err := sse.Stream(ctx, c.Writer, events)
	switch {
	case err == nil:
		logger.Info("Batch stream finished")
	case reqCtx.Err() != nil:
		logger.Info("Client disconnected before batch finished")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		logger.Warn("Batch timed out", slog.Duration("timeout", h.deps.Config.Generation.Batch.BatchTimeout))
		if werr := sse.NewEncoder(c.Writer).WriteError("batch timed out"); werr != nil {
			logger.Warn("Failed to write timeout event", slog.Any("error", werr))
		}
	default:
		logger.Error("Batch stream failed", slog.Any("error", err))
	}
}

// Preprocess handles POST /preprocess
// Restyles the photo once; repeated inputs are answered from cache
func (h *GenerationHandler) Preprocess(c *gin.Context) {
	if h.deps.Restyler == nil {
		errorJSON(c, http.StatusServiceUnavailable, "Preprocess model is not configured")
		return
	}

	source, ok := h.bindImage(c)
	if !ok {
		return
	}

	image, cached, err := h.deps.Restyler.Restyle(c.Request.Context(), source)
	if err != nil {
		h.logger.Error("Preprocess failed", slog.Any("error", err))
		errorJSON(c, remoteStatus(err), "Preprocess failed: "+err.Error())
		return
	}

	h.logger.Info("Preprocess finished",
		slog.Bool("cached", cached),
		slog.Int("bytes", len(image)),
	)

	c.JSON(http.StatusOK, dto.PreprocessResponse{
		ImageBase64: replicate.DataURI(http.DetectContentType(image), image),
		Cached:      cached,
	})
}

// Generate3D handles POST /generate-3d
// Returns a binary glTF model built from the photo
func (h *GenerationHandler) Generate3D(c *gin.Context) {
	if h.deps.Mesh == nil {
		errorJSON(c, http.StatusServiceUnavailable, "3D model generation is not configured")
		return
	}

	source, ok := h.bindImage(c)
	if !ok {
		return
	}

	model, err := h.deps.Mesh.Generate(c.Request.Context(), source)
	if err != nil {
		h.logger.Error("3D generation failed", slog.Any("error", err))
		errorJSON(c, remoteStatus(err), "3D generation failed: "+err.Error())
		return
	}

	c.Header("Content-Disposition", `attachment; filename="avatar.glb"`)
	c.Data(http.StatusOK, "model/gltf-binary", model)
}

func (h *GenerationHandler) bindImage(c *gin.Context) ([]byte, bool) {
	var req dto.ImageRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		errorJSON(c, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}

	source, err := dto.DecodeImage(req.ImageBase64)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return nil, false
	}

	if !h.deps.Credentials.HasCredentials() {
		errorJSON(c, http.StatusInternalServerError, missingTokenMessage)
		return nil, false
	}
	return source, true
}
