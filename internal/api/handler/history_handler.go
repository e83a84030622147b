package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/cuongbtq/parallax-avatar/internal/api/dto"
	"github.com/cuongbtq/parallax-avatar/internal/history"
	"github.com/cuongbtq/parallax-avatar/internal/sse"
	"github.com/cuongbtq/parallax-avatar/internal/worker/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HistoryHandler handles batch history and async batch requests
type HistoryHandler struct {
	deps   *Dependencies
	logger *slog.Logger
	store  HistoryStore
}

// NewHistoryHandler creates a new HistoryHandler instance
func NewHistoryHandler(deps *Dependencies) *HistoryHandler {
	return &HistoryHandler{
		deps:   deps,
		logger: deps.Logger,
		store:  deps.History,
	}
}

// batchID validates the :batch_id path parameter, writing the 400 on failure
func batchID(c *gin.Context) (string, bool) {
	id := c.Param("batch_id")
	if _, err := uuid.Parse(id); err != nil {
		errorJSON(c, http.StatusBadRequest, "batch_id must be a valid UUID")
		return "", false
	}
	return id, true
}

// CreateBatch handles POST /api/v1/batches
// Stores a PENDING batch and queues it for the worker-service
func (h *HistoryHandler) CreateBatch(c *gin.Context) {
	if h.deps.Publisher == nil {
		errorJSON(c, http.StatusServiceUnavailable, "Async batches are not enabled")
		return
	}

	job, ok := parseBatchRequest(c, h.deps, uuid.New().String())
	if !ok {
		return
	}

	b := &history.Batch{
		BatchID:       job.BatchID,
		Prefix:        job.Prefix,
		XSteps:        job.XSteps,
		YSteps:        job.YSteps,
		TotalFrames:   len(job.Specs),
		EstimatedCost: h.deps.Orchestrator.EstimatedCost(len(job.Specs)),
		Status:        history.StatusPending,
	}

	ctx := c.Request.Context()
	if err := h.store.CreateBatch(ctx, b, job.Source); err != nil {
		h.logger.Error("Failed to create batch", slog.Any("error", err))
		errorJSON(c, http.StatusInternalServerError, "Failed to create batch")
		return
	}

	if err := h.deps.Publisher.PublishJSON(ctx, domain.BatchMessage{BatchID: b.BatchID}); err != nil {
		h.logger.Error("Failed to queue batch",
			slog.String("batch_id", b.BatchID),
			slog.Any("error", err),
		)
		markCtx := context.WithoutCancel(ctx)
		if uerr := h.store.UpdateStatus(markCtx, b.BatchID, history.StatusFailed, "failed to queue batch"); uerr != nil {
			h.logger.Error("Failed to mark unqueued batch", slog.Any("error", uerr))
		}
		errorJSON(c, http.StatusInternalServerError, "Failed to queue batch")
		return
	}

	h.logger.Info("Batch queued",
		slog.String("batch_id", b.BatchID),
		slog.Int("frames", b.TotalFrames),
	)

	stored, err := h.store.GetBatch(ctx, b.BatchID)
	if err != nil {
		stored = b
	}
	c.JSON(http.StatusAccepted, dto.NewBatchDTO(stored))
}

// ListHistory handles GET /api/v1/history
// Lists batches newest first with cursor pagination
func (h *HistoryHandler) ListHistory(c *gin.Context) {
	var req dto.ListBatchesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "Invalid query parameters")
		return
	}

	cfg := h.deps.Config.History
	if req.PageSize <= 0 {
		req.PageSize = cfg.DefaultPageSize
	}
	if req.PageSize > cfg.MaxPageSize {
		req.PageSize = cfg.MaxPageSize
	}

	cursor, err := DecodeBatchCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.Any("error", err))
		errorJSON(c, http.StatusBadRequest, "Invalid cursor")
		return
	}

	batches, err := h.store.ListBatches(c.Request.Context(), history.ListFilter{
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list batches", slog.Any("error", err))
		errorJSON(c, http.StatusInternalServerError, "Failed to list batches")
		return
	}

	hasMore := len(batches) > req.PageSize
	if hasMore {
		batches = batches[:req.PageSize]
	}

	resp := dto.ListBatchesResponse{Batches: make([]dto.BatchDTO, len(batches))}
	for i := range batches {
		resp.Batches[i] = dto.NewBatchDTO(&batches[i])
	}

	if hasMore {
		last := batches[len(batches)-1]
		resp.NextCursor = EncodeBatchCursor(&history.Cursor{CreatedAt: last.CreatedAt, BatchID: last.BatchID})
	}

	c.JSON(http.StatusOK, resp)
}

// GetHistory handles GET /api/v1/history/:batch_id
func (h *HistoryHandler) GetHistory(c *gin.Context) {
	id, ok := batchID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	b, err := h.store.GetBatch(ctx, id)
	if err != nil {
		h.storeError(c, "get batch", id, err)
		return
	}

	frames, err := h.store.ListFrames(ctx, id)
	if err != nil {
		h.storeError(c, "list frames", id, err)
		return
	}

	resp := dto.BatchDetailResponse{
		BatchDTO: dto.NewBatchDTO(b),
		Frames:   make([]dto.FrameDTO, len(frames)),
	}
	for i := range frames {
		resp.Frames[i] = dto.NewFrameDTO(&frames[i])
	}

	c.JSON(http.StatusOK, resp)
}

// GetFrame handles GET /api/v1/history/:batch_id/frames/:index
// Returns the raw frame image
func (h *HistoryHandler) GetFrame(c *gin.Context) {
	id, ok := batchID(c)
	if !ok {
		return
	}

	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		errorJSON(c, http.StatusBadRequest, "index must be a non-negative integer")
		return
	}

	filename, image, err := h.store.GetFrameImage(c.Request.Context(), id, index)
	if err != nil {
		h.storeError(c, "get frame", id, err)
		return
	}

	contentType := http.DetectContentType(image)
	if ext := strings.TrimPrefix(path.Ext(filename), "."); ext != "" {
		contentType = sse.ImageMIME(ext)
	}

	c.Header("Content-Disposition", `inline; filename="`+filename+`"`)
	c.Data(http.StatusOK, contentType, image)
}

// DeleteHistory handles DELETE /api/v1/history/:batch_id
func (h *HistoryHandler) DeleteHistory(c *gin.Context) {
	id, ok := batchID(c)
	if !ok {
		return
	}

	if err := h.store.DeleteBatch(c.Request.Context(), id); err != nil {
		h.storeError(c, "delete batch", id, err)
		return
	}

	h.logger.Info("Batch deleted", slog.String("batch_id", id))
	c.Status(http.StatusNoContent)
}

// CancelBatch handles POST /api/v1/history/:batch_id/cancel
// Only PENDING batches can be canceled
func (h *HistoryHandler) CancelBatch(c *gin.Context) {
	id, ok := batchID(c)
	if !ok {
		return
	}

	if err := h.store.CancelBatch(c.Request.Context(), id); err != nil {
		h.storeError(c, "cancel batch", id, err)
		return
	}

	h.logger.Info("Batch canceled", slog.String("batch_id", id))
	c.JSON(http.StatusOK, gin.H{
		"batch_id": id,
		"status":   history.StatusCanceled,
	})
}

func (h *HistoryHandler) storeError(c *gin.Context, op, id string, err error) {
	switch {
	case errors.Is(err, history.ErrBatchNotFound):
		errorJSON(c, http.StatusNotFound, "Batch not found")
	case errors.Is(err, history.ErrFrameNotFound):
		errorJSON(c, http.StatusNotFound, "Frame not found")
	case errors.Is(err, history.ErrBatchNotPending):
		errorJSON(c, http.StatusConflict, "Only PENDING batches can be canceled")
	default:
		h.logger.Error("History store failed",
			slog.String("op", op),
			slog.String("batch_id", id),
			slog.Any("error", err),
		)
		errorJSON(c, http.StatusInternalServerError, "Failed to "+op)
	}
}
