package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/parallax-avatar/internal/batch"
	"github.com/cuongbtq/parallax-avatar/internal/config"
	"github.com/cuongbtq/parallax-avatar/internal/history"
	"github.com/cuongbtq/parallax-avatar/internal/replicate"
	"github.com/gin-gonic/gin"
)

// CredentialChecker reports whether the prediction API token is configured
type CredentialChecker interface {
	HasCredentials() bool
}

// Restyler makes the one-shot preprocess call
type Restyler interface {
	Restyle(ctx context.Context, source []byte) ([]byte, bool, error)
}

// MeshGenerator makes the image-to-3D call
type MeshGenerator interface {
	Generate(ctx context.Context, source []byte) ([]byte, error)
}

// HistoryStore is the persistence used by the history and async batch endpoints
type HistoryStore interface {
	history.Writer
	CreateBatch(ctx context.Context, b *history.Batch, source []byte) error
	GetBatch(ctx context.Context, batchID string) (*history.Batch, error)
	ListBatches(ctx context.Context, filter history.ListFilter) ([]history.Batch, error)
	ListFrames(ctx context.Context, batchID string) ([]history.Frame, error)
	GetFrameImage(ctx context.Context, batchID string, index int) (string, []byte, error)
	DeleteBatch(ctx context.Context, batchID string) error
	CancelBatch(ctx context.Context, batchID string) error
}

// Publisher enqueues async batch messages
type Publisher interface {
	PublishJSON(ctx context.Context, v any) error
}

// HealthChecker is a dependency probed by GET /health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers.
// History, Publisher, Restyler and Mesh are optional.
type Dependencies struct {
	Logger       *slog.Logger
	ServiceName  string
	Config       *config.Config
	Credentials  CredentialChecker
	Orchestrator *batch.Orchestrator
	Restyler     Restyler
	Mesh         MeshGenerator
	History      HistoryStore
	Publisher    Publisher
	Checks       map[string]HealthChecker
}

func errorJSON(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

// remoteStatus maps a prediction API failure to an HTTP status
func remoteStatus(err error) int {
	switch {
	case errors.Is(err, replicate.ErrMissingToken):
		return http.StatusInternalServerError
	case replicate.IsRateLimited(err):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// Health handles GET /health
func Health(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		checks := gin.H{}

		for name, checker := range deps.Checks {
			if err := checker.HealthCheck(c.Request.Context()); err != nil {
				deps.Logger.Warn("Health check failed",
					slog.String("dependency", name),
					slog.Any("error", err),
				)
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}

		state := "healthy"
		if status != http.StatusOK {
			state = "degraded"
		}

		c.JSON(status, gin.H{
			"status":      state,
			"service":     deps.ServiceName,
			"credentials": deps.Credentials != nil && deps.Credentials.HasCredentials(),
			"checks":      checks,
		})
	}
}
