// Package gridclient talks to the api-service: it submits batches, reads the
// event stream back and reassembles the frame grid by index.
package gridclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/parallax-avatar/internal/api/dto"
	"github.com/cuongbtq/parallax-avatar/internal/sse"
)

const defaultBaseURL = "http://localhost:8080"

// HTTPError is a non-2xx response carrying the service's {"error"} body
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("api-service returned %d: %s", e.StatusCode, e.Message)
}

// BatchError is a terminal error event received on the stream
type BatchError struct {
	Message string
}

func (e *BatchError) Error() string {
	return "batch failed: " + e.Message
}

// Options configures a Client
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is an api-service client
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

func New(opts Options) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// no overall timeout: streams last as long as the batch
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{baseURL: baseURL, http: httpClient, logger: logger}
}

// GenerateBatch posts a batch and consumes its stream. onMessage, if set, sees
// every event as it arrives. The returned FrameSet holds whatever arrived even
// when err is non-nil.
func (c *Client) GenerateBatch(ctx context.Context, req dto.GenerateBatchRequest, onMessage func(sse.Message)) (*FrameSet, error) {
	resp, err := c.postJSON(ctx, "/generate-batch", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}

	set := &FrameSet{}
	reader := sse.NewReader(resp.Body)
	for {
		msg, err := reader.Next()
		if err == io.EOF {
			return set, sse.ErrIncomplete
		}
		if err != nil {
			return set, fmt.Errorf("failed to read stream: %w", err)
		}

		if err := set.Apply(msg); err != nil {
			return set, err
		}
		if onMessage != nil {
			onMessage(msg)
		}

		switch msg.Type {
		case sse.TypeComplete:
			return set, nil
		case sse.TypeError:
			return set, &BatchError{Message: msg.Error}
		}
	}
}

// Preprocess restyles a photo and returns the resulting image
func (c *Client) Preprocess(ctx context.Context, imageBase64 string) (*dto.PreprocessResponse, error) {
	resp, err := c.postJSON(ctx, "/preprocess", dto.ImageRequest{ImageBase64: imageBase64})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}

	var out dto.PreprocessResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode preprocess response: %w", err)
	}
	return &out, nil
}

// Generate3D returns the binary glTF model for a photo
func (c *Client) Generate3D(ctx context.Context, imageBase64 string) ([]byte, error) {
	resp, err := c.postJSON(ctx, "/generate-3d", dto.ImageRequest{ImageBase64: imageBase64})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}
	return io.ReadAll(resp.Body)
}

// ListHistory returns one page of stored batches
func (c *Client) ListHistory(ctx context.Context, status, cursor string, pageSize int) (*dto.ListBatchesResponse, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if pageSize > 0 {
		q.Set("page_size", fmt.Sprint(pageSize))
	}

	endpoint := c.baseURL + "/api/v1/history"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var out dto.ListBatchesResponse
	if err := c.getJSON(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health returns the decoded /health body. A degraded service is not an error.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode health response (status %d): %w", resp.StatusCode, err)
	}
	return out, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	c.logger.Debug("api-service responded",
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("latency", time.Since(start)),
	)
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: msg}
}
