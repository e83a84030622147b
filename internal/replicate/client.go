package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL      = "https://api.replicate.com/v1"
	defaultTimeout      = 180 * time.Second
	defaultPollInterval = 2 * time.Second

	statusSucceeded = "succeeded"
	statusFailed    = "failed"
	statusCanceled  = "canceled"
)

// Options configures a Client
type Options struct {
	BaseURL      string
	APIToken     string
	HTTPClient   *http.Client
	Timeout      time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Client runs predictions against a Replicate-compatible HTTP API
type Client struct {
	httpClient   *http.Client
	baseURL      string
	token        string
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewClient creates a new prediction client
func NewClient(opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		httpClient:   client,
		baseURL:      base,
		token:        strings.TrimSpace(opts.APIToken),
		pollInterval: poll,
		logger:       logger,
	}
}

// HasCredentials reports whether an API token is configured
func (c *Client) HasCredentials() bool {
	return c != nil && c.token != ""
}

type predictionRequest struct {
	Version string         `json:"version,omitempty"`
	Input   map[string]any `json:"input"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

// Run creates a prediction for model and waits for its output.
// model is either "owner/name" or "owner/name:version".
func (c *Client) Run(ctx context.Context, model string, input map[string]any) (Output, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingToken
	}

	endpoint, body, err := c.predictionEndpoint(model, input)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "wait")
	c.authorize(req)

	out, pred, err := c.do(req)
	if err != nil {
		return nil, classify(err)
	}
	if out != nil {
		return out, nil
	}

	out, err = c.await(ctx, pred)
	return out, classify(err)
}

func (c *Client) predictionEndpoint(model string, input map[string]any) (string, []byte, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", nil, fmt.Errorf("replicate: model is required")
	}

	payload := predictionRequest{Input: input}
	endpoint := c.baseURL + "/models/" + model + "/predictions"
	if name, version, ok := strings.Cut(model, ":"); ok {
		if name == "" || version == "" {
			return "", nil, fmt.Errorf("replicate: invalid model reference %q", model)
		}
		payload.Version = version
		endpoint = c.baseURL + "/predictions"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal prediction input: %w", err)
	}
	return endpoint, body, nil
}

// do executes req and returns either a resolved output or the pending prediction
func (c *Client) do(req *http.Request) (Output, *prediction, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("replicate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, nil, readAPIError(resp)
	}

	if !isJSON(resp.Header.Get("Content-Type")) {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read response body: %w", err)
		}
		return StreamOutput{Body: bytes.NewReader(data), ContentType: resp.Header.Get("Content-Type")}, nil, nil
	}

	var pred prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	switch pred.Status {
	case statusSucceeded:
		out, err := decodeOutput(pred.Output)
		return out, nil, err
	case statusFailed, statusCanceled:
		return nil, nil, &PredictionError{ID: pred.ID, Status: pred.Status, Detail: fmt.Sprint(pred.Error)}
	}
	return nil, &pred, nil
}

// await polls a pending prediction until it reaches a terminal state
func (c *Client) await(ctx context.Context, pred *prediction) (Output, error) {
	if pred.URLs.Get == "" {
		return nil, fmt.Errorf("%w: prediction %s has no polling url", ErrMalformedOutput, pred.ID)
	}

	c.logger.Debug("Waiting for prediction",
		slog.String("prediction_id", pred.ID),
		slog.String("status", pred.Status),
	)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("prediction %s canceled: %w", pred.ID, ctx.Err())
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pred.URLs.Get, nil)
			if err != nil {
				return nil, fmt.Errorf("failed to build poll request: %w", err)
			}
			c.authorize(req)

			out, next, err := c.do(req)
			if err != nil {
				return nil, err
			}
			if out != nil {
				return out, nil
			}
			if next.URLs.Get != "" {
				pred = next
			}
		}
	}
}

// fetch downloads the bytes referenced by a URL output
func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("%w: empty url", ErrMalformedOutput)
	}
	if strings.HasPrefix(url, "data:") {
		return decodeDataURI(url)
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("%w: unsupported url %q", ErrMalformedOutput, truncate(url, 64))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	if strings.HasPrefix(url, c.baseURL) {
		c.authorize(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(fmt.Errorf("output download failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, classify(readAPIError(resp))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read output: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty download", ErrMalformedOutput)
	}
	return data, nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload struct {
		Detail string `json:"detail"`
		Title  string `json:"title"`
	}
	detail := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Detail != "":
			detail = payload.Detail
		case payload.Title != "":
			detail = payload.Title
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Detail: truncate(detail, 512)}
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
