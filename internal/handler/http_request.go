package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/activity-orchestrator/internal/model"
	"github.com/t77yq/activity-orchestrator/internal/processor"
)

// HTTPRequestPayload represents the payload of HttpRequest activities
type HTTPRequestPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout Duration          `json:"timeout"`
}

// HTTPRequestHandler performs an HTTP request
type HTTPRequestHandler struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewHTTPRequestHandler creates a new HTTP request handler
func NewHTTPRequestHandler(client *http.Client) *HTTPRequestHandler {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPRequestHandler{
		httpClient: client,
		timeout:    30 * time.Second,
	}
}

// Type implements processor.Processor
func (h *HTTPRequestHandler) Type() string { return HTTPRequestType }

// Execute performs the HTTP request. Server errors and 429 are retried,
// other client errors abandon the activity.
func (h *HTTPRequestHandler) Execute(ctx context.Context, a *model.Activity) (model.Outcome, error) {
	var payload HTTPRequestPayload
	if outcome, ok := decode(a, &payload); !ok {
		return outcome, nil
	}
	if payload.URL == "" {
		return model.Abandon("url is required"), nil
	}
	if payload.Method == "" {
		payload.Method = http.MethodGet
	}
	logger := processor.Logger(ctx)

	timeout := h.timeout
	if payload.Timeout > 0 {
		timeout = payload.Timeout.Std()
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload.Body != "" {
		body = strings.NewReader(payload.Body)
	}
	req, err := http.NewRequestWithContext(reqCtx, payload.Method, payload.URL, body)
	if err != nil {
		return model.Abandon(fmt.Sprintf("failed to create request: %v", err)), nil
	}
	for key, value := range payload.Headers {
		req.Header.Add(key, value)
	}

	logger.Info("Executing HTTP request",
		zap.String("method", payload.Method),
		zap.String("url", payload.URL))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.Outcome{}, fmt.Errorf("failed to read response: %w", err)
	}

	logger.Info("HTTP request finished",
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(respBody)))

	reason := fmt.Sprintf("HTTP request failed with status: %d", resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		if delay, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
			return model.FailureAfter(reason, delay), nil
		}
		return model.Failure(reason), nil
	case resp.StatusCode >= 400:
		return model.Abandon(reason), nil
	}
	return model.Success(), nil
}

// retryAfter parses a Retry-After header given in seconds
func retryAfter(value string) (time.Duration, bool) {
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}
