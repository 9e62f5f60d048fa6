package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"hookrelay/internal/constants"
	"hookrelay/pkg/errors"
	"hookrelay/pkg/models"
)

// HTTPHandler posts the canonical event as JSON. 4xx responses are treated as
// permanent, everything else non-2xx as retryable.
type HTTPHandler struct {
	id       string
	priority int
	url      string
	method   string
	headers  map[string]string
	client   *http.Client
}

func NewHTTPHandler(id string, priority int, url, method string, headers map[string]string, client *http.Client) *HTTPHandler {
	if method == "" {
		method = http.MethodPost
	}
	if client == nil {
		client = &http.Client{Timeout: constants.DefaultHTTPTimeout}
	}
	return &HTTPHandler{id: id, priority: priority, url: url, method: method, headers: headers, client: client}
}

func (h *HTTPHandler) ID() string    { return h.id }
func (h *HTTPHandler) Priority() int { return h.priority }

func (h *HTTPHandler) Handle(ctx context.Context, ev models.Event) (any, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, h.method, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", ev.ID)
	req.Header.Set("X-Correlation-ID", ev.Metadata.CorrelationID)
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http handler %s request failed: %w", h.id, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, constants.DefaultTruncateLen))

	switch {
	case resp.StatusCode >= constants.HTTPStatusOKMin && resp.StatusCode < constants.HTTPStatusOKMax:
		return map[string]any{"status": resp.StatusCode}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return nil, errors.ErrServiceUnavailable.
			WithDetail("message", fmt.Sprintf("endpoint returned %d", resp.StatusCode)).
			AsRetryable()
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, statusError(resp.StatusCode).
			WithDetail("message", fmt.Sprintf("endpoint returned %d: %s", resp.StatusCode, snippet)).
			AsFatal()
	default:
		return nil, errors.ErrServiceUnavailable.
			WithDetail("message", fmt.Sprintf("endpoint returned %d: %s", resp.StatusCode, snippet))
	}
}

func statusError(status int) *errors.Error {
	switch status {
	case http.StatusUnauthorized:
		return errors.ErrUnauthorized
	case http.StatusForbidden:
		return errors.ErrForbidden
	case http.StatusNotFound:
		return errors.ErrNotFound
	default:
		return errors.ErrValidation
	}
}
