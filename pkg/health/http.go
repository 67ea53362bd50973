package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// APIKeyHeader authenticates against the node agent
const APIKeyHeader = "X-API-Key"

// HTTPChecker treats a node as up when its agent's /health answers 2xx.
// The agent answers 503 when it cannot reach the node's PostgreSQL, so a
// reachable node whose database is down still counts as a failure.
type HTTPChecker struct {
	URL    string
	APIKey string
	Client *http.Client
}

// NewHTTPChecker checks url with the monitor's default timeout
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:    url,
		Client: &http.Client{Timeout: DefaultConfig().Timeout},
	}
}

// WithAPIKey sends agent.api_key. An empty key sends nothing.
func (h *HTTPChecker) WithAPIKey(key string) *HTTPChecker {
	h.APIKey = key
	return h
}

func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}

func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return failed(start, fmt.Sprintf("invalid agent URL: %v", err))
	}
	if h.APIKey != "" {
		req.Header.Set(APIKeyHeader, h.APIKey)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return failed(start, fmt.Sprintf("agent unreachable: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// the agent puts the database error in the body
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&body)
		msg := fmt.Sprintf("agent answered %d", resp.StatusCode)
		if body.Error != "" {
			msg += ": " + body.Error
		}
		return failed(start, msg)
	}
	return passed(start, "agent healthy")
}

func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}
