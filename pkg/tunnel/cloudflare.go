package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/containerd/errdefs"
	"golang.org/x/time/rate"
)

// DefaultCloudflareURL is the v4 REST endpoint
const DefaultCloudflareURL = "https://api.cloudflare.com/client/v4"

// Record is a DNS record held by the provider
type Record struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Proxied bool   `json:"proxied"`
	TTL     int    `json:"ttl"`
}

// Provider manages CNAME records in hosted zones
type Provider interface {
	// FindRecord returns the CNAME named name, or nil when there is none
	FindRecord(ctx context.Context, zoneID, name string) (*Record, error)
	CreateCNAME(ctx context.Context, zoneID, name, target string) (*Record, error)
	// DeleteRecord fails with errdefs.ErrNotFound when the record is gone
	DeleteRecord(ctx context.Context, zoneID, recordID string) error
}

// CloudflareClient implements Provider over the Cloudflare REST API
type CloudflareClient struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

var _ Provider = (*CloudflareClient)(nil)

// NewCloudflareClient creates a client. requestsPerSec <= 0 disables rate
// limiting.
func NewCloudflareClient(baseURL, token string, requestsPerSec float64, httpClient *http.Client) *CloudflareClient {
	if baseURL == "" {
		baseURL = DefaultCloudflareURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	limit := rate.Inf
	if requestsPerSec > 0 {
		limit = rate.Limit(requestsPerSec)
	}
	return &CloudflareClient{
		baseURL: baseURL,
		token:   token,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, 1),
	}
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success bool            `json:"success"`
	Errors  []apiError      `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

func (c *CloudflareClient) FindRecord(ctx context.Context, zoneID, name string) (*Record, error) {
	q := url.Values{"type": {"CNAME"}, "name": {name}}
	var records []Record
	if err := c.do(ctx, http.MethodGet, "/zones/"+url.PathEscape(zoneID)+"/dns_records?"+q.Encode(), nil, &records); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func (c *CloudflareClient) CreateCNAME(ctx context.Context, zoneID, name, target string) (*Record, error) {
	in := Record{Type: "CNAME", Name: name, Content: target, Proxied: true, TTL: 1}
	var out Record
	if err := c.do(ctx, http.MethodPost, "/zones/"+url.PathEscape(zoneID)+"/dns_records", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *CloudflareClient) DeleteRecord(ctx context.Context, zoneID, recordID string) error {
	return c.do(ctx, http.MethodDelete, "/zones/"+url.PathEscape(zoneID)+"/dns_records/"+url.PathEscape(recordID), nil, nil)
}

func (c *CloudflareClient) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("cloudflare %s: %w", method, err)
		}
		return fmt.Errorf("cloudflare %s: %w: %w", method, errdefs.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil && resp.StatusCode < 300 {
		return fmt.Errorf("cloudflare %s: invalid response: %w", method, err)
	}

	if resp.StatusCode >= 300 || !env.Success {
		return cloudflareError(method, resp.StatusCode, env.Errors)
	}

	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("cloudflare %s: invalid result: %w", method, err)
		}
	}
	return nil
}

// Cloudflare error codes for a record that already exists
const (
	codeRecordExists    = 81053
	codeIdenticalRecord = 81057
)

func cloudflareError(method string, status int, errs []apiError) error {
	msg := http.StatusText(status)
	if len(errs) > 0 {
		msg = fmt.Sprintf("%s (code %d)", errs[0].Message, errs[0].Code)
		switch errs[0].Code {
		case codeRecordExists, codeIdenticalRecord:
			return fmt.Errorf("cloudflare %s: %w: %s", method, errdefs.ErrAlreadyExists, msg)
		}
	}

	var class error
	switch {
	case status == http.StatusNotFound:
		class = errdefs.ErrNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		class = errdefs.ErrPermissionDenied
	case status == http.StatusTooManyRequests || status >= 500:
		class = errdefs.ErrUnavailable
	case status == http.StatusBadRequest:
		class = errdefs.ErrInvalidArgument
	default:
		class = errdefs.ErrUnknown
	}
	return fmt.Errorf("cloudflare %s: %w: %s", method, class, msg)
}
