package agent

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
	"github.com/cuemby/tenantd/pkg/hoststat"
	"github.com/cuemby/tenantd/pkg/provisioner"
	"github.com/cuemby/tenantd/pkg/types"
)

// Client talks to a node agent. It implements provisioner.Engine.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

var _ provisioner.Engine = (*Client)(nil)

// NewClient creates a client for the agent at baseURL. Timeouts come from
// the context of each call; httpClient may be nil.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: baseURL, apiKey: apiKey, http: httpClient}
}

func (c *Client) ListDatabases(ctx context.Context) ([]string, error) {
	var out DatabaseList
	if err := c.do(ctx, http.MethodGet, "/v1/databases", nil, &out); err != nil {
		return nil, err
	}
	return out.Databases, nil
}

func (c *Client) DatabaseExists(ctx context.Context, name string) (bool, error) {
	err := c.do(ctx, http.MethodGet, "/v1/databases/"+url.PathEscape(name), nil, nil)
	switch {
	case err == nil:
		return true, nil
	case errdefs.IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

func (c *Client) TerminateConnections(ctx context.Context, database string) (int, error) {
	var out TerminateResponse
	if err := c.do(ctx, http.MethodPost, "/v1/databases/"+url.PathEscape(database)+"/terminate", nil, &out); err != nil {
		return 0, err
	}
	return out.Terminated, nil
}

func (c *Client) DuplicateDatabase(ctx context.Context, template, target, owner string) error {
	return c.do(ctx, http.MethodPost, "/v1/databases", DuplicateRequest{Template: template, Name: target, Owner: owner}, nil)
}

func (c *Client) RunAdminSQL(ctx context.Context, database string, stmts []provisioner.Statement) error {
	return c.do(ctx, http.MethodPost, "/v1/databases/"+url.PathEscape(database)+"/sql", SQLRequest{Statements: stmts}, nil)
}

func (c *Client) DropDatabase(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/databases/"+url.PathEscape(name), nil, nil)
	if errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

// Stats fetches the node's resource sample
func (c *Client) Stats(ctx context.Context) (hoststat.Stats, error) {
	var st hoststat.Stats
	err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &st)
	return st, err
}

// Ping calls the unauthenticated health endpoint
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
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
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(APIKeyHeader, c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		return fmt.Errorf("%s %s: %w: %w", method, path, errdefs.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %w: %s", method, path, errorFor(resp.StatusCode), apiErr.Error)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Dialer hands out agent clients for nodes
type Dialer struct {
	APIKey string
	// Timeout bounds a whole request when the caller's context has no
	// deadline of its own
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Dial returns a client for node's agent. No connection is made.
func (d Dialer) Dial(ctx context.Context, node *types.Node) (provisioner.Engine, error) {
	return d.Client(node), nil
}

// Client returns the concrete client for node
func (d Dialer) Client(node *types.Node) *Client {
	hc := d.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: d.Timeout}
	}
	return NewClient("http://"+node.AgentAddress(), d.APIKey, hc)
}
