package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/containerd/errdefs"
	"github.com/cuemby/tenantd/pkg/faults"
	"github.com/cuemby/tenantd/pkg/monitor"
	"github.com/cuemby/tenantd/pkg/orchestrator"
	"github.com/cuemby/tenantd/pkg/registry"
	"github.com/cuemby/tenantd/pkg/types"
)

// Client sends control-plane operations to a running serve
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

var _ ControlPlane = (*Client)(nil)

// NewClient creates a client for the control API at baseURL. Provisioning
// can outlast any fixed timeout, so bounds come from the context of each
// call; httpClient may be nil.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: baseURL, apiKey: apiKey, http: httpClient}
}

// Ping checks that a serve answers and accepts this client
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/ping", nil, nil)
}

func (c *Client) RegisterNode(ctx context.Context, node *types.Node) (*types.Node, error) {
	var out types.Node
	if err := c.do(ctx, http.MethodPost, "/v1/nodes", node, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ApplyNodes(ctx context.Context, manifest []byte) ([]registry.ApplyResult, error) {
	const path = "/v1/nodes/apply"
	status, data, err := c.roundTrip(ctx, http.MethodPost, path, manifest)
	if err != nil {
		return nil, err
	}

	var resp ApplyResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		if status >= http.StatusMultipleChoices {
			return nil, decodeError(http.MethodPost, path, status, data)
		}
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if status >= http.StatusMultipleChoices {
		return resp.Results, remoteError(http.MethodPost, path, status, resp.Error, resp.Kind)
	}
	return resp.Results, nil
}

func (c *Client) ListNodes(ctx context.Context) ([]*types.Node, error) {
	var out NodeList
	if err := c.do(ctx, http.MethodGet, "/v1/nodes", nil, &out); err != nil {
		return nil, err
	}
	return out.Nodes, nil
}

func (c *Client) SetNodeStatus(ctx context.Context, ref string, status types.NodeStatus) (*types.Node, error) {
	var out types.Node
	if err := c.do(ctx, http.MethodPut, "/v1/nodes/"+url.PathEscape(ref)+"/status", NodeStatusRequest{Status: status}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RemoveNode(ctx context.Context, ref string) error {
	return c.do(ctx, http.MethodDelete, "/v1/nodes/"+url.PathEscape(ref), nil, nil)
}

func (c *Client) Scan(ctx context.Context, ref string) (*monitor.Report, error) {
	path := "/v1/scan"
	if ref != "" {
		path = "/v1/nodes/" + url.PathEscape(ref) + "/scan"
	}
	var out monitor.Report
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Provision returns the attempt with any error, like the in-process
// orchestrator. A tenant left without DNS comes back as a
// *faults.PartialProvisionError.
func (c *Client) Provision(ctx context.Context, req ProvisionRequest) (*orchestrator.Result, error) {
	const path = "/v1/tenants"
	status, data, err := c.roundTrip(ctx, http.MethodPost, path, req)
	if err != nil {
		return nil, err
	}

	var resp ProvisionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		if status >= http.StatusMultipleChoices {
			return nil, decodeError(http.MethodPost, path, status, data)
		}
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	res := &orchestrator.Result{Deployment: resp.Deployment, Attempt: resp.Attempt}
	switch {
	case resp.Kind == faults.KindPartialProvision && resp.Deployment != nil:
		return res, &faults.PartialProvisionError{
			Subdomain:     resp.Deployment.Subdomain,
			DirectAddress: resp.Deployment.DirectAddress,
			Err:           &faults.RemoteError{Kind: resp.CauseKind, Message: resp.Cause},
		}
	case status >= http.StatusMultipleChoices:
		return res, remoteError(http.MethodPost, path, status, resp.Error, resp.Kind)
	}
	return res, nil
}

func (c *Client) DeleteTenant(ctx context.Context, subdomain string) error {
	return c.do(ctx, http.MethodDelete, "/v1/tenants/"+url.PathEscape(subdomain), nil, nil)
}

func (c *Client) RetryDNS(ctx context.Context, subdomain string) (*types.Deployment, error) {
	var out types.Deployment
	if err := c.do(ctx, http.MethodPost, "/v1/tenants/"+url.PathEscape(subdomain)+"/dns", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListTenants(ctx context.Context, status string) ([]*types.Deployment, error) {
	path := "/v1/tenants"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out TenantList
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Tenants, nil
}

func (c *Client) GetTenant(ctx context.Context, subdomain string) (*TenantDetail, error) {
	var out TenantDetail
	if err := c.do(ctx, http.MethodGet, "/v1/tenants/"+url.PathEscape(subdomain), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	status, data, err := c.roundTrip(ctx, method, path, body)
	if err != nil {
		return err
	}
	if status >= http.StatusMultipleChoices {
		return decodeError(method, path, status, data)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// roundTrip sends body as JSON, or as YAML when it is raw bytes, and
// returns the status and body of any response
func (c *Client) roundTrip(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var (
		reader      io.Reader
		contentType string
	)
	switch b := body.(type) {
	case nil:
	case []byte:
		reader, contentType = bytes.NewReader(b), "application/yaml"
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader, contentType = bytes.NewReader(data), "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		return 0, nil, fmt.Errorf("%s %s: %w: %w", method, path, errdefs.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: failed to read response: %w: %w", method, path, errdefs.ErrUnavailable, err)
	}
	return resp.StatusCode, data, nil
}

func decodeError(method, path string, status int, data []byte) error {
	var apiErr ErrorResponse
	_ = json.Unmarshal(data, &apiErr)
	return remoteError(method, path, status, apiErr.Error, apiErr.Kind)
}

// remoteError rebuilds a server error. Errors without a kind, such as
// authentication failures, are classified by status.
func remoteError(method, path string, status int, msg string, kind faults.Kind) error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	if kind != "" {
		return &faults.RemoteError{Kind: kind, Message: msg}
	}
	return fmt.Errorf("%s %s: %w: %s", method, path, errorFor(status), msg)
}

// errorFor maps an HTTP status onto an errdefs class
func errorFor(status int) error {
	switch status {
	case http.StatusBadRequest:
		return errdefs.ErrInvalidArgument
	case http.StatusUnauthorized:
		return errdefs.ErrUnauthenticated
	case http.StatusForbidden:
		return errdefs.ErrPermissionDenied
	case http.StatusNotFound:
		return errdefs.ErrNotFound
	case http.StatusConflict:
		return errdefs.ErrAlreadyExists
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return errdefs.ErrUnavailable
	default:
		return errdefs.ErrInternal
	}
}
