package agent

import (
	"context"
	"net/http"

	"github.com/containerd/errdefs"
	"github.com/cuemby/tenantd/pkg/provisioner"
)

// APIKeyHeader carries the shared secret on every /v1 request
const APIKeyHeader = "X-API-Key"

type DuplicateRequest struct {
	Template string `json:"template" binding:"required"`
	Name     string `json:"name" binding:"required"`
	Owner    string `json:"owner"`
}

type SQLRequest struct {
	Statements []provisioner.Statement `json:"statements" binding:"required"`
}

type DatabaseList struct {
	Databases []string `json:"databases"`
}

type ExistsResponse struct {
	Name   string `json:"name"`
	Exists bool   `json:"exists"`
}

type TerminateResponse struct {
	Terminated int `json:"terminated"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// statusFor maps an errdefs class onto an HTTP status
func statusFor(err error) int {
	switch {
	case errdefs.IsInvalidArgument(err):
		return http.StatusBadRequest
	case errdefs.IsUnauthorized(err):
		return http.StatusUnauthorized
	case errdefs.IsPermissionDenied(err):
		return http.StatusForbidden
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsAlreadyExists(err):
		return http.StatusConflict
	case errdefs.IsDeadlineExceeded(err):
		return http.StatusGatewayTimeout
	case errdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case errdefs.IsNotImplemented(err):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// errorFor maps an HTTP status back onto an errdefs class
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
	case http.StatusGatewayTimeout:
		return context.DeadlineExceeded
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return errdefs.ErrUnavailable
	case http.StatusNotImplemented:
		return errdefs.ErrNotImplemented
	default:
		return errdefs.ErrInternal
	}
}
