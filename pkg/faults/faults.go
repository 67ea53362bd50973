package faults

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/containerd/errdefs"
	"github.com/cuemby/tenantd/pkg/types"
)

// Kind classifies an error for callers that must react to it
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNoCapacity        Kind = "no_capacity"
	KindAlreadyExists     Kind = "already_exists"
	KindTemplateNotFound  Kind = "template_not_found"
	KindTransient         Kind = "transient"
	KindUnsupportedDomain Kind = "unsupported_domain"
	KindPartialProvision  Kind = "partial_provision"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindInternal          Kind = "internal"
)

// ValidationError reports malformed, reserved or duplicate input
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error { return errdefs.ErrInvalidArgument }

// NoCapacityError reports that no node can take a tenant of the given plan
type NoCapacityError struct {
	Plan       types.PlanTier
	Considered int
}

func (e *NoCapacityError) Error() string {
	return fmt.Sprintf("no nodes available for plan %s (%d considered)", e.Plan, e.Considered)
}

func (e *NoCapacityError) Unwrap() error { return errdefs.ErrUnavailable }

// AlreadyExistsError reports a naming collision. Local is set when the
// collision was detected against the local deployment records rather than a
// node's database engine.
type AlreadyExistsError struct {
	Resource string
	Name     string
	NodeID   string
	Local    bool
}

func (e *AlreadyExistsError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s %q already exists on node %s", e.Resource, e.Name, e.NodeID)
	}
	return fmt.Sprintf("%s %q already exists", e.Resource, e.Name)
}

func (e *AlreadyExistsError) Unwrap() error { return errdefs.ErrAlreadyExists }

// TemplateNotFoundError reports that the template database is missing on a node
type TemplateNotFoundError struct {
	Template string
	NodeID   string
}

func (e *TemplateNotFoundError) Error() string {
	return fmt.Sprintf("template database %q not found on node %s", e.Template, e.NodeID)
}

func (e *TemplateNotFoundError) Unwrap() error { return errdefs.ErrFailedPrecondition }

// TransientError reports a network or timeout failure of a remote operation.
// OutcomeUnknown is set when the remote side may have applied the operation.
type TransientError struct {
	Op             string
	NodeID         string
	OutcomeUnknown bool
	Err            error
}

func (e *TransientError) Error() string {
	msg := fmt.Sprintf("%s failed transiently", e.Op)
	if e.NodeID != "" {
		msg = fmt.Sprintf("%s on node %s failed transiently", e.Op, e.NodeID)
	}
	if e.OutcomeUnknown {
		msg += " (outcome unknown)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransientError) Unwrap() []error {
	if e.Err == nil {
		return []error{errdefs.ErrUnavailable}
	}
	return []error{e.Err, errdefs.ErrUnavailable}
}

// UnsupportedDomainError reports a domain that is not a registered DNS zone
type UnsupportedDomainError struct {
	Domain string
}

func (e *UnsupportedDomainError) Error() string {
	return fmt.Sprintf("domain %q is not a registered zone", e.Domain)
}

func (e *UnsupportedDomainError) Unwrap() error { return errdefs.ErrInvalidArgument }

// PartialProvisionError reports a deployment whose database exists but whose
// DNS binding failed. The deployment is usable through its direct address.
type PartialProvisionError struct {
	Subdomain     string
	DirectAddress string
	Err           error
}

func (e *PartialProvisionError) Error() string {
	return fmt.Sprintf("tenant %s provisioned without DNS (reachable at %s): %v", e.Subdomain, e.DirectAddress, e.Err)
}

func (e *PartialProvisionError) Unwrap() error { return e.Err }

// RemoteError is an error already classified by another tenantd process
// and received over its control API
type RemoteError struct {
	Kind    Kind
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error {
	switch e.Kind {
	case KindValidation, KindUnsupportedDomain:
		return errdefs.ErrInvalidArgument
	case KindNoCapacity, KindTransient:
		return errdefs.ErrUnavailable
	case KindAlreadyExists:
		return errdefs.ErrAlreadyExists
	case KindTemplateNotFound, KindConflict:
		return errdefs.ErrFailedPrecondition
	case KindNotFound:
		return errdefs.ErrNotFound
	default:
		return errdefs.ErrInternal
	}
}

// KindOf classifies err. Typed errors win over the errdefs class they wrap.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var (
		partial     *PartialProvisionError
		validation  *ValidationError
		noCapacity  *NoCapacityError
		exists      *AlreadyExistsError
		template    *TemplateNotFoundError
		transient   *TransientError
		unsupported *UnsupportedDomainError
		remote      *RemoteError
	)

	switch {
	case errors.As(err, &partial):
		return KindPartialProvision
	case errors.As(err, &remote) && remote.Kind != "":
		return remote.Kind
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &unsupported):
		return KindUnsupportedDomain
	case errors.As(err, &noCapacity):
		return KindNoCapacity
	case errors.As(err, &exists):
		return KindAlreadyExists
	case errors.As(err, &template):
		return KindTemplateNotFound
	case errors.As(err, &transient):
		return KindTransient
	case errdefs.IsNotFound(err):
		return KindNotFound
	case errdefs.IsInvalidArgument(err):
		return KindValidation
	case errdefs.IsAlreadyExists(err):
		return KindAlreadyExists
	case errdefs.IsFailedPrecondition(err), errdefs.IsConflict(err):
		return KindConflict
	case errdefs.IsUnavailable(err), errdefs.IsDeadlineExceeded(err):
		return KindTransient
	default:
		return KindInternal
	}
}

// IsTransient reports whether err may succeed when retried unchanged
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// OutcomeUnknown reports whether err is a transient failure after which the
// remote operation may or may not have been applied
func OutcomeUnknown(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient) && transient.OutcomeUnknown
}

// HTTPStatus maps err onto the status code an HTTP surface should return
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case KindValidation, KindUnsupportedDomain:
		return http.StatusBadRequest
	case KindNoCapacity, KindTransient:
		return http.StatusServiceUnavailable
	case KindAlreadyExists, KindConflict:
		return http.StatusConflict
	case KindTemplateNotFound:
		return http.StatusFailedDependency
	case KindPartialProvision:
		return http.StatusAccepted
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Remediation returns the user-facing next step for an error kind
func Remediation(kind Kind) string {
	switch kind {
	case KindValidation:
		return "correct the request and try again"
	case KindNoCapacity:
		return "no nodes are available right now; retry later or add capacity"
	case KindAlreadyExists:
		return "the name is already taken; an operator should inspect the existing database"
	case KindTemplateNotFound:
		return "the template database is missing on the node; an operator must restore it"
	case KindTransient:
		return "a remote operation timed out; retry the request"
	case KindUnsupportedDomain:
		return "choose one of the configured domains"
	case KindPartialProvision:
		return "the tenant is reachable by direct address; retry the DNS binding"
	case KindNotFound:
		return "the resource does not exist"
	case KindConflict:
		return "the resource is in a state that does not allow this operation"
	default:
		return "an internal error occurred; check the server logs"
	}
}
