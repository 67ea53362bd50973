/*
Package faults defines the error taxonomy shared by placement, provisioning
and DNS binding.

Every remote boundary returns one of the typed errors below, wrapped with
fmt.Errorf where context helps. Each type unwraps to a containerd errdefs
class, so generic code can test errdefs.IsUnavailable or errdefs.IsNotFound
without knowing the concrete type.

	type                     errdefs class          retried?
	ValidationError          ErrInvalidArgument     no, caller fixes input
	NoCapacityError          ErrUnavailable         later, or add capacity
	AlreadyExistsError       ErrAlreadyExists       no, operator investigates
	TemplateNotFoundError    ErrFailedPrecondition  no, operator fixes node
	TransientError           ErrUnavailable         yes, bounded, after re-check
	UnsupportedDomainError   ErrInvalidArgument     no
	PartialProvisionError    (wraps cause)          DNS binding only

KindOf classifies any error, HTTPStatus maps it for HTTP surfaces, and
Remediation gives the user-facing next step for each kind.
*/
package faults
