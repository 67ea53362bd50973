package provisioner

import (
	"context"

	"github.com/cuemby/tenantd/pkg/types"
)

// Statement is one parameterized SQL statement. Args are bound by the
// engine, never interpolated.
type Statement struct {
	SQL  string `json:"sql"`
	Args []any  `json:"args,omitempty"`
}

// Engine controls the PostgreSQL instance of one node.
//
// Implementations classify failures with containerd/errdefs: a database
// that already exists is ErrAlreadyExists, a missing one ErrNotFound, and a
// network failure or timeout ErrUnavailable or ErrDeadlineExceeded.
type Engine interface {
	// ListDatabases returns every non-template database name
	ListDatabases(ctx context.Context) ([]string, error)

	// DatabaseExists matches name case-insensitively
	DatabaseExists(ctx context.Context, name string) (bool, error)

	// TerminateConnections ends every session on database and returns how
	// many were ended
	TerminateConnections(ctx context.Context, database string) (int, error)

	// DuplicateDatabase creates target from template, owned by owner
	DuplicateDatabase(ctx context.Context, template, target, owner string) error

	// RunAdminSQL executes statements inside database in one transaction
	RunAdminSQL(ctx context.Context, database string, stmts []Statement) error

	// DropDatabase removes name; a missing database is not an error
	DropDatabase(ctx context.Context, name string) error

	Close() error
}

// Dialer opens an Engine for a node
type Dialer interface {
	Dial(ctx context.Context, node *types.Node) (Engine, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, node *types.Node) (Engine, error)

// Dial calls f
func (f DialerFunc) Dial(ctx context.Context, node *types.Node) (Engine, error) {
	return f(ctx, node)
}
