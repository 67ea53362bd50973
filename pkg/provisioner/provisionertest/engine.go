// Package provisionertest provides an in-memory provisioner.Engine with
// failure injection for tests.
package provisionertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/cuemby/tenantd/pkg/provisioner"
	"github.com/cuemby/tenantd/pkg/types"
)

// Engine is an in-memory database server
type Engine struct {
	mu        sync.Mutex
	databases map[string]string // lower-case name -> name
	executed  map[string][]provisioner.Statement

	// Failure injection. Each hook receives the 1-based call number and
	// returns the error to inject, or nil.
	DuplicateErr func(call int) error
	// DuplicateLands makes an injected duplicate error happen after the
	// database was created, like a client timeout on a copy that finished.
	DuplicateLands bool
	ExistsErr      func(call int) error
	ConfigureErr   func(call int) error
	TerminateErr   error
	DropErr        error

	DuplicateCalls int
	ExistsCalls    int
	ConfigureCalls int
	DropCalls      int
}

// NewEngine returns an engine holding the given databases
func NewEngine(databases ...string) *Engine {
	e := &Engine{
		databases: make(map[string]string),
		executed:  make(map[string][]provisioner.Statement),
	}
	for _, db := range databases {
		e.databases[strings.ToLower(db)] = db
	}
	return e
}

// Dialer returns a dialer handing out e for every node
func (e *Engine) Dialer() provisioner.Dialer {
	return provisioner.DialerFunc(func(ctx context.Context, node *types.Node) (provisioner.Engine, error) {
		return e, nil
	})
}

// Has reports whether name exists
func (e *Engine) Has(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.databases[strings.ToLower(name)]
	return ok
}

// Executed returns the statements run in database
func (e *Engine) Executed(database string) []provisioner.Statement {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]provisioner.Statement(nil), e.executed[database]...)
}

func (e *Engine) ListDatabases(ctx context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.databases))
	for _, name := range e.databases {
		out = append(out, name)
	}
	return out, nil
}

func (e *Engine) DatabaseExists(ctx context.Context, name string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ExistsCalls++
	if e.ExistsErr != nil {
		if err := e.ExistsErr(e.ExistsCalls); err != nil {
			return false, err
		}
	}
	_, ok := e.databases[strings.ToLower(name)]
	return ok, nil
}

func (e *Engine) TerminateConnections(ctx context.Context, database string) (int, error) {
	if e.TerminateErr != nil {
		return 0, e.TerminateErr
	}
	return 0, nil
}

func (e *Engine) DuplicateDatabase(ctx context.Context, template, target, owner string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.DuplicateCalls++

	if _, ok := e.databases[strings.ToLower(template)]; !ok {
		return fmt.Errorf("template %s: %w", template, errdefs.ErrNotFound)
	}
	if _, ok := e.databases[strings.ToLower(target)]; ok {
		return fmt.Errorf("database %s: %w", target, errdefs.ErrAlreadyExists)
	}
	if e.DuplicateErr != nil {
		if err := e.DuplicateErr(e.DuplicateCalls); err != nil {
			if e.DuplicateLands {
				e.databases[strings.ToLower(target)] = target
			}
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.databases[strings.ToLower(target)] = target
	return nil
}

func (e *Engine) RunAdminSQL(ctx context.Context, database string, stmts []provisioner.Statement) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ConfigureCalls++

	if _, ok := e.databases[strings.ToLower(database)]; !ok {
		return fmt.Errorf("database %s: %w", database, errdefs.ErrNotFound)
	}
	if e.ConfigureErr != nil {
		if err := e.ConfigureErr(e.ConfigureCalls); err != nil {
			return err
		}
	}
	e.executed[database] = append(e.executed[database], stmts...)
	return nil
}

func (e *Engine) DropDatabase(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.DropCalls++
	if e.DropErr != nil {
		return e.DropErr
	}
	delete(e.databases, strings.ToLower(name))
	return nil
}

func (e *Engine) Close() error { return nil }

// Fail returns a hook failing the listed calls with err
func Fail(err error, calls ...int) func(int) error {
	return func(call int) error {
		for _, c := range calls {
			if c == call {
				return err
			}
		}
		return nil
	}
}

// Always returns a hook failing every call with err
func Always(err error) func(int) error {
	return func(int) error { return err }
}
