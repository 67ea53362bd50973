package dbengine

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cuemby/tenantd/pkg/provisioner"
	"github.com/cuemby/tenantd/pkg/types"
	"github.com/lib/pq"
)

// Conn describes how to reach a PostgreSQL server
type Conn struct {
	Host           string
	Port           int
	User           string
	Password       string
	SSLMode        string
	MaintenanceDB  string
	ConnectTimeout time.Duration
}

// DSN renders a key/value connection string for database
func (c Conn) DSN(database string) string {
	if database == "" {
		database = c.MaintenanceDB
	}
	if database == "" {
		database = "postgres"
	}
	parts := []string{
		"host=" + quoteValue(c.Host),
		"port=" + strconv.Itoa(c.portOrDefault()),
		"dbname=" + quoteValue(database),
	}
	if c.User != "" {
		parts = append(parts, "user="+quoteValue(c.User))
	}
	if c.Password != "" {
		parts = append(parts, "password="+quoteValue(c.Password))
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	parts = append(parts, "sslmode="+quoteValue(sslmode))
	if c.ConnectTimeout > 0 {
		parts = append(parts, "connect_timeout="+strconv.Itoa(max(int(c.ConnectTimeout.Seconds()), 1)))
	}
	return strings.Join(parts, " ")
}

func (c Conn) portOrDefault() int {
	if c.Port == 0 {
		return 5432
	}
	return c.Port
}

func quoteValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// PostgresEngine implements provisioner.Engine over lib/pq
type PostgresEngine struct {
	db *sql.DB
	// dsnFor returns the connection string for a specific database
	dsnFor func(database string) string
}

var _ provisioner.Engine = (*PostgresEngine)(nil)

// Open connects to the maintenance database described by conn
func Open(ctx context.Context, conn Conn) (*PostgresEngine, error) {
	return open(ctx, conn.DSN(""), conn.DSN)
}

// OpenDSN connects using a key/value DSN. Per-database connections append a
// dbname override, which lib/pq applies last-wins.
func OpenDSN(ctx context.Context, dsn string) (*PostgresEngine, error) {
	return open(ctx, dsn, func(database string) string {
		return dsn + " dbname=" + quoteValue(database)
	})
}

func open(ctx context.Context, dsn string, dsnFor func(string) string) (*PostgresEngine, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, classify(fmt.Errorf("failed to reach postgres: %w", err))
	}
	return &PostgresEngine{db: db, dsnFor: dsnFor}, nil
}

func (e *PostgresEngine) ListDatabases(ctx context.Context) ([]string, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT datname FROM pg_database WHERE NOT datistemplate ORDER BY datname`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, classify(err)
		}
		names = append(names, name)
	}
	return names, classify(rows.Err())
}

func (e *PostgresEngine) DatabaseExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := e.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_database WHERE lower(datname) = lower($1))`, name,
	).Scan(&exists)
	if err != nil {
		return false, classify(err)
	}
	return exists, nil
}

func (e *PostgresEngine) TerminateConnections(ctx context.Context, database string) (int, error) {
	var n int
	err := e.db.QueryRowContext(ctx,
		`SELECT count(pg_terminate_backend(pid)) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`,
		database,
	).Scan(&n)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (e *PostgresEngine) DuplicateDatabase(ctx context.Context, template, target, owner string) error {
	// identifiers cannot be bound as parameters
	stmt := "CREATE DATABASE " + pq.QuoteIdentifier(target) + " WITH TEMPLATE " + pq.QuoteIdentifier(template)
	if owner != "" {
		stmt += " OWNER " + pq.QuoteIdentifier(owner)
	}
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		return classify(err)
	}
	return nil
}

func (e *PostgresEngine) RunAdminSQL(ctx context.Context, database string, stmts []provisioner.Statement) error {
	db, err := sql.Open("postgres", e.dsnFor(database))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", database, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback() //nolint:errcheck

	for i, s := range stmts {
		if _, err := tx.ExecContext(ctx, s.SQL, s.Args...); err != nil {
			return classify(fmt.Errorf("statement %d: %w", i+1, err))
		}
	}
	return classify(tx.Commit())
}

func (e *PostgresEngine) DropDatabase(ctx context.Context, name string) error {
	if _, err := e.db.ExecContext(ctx, "DROP DATABASE IF EXISTS "+pq.QuoteIdentifier(name)); err != nil {
		return classify(err)
	}
	return nil
}

// Ping checks the server connection
func (e *PostgresEngine) Ping(ctx context.Context) error {
	return classify(e.db.PingContext(ctx))
}

func (e *PostgresEngine) Close() error {
	return e.db.Close()
}

// classify attaches an errdefs class to a driver error
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "42P04": // duplicate_database
			return fmt.Errorf("%w: %w", errdefs.ErrAlreadyExists, err)
		case pqErr.Code == "3D000": // invalid_catalog_name
			return fmt.Errorf("%w: %w", errdefs.ErrNotFound, err)
		case pqErr.Code == "55006", // object_in_use
			pqErr.Code == "53300", // too_many_connections
			pqErr.Code == "57P03", // cannot_connect_now
			pqErr.Code.Class() == "08":
			return fmt.Errorf("%w: %w", errdefs.ErrUnavailable, err)
		case pqErr.Code == "57014": // query_canceled
			return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		case pqErr.Code == "42501", pqErr.Code.Class() == "28":
			return fmt.Errorf("%w: %w", errdefs.ErrPermissionDenied, err)
		}
		return err
	}

	// errdefs recognizes context errors as they are
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", errdefs.ErrUnavailable, err)
	}
	return err
}

// Dialer opens a PostgresEngine against each node's PostgreSQL
type Dialer struct {
	User           string
	Password       string
	SSLMode        string
	ConnectTimeout time.Duration
}

// Dial connects to node's database port
func (d Dialer) Dial(ctx context.Context, node *types.Node) (provisioner.Engine, error) {
	return Open(ctx, Conn{
		Host:           node.Address,
		Port:           node.DBPort,
		User:           d.User,
		Password:       d.Password,
		SSLMode:        d.SSLMode,
		ConnectTimeout: d.ConnectTimeout,
	})
}
