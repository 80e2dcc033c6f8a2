package clients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ranierigmusella/ckan-docker/internal/orchestrator"
)

// pgConn abstracts the *pgx.Conn methods used here so that tests can inject
// a fake without standing up a real database.
type pgConn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Close(ctx context.Context) error
}

// PostgresClient opens short-lived connections to one PostgreSQL database.
// No connection outlives a single call.
type PostgresClient struct {
	kind    orchestrator.EndpointKind
	url     string
	connect func(ctx context.Context, connString string) (pgConn, error)
}

// NewPostgresClient creates a PostgresClient for connString, which may be empty
// when the database is not configured. No connection is made at
// construction time.
func NewPostgresClient(kind orchestrator.EndpointKind, connString string) *PostgresClient {
	return &PostgresClient{
		kind:    kind,
		url:     connString,
		connect: realConnect,
	}
}

// Endpoint describes the database this client talks to.
func (c *PostgresClient) Endpoint() orchestrator.Endpoint {
	return orchestrator.Endpoint{Kind: c.kind, Target: c.url}
}

// Probe opens a connection and closes it straight away. A driver-level
// connect error is a failed probe.
func (c *PostgresClient) Probe(ctx context.Context) orchestrator.ProbeResult {
	start := time.Now()

	conn, err := c.connect(ctx, c.url)
	if err == nil {
		err = conn.Close(ctx)
	}

	return probeResult(string(c.kind), start, err)
}

// ExecScript runs sql as a single batch in one transaction and commits.
// Notices raised by the server are logged. A failure to connect wraps
// orchestrator.ErrTransient; errors from the statements themselves do not.
func (c *PostgresClient) ExecScript(ctx context.Context, sql string) error {
	return c.inTx(ctx, func(tx pgx.Tx) error {
		// No arguments: pgx sends this over the simple protocol, which
		// accepts several statements in one string.
		if _, err := tx.Exec(ctx, sql); err != nil {
			return fmt.Errorf("executing script: %w", err)
		}
		return nil
	})
}

// ReassignOwnership makes the role CKAN connects as the owner of objects.
// The role is the user name in the connection URL.
func (c *PostgresClient) ReassignOwnership(ctx context.Context, objects ...orchestrator.OwnedObject) error {
	role, err := RoleFromURL(c.url)
	if err != nil {
		return err
	}

	var b strings.Builder
	for _, obj := range objects {
		fmt.Fprintf(&b, "ALTER %s %s OWNER TO %s;\n",
			obj.Type, pgx.Identifier{obj.Name}.Sanitize(), pgx.Identifier{role}.Sanitize())
	}

	return c.ExecScript(ctx, b.String())
}

func (c *PostgresClient) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	conn, err := c.connect(ctx, c.url)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w: %w", c.kind, orchestrator.ErrTransient, err)
	}
	defer conn.Close(ctx) //nolint:errcheck

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RoleFromURL returns the user name written in a PostgreSQL connection
// string. The driver's PGUSER and OS-user fallbacks are ignored: the role
// must come from the string itself.
func RoleFromURL(connString string) (string, error) {
	if connString == "" {
		return "", errors.New("database URL not set")
	}
	cfg, err := pgx.ParseConfig(connString)
	if err != nil {
		return "", fmt.Errorf("parsing database URL: %w", err)
	}

	var user string
	if strings.HasPrefix(connString, "postgres://") || strings.HasPrefix(connString, "postgresql://") {
		u, err := url.Parse(connString)
		if err != nil {
			return "", fmt.Errorf("parsing database URL: %w", err)
		}
		if u.User != nil {
			user = u.User.Username()
		}
		if user == "" {
			user = u.Query().Get("user")
		}
	} else if hasKeyword(connString, "user") {
		user = cfg.User
	}

	if user == "" {
		return "", errors.New("database URL has no user")
	}
	return user, nil
}

// hasKeyword reports whether a keyword/value DSN sets key.
func hasKeyword(dsn, key string) bool {
	for _, field := range strings.Fields(dsn) {
		k, _, ok := strings.Cut(field, "=")
		if ok && strings.TrimSpace(k) == key {
			return true
		}
	}
	return false
}

// logNotice surfaces NOTICE/WARNING messages sent by the server.
func logNotice(_ *pgconn.PgConn, n *pgconn.Notice) {
	slog.Info("postgres notice", "severity", n.Severity, "code", n.Code, "message", n.Message)
}

// realConnect opens a single connection to connString.
func realConnect(ctx context.Context, connString string) (pgConn, error) {
	cfg, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	cfg.OnNotice = logNotice

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}
	return conn, nil
}
