package sqldest

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Connection owns one pinned database session: a *sql.Conn obtained from
// the pool and held for the worker's lifetime, so session statements,
// explicit BEGIN/COMMIT text and the INSERTs all observe the same
// connection state. All SQL in this package runs on this session, through
// RunQuery or (for the schema probe) QueryColumns.
type Connection struct {
	cfg    Config
	entry  dialectEntry
	logger *zap.Logger

	db   *sql.DB
	conn *sql.Conn

	// session is a synthetic per-connection id, substituted for
	// ${SESSION_ID} in session statements.
	session string
}

// NewConnection validates cfg against the dialect registry and constructs
// an unconnected Connection; Open actually dials the database.
func NewConnection(cfg Config, logger *zap.Logger) (*Connection, error) {
	if err := ensureSQLDrivers(); err != nil {
		return nil, err
	}
	entry, err := resolveDialect(cfg.Type)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IgnoreTNSConfig && normalizeDialectName(cfg.Type) != dialectOracle {
		logger.Warn("Option ignore_tns_config was skipped because database type is not Oracle",
			zap.String("type", cfg.Type))
	}
	return &Connection{cfg: cfg, entry: entry, logger: logger, session: uuid.NewString()}, nil
}

// driverName resolves the database/sql driver to use: Config.DriverName
// overrides the dialect's registered default.
func (c *Connection) driverName() (string, error) {
	if c.cfg.DriverName != "" {
		return c.cfg.DriverName, nil
	}
	if c.entry.sqlDriver == "" {
		return "", fmt.Errorf("sqldest: dialect %q has no built-in driver; set Config.DriverName", c.cfg.Type)
	}
	return c.entry.sqlDriver, nil
}

// dsn builds a driver-appropriate connection string, folding
// DBDOptions/DBDOptionsNumeric and the configured encoding onto the DSN
// query string for drivers that accept one. database/sql has no generic
// per-connection option primitive, so the DSN is where passthrough options
// land.
func (c *Connection) dsn() string {
	switch normalizeDialectName(c.cfg.Type) {
	case dialectPgSQL:
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(c.cfg.User, c.cfg.Password),
			Host:   c.cfg.Host + ":" + c.cfg.effectivePort(c.entry),
			Path:   "/" + c.cfg.Database,
		}
		q := u.Query()
		if c.cfg.Encoding != "" {
			q.Set("client_encoding", c.cfg.Encoding)
		}
		for k, v := range c.cfg.DBDOptions {
			q.Set(k, v)
		}
		for k, v := range c.cfg.DBDOptionsNumeric {
			q.Set(k, strconv.Itoa(v))
		}
		u.RawQuery = q.Encode()
		return u.String()

	case dialectSQLite, dialectSQLite3:
		if len(c.cfg.DBDOptions) == 0 && len(c.cfg.DBDOptionsNumeric) == 0 {
			return c.cfg.Database
		}
		q := url.Values{}
		for k, v := range c.cfg.DBDOptions {
			q.Set(k, v)
		}
		for k, v := range c.cfg.DBDOptionsNumeric {
			q.Set(k, strconv.Itoa(v))
		}
		return c.cfg.Database + "?" + q.Encode()

	default:
		// mysql/oracle/freetds need a caller-supplied driver; a caller
		// that knows its driver's DSN convention can override the whole
		// string via DBDOptions["dsn"].
		if dsn, ok := c.cfg.DBDOptions["dsn"]; ok {
			return dsn
		}
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s", c.cfg.User, c.cfg.Password,
			c.cfg.Host, c.cfg.effectivePort(c.entry), c.cfg.Database)
	}
}

// Open dials the database, pins one session from the pool and runs the
// configured session statements against it, in order. Any failure tears
// the half-open handle down again.
func (c *Connection) Open(ctx context.Context) error {
	driver, err := c.driverName()
	if err != nil {
		return err
	}
	db, err := sql.Open(driver, c.dsn())
	if err != nil {
		return fmt.Errorf("sqldest: open: %w", err)
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("sqldest: acquire connection: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return fmt.Errorf("sqldest: ping: %w", err)
	}
	c.db = db
	c.conn = conn

	for _, stmt := range c.cfg.SessionStatements {
		rendered := strings.ReplaceAll(stmt, "${SESSION_ID}", c.session)
		if err := c.RunQuery(ctx, rendered, false); err != nil {
			c.Close()
			return fmt.Errorf("sqldest: session statement %q: %w", stmt, err)
		}
	}
	return nil
}

// RunQuery executes one SQL statement on the pinned session. silent
// suppresses the error log for probes whose failure is an expected
// outcome (table-existence checks).
func (c *Connection) RunQuery(ctx context.Context, query string, silent bool) error {
	c.logger.Debug("Running SQL query", zap.String("query", query))

	if c.conn == nil {
		return sql.ErrConnDone
	}
	if _, err := c.conn.ExecContext(ctx, query); err != nil {
		if !silent {
			c.logger.Error("Error running SQL query",
				zap.String("type", c.cfg.Type),
				zap.String("host", c.cfg.Host),
				zap.String("port", c.cfg.Port),
				zap.String("user", c.cfg.User),
				zap.String("database", c.cfg.Database),
				zap.String("query", query),
				zap.Error(err))
		}
		return err
	}
	return nil
}

// QueryColumns runs query on the pinned session and returns the result's
// column names. Used by the zero-row schema probe.
func (c *Connection) QueryColumns(ctx context.Context, query string) ([]string, error) {
	c.logger.Debug("Running SQL query", zap.String("query", query))

	if c.conn == nil {
		return nil, sql.ErrConnDone
	}
	rows, err := c.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	return cols, rows.Err()
}

// QuoteString renders a value as a SQL string literal using the dialect's
// quoting primitive.
func (c *Connection) QuoteString(value string) string {
	return c.entry.quoteString(value)
}

// Connected reports whether the pinned session is currently held.
func (c *Connection) Connected() bool { return c.conn != nil }

// Ping verifies the pinned session is still alive.
func (c *Connection) Ping(ctx context.Context) error {
	if c.conn == nil {
		return sql.ErrConnDone
	}
	return c.conn.PingContext(ctx)
}

// Close disconnects. Idempotent.
func (c *Connection) Close() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.db != nil {
		_ = c.db.Close()
		c.db = nil
	}
}
