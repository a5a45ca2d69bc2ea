package sqldest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/dkazarian/threadeddest/pkg/destdrv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Driver is the SQL destination consumer: it holds a
// *destdrv.ThreadedDestination rather than embedding it, per the
// capability-composition design, and supplies destdrv.Callbacks backed by
// the Connection/Transaction/SchemaManager trio.
type Driver struct {
	cfg        Config
	entry      dialectEntry
	fields     []Field
	flags      driverFlags
	flushLines int
	logger     *zap.Logger
	renderer   destdrv.Renderer

	td *destdrv.ThreadedDestination

	// Connection-scoped state, rebuilt by every successful connect and
	// only ever touched from the worker goroutine.
	conn   *Connection
	txn    *Transaction
	schema *SchemaManager
}

// New builds a production logger with ISO8601 timestamps, parses the
// layered configuration and wires a Driver.
func New(jsonConfig []byte, urlConfig string) (*Driver, error) {
	cfg, err := ParseConfig(jsonConfig, urlConfig)
	if err != nil {
		return nil, err
	}

	logCfg := zap.NewProductionConfig()
	logCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := logCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("sqldest: failed to create logger: %w", err)
	}

	return NewDriver(cfg, logger, nil, nil)
}

// NewDriver wires a Driver from an already-parsed Config. renderer may be
// nil to use the reference template renderer; stats may be nil to use an
// in-process atomic sink. Any configuration inconsistency is a fatal init
// failure and the driver refuses to start.
func NewDriver(cfg Config, logger *zap.Logger, renderer destdrv.Renderer, stats destdrv.StatsSink) (*Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("destination", "sql"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	entry, err := resolveDialect(cfg.Type)
	if err != nil {
		return nil, err
	}
	fields, err := buildFields(cfg)
	if err != nil {
		return nil, err
	}
	if err := ensureSQLDrivers(); err != nil {
		return nil, err
	}
	if renderer == nil {
		renderer = destdrv.NewTemplateRenderer()
	}

	d := &Driver{
		cfg:        cfg,
		entry:      entry,
		fields:     fields,
		flags:      parseFlags(cfg.Flags, logger),
		flushLines: cfg.effectiveFlushLines(),
		logger:     logger,
		renderer:   renderer,
	}

	ddCfg := destdrv.DefaultConfig("sql")
	ddCfg.RetriesMax = cfg.RetriesMax
	ddCfg.TimeReopen = cfg.TimeReopen

	d.td = destdrv.New(ddCfg, destdrv.NewMemoryQueue(10000, 0), destdrv.Callbacks{
		Connect:    d.connect,
		Disconnect: d.disconnect,
		Insert:     d.insert,
		Flush:      d.flush,
	}, stats, logger)
	d.td.PersistNameFn = d.persistName
	d.td.StatsInstanceNameFn = d.statsInstanceName

	return d, nil
}

// persistName is the stable key the queue's on-disk state survives
// restarts under: the user-supplied name when one was configured, the
// connection-parameter tuple otherwise.
func (d *Driver) persistName() string {
	if d.cfg.PersistName != "" {
		return "afsql_dd." + d.cfg.PersistName
	}
	return fmt.Sprintf("afsql_dd(%s,%s,%s,%s,%s)",
		normalizeDialectName(d.cfg.Type), d.cfg.Host, d.cfg.Port, d.cfg.Database, d.cfg.Table)
}

func (d *Driver) statsInstanceName() string {
	return fmt.Sprintf("%s,%s,%s,%s,%s",
		normalizeDialectName(d.cfg.Type), d.cfg.Host, d.cfg.Port, d.cfg.Database, d.cfg.Table)
}

// PersistName exposes the derived persistence key.
func (d *Driver) PersistName() string { return d.td.PersistName() }

// StatsInstanceName exposes the counter label visible to ops.
func (d *Driver) StatsInstanceName() string { return d.td.StatsInstanceName() }

// Stats exposes the published counters.
func (d *Driver) Stats() destdrv.StatsSink { return d.td.Stats() }

// Start launches the worker; Stop settles the in-flight unit and tears the
// database connection down.
func (d *Driver) Start(ctx context.Context) { d.td.Start(ctx) }
func (d *Driver) Stop()                     { d.td.Stop() }

// Enqueue accepts one message for delivery.
func (d *Driver) Enqueue(msg destdrv.Message) { d.td.Enqueue(msg) }

func (d *Driver) connect(ctx context.Context) bool {
	conn, err := NewConnection(d.cfg, d.logger)
	if err != nil {
		d.logger.Error("Error preparing SQL connection", zap.Error(err))
		return false
	}
	if err := conn.Open(ctx); err != nil {
		d.logger.Error("Error establishing SQL connection",
			zap.String("type", d.cfg.Type),
			zap.String("host", d.cfg.Host),
			zap.String("port", d.cfg.Port),
			zap.String("user", d.cfg.User),
			zap.String("database", d.cfg.Database),
			zap.Error(err))
		return false
	}

	txn := NewTransaction(conn)
	schema, err := NewSchemaManager(conn, txn, d.cfg, d.fields, d.flags, d.logger, 1000)
	if err != nil {
		d.logger.Error("Error preparing schema manager", zap.Error(err))
		conn.Close()
		return false
	}

	d.conn = conn
	d.txn = txn
	d.schema = schema
	return true
}

func (d *Driver) disconnect() {
	if d.txn != nil {
		d.txn.Reset()
	}
	if d.conn != nil {
		d.conn.Close()
	}
}

// insert delivers one message: render the table name, make sure the table
// conforms, open a transaction when explicit commits are on, run the
// INSERT, and either commit at the flush_lines watermark or report the
// message as queued for a later flush.
func (d *Driver) insert(ctx context.Context, msg destdrv.Message) destdrv.Verdict {
	table, err := d.renderer.Render(ctx, d.cfg.Table, msg, d.td.SeqNum())
	if err != nil {
		d.logger.Error("Error rendering table name template", zap.Error(err))
		return destdrv.Error
	}
	table = sanitizeIdentifier(table)

	if err := d.schema.EnsureTable(ctx, table); err != nil {
		d.logger.Error("Error checking table, trying again shortly",
			zap.String("table", table),
			zap.Duration("time_reopen", d.cfg.TimeReopen))
		return destdrv.Error
	}

	if d.flags.explicitCommits && !d.txn.Active() {
		if err := d.txn.Begin(ctx); err != nil {
			return destdrv.Error
		}
	}

	command, err := buildInsertCommand(ctx, d.fields, d.renderer, d.conn.QuoteString,
		d.cfg.NullValue, table, msg, d.td.SeqNum())
	if err != nil {
		// The message itself cannot be rendered; no retry can fix it.
		d.logger.Warn("Message cannot be rendered for this destination", zap.Error(err))
		return destdrv.Drop
	}

	if err := d.conn.RunQuery(ctx, command, false); err != nil {
		return d.classifyQueryError(ctx, err)
	}

	if d.flags.explicitCommits && d.td.BatchSize() >= d.flushLines {
		return d.flush(ctx)
	}
	if d.flags.explicitCommits {
		return destdrv.Queued
	}
	return destdrv.Success
}

// flush commits the active transaction; a failed commit rolls back and
// reports ERROR so the worker rewinds and replays the batch.
func (d *Driver) flush(ctx context.Context) destdrv.Verdict {
	if err := d.txn.Commit(ctx); err != nil {
		_ = d.txn.Rollback(ctx)
		return destdrv.Error
	}
	return destdrv.Success
}

// classifyQueryError maps a failed INSERT to a verdict by inspecting
// connection liveness: a dead session means NOT_CONNECTED (reconnect and
// retry indefinitely), a live one means the query itself was rejected:
// roll the transaction back and retry within the bounded budget.
func (d *Driver) classifyQueryError(ctx context.Context, err error) destdrv.Verdict {
	if isConnectionError(err) || d.conn.Ping(ctx) != nil {
		if d.flags.explicitCommits {
			d.logger.Error("SQL connection lost in the middle of a transaction, rewinding backlog and starting again")
		} else {
			d.logger.Error("Error, no SQL connection after failed query attempt")
		}
		return destdrv.NotConnected
	}
	_ = d.txn.Rollback(ctx)
	return destdrv.Error
}

// isConnectionError recognizes transport-level failures in err itself,
// before falling back to an explicit ping.
func isConnectionError(err error) bool {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "connection reset", "broken pipe", "bad connection", "no such host", "network is unreachable"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
