package sqldest

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// SchemaManager discovers and migrates destination tables on demand,
// remembering which rendered table names have already been confirmed this
// session so repeated inserts skip the probe/ALTER round-trip.
//
// Table names come from a per-message template, so their cardinality can
// be unbounded for a long-lived driver (e.g. one table per host); the
// confirmation set is therefore a bounded LRU rather than a plain map.
type SchemaManager struct {
	conn   *Connection
	txn    *Transaction
	cfg    Config
	fields []Field
	flags  driverFlags
	logger *zap.Logger
	cache  *lru.Cache[string, struct{}]
}

// NewSchemaManager creates a SchemaManager with a confirmation cache
// holding up to cacheSize table names.
func NewSchemaManager(conn *Connection, txn *Transaction, cfg Config, fields []Field, flags driverFlags, logger *zap.Logger, cacheSize int) (*SchemaManager, error) {
	if cacheSize <= 0 {
		cacheSize = 1000
	}
	cache, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("sqldest: schema cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchemaManager{conn: conn, txn: txn, cfg: cfg, fields: fields, flags: flags, logger: logger, cache: cache}, nil
}

// EnsureTable confirms that table (already sanitized by the caller) exists
// and carries every configured column, creating or migrating it if needed.
// With the dont-create-tables flag the table is trusted to exist and no
// SQL runs at all.
func (m *SchemaManager) EnsureTable(ctx context.Context, table string) error {
	if m.flags.dontCreateTables {
		return nil
	}
	if _, ok := m.cache.Get(table); ok {
		return nil
	}

	existing, present, err := m.probeTable(ctx, table)
	if err != nil {
		return err
	}

	if present {
		err = m.ensureColumns(ctx, table, existing)
	} else {
		err = m.createTable(ctx, table)
		if err == nil {
			err = m.createIndexes(ctx, table)
		}
	}
	if err != nil {
		return err
	}

	m.cache.Add(table, struct{}{})
	return nil
}

// probeTable checks table existence with a zero-row SELECT in its own
// transaction. The probe is silent: a failure just means the table is
// absent. When present, the probe's result set doubles as the column
// inventory for migration.
func (m *SchemaManager) probeTable(ctx context.Context, table string) (existing []string, present bool, err error) {
	if err := m.txn.BeginNew(ctx); err != nil {
		m.logger.Error("Starting new transaction for table detection has failed", zap.String("table", table))
		return nil, false, err
	}
	cols, probeErr := m.conn.QueryColumns(ctx, "SELECT * FROM "+table+" WHERE 0=1")
	if err := m.txn.Commit(ctx); err != nil {
		_ = m.txn.Rollback(ctx)
		return nil, false, err
	}
	if probeErr != nil {
		return nil, false, nil
	}
	return cols, true, nil
}

// createTable issues CREATE TABLE with the full column list plus the
// configured suffix, in its own transaction.
func (m *SchemaManager) createTable(ctx context.Context, table string) error {
	if err := m.txn.BeginNew(ctx); err != nil {
		m.logger.Error("Starting new transaction for table creation has failed", zap.String("table", table))
		return err
	}

	var b strings.Builder
	b.WriteString("CREATE TABLE " + table + " (")
	for i, f := range m.fields {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(f.Name + " " + f.Type)
	}
	b.WriteString(")")
	b.WriteString(m.cfg.CreateStatementAppend)

	if err := m.conn.RunQuery(ctx, b.String(), false); err != nil {
		m.logger.Error("Error creating table, giving up", zap.String("table", table))
		_ = m.txn.Rollback(ctx)
		return err
	}
	if err := m.txn.Commit(ctx); err != nil {
		_ = m.txn.Rollback(ctx)
		return err
	}
	return nil
}

// createIndexes creates every configured index on a freshly created table,
// as one transaction.
func (m *SchemaManager) createIndexes(ctx context.Context, table string) error {
	if len(m.cfg.Indexes) == 0 {
		return nil
	}
	if err := m.txn.BeginNew(ctx); err != nil {
		m.logger.Error("Starting new transaction for index creation has failed", zap.String("table", table))
		return err
	}
	for _, column := range m.cfg.Indexes {
		if err := m.createIndex(ctx, table, sanitizeIdentifier(column)); err != nil {
			_ = m.txn.Rollback(ctx)
			return err
		}
	}
	if err := m.txn.Commit(ctx); err != nil {
		_ = m.txn.Rollback(ctx)
		return err
	}
	return nil
}

func (m *SchemaManager) createIndex(ctx context.Context, table, column string) error {
	name := indexName(m.cfg.Type, table, column)
	query := fmt.Sprintf("CREATE INDEX %s ON %s (%s)", name, table, column)
	if err := m.conn.RunQuery(ctx, query, false); err != nil {
		m.logger.Error("Error adding missing index",
			zap.String("table", table), zap.String("column", column))
		return err
	}
	return nil
}

// ensureColumns adds every configured column missing from an existing
// table via ALTER TABLE ADD, indexing the new column when configured, all
// in one transaction.
func (m *SchemaManager) ensureColumns(ctx context.Context, table string, existing []string) error {
	present := make(map[string]bool, len(existing))
	for _, c := range existing {
		present[strings.ToLower(c)] = true
	}

	inTransaction := false
	for _, f := range m.fields {
		if present[strings.ToLower(f.Name)] {
			continue
		}
		if !inTransaction {
			if err := m.txn.BeginNew(ctx); err != nil {
				m.logger.Error("Starting new transaction for modifying(ALTER) table has failed",
					zap.String("table", table))
				return err
			}
			inTransaction = true
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD %s %s", table, f.Name, f.Type)
		if err := m.conn.RunQuery(ctx, query, false); err != nil {
			m.logger.Error("Error adding missing column, giving up",
				zap.String("table", table), zap.String("column", f.Name))
			_ = m.txn.Rollback(ctx)
			return err
		}
		for _, indexed := range m.cfg.Indexes {
			if indexed == f.Name {
				if err := m.createIndex(ctx, table, f.Name); err != nil {
					_ = m.txn.Rollback(ctx)
					return err
				}
			}
		}
	}

	if inTransaction {
		if err := m.txn.Commit(ctx); err != nil {
			_ = m.txn.Rollback(ctx)
			return err
		}
	}
	return nil
}
