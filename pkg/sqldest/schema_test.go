package sqldest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestSchemaManager(t *testing.T, conn *Connection, mutate func(cfg *Config)) *SchemaManager {
	t.Helper()

	cfg := conn.cfg
	cfg.Columns = []string{"host", "severity int", "message"}
	cfg.Values = []string{"{{.Msg.host}}", "{{.Msg.severity}}", "{{.Msg.message}}"}
	if mutate != nil {
		mutate(&cfg)
	}

	fields, err := buildFields(cfg)
	require.NoError(t, err)

	m, err := NewSchemaManager(conn, NewTransaction(conn), cfg, fields,
		parseFlags(cfg.Flags, zaptest.NewLogger(t)), zaptest.NewLogger(t), 16)
	require.NoError(t, err)
	return m
}

func tableColumns(t *testing.T, conn *Connection, table string) []string {
	t.Helper()
	cols, err := conn.QueryColumns(context.Background(), "SELECT * FROM "+table+" WHERE 0=1")
	require.NoError(t, err)
	return cols
}

func TestSchemaManagerCreatesMissingTable(t *testing.T) {
	t.Parallel()

	conn := openTestConnection(t)
	m := newTestSchemaManager(t, conn, func(cfg *Config) {
		cfg.Indexes = []string{"host"}
	})

	require.NoError(t, m.EnsureTable(context.Background(), "fresh_table"))
	assert.Equal(t, []string{"host", "severity", "message"}, tableColumns(t, conn, "fresh_table"))
}

func TestSchemaManagerAddsMissingColumns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	conn := openTestConnection(t)
	require.NoError(t, conn.RunQuery(ctx, "CREATE TABLE partial_table (host text)", false))

	m := newTestSchemaManager(t, conn, nil)
	require.NoError(t, m.EnsureTable(ctx, "partial_table"))

	assert.ElementsMatch(t, []string{"host", "severity", "message"}, tableColumns(t, conn, "partial_table"))
}

func TestSchemaManagerCachesConfirmedTables(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	conn := openTestConnection(t)
	m := newTestSchemaManager(t, conn, nil)

	require.NoError(t, m.EnsureTable(ctx, "cached_table"))

	// Drop the table behind the manager's back: the cached confirmation
	// must skip every probe until the session is rebuilt.
	require.NoError(t, conn.RunQuery(ctx, "DROP TABLE cached_table", false))
	require.NoError(t, m.EnsureTable(ctx, "cached_table"))
}

func TestSchemaManagerDontCreateTablesSkipsEverything(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	conn := openTestConnection(t)
	m := newTestSchemaManager(t, conn, func(cfg *Config) {
		cfg.Flags = []string{"dont-create-tables"}
	})

	require.NoError(t, m.EnsureTable(ctx, "never_created"))
	assert.Error(t, conn.RunQuery(ctx, "SELECT * FROM never_created WHERE 0=1", true))
}

func TestSchemaManagerAppendsCreateStatementSuffix(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	conn := openTestConnection(t)
	m := newTestSchemaManager(t, conn, func(cfg *Config) {
		// sqlite accepts WITHOUT ROWID only with a primary key; use a
		// harmless comment-free suffix instead.
		cfg.CreateStatementAppend = " STRICT"
		cfg.Columns = []string{"host TEXT"}
		cfg.Values = []string{"{{.Msg.host}}"}
	})

	require.NoError(t, m.EnsureTable(ctx, "strict_table"))
	assert.Equal(t, []string{"host"}, tableColumns(t, conn, "strict_table"))
}
