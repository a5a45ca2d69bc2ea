package sqldest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDialectKnownDialects(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"mysql", "pgsql", "oracle", "sqlite", "sqlite3", "freetds", "mssql"} {
		name := name
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := resolveDialect(name)
			require.NoError(t, err)
		})
	}
}

func TestResolveDialectUnknown(t *testing.T) {
	t.Parallel()
	_, err := resolveDialect("dbase")
	assert.Error(t, err)
}

func TestNormalizeDialectName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, dialectFreeTDS, normalizeDialectName("mssql"))
	assert.Equal(t, dialectFreeTDS, normalizeDialectName("MSSQL"))
	assert.Equal(t, "pgsql", normalizeDialectName("pgsql"))
}

func TestBeginStatements(t *testing.T) {
	t.Parallel()

	pg, _ := resolveDialect("pgsql")
	assert.Equal(t, "BEGIN", pg.beginStatement)

	tds, _ := resolveDialect("freetds")
	assert.Equal(t, "BEGIN TRANSACTION", tds.beginStatement)

	ora, _ := resolveDialect("oracle")
	assert.Empty(t, ora.beginStatement, "oracle begins implicitly after every commit")
}

func TestQuoteString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `'it''s'`, ansiQuoteString("it's"))
	assert.Equal(t, `'plain'`, ansiQuoteString("plain"))
	assert.Equal(t, `'a\\b'`, mysqlQuoteString(`a\b`))
	assert.Equal(t, `'it''s'`, mysqlQuoteString("it's"))
}

func TestAvailableDialectsIsSorted(t *testing.T) {
	t.Parallel()
	names := AvailableDialects()
	require.NotEmpty(t, names)
	for i := 1; i < len(names); i++ {
		assert.LessOrEqual(t, names[i-1], names[i])
	}
}

func TestRegisterDialectAddsCustomDriver(t *testing.T) {
	t.Parallel()

	RegisterDialect("testdialect", "BEGIN", "customdriver", "9999", nil)

	entry, err := resolveDialect("testdialect")
	require.NoError(t, err)
	assert.Equal(t, "customdriver", entry.sqlDriver)
	assert.Equal(t, "9999", entry.defaultPort)
	assert.Equal(t, "'x'", entry.quoteString("x"))
}
