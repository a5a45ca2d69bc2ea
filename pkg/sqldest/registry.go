package sqldest

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Dialect names recognized by the registry.
const (
	dialectMySQL   = "mysql"
	dialectPgSQL   = "pgsql"
	dialectOracle  = "oracle"
	dialectSQLite  = "sqlite"
	dialectSQLite3 = "sqlite3"
	dialectFreeTDS = "freetds"
	dialectMSSQL   = "mssql" // alias for freetds
)

// dialectEntry captures everything the SQL text generation and connection
// code needs to know about one dialect: how a transaction begins (empty
// for Oracle, which begins implicitly after every commit), the
// string-quoting primitive for literal values, and the default
// database/sql driver name and port (driver empty when no built-in driver
// ships and the caller must supply Config.DriverName).
type dialectEntry struct {
	beginStatement string
	quoteString    func(value string) string
	sqlDriver      string
	defaultPort    string
}

var (
	registryMu sync.RWMutex
	registry   = map[string]dialectEntry{
		dialectMySQL: {
			beginStatement: "BEGIN",
			quoteString:    mysqlQuoteString,
			sqlDriver:      "",
			defaultPort:    "3306",
		},
		dialectPgSQL: {
			beginStatement: "BEGIN",
			quoteString:    ansiQuoteString,
			sqlDriver:      "pgx",
			defaultPort:    "5432",
		},
		dialectOracle: {
			beginStatement: "",
			quoteString:    ansiQuoteString,
			sqlDriver:      "",
			defaultPort:    "1521",
		},
		dialectSQLite: {
			beginStatement: "BEGIN",
			quoteString:    ansiQuoteString,
			sqlDriver:      "sqlite3",
			defaultPort:    "",
		},
		dialectSQLite3: {
			beginStatement: "BEGIN",
			quoteString:    ansiQuoteString,
			sqlDriver:      "sqlite3",
			defaultPort:    "",
		},
		dialectFreeTDS: {
			// mssql requires the long form.
			beginStatement: "BEGIN TRANSACTION",
			quoteString:    ansiQuoteString,
			sqlDriver:      "",
			defaultPort:    "1433",
		},
	}
)

// ansiQuoteString quotes a literal for dialects that follow the SQL
// standard: single quotes, doubled to escape.
func ansiQuoteString(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

// mysqlQuoteString additionally escapes backslashes, which MySQL treats as
// escape characters inside string literals by default.
func mysqlQuoteString(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

// normalizeDialectName lower-cases and resolves the mssql -> freetds
// alias.
func normalizeDialectName(name string) string {
	name = strings.ToLower(name)
	if name == dialectMSSQL {
		return dialectFreeTDS
	}
	return name
}

// resolveDialect looks up a dialect entry by name, resolving the mssql
// alias first.
func resolveDialect(name string) (dialectEntry, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	entry, ok := registry[normalizeDialectName(name)]
	if !ok {
		return dialectEntry{}, fmt.Errorf("sqldest: unknown dialect %q (available: %v)", name, availableDialectsLocked())
	}
	return entry, nil
}

// RegisterDialect adds or overrides a dialect, letting a caller wire a
// database/sql driver for mysql/oracle/freetds (or a new dialect) without
// modifying this package. A nil quoteString keeps standard SQL quoting.
func RegisterDialect(name, beginStatement, sqlDriver, defaultPort string, quoteString func(string) string) {
	if quoteString == nil {
		quoteString = ansiQuoteString
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[normalizeDialectName(name)] = dialectEntry{
		beginStatement: beginStatement,
		quoteString:    quoteString,
		sqlDriver:      sqlDriver,
		defaultPort:    defaultPort,
	}
}

// AvailableDialects returns all registered dialect names in sorted order.
func AvailableDialects() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return availableDialectsLocked()
}

func availableDialectsLocked() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
