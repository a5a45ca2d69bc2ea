// Package sqldest implements a SQL destination consumer on top of destdrv:
// schema discovery and auto-migration, identifier sanitization, a
// transaction state machine with a flush-lines commit cadence, and
// per-dialect SQL text generation.
package sqldest

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxFailedAttempts is the default bound on consecutive ERROR attempts for
// one delivery unit before it is dropped.
const maxFailedAttempts = 3

// DefaultGlobalFlushLines is inherited when flush_lines is left at -1, the
// way a per-destination flush_lines falls back to the global setting in
// the host pipeline's configuration.
const DefaultGlobalFlushLines = 100

// Flag tokens recognized in Config.Flags; each is accepted with either '-'
// or '_' as the separator. Unknown tokens log a warning and are ignored.
const (
	FlagExplicitCommits  = "explicit-commits"
	FlagDontCreateTables = "dont-create-tables"
)

// Config holds a SQL destination's full option surface. Parsing layers
// three sources (JSON config, then URL/query arguments, then environment
// variables, highest priority last) on top of NewConfig's defaults.
type Config struct {
	// Type is the dialect name: mysql, pgsql, oracle, sqlite, sqlite3 or
	// freetds; the alias mssql rewrites to freetds.
	// Env: SQLDEST_TYPE
	Type string

	// Host is the database server address.
	// Env: SQLDEST_HOST
	Host string

	// Port is the database server port, digits only; anything else is
	// rejected at validation. Empty means the dialect default.
	// Env: SQLDEST_PORT
	Port string

	// User/Password are the connection credentials.
	// Env: SQLDEST_USER / SQLDEST_PASSWORD
	User     string
	Password string

	// Database is the database/schema name (a file path for sqlite).
	// Env: SQLDEST_DATABASE
	Database string

	// Encoding is the connection character encoding.
	Encoding string

	// Table is a template expression producing a per-message table name.
	// Env: SQLDEST_TABLE
	Table string

	// Columns and Values are parallel lists: each column entry is either
	// "name" (type defaults to text) or "name TYPE"; each value entry is a
	// template string, or the DEFAULT sentinel to let the column's SQL
	// default apply (such a column is omitted from the INSERT entirely).
	Columns []string
	Values  []string

	// Indexes lists column names to index when a table is created or a
	// missing column is added.
	Indexes []string

	// Flags holds the recognized flag tokens (explicit-commits,
	// dont-create-tables).
	Flags []string

	// NullValue, when non-empty, is the rendered value that is emitted as
	// SQL NULL instead of a quoted literal.
	NullValue string

	// FlushLines is the batch commit watermark; -1 inherits
	// DefaultGlobalFlushLines. Only meaningful with explicit-commits.
	// Env: SQLDEST_FLUSH_LINES
	FlushLines int

	// RetriesMax bounds ERROR attempts before a delivery unit is dropped.
	RetriesMax int

	// TimeReopen is the sleep between a connection loss and the next
	// reconnect attempt.
	// Env: SQLDEST_TIME_REOPEN (a Go duration, e.g. "10s")
	TimeReopen time.Duration

	// SessionStatements are executed in order, once per new connection,
	// before any INSERT.
	SessionStatements []string

	// CreateStatementAppend is a suffix appended verbatim to every
	// CREATE TABLE statement (e.g. an engine or tablespace clause).
	CreateStatementAppend string

	// IgnoreTNSConfig is Oracle-only; setting it for any other dialect
	// logs a warning and has no effect.
	IgnoreTNSConfig bool

	// DBDOptions / DBDOptionsNumeric are passed through to the database
	// driver as connection-string options for drivers that accept a DSN
	// query string.
	DBDOptions        map[string]string
	DBDOptionsNumeric map[string]int

	// DriverName overrides the database/sql driver name registered for
	// Type. Required for mysql/oracle/freetds, which ship no built-in
	// driver; see DESIGN.md.
	DriverName string

	// PersistName, when set, overrides the derived persistence key: the
	// driver persists under "afsql_dd.<PersistName>" instead of the
	// connection-parameter tuple.
	PersistName string
}

// NewConfig returns a Config with the historical defaults.
func NewConfig() Config {
	return Config{
		Type:              dialectMySQL,
		Host:              "",
		Port:              "",
		User:              "syslog-ng",
		Password:          "",
		Database:          "logs",
		Encoding:          "UTF-8",
		Table:             "messages",
		FlushLines:        -1,
		RetriesMax:        maxFailedAttempts,
		TimeReopen:        60 * time.Second,
		DBDOptions:        map[string]string{},
		DBDOptionsNumeric: map[string]int{},
	}
}

// CheckPort reports whether port is acceptable: only digits are allowed.
func CheckPort(port string) bool {
	for i := 0; i < len(port); i++ {
		if port[i] < '0' || port[i] > '9' {
			return false
		}
	}
	return true
}

// Validate checks the configuration for internal consistency; any error
// here is a fatal init failure the driver refuses to start from.
func (c Config) Validate() error {
	if c.Type == "" {
		return fmt.Errorf("sqldest: type is required")
	}
	if _, err := resolveDialect(c.Type); err != nil {
		return err
	}
	if !CheckPort(c.Port) {
		return fmt.Errorf("sqldest: port %q is invalid, only digits are allowed", c.Port)
	}
	if c.Database == "" {
		return fmt.Errorf("sqldest: database is required")
	}
	if c.Table == "" {
		return fmt.Errorf("sqldest: table is required")
	}
	if len(c.Columns) == 0 || len(c.Values) == 0 {
		return fmt.Errorf("sqldest: columns and values must be specified for database destinations")
	}
	if _, err := buildFields(c); err != nil {
		return err
	}
	if c.FlushLines < -1 || c.FlushLines == 0 {
		return fmt.Errorf("sqldest: flush_lines must be positive or -1, got %d", c.FlushLines)
	}
	if c.RetriesMax < 1 {
		return fmt.Errorf("sqldest: retries_max must be at least 1, got %d", c.RetriesMax)
	}
	return nil
}

// effectiveFlushLines resolves the -1 "inherit the global default"
// sentinel.
func (c Config) effectiveFlushLines() int {
	if c.FlushLines == -1 {
		return DefaultGlobalFlushLines
	}
	return c.FlushLines
}

func (c Config) effectivePort(entry dialectEntry) string {
	if c.Port != "" {
		return c.Port
	}
	return entry.defaultPort
}

// driverFlags is the parsed form of Config.Flags.
type driverFlags struct {
	explicitCommits  bool
	dontCreateTables bool
}

// parseFlags resolves the flag tokens, accepting '-' and '_'
// interchangeably. Unknown flags log a warning and are skipped.
func parseFlags(tokens []string, logger *zap.Logger) driverFlags {
	var flags driverFlags
	for _, token := range tokens {
		switch strings.ReplaceAll(token, "_", "-") {
		case FlagExplicitCommits:
			flags.explicitCommits = true
		case FlagDontCreateTables:
			flags.dontCreateTables = true
		default:
			logger.Warn("Unknown SQL flag", zap.String("flag", token))
		}
	}
	return flags
}

// ParseConfig layers configuration from JSON first, then URL/query
// parameters, then environment variables (highest priority), on top of
// NewConfig's defaults.
func ParseConfig(jsonConfig []byte, urlConfig string) (Config, error) {
	cfg := NewConfig()

	if jsonConfig != nil {
		var jc struct {
			Type                  string            `json:"type"`
			Host                  string            `json:"host"`
			Port                  string            `json:"port"`
			User                  string            `json:"user"`
			Password              string            `json:"password"`
			Database              string            `json:"database"`
			Encoding              string            `json:"encoding"`
			Table                 string            `json:"table"`
			Columns               []string          `json:"columns"`
			Values                []string          `json:"values"`
			Indexes               []string          `json:"indexes"`
			Flags                 []string          `json:"flags"`
			NullValue             string            `json:"nullValue"`
			FlushLines            *int              `json:"flushLines"`
			RetriesMax            *int              `json:"retriesMax"`
			TimeReopen            string            `json:"timeReopen"`
			SessionStatements     []string          `json:"sessionStatements"`
			CreateStatementAppend string            `json:"createStatementAppend"`
			IgnoreTNSConfig       bool              `json:"ignoreTnsConfig"`
			DBDOptions            map[string]string `json:"dbdOptions"`
			DBDOptionsNumeric     map[string]int    `json:"dbdOptionsNumeric"`
			DriverName            string            `json:"driverName"`
			PersistName           string            `json:"persistName"`
		}
		if err := json.Unmarshal(jsonConfig, &jc); err != nil {
			return cfg, fmt.Errorf("sqldest: failed to parse json config: %w", err)
		}
		if jc.Type != "" {
			cfg.Type = jc.Type
		}
		if jc.Host != "" {
			cfg.Host = jc.Host
		}
		if jc.Port != "" {
			cfg.Port = jc.Port
		}
		if jc.User != "" {
			cfg.User = jc.User
		}
		if jc.Password != "" {
			cfg.Password = jc.Password
		}
		if jc.Database != "" {
			cfg.Database = jc.Database
		}
		if jc.Encoding != "" {
			cfg.Encoding = jc.Encoding
		}
		if jc.Table != "" {
			cfg.Table = jc.Table
		}
		if len(jc.Columns) > 0 {
			cfg.Columns = jc.Columns
		}
		if len(jc.Values) > 0 {
			cfg.Values = jc.Values
		}
		if len(jc.Indexes) > 0 {
			cfg.Indexes = jc.Indexes
		}
		if len(jc.Flags) > 0 {
			cfg.Flags = jc.Flags
		}
		if jc.NullValue != "" {
			cfg.NullValue = jc.NullValue
		}
		if jc.FlushLines != nil {
			cfg.FlushLines = *jc.FlushLines
		}
		if jc.RetriesMax != nil {
			cfg.RetriesMax = *jc.RetriesMax
		}
		if jc.TimeReopen != "" {
			d, err := time.ParseDuration(jc.TimeReopen)
			if err != nil {
				return cfg, fmt.Errorf("sqldest: invalid timeReopen: %w", err)
			}
			cfg.TimeReopen = d
		}
		if len(jc.SessionStatements) > 0 {
			cfg.SessionStatements = jc.SessionStatements
		}
		if jc.CreateStatementAppend != "" {
			cfg.CreateStatementAppend = jc.CreateStatementAppend
		}
		cfg.IgnoreTNSConfig = jc.IgnoreTNSConfig
		for k, v := range jc.DBDOptions {
			cfg.DBDOptions[k] = v
		}
		for k, v := range jc.DBDOptionsNumeric {
			cfg.DBDOptionsNumeric[k] = v
		}
		if jc.DriverName != "" {
			cfg.DriverName = jc.DriverName
		}
		if jc.PersistName != "" {
			cfg.PersistName = jc.PersistName
		}
	}

	if urlConfig != "" {
		u, err := url.Parse("//" + urlConfig)
		if err != nil {
			return cfg, fmt.Errorf("sqldest: failed to parse config argument: %w", err)
		}
		if u.Hostname() != "" {
			cfg.Host = u.Hostname()
		}
		if u.Port() != "" {
			cfg.Port = u.Port()
		}
		q := u.Query()
		for key, pick := range map[string]*string{
			"type":       &cfg.Type,
			"user":       &cfg.User,
			"password":   &cfg.Password,
			"database":   &cfg.Database,
			"table":      &cfg.Table,
			"driverName": &cfg.DriverName,
		} {
			if v := q.Get(key); v != "" {
				*pick = v
			}
		}
	}

	for key, pick := range map[string]*string{
		"SQLDEST_TYPE":     &cfg.Type,
		"SQLDEST_HOST":     &cfg.Host,
		"SQLDEST_PORT":     &cfg.Port,
		"SQLDEST_USER":     &cfg.User,
		"SQLDEST_PASSWORD": &cfg.Password,
		"SQLDEST_DATABASE": &cfg.Database,
		"SQLDEST_TABLE":    &cfg.Table,
	} {
		if v := os.Getenv(key); v != "" {
			*pick = v
		}
	}
	if v := os.Getenv("SQLDEST_FLUSH_LINES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FlushLines = n
		}
	}
	if v := os.Getenv("SQLDEST_TIME_REOPEN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TimeReopen = d
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
