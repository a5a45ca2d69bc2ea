package sqldest

import (
	"database/sql"
	"errors"
	"sync"

	// Built-in database/sql drivers for the pgsql and sqlite dialects.
	// mysql/oracle/freetds accept a caller-registered driver via
	// Config.DriverName and RegisterDialect.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

var (
	sqlDriversOnce sync.Once
	sqlDriversErr  error
)

// ensureSQLDrivers is the process-wide one-shot database library check:
// it runs once no matter how many destinations start, and refuses driver
// init when no SQL driver is loadable at all.
func ensureSQLDrivers() error {
	sqlDriversOnce.Do(func() {
		if len(sql.Drivers()) == 0 {
			sqlDriversErr = errors.New("sqldest: the database access layer reports no usable SQL drivers")
		}
	})
	return sqlDriversErr
}
