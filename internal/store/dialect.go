package store

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver
)

// Supported store drivers
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// sqliteTimeLayout is fixed width so that text ordering matches time ordering
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name is safe to interpolate as a table or channel name
func ValidIdentifier(name string) bool {
	return identRe.MatchString(name)
}

// dialect captures the differences between the SQL backends
type dialect struct {
	name      string
	sqlDriver string
	returning bool
	// bind renders the n-th (1-based) placeholder
	bind func(n int) string
	// timeArg converts a creation time into a driver argument
	timeArg func(t time.Time) any
	// schema returns the DDL needed for the records table and its change capture
	schema func(opts Options) []string
	// dsn adjusts the user supplied DSN
	dsn func(dsn string) (string, error)
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverPostgres:
		return postgresDialect, nil
	case DriverMySQL:
		return mysqlDialect, nil
	case DriverSQLite:
		return sqliteDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported store driver %q", driver)
	}
}

var postgresDialect = dialect{
	name:      DriverPostgres,
	sqlDriver: "pgx",
	returning: true,
	bind:      func(n int) string { return fmt.Sprintf("$%d", n) },
	timeArg:   func(t time.Time) any { return t },
	dsn:       func(dsn string) (string, error) { return dsn, nil },
	schema: func(o Options) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				proid BIGSERIAL PRIMARY KEY,
				project_title TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'active',
				date_created TIMESTAMPTZ NOT NULL DEFAULT now()
			)`, o.Table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_date_created_idx ON %[1]s (date_created DESC, proid DESC)`, o.Table),
			fmt.Sprintf(`CREATE OR REPLACE FUNCTION %[1]s_notify() RETURNS trigger AS $$
			BEGIN
				PERFORM pg_notify('%[2]s', row_to_json(NEW)::text);
				RETURN NEW;
			END;
			$$ LANGUAGE plpgsql`, o.Table, o.Channel),
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %[1]s_notify ON %[1]s`, o.Table),
			fmt.Sprintf(`CREATE TRIGGER %[1]s_notify AFTER INSERT OR UPDATE ON %[1]s
				FOR EACH ROW EXECUTE FUNCTION %[1]s_notify()`, o.Table),
		}
	},
}

var mysqlDialect = dialect{
	name:      DriverMySQL,
	sqlDriver: "mysql",
	bind:      func(int) string { return "?" },
	timeArg:   func(t time.Time) any { return t },
	dsn: func(dsn string) (string, error) {
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("parse mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		return cfg.FormatDSN(), nil
	},
	// change capture for mysql is the binlog, no triggers needed
	schema: func(o Options) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
				proid BIGINT AUTO_INCREMENT PRIMARY KEY,
				project_title VARCHAR(255) NOT NULL,
				status VARCHAR(64) NOT NULL DEFAULT 'active',
				date_created DATETIME(6) NOT NULL,
				INDEX %[1]s_date_created_idx (date_created, proid)
			)`, o.Table),
		}
	},
}

var sqliteDialect = dialect{
	name:      DriverSQLite,
	sqlDriver: "sqlite",
	returning: true,
	bind:      func(int) string { return "?" },
	timeArg:   func(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) },
	dsn:       func(dsn string) (string, error) { return dsn, nil },
	schema: func(o Options) []string {
		snapshot := `json_object('proid', NEW.proid, 'project_title', NEW.project_title,
			'status', NEW.status, 'date_created', NEW.date_created)`
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				proid INTEGER PRIMARY KEY AUTOINCREMENT,
				project_title TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'active',
				date_created TEXT NOT NULL
			)`, o.Table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_date_created_idx ON %[1]s (date_created DESC, proid DESC)`, o.Table),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				payload TEXT NOT NULL
			)`, o.Channel),
			fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_outbox_insert AFTER INSERT ON %[1]s
				BEGIN INSERT INTO %[2]s(payload) VALUES (%[3]s); END`, o.Table, o.Channel, snapshot),
			fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_outbox_update AFTER UPDATE ON %[1]s
				BEGIN INSERT INTO %[2]s(payload) VALUES (%[3]s); END`, o.Table, o.Channel, snapshot),
		}
	},
}
