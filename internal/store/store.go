// Package store provides the SQL-backed record store for postgres, mysql and sqlite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"project-feed/internal/models"
)

var (
	// ErrNotFound is returned when a mutation targets a record that does not exist
	ErrNotFound = errors.New("record not found")
	// ErrStoreUnavailable is returned when the store cannot be reached or fails a query
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Store is the record store used by the paginated query service
type Store interface {
	List(ctx context.Context, limit, offset int) ([]models.Record, error)
	Count(ctx context.Context) (int, error)
	UpdateTitle(ctx context.Context, id int64, title string) (models.Record, error)
	Insert(ctx context.Context, title, status string, createdAt time.Time) (models.Record, error)
}

var _ Store = (*SQLStore)(nil)

// Options configures a SQLStore
type Options struct {
	Table   string // records table, "projects" by default
	Channel string // postgres NOTIFY channel, or sqlite outbox table
	Migrate bool   // apply the schema on open
}

func (o *Options) setDefaults() {
	if o.Table == "" {
		o.Table = "projects"
	}
	if o.Channel == "" {
		o.Channel = "project_changes"
	}
}

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// SQLStore implements Store on top of database/sql
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	opts    Options
	logger  *logrus.Logger
}

// Open connects to the store identified by driver and dsn
func Open(ctx context.Context, driver, dsn string, opts Options, logger *logrus.Logger) (*SQLStore, error) {
	opts.setDefaults()
	if !ValidIdentifier(opts.Table) || !ValidIdentifier(opts.Channel) {
		return nil, fmt.Errorf("invalid table %q or channel %q", opts.Table, opts.Channel)
	}
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	dsn, err = d.dsn(dsn)
	if err != nil {
		return nil, err
	}

	openMu.Lock()
	db, err := sqlOpen(d.sqlDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}
	if d.name == DriverSQLite {
		// in-memory databases are per connection
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}

	s := &SQLStore{db: db, dialect: d, opts: opts, logger: logger}
	if opts.Migrate {
		if err := s.migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	logger.Infof("Connected to %s store (table %s)", d.name, opts.Table)
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema(s.opts) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	s.logger.Debugf("Applied %s schema for %s", s.dialect.name, s.opts.Table)
	return nil
}

// DB exposes the underlying sql.DB for change capture subscribers
func (s *SQLStore) DB() *sql.DB { return s.db }

// Driver returns the store driver name
func (s *SQLStore) Driver() string { return s.dialect.name }

// Options returns the effective store options
func (s *SQLStore) Options() Options { return s.opts }

// Close closes the database handle
func (s *SQLStore) Close() error {
	return s.db.Close()
}

const columns = "proid, project_title, status, date_created"

// List returns up to limit records starting at offset, newest first
func (s *SQLStore) List(ctx context.Context, limit, offset int) ([]models.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY date_created DESC, proid DESC LIMIT %s OFFSET %s`,
		columns, s.opts.Table, s.dialect.bind(1), s.dialect.bind(2))
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, unavailable("select records", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]models.Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable("scan record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate records", err)
	}
	return records, nil
}

// Count returns the number of records in the collection
func (s *SQLStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.opts.Table)).Scan(&n); err != nil {
		return 0, unavailable("count records", err)
	}
	return n, nil
}

// UpdateTitle sets the title of one record and returns the updated row
func (s *SQLStore) UpdateTitle(ctx context.Context, id int64, title string) (models.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Record{}, unavailable("begin tx", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	update := fmt.Sprintf(`UPDATE %s SET project_title = %s WHERE proid = %s`,
		s.opts.Table, s.dialect.bind(1), s.dialect.bind(2))
	if _, err := tx.ExecContext(ctx, update, title, id); err != nil {
		return models.Record{}, unavailable("update record", err)
	}

	selectOne := fmt.Sprintf(`SELECT %s FROM %s WHERE proid = %s`, columns, s.opts.Table, s.dialect.bind(1))
	rec, err := scanRecord(tx.QueryRowContext(ctx, selectOne, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Record{}, fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Record{}, unavailable("select updated record", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Record{}, unavailable("commit", err)
	}
	committed = true
	return rec, nil
}

// Insert adds a record created at createdAt
func (s *SQLStore) Insert(ctx context.Context, title, status string, createdAt time.Time) (models.Record, error) {
	createdAt = createdAt.UTC().Truncate(time.Microsecond)
	insert := fmt.Sprintf(`INSERT INTO %s (project_title, status, date_created) VALUES (%s, %s, %s)`,
		s.opts.Table, s.dialect.bind(1), s.dialect.bind(2), s.dialect.bind(3))
	args := []any{title, status, s.dialect.timeArg(createdAt)}

	rec := models.Record{Title: title, Status: status, CreatedAt: createdAt}
	if s.dialect.returning {
		if err := s.db.QueryRowContext(ctx, insert+" RETURNING proid", args...).Scan(&rec.ID); err != nil {
			return models.Record{}, unavailable("insert record", err)
		}
		return rec, nil
	}

	res, err := s.db.ExecContext(ctx, insert, args...)
	if err != nil {
		return models.Record{}, unavailable("insert record", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return models.Record{}, unavailable("insert id", err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.Record, error) {
	var rec models.Record
	var created timeValue
	if err := row.Scan(&rec.ID, &rec.Title, &rec.Status, &created); err != nil {
		return models.Record{}, err
	}
	rec.CreatedAt = created.Time
	return rec, nil
}

// unavailable wraps a driver error as ErrStoreUnavailable
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
