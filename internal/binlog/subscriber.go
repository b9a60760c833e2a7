// Package binlog captures record changes from the MySQL binary log.
package binlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"project-feed/internal/feed"
)

// Config identifies the replication source and the table to watch
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	ServerID uint32
	Flavor   string // mysql, mariadb
	Database string
	Table    string
}

func (c Config) dsn() string {
	cfg := mysqldriver.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	return cfg.FormatDSN()
}

// Subscriber turns row events on the watched table into record snapshots
type Subscriber struct {
	cfg    Config
	logger *logrus.Logger
}

var _ feed.Subscriber = (*Subscriber)(nil)

// NewSubscriber creates a binlog subscriber
func NewSubscriber(cfg Config, logger *logrus.Logger) *Subscriber {
	if cfg.Flavor == "" {
		cfg.Flavor = "mysql"
	}
	return &Subscriber{cfg: cfg, logger: logger}
}

func (s *Subscriber) Name() string {
	return fmt.Sprintf("binlog %s.%s on %s:%d", s.cfg.Database, s.cfg.Table, s.cfg.Host, s.cfg.Port)
}

// Subscribe starts syncing from the server's current binlog position, so changes
// committed while disconnected are not replayed
func (s *Subscriber) Subscribe(ctx context.Context) (feed.Subscription, error) {
	db, err := sql.Open("mysql", s.cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pos, err := currentPosition(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	syncer := replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID: s.cfg.ServerID,
		Flavor:   s.cfg.Flavor,
		Host:     s.cfg.Host,
		Port:     uint16(s.cfg.Port),
		User:     s.cfg.User,
		Password: s.cfg.Password,
	})
	streamer, err := syncer.StartSync(pos)
	if err != nil {
		syncer.Close()
		_ = db.Close()
		return nil, fmt.Errorf("failed to start binlog sync: %w", err)
	}
	s.logger.Infof("Started binlog sync from position: %s:%d", pos.Name, pos.Pos)

	return &subscription{
		cfg:      s.cfg,
		db:       db,
		syncer:   syncer,
		streamer: streamer,
		tables:   make(map[uint64]*replication.TableMapEvent),
		logger:   s.logger,
	}, nil
}

// currentPosition reads the tail of the binary log. MySQL 8.4 renamed the statement.
func currentPosition(ctx context.Context, db *sql.DB) (mysql.Position, error) {
	var lastErr error
	for _, stmt := range []string{"SHOW BINARY LOG STATUS", "SHOW MASTER STATUS"} {
		pos, err := queryPosition(ctx, db, stmt)
		if err == nil {
			return pos, nil
		}
		lastErr = err
	}
	return mysql.Position{}, fmt.Errorf("failed to read binlog position: %w", lastErr)
}

func queryPosition(ctx context.Context, db *sql.DB, stmt string) (mysql.Position, error) {
	rows, err := db.QueryContext(ctx, stmt)
	if err != nil {
		return mysql.Position{}, err
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return mysql.Position{}, err
	}
	if !rows.Next() {
		return mysql.Position{}, fmt.Errorf("binary logging is not enabled")
	}
	values := make([]sql.RawBytes, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return mysql.Position{}, err
	}
	var pos mysql.Position
	pos.Name = string(values[0])
	if _, err := fmt.Sscanf(string(values[1]), "%d", &pos.Pos); err != nil {
		return mysql.Position{}, fmt.Errorf("parse binlog position %q: %w", values[1], err)
	}
	return pos, rows.Err()
}

type subscription struct {
	cfg      Config
	db       *sql.DB
	syncer   *replication.BinlogSyncer
	streamer *replication.BinlogStreamer
	tables   map[uint64]*replication.TableMapEvent
	columns  []string
	pending  [][]byte
	logger   *logrus.Logger
}

func (s *subscription) Next(ctx context.Context) ([]byte, error) {
	for len(s.pending) == 0 {
		event, err := s.streamer.GetEvent(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get binlog event: %w", err)
		}

		switch e := event.Event.(type) {
		case *replication.TableMapEvent:
			// Cache table map events for column information
			s.tables[e.TableID] = e

		case *replication.RowsEvent:
			if !s.watching(e.Table) {
				continue
			}
			var rows [][]interface{}
			switch event.Header.EventType {
			case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
				rows = e.Rows
			case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
				rows = AfterImages(e.Rows)
			default:
				// deletes are not propagated
				continue
			}
			if err := s.queue(ctx, e, rows); err != nil {
				return nil, err
			}

		case *replication.RotateEvent:
			s.logger.Infof("Binlog rotated to: %s", string(e.NextLogName))

		default:
			s.logger.Debugf("Skipping binlog event %T", e)
		}
	}
	next := s.pending[0]
	s.pending = s.pending[1:]
	return next, nil
}

func (s *subscription) watching(table *replication.TableMapEvent) bool {
	if table == nil {
		return false
	}
	return strings.EqualFold(string(table.Schema), s.cfg.Database) &&
		strings.EqualFold(string(table.Table), s.cfg.Table)
}

func (s *subscription) queue(ctx context.Context, e *replication.RowsEvent, rows [][]interface{}) error {
	columns, err := s.columnNames(ctx, e)
	if err != nil {
		return err
	}
	for _, row := range rows {
		payload, err := RowPayload(columns, row)
		if err != nil {
			// a bad row is a malformed notification, let the feed drop it
			s.logger.Warnf("Failed to convert binlog row: %v", err)
			payload = []byte("{}")
		}
		s.pending = append(s.pending, payload)
	}
	return nil
}

// columnNames prefers names carried in the binlog (binlog_row_metadata=FULL) and falls
// back to INFORMATION_SCHEMA
func (s *subscription) columnNames(ctx context.Context, e *replication.RowsEvent) ([]string, error) {
	if tableMap, ok := s.tables[e.TableID]; ok && len(tableMap.ColumnName) > 0 {
		names := make([]string, len(tableMap.ColumnName))
		for i, col := range tableMap.ColumnName {
			names[i] = string(col)
		}
		return names, nil
	}
	if s.columns != nil {
		return s.columns, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT COLUMN_NAME
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, s.cfg.Database, s.cfg.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to query column info: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	s.columns = columns
	s.logger.Debugf("Fetched %d column names for %s.%s", len(columns), s.cfg.Database, s.cfg.Table)
	return columns, nil
}

func (s *subscription) Close() error {
	s.syncer.Close()
	return s.db.Close()
}
