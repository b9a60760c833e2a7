package feed

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// OutboxSubscriber tails an outbox table written by store triggers. Each subscription
// starts from the current tail, so rows written while disconnected are skipped.
type OutboxSubscriber struct {
	db       *sql.DB
	table    string
	interval time.Duration
	batch    int
	prune    bool
	logger   *logrus.Logger
}

// NewOutboxSubscriber polls table every interval. With prune set, consumed rows are deleted.
func NewOutboxSubscriber(db *sql.DB, table string, interval time.Duration, prune bool, logger *logrus.Logger) *OutboxSubscriber {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &OutboxSubscriber{db: db, table: table, interval: interval, batch: 100, prune: prune, logger: logger}
}

func (s *OutboxSubscriber) Name() string {
	return "outbox table " + s.table
}

func (s *OutboxSubscriber) Subscribe(ctx context.Context) (Subscription, error) {
	var tail int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COALESCE(MAX(id), 0) FROM %s`, s.table)).Scan(&tail)
	if err != nil {
		return nil, fmt.Errorf("read outbox tail: %w", err)
	}
	s.logger.Debugf("Outbox %s subscription starts after row %d", s.table, tail)
	return &outboxSubscription{OutboxSubscriber: s, cursor: tail}, nil
}

type outboxSubscription struct {
	*OutboxSubscriber
	cursor  int64
	pending [][]byte
}

func (o *outboxSubscription) Next(ctx context.Context) ([]byte, error) {
	for len(o.pending) == 0 {
		if err := o.poll(ctx); err != nil {
			return nil, err
		}
		if len(o.pending) > 0 {
			break
		}
		timer := time.NewTimer(o.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	next := o.pending[0]
	o.pending = o.pending[1:]
	return next, nil
}

func (o *outboxSubscription) poll(ctx context.Context) error {
	query := fmt.Sprintf(`SELECT id, payload FROM %s WHERE id > ? ORDER BY id LIMIT ?`, o.table)
	rows, err := o.db.QueryContext(ctx, query, o.cursor, o.batch)
	if err != nil {
		return fmt.Errorf("poll outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id int64
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return fmt.Errorf("scan outbox row: %w", err)
		}
		o.cursor = id
		o.pending = append(o.pending, payload)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate outbox: %w", err)
	}
	_ = rows.Close()

	if o.prune && len(o.pending) > 0 {
		if _, err := o.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id <= ?`, o.table), o.cursor); err != nil {
			o.logger.Warnf("Failed to prune outbox %s: %v", o.table, err)
		}
	}
	return nil
}

func (o *outboxSubscription) Close() error {
	o.pending = nil
	return nil
}
