package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
)

// PGSubscriber listens on a postgres NOTIFY channel fed by the store's triggers
type PGSubscriber struct {
	dsn     string
	channel string
	logger  *logrus.Logger
}

// NewPGSubscriber creates a subscriber for channel on the database at dsn
func NewPGSubscriber(dsn, channel string, logger *logrus.Logger) *PGSubscriber {
	return &PGSubscriber{dsn: dsn, channel: channel, logger: logger}
}

func (s *PGSubscriber) Name() string {
	return "postgres channel " + s.channel
}

// Subscribe opens a dedicated connection and issues LISTEN
func (s *PGSubscriber) Subscribe(ctx context.Context) (Subscription, error) {
	conn, err := pgx.Connect(ctx, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", s.channel, err)
	}
	return &pgSubscription{conn: conn, logger: s.logger}, nil
}

type pgSubscription struct {
	conn   *pgx.Conn
	logger *logrus.Logger
}

func (p *pgSubscription) Next(ctx context.Context) ([]byte, error) {
	n, err := p.conn.WaitForNotification(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for notification: %w", err)
	}
	p.logger.Debugf("Notification on %s from pid %d", n.Channel, n.PID)
	return []byte(n.Payload), nil
}

func (p *pgSubscription) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.conn.Close(ctx)
}
