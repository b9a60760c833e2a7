// Package nats relays change events between instances over NATS.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"project-feed/internal/feed"
)

// Subscriber consumes record snapshots relayed by a Publisher on another instance
type Subscriber struct {
	url           string
	subject       string
	maxReconnect  int
	reconnectWait time.Duration
	logger        *logrus.Logger
}

var _ feed.Subscriber = (*Subscriber)(nil)

// NewSubscriber creates a subscriber for subject on the server at url
func NewSubscriber(url, subject string, maxReconnect int, reconnectWait time.Duration, logger *logrus.Logger) *Subscriber {
	return &Subscriber{
		url:           url,
		subject:       subject,
		maxReconnect:  maxReconnect,
		reconnectWait: reconnectWait,
		logger:        logger,
	}
}

func (s *Subscriber) Name() string {
	return "nats subject " + s.subject
}

func (s *Subscriber) Subscribe(ctx context.Context) (feed.Subscription, error) {
	conn, err := nats.Connect(s.url, connectOptions("project-feed observer", s.maxReconnect, s.reconnectWait, s.logger)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	sub, err := conn.SubscribeSync(s.subject)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}
	return &subscription{conn: conn, sub: sub}, nil
}

type subscription struct {
	conn *nats.Conn
	sub  *nats.Subscription
}

func (s *subscription) Next(ctx context.Context) ([]byte, error) {
	msg, err := s.sub.NextMsgWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to receive from NATS: %w", err)
	}
	return msg.Data, nil
}

func (s *subscription) Close() error {
	_ = s.sub.Unsubscribe()
	s.conn.Close()
	return nil
}
