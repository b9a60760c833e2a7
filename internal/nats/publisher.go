package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"project-feed/internal/models"
)

// Publisher relays captured change events so that instances without direct access to
// the change capture channel can run with a NATS feed source
type Publisher struct {
	conn    *nats.Conn
	subject string
	publish func(subject string, data []byte) error
	logger  *logrus.Logger
}

func connectOptions(name string, maxReconnect int, reconnectWait time.Duration, logger *logrus.Logger) []nats.Option {
	return []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(maxReconnect),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}
}

// NewPublisher creates a new NATS publisher
func NewPublisher(url, subject string, maxReconnect int, reconnectWait time.Duration, logger *logrus.Logger) (*Publisher, error) {
	conn, err := nats.Connect(url, connectOptions("project-feed relay", maxReconnect, reconnectWait, logger)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Infof("Connected to NATS at %s", url)

	return &Publisher{
		conn:    conn,
		subject: subject,
		publish: conn.Publish,
		logger:  logger,
	}, nil
}

// Encode renders the record snapshot carried by a change event
func Encode(event *models.ChangeEvent) ([]byte, error) {
	data, err := json.Marshal(event.Record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// Publish publishes a change event's record snapshot to NATS
func (p *Publisher) Publish(event *models.ChangeEvent) error {
	data, err := Encode(event)
	if err != nil {
		return err
	}
	if err := p.publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}
	p.logger.Debugf("Published change %d for project %d", event.Seq, event.ID())
	return nil
}

// Close drains and closes the NATS connection
func (p *Publisher) Close() {
	if p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.conn.Close()
		}
	}
}

// GetConn returns the underlying NATS connection, or nil without a publisher
func (p *Publisher) GetConn() *nats.Conn {
	if p == nil {
		return nil
	}
	return p.conn
}
