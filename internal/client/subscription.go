package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"project-feed/internal/hub"
	"project-feed/internal/models"
)

// Subscription is one push channel connection
type Subscription struct {
	conn *websocket.Conn
	once sync.Once
	stop chan struct{}
}

// Subscribe opens the push channel. The connection is closed when ctx ends.
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	target := c.wsURL()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	s := &Subscription{conn: conn, stop: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.stop:
		}
	}()
	c.logger.Debugf("Subscribed to %s", target)
	return s, nil
}

// Next blocks until the next change frame. Frames with other event names are skipped.
func (s *Subscription) Next() (models.ChangeEvent, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return models.ChangeEvent{}, err
		}
		var frame hub.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			return models.ChangeEvent{}, fmt.Errorf("decode frame: %w", err)
		}
		if frame.Event != hub.EventChanged {
			continue
		}
		return models.ChangeEvent{Seq: frame.Seq, Record: frame.Data}, nil
	}
}

func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = s.conn.Close()
	})
	return err
}
