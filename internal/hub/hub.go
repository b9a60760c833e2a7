// Package hub fans change events out to every live observer connection.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"project-feed/internal/metrics"
	"project-feed/internal/models"
)

// ErrDeliveryFailed is returned by Conn.Deliver when the observer cannot take the frame,
// either because its buffer is full or its connection is gone
var ErrDeliveryFailed = errors.New("observer delivery failed")

// EventChanged is the push channel event name for record changes
const EventChanged = "changed"

// Conn is one observer connection. Deliver must not block.
type Conn interface {
	ID() string
	Deliver(frame []byte) error
	Close() error
}

// Frame is the wire envelope sent to observers
type Frame struct {
	Event string        `json:"event"`
	Seq   uint64        `json:"seq"`
	Data  models.Record `json:"data"`
}

// EncodeFrame renders a change event as a push frame
func EncodeFrame(ev models.ChangeEvent) ([]byte, error) {
	return json.Marshal(Frame{Event: EventChanged, Seq: ev.Seq, Data: ev.Record})
}

// Hub delivers each change event to the observers live at dispatch time. Late joiners
// get nothing historical. A failing observer is dropped without affecting the rest.
type Hub struct {
	registry Registry
	metrics  *metrics.Metrics
	logger   *logrus.Logger
}

// New creates a hub over registry
func New(registry Registry, m *metrics.Metrics, logger *logrus.Logger) *Hub {
	if registry == nil {
		registry = NewMemoryRegistry()
	}
	return &Hub{registry: registry, metrics: m, logger: logger}
}

// Join adds an observer
func (h *Hub) Join(conn Conn) {
	h.registry.Add(conn)
	n := h.registry.Len()
	h.metrics.SetObservers(n)
	h.logger.Infof("Observer connected: %s (total: %d)", conn.ID(), n)
}

// Leave removes an observer and closes it. It reports false when the observer had
// already left, so it is safe to call more than once.
func (h *Hub) Leave(id string) bool {
	conn, ok := h.registry.Remove(id)
	if !ok {
		return false
	}
	if err := conn.Close(); err != nil {
		h.logger.Debugf("Error closing observer %s: %v", id, err)
	}
	n := h.registry.Len()
	h.metrics.SetObservers(n)
	h.logger.Infof("Observer disconnected: %s (total: %d)", id, n)
	return true
}

// Len returns the number of live observers
func (h *Hub) Len() int {
	return h.registry.Len()
}

// Broadcast delivers one event to every live observer and returns how many accepted it
func (h *Hub) Broadcast(ev models.ChangeEvent) (int, error) {
	frame, err := EncodeFrame(ev)
	if err != nil {
		return 0, fmt.Errorf("encode change %d: %w", ev.Seq, err)
	}

	delivered := 0
	for _, conn := range h.registry.Snapshot() {
		if err := conn.Deliver(frame); err != nil {
			// the observer may have left after the snapshot was taken
			if h.Leave(conn.ID()) {
				h.metrics.DeliveryFailed()
				h.logger.Warnf("Dropped observer %s: %v", conn.ID(), err)
			}
			continue
		}
		h.metrics.Delivered()
		delivered++
	}
	h.logger.Debugf("Broadcast change %d for project %d to %d observers", ev.Seq, ev.ID(), delivered)
	return delivered, nil
}

// Run broadcasts every event from events until the channel closes or ctx is cancelled
func (h *Hub) Run(ctx context.Context, events <-chan models.ChangeEvent) error {
	h.logger.Info("Starting broadcast hub...")
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Context cancelled, stopping broadcast hub")
			return nil
		case ev, ok := <-events:
			if !ok {
				h.logger.Info("Change feed closed, stopping broadcast hub")
				return nil
			}
			if _, err := h.Broadcast(ev); err != nil {
				h.logger.Errorf("Error broadcasting change: %v", err)
			}
		}
	}
}

// CloseAll disconnects every observer
func (h *Hub) CloseAll() {
	for _, conn := range h.registry.Snapshot() {
		h.Leave(conn.ID())
	}
}
