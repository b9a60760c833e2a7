// Package feed maintains the change capture subscription and turns raw notifications
// into an ordered stream of change events.
package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/sirupsen/logrus"

	"project-feed/internal/metrics"
	"project-feed/internal/models"
	"project-feed/internal/processor"
)

// Subscription is one live connection to a change capture channel
type Subscription interface {
	// Next blocks until the next raw notification payload arrives
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Subscriber opens subscriptions to a change capture channel
type Subscriber interface {
	Subscribe(ctx context.Context) (Subscription, error)
	Name() string
}

// Transformer rewrites or rejects events before fan-out
type Transformer interface {
	Transform(event models.ChangeEvent) (models.ChangeEvent, error)
}

// Publisher relays events to other instances
type Publisher interface {
	Publish(event *models.ChangeEvent) error
}

// Options configures a Feed
type Options struct {
	Buffer       int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Clock        clock.Clock
	Transformer  Transformer
	Publisher    Publisher
	Metrics      *metrics.Metrics
}

// Feed owns a single subscription at a time and reconnects with backoff when it is lost.
// Notifications missed while disconnected are not replayed.
type Feed struct {
	sub    Subscriber
	opts   Options
	out    chan models.ChangeEvent
	seq    uint64
	logger *logrus.Logger
}

// New creates a feed reading from sub
func New(sub Subscriber, opts Options, logger *logrus.Logger) *Feed {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = opts.ReconnectMin
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &Feed{
		sub:    sub,
		opts:   opts,
		out:    make(chan models.ChangeEvent, opts.Buffer),
		logger: logger,
	}
}

// Events returns the output stream. It is closed when Run returns.
func (f *Feed) Events() <-chan models.ChangeEvent {
	return f.out
}

// Run consumes notifications until ctx is cancelled.
//
// A subscription that is lost before it delivered anything and before ReconnectMin
// elapsed counts as a failed attempt: the next subscribe waits with exponential backoff.
// The backoff resets once a subscription proves healthy.
func (f *Feed) Run(ctx context.Context) error {
	defer close(f.out)
	f.logger.Infof("Starting change feed from %s...", f.sub.Name())

	backoff := retry.ExpBackoff(f.opts.ReconnectMin, f.opts.ReconnectMax, 2, false)
	drops := 0
	for {
		sub, err := f.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				f.logger.Info("Context cancelled, stopping change feed")
				return nil
			}
			return err
		}

		started := f.opts.Clock.Now()
		received, err := f.consume(ctx, sub)
		if cerr := sub.Close(); cerr != nil {
			f.logger.Debugf("Error closing %s subscription: %v", f.sub.Name(), cerr)
		}
		if ctx.Err() != nil {
			f.logger.Info("Context cancelled, stopping change feed")
			return nil
		}
		f.opts.Metrics.FeedReconnect()
		f.logger.Errorf("Lost %s subscription: %v", f.sub.Name(), err)

		if received > 0 || f.opts.Clock.Now().Sub(started) >= f.opts.ReconnectMin {
			drops = 0
			continue
		}
		drops++
		delay := backoff(f.opts.ReconnectMin, drops-1)
		f.logger.Warnf("Subscription to %s dropped immediately (%d in a row), resubscribing in %s", f.sub.Name(), drops, delay)
		select {
		case <-f.opts.Clock.After(delay):
		case <-ctx.Done():
			f.logger.Info("Context cancelled, stopping change feed")
			return nil
		}
	}
}

func (f *Feed) connect(ctx context.Context) (Subscription, error) {
	var sub Subscription
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			s, err := f.sub.Subscribe(ctx)
			if err != nil {
				return err
			}
			sub = s
			return nil
		},
		NotifyFunc: func(err error, attempt int) {
			f.logger.Warnf("Subscribe to %s failed (attempt %d): %v", f.sub.Name(), attempt, err)
		},
		Attempts:    -1,
		Delay:       f.opts.ReconnectMin,
		MaxDelay:    f.opts.ReconnectMax,
		BackoffFunc: retry.ExpBackoff(f.opts.ReconnectMin, f.opts.ReconnectMax, 2, true),
		Clock:       f.opts.Clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", f.sub.Name(), err)
	}
	f.logger.Infof("Subscribed to %s", f.sub.Name())
	return sub, nil
}

// consume forwards events until the subscription fails and returns how many
// notifications it received
func (f *Feed) consume(ctx context.Context, sub Subscription) (int, error) {
	received := 0
	for {
		payload, err := sub.Next(ctx)
		if err != nil {
			return received, err
		}
		received++
		event, ok := f.handle(payload)
		if !ok {
			continue
		}
		select {
		case f.out <- event:
		case <-ctx.Done():
			return received, ctx.Err()
		}
	}
}

// handle parses and processes one notification. Failures drop only that notification.
func (f *Feed) handle(payload []byte) (models.ChangeEvent, bool) {
	record, err := ParsePayload(payload)
	if err != nil {
		f.opts.Metrics.FeedMalformed()
		f.logger.Warnf("Dropping notification: %v", err)
		return models.ChangeEvent{}, false
	}
	event := models.ChangeEvent{Record: record}

	if f.opts.Transformer != nil {
		event, err = f.opts.Transformer.Transform(event)
		if err != nil {
			if errors.Is(err, processor.ErrEventRejected) {
				f.opts.Metrics.FeedRejected()
				f.logger.Debugf("Event rejected by transformer: project %d", record.ID)
			} else {
				f.opts.Metrics.FeedMalformed()
				f.logger.Errorf("Error transforming event for project %d: %v", record.ID, err)
			}
			return models.ChangeEvent{}, false
		}
	}

	f.seq++
	event.Seq = f.seq
	f.opts.Metrics.FeedEvent()

	if f.opts.Publisher != nil {
		if err := f.opts.Publisher.Publish(&event); err != nil {
			f.logger.Errorf("Error relaying event: %v", err)
		}
	}
	f.logger.Debugf("Processed change %d for project %d", event.Seq, event.ID())
	return event, true
}
