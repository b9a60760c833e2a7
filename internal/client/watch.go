package client

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"project-feed/internal/models"
	"project-feed/internal/observer"
)

// WatchOptions configures Watch
type WatchOptions struct {
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Clock        clock.Clock
	// OnChange is called after each applied event
	OnChange func(ev models.ChangeEvent, snap observer.Snapshot)
	// OnResync is called after the page is refetched on (re)connect
	OnResync func(snap observer.Snapshot)
}

// Watch keeps rec in sync until ctx ends. Each time the push channel connects the
// current page is fetched again, since events missed while disconnected are not replayed.
// A channel lost before it delivered a frame and before ReconnectMin elapsed delays the
// next connect with exponential backoff.
func (c *Client) Watch(ctx context.Context, rec *observer.Reconciler, opts WatchOptions) error {
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}

	backoff := retry.ExpBackoff(opts.ReconnectMin, opts.ReconnectMax, 2, false)
	drops := 0
	for {
		var sub *Subscription
		err := retry.Call(retry.CallArgs{
			Func: func() error {
				s, err := c.connect(ctx, rec, opts)
				if err != nil {
					return err
				}
				sub = s
				return nil
			},
			NotifyFunc: func(err error, attempt int) {
				c.logger.Warnf("Connecting to push channel failed (attempt %d): %v", attempt, err)
			},
			Attempts:    -1,
			Delay:       opts.ReconnectMin,
			MaxDelay:    opts.ReconnectMax,
			BackoffFunc: retry.ExpBackoff(opts.ReconnectMin, opts.ReconnectMax, 2, true),
			Clock:       opts.Clock,
			Stop:        ctx.Done(),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		started := opts.Clock.Now()
		received, err := c.consume(rec, sub, opts)
		sub.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warnf("Push channel lost: %v", err)

		if received > 0 || opts.Clock.Now().Sub(started) >= opts.ReconnectMin {
			drops = 0
			continue
		}
		drops++
		delay := backoff(opts.ReconnectMin, drops-1)
		c.logger.Debugf("Push channel dropped immediately (%d in a row), reconnecting in %s", drops, delay)
		select {
		case <-opts.Clock.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// connect subscribes first and fetches second, so nothing committed after the page
// read can be missed
func (c *Client) connect(ctx context.Context, rec *observer.Reconciler, opts WatchOptions) (*Subscription, error) {
	sub, err := c.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	rec.ResetSequence()

	page := rec.Snapshot().Pagination.Page
	if page <= 0 {
		page = 1
	}
	if err := rec.Fetch(ctx, page); err != nil {
		sub.Close()
		return nil, err
	}
	if opts.OnResync != nil {
		opts.OnResync(rec.Snapshot())
	}
	return sub, nil
}

// consume applies frames until the channel fails and returns how many it read
func (c *Client) consume(rec *observer.Reconciler, sub *Subscription, opts WatchOptions) (int, error) {
	received := 0
	for {
		ev, err := sub.Next()
		if err != nil {
			return received, err
		}
		received++
		if !rec.OnChange(ev) {
			continue
		}
		if opts.OnChange != nil {
			opts.OnChange(ev, rec.Snapshot())
		}
	}
}
