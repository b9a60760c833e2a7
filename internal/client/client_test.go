package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/juju/clock/testclock"

	"project-feed/internal/collection"
	"project-feed/internal/feed"
	"project-feed/internal/hub"
	"project-feed/internal/models"
	"project-feed/internal/observer"
	"project-feed/internal/store"
	"project-feed/internal/store/storetest"
	"project-feed/internal/transport"
)

// readySubscriber signals once the feed holds a live subscription
type readySubscriber struct {
	feed.Subscriber
	ready chan struct{}
	once  sync.Once
}

func (s *readySubscriber) Subscribe(ctx context.Context) (feed.Subscription, error) {
	sub, err := s.Subscriber.Subscribe(ctx)
	if err == nil {
		s.once.Do(func() { close(s.ready) })
	}
	return sub, err
}

type service struct {
	store *store.SQLStore
	hub   *hub.Hub
	url   string
	// broadcast receives every event after the hub has fanned it out
	broadcast chan models.ChangeEvent
}

func startService(t *testing.T, seed int) *service {
	t.Helper()
	logger := storetest.Logger()
	s := storetest.Open(t)
	storetest.Seed(t, s, seed)

	h := hub.New(nil, nil, logger)
	sub := &readySubscriber{
		Subscriber: feed.NewOutboxSubscriber(s.DB(), s.Options().Channel, 10*time.Millisecond, true, logger),
		ready:      make(chan struct{}),
	}
	f := feed.New(sub, feed.Options{ReconnectMin: 10 * time.Millisecond, ReconnectMax: 50 * time.Millisecond}, logger)

	broadcast := make(chan models.ChangeEvent, 16)
	ctx, cancel := context.WithCancel(context.Background())
	go f.Run(ctx)
	go func() {
		for ev := range f.Events() {
			if _, err := h.Broadcast(ev); err != nil {
				logger.Errorf("Error broadcasting change: %v", err)
			}
			select {
			case broadcast <- ev:
			default:
			}
		}
	}()

	server := transport.NewServer(collection.NewService(s, 10, 100, logger), h, s.DB(), nil, transport.Options{}, logger)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		cancel()
		h.CloseAll()
		srv.Close()
	})

	select {
	case <-sub.ready:
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not subscribe")
	}
	return &service{store: s, hub: h, url: srv.URL, broadcast: broadcast}
}

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(url, 5*time.Second, storetest.Logger())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestPageAndUpdate(t *testing.T) {
	svc := startService(t, 3)
	c := newClient(t, svc.url)
	ctx := context.Background()

	page, err := c.Page(ctx, 1, 2)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(page.Records), 2)
	assert.Equal(t, page.Records[0].ID, int64(3))
	assert.Equal(t, page.Pagination.TotalPages, 2)

	rec, err := c.UpdateTitle(ctx, 3, "Renamed")
	assert.Equal(t, err, nil)
	assert.Equal(t, rec.Title, "Renamed")

	_, err = c.UpdateTitle(ctx, 99, "x")
	assert.Equal(t, errors.Is(err, ErrNotFound), true)
	var apiErr *APIError
	assert.Equal(t, errors.As(err, &apiErr), true)
	assert.Equal(t, apiErr.Message, "Project not found")
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("ftp://example", time.Second, storetest.Logger())
	assert.NotEqual(t, err, nil)
}

func TestWatchAppliesLiveChanges(t *testing.T) {
	svc := startService(t, 3)
	c := newClient(t, svc.url)

	rec := observer.NewReconciler(c, 2, 0, storetest.Logger())
	resynced := make(chan observer.Snapshot, 4)
	changes := make(chan observer.Snapshot, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, rec, WatchOptions{
			OnResync: func(s observer.Snapshot) { resynced <- s },
			OnChange: func(_ models.ChangeEvent, s observer.Snapshot) { changes <- s },
		})
	}()

	var snap observer.Snapshot
	select {
	case snap = <-resynced:
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not fetch the first page")
	}
	assert.Equal(t, snap.Pagination.Page, 1)
	deadline := time.Now().Add(5 * time.Second)
	for svc.hub.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("observer did not join")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, err := c.UpdateTitle(context.Background(), 2, "Live")
	assert.Equal(t, err, nil)

	select {
	case snap = <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("change was not delivered")
	}
	assert.Equal(t, snap.Records[1].ID, int64(2))
	assert.Equal(t, snap.Records[1].Title, "Live")
	assert.Equal(t, len(snap.Ledger), 1)

	cancel()
	select {
	case err := <-done:
		assert.Equal(t, err, nil)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func waitObservers(t *testing.T, h *hub.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d observers, have %d", n, h.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWatchRefetchesAfterReconnect(t *testing.T) {
	svc := startService(t, 3)
	c := newClient(t, svc.url)

	rec := observer.NewReconciler(c, 2, 0, storetest.Logger())
	resynced := make(chan observer.Snapshot, 4)
	changes := make(chan models.ChangeEvent, 4)
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Watch(ctx, rec, WatchOptions{
		ReconnectMin: 100 * time.Millisecond,
		ReconnectMax: time.Second,
		Clock:        clk,
		OnResync:     func(s observer.Snapshot) { resynced <- s },
		OnChange:     func(ev models.ChangeEvent, _ observer.Snapshot) { changes <- ev },
	})

	select {
	case <-resynced:
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not fetch the first page")
	}
	waitObservers(t, svc.hub, 1)

	svc.hub.CloseAll()
	select {
	case <-clk.Alarms():
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not wait to reconnect")
	}
	assert.Equal(t, svc.hub.Len(), 0)

	// committed while no observer is connected, so the change is never pushed to it
	_, err := svc.store.UpdateTitle(context.Background(), 2, "Missed")
	assert.Equal(t, err, nil)
	select {
	case ev := <-svc.broadcast:
		assert.Equal(t, ev.ID(), int64(2))
	case <-time.After(5 * time.Second):
		t.Fatal("change was not broadcast")
	}

	clk.Advance(100 * time.Millisecond)
	var snap observer.Snapshot
	select {
	case snap = <-resynced:
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not refetch after reconnecting")
	}
	assert.Equal(t, snap.Records[1].ID, int64(2))
	assert.Equal(t, snap.Records[1].Title, "Missed")
	waitObservers(t, svc.hub, 1)

	select {
	case ev := <-changes:
		t.Fatalf("unexpected change %d for project %d", ev.Seq, ev.ID())
	case <-time.After(100 * time.Millisecond):
	}
}
