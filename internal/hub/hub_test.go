package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"project-feed/internal/metrics"
	"project-feed/internal/models"
	"project-feed/internal/store/storetest"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Deliver(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return ErrDeliveryFailed
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

func event(seq uint64, id int64, title string) models.ChangeEvent {
	return models.ChangeEvent{Seq: seq, Record: models.Record{
		ID: id, Title: title, Status: "active",
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}}
}

func TestBroadcastSendsIdenticalFrames(t *testing.T) {
	h := New(nil, nil, storetest.Logger())
	a, b, c := &fakeConn{id: "a"}, &fakeConn{id: "b"}, &fakeConn{id: "c"}
	h.Join(a)
	h.Join(b)
	h.Join(c)

	n, err := h.Broadcast(event(1, 2, "Renamed"))
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 3)

	want := `{"event":"changed","seq":1,"data":{"proid":2,"project_title":"Renamed","status":"active","date_created":"2024-01-01T00:00:00Z"}}`
	for _, conn := range []*fakeConn{a, b, c} {
		frames := conn.received()
		assert.Equal(t, len(frames), 1)
		assert.Equal(t, string(frames[0]), want)
	}
}

func TestBroadcastWithNoObservers(t *testing.T) {
	h := New(nil, nil, storetest.Logger())
	n, err := h.Broadcast(event(1, 1, "x"))
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 0)
}

func TestLateJoinerGetsNoReplay(t *testing.T) {
	h := New(nil, nil, storetest.Logger())
	early := &fakeConn{id: "early"}
	h.Join(early)
	h.Broadcast(event(1, 1, "first"))

	late := &fakeConn{id: "late"}
	h.Join(late)
	assert.Equal(t, len(late.received()), 0)

	h.Broadcast(event(2, 1, "second"))
	assert.Equal(t, len(late.received()), 1)
	assert.Equal(t, len(early.received()), 2)
}

func TestFailingObserverIsDropped(t *testing.T) {
	reg := metrics.New(prometheus.NewRegistry())
	h := New(nil, reg, storetest.Logger())
	good := &fakeConn{id: "good"}
	bad := &fakeConn{id: "bad", fail: true}
	h.Join(good)
	h.Join(bad)
	assert.Equal(t, testutil.ToFloat64(reg.Observers), float64(2))

	n, _ := h.Broadcast(event(1, 1, "x"))
	assert.Equal(t, n, 1)
	assert.Equal(t, h.Len(), 1)
	assert.Equal(t, bad.closed, true)
	assert.Equal(t, testutil.ToFloat64(reg.DeliveryFailures), float64(1))
	assert.Equal(t, testutil.ToFloat64(reg.Observers), float64(1))

	h.Broadcast(event(2, 1, "y"))
	assert.Equal(t, len(good.received()), 2)
}

// staleRegistry keeps returning observers that already left, as a snapshot taken
// just before a concurrent Leave would
type staleRegistry struct {
	*MemoryRegistry
	stale []Conn
}

func (r *staleRegistry) Snapshot() []Conn {
	return append(r.MemoryRegistry.Snapshot(), r.stale...)
}

func TestBroadcastIgnoresObserverThatAlreadyLeft(t *testing.T) {
	reg := metrics.New(prometheus.NewRegistry())
	registry := &staleRegistry{MemoryRegistry: NewMemoryRegistry()}
	h := New(registry, reg, storetest.Logger())
	gone := &fakeConn{id: "gone"}
	live := &fakeConn{id: "live"}
	h.Join(gone)
	h.Join(live)
	h.Leave("gone")
	registry.stale = []Conn{gone}

	n, err := h.Broadcast(event(1, 1, "x"))
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 1)
	assert.Equal(t, len(live.received()), 1)
	assert.Equal(t, testutil.ToFloat64(reg.DeliveryFailures), float64(0))
	assert.Equal(t, testutil.ToFloat64(reg.Deliveries), float64(1))
	assert.Equal(t, h.Len(), 1)
}

func TestSlowObserverDoesNotBlockOthers(t *testing.T) {
	h := New(nil, nil, storetest.Logger())
	slow := NewBufferedConn("slow", 1)
	fast := NewBufferedConn("fast", 16)
	h.Join(slow)
	h.Join(fast)

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 5; i++ {
			h.Broadcast(event(uint64(i), 1, fmt.Sprint(i)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast blocked on a slow observer")
	}

	assert.Equal(t, h.Len(), 1)
	assert.Equal(t, len(fast.Frames()), 5)
	select {
	case <-slow.Done():
	default:
		t.Fatal("slow observer was not closed")
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	h := New(nil, nil, storetest.Logger())
	conn := NewBufferedConn("x", 1)
	h.Join(conn)
	assert.Equal(t, h.Leave("x"), true)
	assert.Equal(t, h.Leave("x"), false)
	assert.Equal(t, h.Len(), 0)

	err := conn.Deliver([]byte("late"))
	assert.Equal(t, errors.Is(err, ErrDeliveryFailed), true)
}

func TestConcurrentJoinLeaveDuringDispatch(t *testing.T) {
	h := New(nil, nil, storetest.Logger())
	stable := &fakeConn{id: "stable"}
	h.Join(stable)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("churn-%d", i)
			h.Join(&fakeConn{id: id})
			h.Leave(id)
		}(i)
	}
	for i := 1; i <= 50; i++ {
		h.Broadcast(event(uint64(i), int64(i), "x"))
	}
	wg.Wait()

	assert.Equal(t, len(stable.received()), 50)
	assert.Equal(t, h.Len(), 1)
}

func TestRunDeliversEveryEventInOrder(t *testing.T) {
	h := New(nil, nil, storetest.Logger())
	conn := &fakeConn{id: "a"}
	h.Join(conn)

	events := make(chan models.ChangeEvent, 10)
	for i := 1; i <= 10; i++ {
		events <- event(uint64(i), int64(i), "x")
	}
	close(events)

	err := h.Run(context.Background(), events)
	assert.Equal(t, err, nil)

	frames := conn.received()
	assert.Equal(t, len(frames), 10)
	for i, f := range frames {
		want, _ := EncodeFrame(event(uint64(i+1), int64(i+1), "x"))
		assert.Equal(t, string(f), string(want))
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := New(nil, nil, storetest.Logger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, make(chan models.ChangeEvent)) }()
	cancel()
	select {
	case err := <-done:
		assert.Equal(t, err, nil)
	case <-time.After(5 * time.Second):
		t.Fatal("hub did not stop")
	}
}
