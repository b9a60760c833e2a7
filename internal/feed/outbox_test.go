package feed

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"project-feed/internal/store/storetest"
)

func TestOutboxFeedDeliversStoreMutations(t *testing.T) {
	s := storetest.Open(t)
	seeded := storetest.Seed(t, s, 2)

	sub := NewOutboxSubscriber(s.DB(), s.Options().Channel, 5*time.Millisecond, true, storetest.Logger())
	f := New(sub, Options{ReconnectMin: time.Millisecond}, storetest.Logger())
	startFeed(t, f)

	// rows written before the subscription are not replayed; wait for the
	// subscription to settle by polling until a fresh update comes through
	deadline := time.After(5 * time.Second)
	for {
		_, err := s.UpdateTitle(context.Background(), seeded[1].ID, "renamed")
		assert.Equal(t, err, nil)
		select {
		case ev := <-f.Events():
			assert.Equal(t, ev.ID(), seeded[1].ID)
			assert.Equal(t, ev.Record.Title, "renamed")
			assert.Equal(t, ev.Record.CreatedAt.Equal(seeded[1].CreatedAt), true)
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("no change event from outbox")
		}
	}
}

func TestOutboxSubscriptionStartsAtTail(t *testing.T) {
	s := storetest.Open(t)
	storetest.Seed(t, s, 3)

	sub := NewOutboxSubscriber(s.DB(), s.Options().Channel, time.Millisecond, false, storetest.Logger())
	subscription, err := sub.Subscribe(context.Background())
	assert.Equal(t, err, nil)
	defer subscription.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = subscription.Next(ctx)
	assert.NotEqual(t, err, nil)

	rec, err := s.Insert(context.Background(), "late", "active", time.Now())
	assert.Equal(t, err, nil)
	payload, err := subscription.Next(context.Background())
	assert.Equal(t, err, nil)
	parsed, err := ParsePayload(payload)
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed.ID, rec.ID)
}
