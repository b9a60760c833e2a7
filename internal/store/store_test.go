package store_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"project-feed/internal/store"
	"project-feed/internal/store/storetest"
)

func TestListOrdersNewestFirst(t *testing.T) {
	s := storetest.Open(t)
	seeded := storetest.Seed(t, s, 3)

	records, err := s.List(context.Background(), 2, 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(records), 2)
	assert.Equal(t, records[0].ID, seeded[2].ID)
	assert.Equal(t, records[1].ID, seeded[1].ID)
	assert.Equal(t, records[0].CreatedAt.Equal(seeded[2].CreatedAt), true)

	rest, err := s.List(context.Background(), 2, 2)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(rest), 1)
	assert.Equal(t, rest[0].ID, seeded[0].ID)
}

func TestListBreaksTimestampTiesByID(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	first, err := s.Insert(ctx, "first", "active", at)
	assert.Equal(t, err, nil)
	second, err := s.Insert(ctx, "second", "active", at)
	assert.Equal(t, err, nil)

	_, err = s.Insert(ctx, "older", "active", at.Add(-time.Minute))
	assert.Equal(t, err, nil)
	_, err = s.Insert(ctx, "newer", "active", at.Add(time.Minute))
	assert.Equal(t, err, nil)

	for i := 0; i < 3; i++ {
		records, err := s.List(ctx, 10, 0)
		assert.Equal(t, err, nil)
		assert.Equal(t, len(records), 4)
		assert.Equal(t, records[1].ID, second.ID)
		assert.Equal(t, records[2].ID, first.ID)
		for j := 0; j+1 < len(records); j++ {
			assert.Equal(t, records[j].Before(records[j+1]), true)
		}
	}
}

func TestCount(t *testing.T) {
	s := storetest.Open(t)
	n, err := s.Count(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 0)

	storetest.Seed(t, s, 4)
	n, err = s.Count(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 4)
}

func TestUpdateTitle(t *testing.T) {
	s := storetest.Open(t)
	seeded := storetest.Seed(t, s, 2)

	rec, err := s.UpdateTitle(context.Background(), seeded[0].ID, "renamed")
	assert.Equal(t, err, nil)
	assert.Equal(t, rec.ID, seeded[0].ID)
	assert.Equal(t, rec.Title, "renamed")
	assert.Equal(t, rec.Status, seeded[0].Status)
	assert.Equal(t, rec.CreatedAt.Equal(seeded[0].CreatedAt), true)
}

func TestUpdateTitleNotFound(t *testing.T) {
	s := storetest.Open(t)
	storetest.Seed(t, s, 1)

	_, err := s.UpdateTitle(context.Background(), 999, "nope")
	assert.Equal(t, errors.Is(err, store.ErrNotFound), true)
	assert.Equal(t, errors.Is(err, store.ErrStoreUnavailable), false)
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	s := storetest.Open(t)
	assert.Equal(t, s.Close(), nil)

	_, err := s.List(context.Background(), 10, 0)
	assert.Equal(t, errors.Is(err, store.ErrStoreUnavailable), true)
	_, err = s.Count(context.Background())
	assert.Equal(t, errors.Is(err, store.ErrStoreUnavailable), true)
}

func TestTriggersWriteOutbox(t *testing.T) {
	s := storetest.Open(t)
	seeded := storetest.Seed(t, s, 1)
	_, err := s.UpdateTitle(context.Background(), seeded[0].ID, "changed")
	assert.Equal(t, err, nil)

	var n int
	err = s.DB().QueryRow(`SELECT COUNT(*) FROM project_changes`).Scan(&n)
	assert.Equal(t, err, nil)
	// one row for the insert, one for the update
	assert.Equal(t, n, 2)
}

func TestOpenRejectsBadIdentifiers(t *testing.T) {
	_, err := store.Open(context.Background(), store.DriverSQLite, ":memory:",
		store.Options{Table: "projects; DROP TABLE x"}, storetest.Logger())
	assert.NotEqual(t, err, nil)

	_, err = store.Open(context.Background(), "oracle", "", store.Options{}, storetest.Logger())
	assert.NotEqual(t, err, nil)
}

func TestOpenFailure(t *testing.T) {
	restore := store.OverrideSQLOpen(func(string, string) (*sql.DB, error) {
		return nil, errors.New("boom")
	})
	defer restore()

	_, err := store.Open(context.Background(), store.DriverPostgres, "postgres://x", store.Options{}, storetest.Logger())
	assert.NotEqual(t, err, nil)
}
