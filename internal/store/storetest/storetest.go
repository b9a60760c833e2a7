// Package storetest opens throwaway sqlite stores for tests.
package storetest

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"project-feed/internal/models"
	"project-feed/internal/store"
)

// Logger returns a logger that discards output
func Logger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// Open creates a migrated sqlite store in a temp dir, closed when the test ends
func Open(t *testing.T) *store.SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feed.db")
	s, err := store.Open(context.Background(), store.DriverSQLite, path, store.Options{Migrate: true}, Logger())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Seed inserts n records one minute apart, oldest first, and returns them in insert order
func Seed(t *testing.T, s store.Store, n int) []models.Record {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.Record, 0, n)
	for i := 0; i < n; i++ {
		rec, err := s.Insert(context.Background(), titleFor(i), "active", base.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("seed record %d: %v", i, err)
		}
		out = append(out, rec)
	}
	return out
}

func titleFor(i int) string {
	return "project-" + string(rune('a'+i%26))
}
