package binlog

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"project-feed/internal/feed"
)

var columns = []string{"proid", "project_title", "status", "date_created"}

func TestAfterImages(t *testing.T) {
	rows := [][]interface{}{
		{int64(1), "old-a"}, {int64(1), "new-a"},
		{int64(2), "old-b"}, {int64(2), "new-b"},
	}
	after := AfterImages(rows)
	assert.Equal(t, len(after), 2)
	assert.Equal(t, after[0][1], "new-a")
	assert.Equal(t, after[1][1], "new-b")

	// a dangling old image without its pair is ignored
	assert.Equal(t, len(AfterImages(rows[:3])), 1)
}

func TestRowPayloadParsesAsRecord(t *testing.T) {
	row := []interface{}{int64(5), []byte("Zephyr"), "active", "2024-06-01 08:30:00.250000"}
	payload, err := RowPayload(columns, row)
	assert.Equal(t, err, nil)

	rec, err := feed.ParsePayload(payload)
	assert.Equal(t, err, nil)
	assert.Equal(t, rec.ID, int64(5))
	assert.Equal(t, rec.Title, "Zephyr")
	assert.Equal(t, rec.CreatedAt.Equal(time.Date(2024, 6, 1, 8, 30, 0, 250000000, time.UTC)), true)
}

func TestRowPayloadTimeValue(t *testing.T) {
	at := time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)
	payload, err := RowPayload(columns, []interface{}{int32(9), "t", "s", at})
	assert.Equal(t, err, nil)

	var m map[string]interface{}
	assert.Equal(t, json.Unmarshal(payload, &m), nil)
	assert.Equal(t, m["date_created"], "2024-06-01T08:30:00Z")
}

func TestRowPayloadKeepsTimestampLikeTitle(t *testing.T) {
	row := []interface{}{int64(7), "2024-05-01 12:30:00", "active", "2024-05-01 12:30:00.123456"}
	payload, err := RowPayload(columns, row)
	assert.Equal(t, err, nil)

	rec, err := feed.ParsePayload(payload)
	assert.Equal(t, err, nil)
	assert.Equal(t, rec.Title, "2024-05-01 12:30:00")
	assert.Equal(t, rec.CreatedAt.Equal(time.Date(2024, 5, 1, 12, 30, 0, 123456000, time.UTC)), true)
}

func TestRowPayloadWithoutID(t *testing.T) {
	_, err := RowPayload([]string{"project_title"}, []interface{}{"x"})
	assert.NotEqual(t, err, nil)
}
