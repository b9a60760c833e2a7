package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"project-feed/internal/models"
)

// ErrMalformedChangeEvent is returned for notifications that cannot be parsed into a record
var ErrMalformedChangeEvent = errors.New("malformed change event")

// payload mirrors the record snapshot emitted by the stores. Pointers tell a missing
// column apart from a zero value.
type payload struct {
	ID          *json.Number `json:"proid"`
	Title       *string      `json:"project_title"`
	Status      *string      `json:"status"`
	DateCreated *string      `json:"date_created"`
}

// ParsePayload decodes a serialized record snapshot
func ParsePayload(data []byte) (models.Record, error) {
	var p payload
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return models.Record{}, fmt.Errorf("%w: %v", ErrMalformedChangeEvent, err)
	}
	if p.ID == nil || p.Title == nil || p.Status == nil || p.DateCreated == nil {
		return models.Record{}, fmt.Errorf("%w: missing field in %s", ErrMalformedChangeEvent, truncate(data))
	}
	id, err := p.ID.Int64()
	if err != nil || id <= 0 {
		return models.Record{}, fmt.Errorf("%w: bad proid %q", ErrMalformedChangeEvent, p.ID.String())
	}
	created, err := models.ParseTimestamp(*p.DateCreated)
	if err != nil {
		return models.Record{}, fmt.Errorf("%w: %v", ErrMalformedChangeEvent, err)
	}
	return models.Record{
		ID:        id,
		Title:     *p.Title,
		Status:    *p.Status,
		CreatedAt: created,
	}, nil
}

func truncate(data []byte) string {
	const max = 128
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
