package models

import "time"

// Record is a single project row as stored by the record store
type Record struct {
	ID        int64     `json:"proid"`
	Title     string    `json:"project_title"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"date_created"`
}

// Before reports whether r sorts ahead of o in a newest-first listing.
// Ties on creation time are broken by id, higher ids first.
func (r Record) Before(o Record) bool {
	if !r.CreatedAt.Equal(o.CreatedAt) {
		return r.CreatedAt.After(o.CreatedAt)
	}
	return r.ID > o.ID
}
