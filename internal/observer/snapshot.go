// Package observer keeps one observer's partial view of the collection consistent with
// the change feed without refetching.
package observer

import (
	"slices"

	"project-feed/internal/models"
)

// DefaultLedgerCapacity bounds the recently-changed ledger
const DefaultLedgerCapacity = 50

// Entry is one ledger slot
type Entry struct {
	Record models.Record
	Seq    uint64
}

// Snapshot is an observer's local view: the visible page and the recently-changed
// ledger. The zero value is the uninitialized state.
type Snapshot struct {
	Records    []models.Record
	Pagination models.Pagination
	// Ledger holds at most one entry per id, least recently changed first
	Ledger []Entry
}

// Initialized reports whether a page has been fetched
func (s Snapshot) Initialized() bool {
	return s.Pagination.Page > 0
}

// Clone returns a deep copy
func (s Snapshot) Clone() Snapshot {
	return Snapshot{
		Records:    slices.Clone(s.Records),
		Pagination: s.Pagination,
		Ledger:     slices.Clone(s.Ledger),
	}
}

// Changed returns the ledger records, least recently changed first
func (s Snapshot) Changed() []models.Record {
	out := make([]models.Record, len(s.Ledger))
	for i, e := range s.Ledger {
		out[i] = e.Record
	}
	return out
}

func (s Snapshot) ledgerIndex(id int64) int {
	return slices.IndexFunc(s.Ledger, func(e Entry) bool { return e.Record.ID == id })
}

// Apply merges ev into prior and returns the next snapshot. prior is not modified.
//
// The record is upserted into the ledger, evicting the least recently changed entry
// beyond capacity, and replaced in place if it is on the visible page. Page order is
// never changed. An event whose Seq is not newer than the ledger entry for the same id
// is discarded and reported as not applied. Seq 0 is treated as unordered and always
// applied.
func Apply(prior Snapshot, ev models.ChangeEvent, capacity int) (Snapshot, bool) {
	if capacity <= 0 {
		capacity = DefaultLedgerCapacity
	}
	id := ev.ID()

	if i := prior.ledgerIndex(id); i >= 0 && ev.Seq != 0 && prior.Ledger[i].Seq >= ev.Seq {
		return prior, false
	}

	next := Snapshot{Pagination: prior.Pagination}

	next.Ledger = make([]Entry, 0, min(len(prior.Ledger)+1, capacity))
	for _, e := range prior.Ledger {
		if e.Record.ID != id {
			next.Ledger = append(next.Ledger, e)
		}
	}
	next.Ledger = append(next.Ledger, Entry{Record: ev.Record, Seq: ev.Seq})
	if over := len(next.Ledger) - capacity; over > 0 {
		next.Ledger = slices.Delete(next.Ledger, 0, over)
	}

	next.Records = replaceVisible(prior.Records, ev.Record)
	return next, true
}

// replaceVisible returns records with rec swapped in at its position, copying only
// when it is present
func replaceVisible(records []models.Record, rec models.Record) []models.Record {
	i := slices.IndexFunc(records, func(r models.Record) bool { return r.ID == rec.ID })
	if i < 0 {
		return records
	}
	out := slices.Clone(records)
	out[i] = rec
	return out
}
