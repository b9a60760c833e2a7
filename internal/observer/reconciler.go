package observer

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"project-feed/internal/models"
)

// Pager fetches one page of the collection
type Pager interface {
	Page(ctx context.Context, page, limit int) (models.Page, error)
}

// Reconciler is the per-observer state machine. It is safe for concurrent use: change
// events may arrive while a fetch is in flight.
type Reconciler struct {
	pager    Pager
	limit    int
	capacity int
	logger   *logrus.Logger

	mu        sync.Mutex
	snap      Snapshot
	started   uint64 // fetches issued
	installed uint64 // generation of the page currently shown
	inflight  map[uint64][]models.ChangeEvent
}

// NewReconciler creates an uninitialized reconciler fetching limit records per page.
// A limit of 0 leaves the page size to the server.
func NewReconciler(pager Pager, limit, capacity int, logger *logrus.Logger) *Reconciler {
	if capacity <= 0 {
		capacity = DefaultLedgerCapacity
	}
	return &Reconciler{
		pager:    pager,
		limit:    limit,
		capacity: capacity,
		logger:   logger,
		inflight: make(map[uint64][]models.ChangeEvent),
	}
}

// Fetch replaces the visible page with page n. The ledger is untouched. On failure the
// prior snapshot stays in place and the error is returned.
//
// Events that arrive while the request is in flight are applied again to the fetched
// page, since the page may have been read before they were committed. A response that
// completes after a newer fetch has already been installed is discarded.
func (r *Reconciler) Fetch(ctx context.Context, n int) error {
	r.mu.Lock()
	r.started++
	gen := r.started
	r.inflight[gen] = nil
	r.mu.Unlock()

	page, err := r.pager.Page(ctx, n, r.limit)

	r.mu.Lock()
	defer r.mu.Unlock()
	during := r.inflight[gen]
	delete(r.inflight, gen)

	if err != nil {
		return fmt.Errorf("fetch page %d: %w", n, err)
	}
	if gen < r.installed {
		r.logger.Debugf("Discarding page %d response superseded by a newer fetch", n)
		return nil
	}

	records := page.Records
	for _, ev := range during {
		if r.isStale(ev) {
			continue
		}
		records = replaceVisible(records, ev.Record)
	}

	r.snap = Snapshot{Records: records, Pagination: page.Pagination, Ledger: r.snap.Ledger}
	r.installed = gen
	r.logger.Debugf("Showing page %d of %d (%d records)", page.Pagination.Page, page.Pagination.TotalPages, len(records))
	return nil
}

// isStale reports whether a newer event for the same id has already been applied
func (r *Reconciler) isStale(ev models.ChangeEvent) bool {
	i := r.snap.ledgerIndex(ev.ID())
	return i >= 0 && ev.Seq != 0 && r.snap.Ledger[i].Seq > ev.Seq
}

// OnChange merges a change event and reports whether it was applied
func (r *Reconciler) OnChange(ev models.ChangeEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for gen, evs := range r.inflight {
		r.inflight[gen] = append(evs, ev)
	}

	next, ok := Apply(r.snap, ev, r.capacity)
	if !ok {
		r.logger.Debugf("Discarding stale change %d for project %d", ev.Seq, ev.ID())
		return false
	}
	r.snap = next
	return true
}

// Next fetches the following page. It returns false without fetching when there is no
// such page or nothing has been fetched yet.
func (r *Reconciler) Next(ctx context.Context) (bool, error) {
	return r.move(ctx, 1)
}

// Previous fetches the preceding page, with the same rules as Next
func (r *Reconciler) Previous(ctx context.Context) (bool, error) {
	return r.move(ctx, -1)
}

func (r *Reconciler) move(ctx context.Context, delta int) (bool, error) {
	r.mu.Lock()
	p := r.snap.Pagination
	r.mu.Unlock()

	target := p.Page + delta
	if p.Page <= 0 || p.TotalPages <= 0 || target < 1 || target > p.TotalPages {
		return false, nil
	}
	if err := r.Fetch(ctx, target); err != nil {
		return false, err
	}
	return true, nil
}

// Snapshot returns a copy of the current view
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.Clone()
}

// Changed returns the recently-changed records, least recently changed first
func (r *Reconciler) Changed() []models.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.Changed()
}

// ResetSequence forgets per-record sequence numbers. Call it when the push channel
// reconnects, since a restarted feed numbers events from 1 again.
func (r *Reconciler) ResetSequence() {
	r.mu.Lock()
	defer r.mu.Unlock()
	ledger := make([]Entry, len(r.snap.Ledger))
	for i, e := range r.snap.Ledger {
		ledger[i] = Entry{Record: e.Record}
	}
	r.snap.Ledger = ledger
}

// Reset discards the snapshot and returns to the uninitialized state
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap = Snapshot{}
	// responses to fetches issued before the reset are dropped
	r.installed = r.started + 1
}
