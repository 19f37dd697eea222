package syncengine

import (
	"sync"
	"time"
)

// DefaultDebounceWindow is how long the reconciler collects refetch requests
// before running one fetch.
const DefaultDebounceWindow = 100 * time.Millisecond

// Reconciler merges refetch requests from the change feed and the broadcast
// channel. Requests for the same store within the window collapse into a
// single fetch; a request for another store replaces the pending one.
type Reconciler struct {
	clock   Clock
	window  time.Duration
	refetch func(storeID string)

	mu           sync.Mutex
	pending      Timer
	pendingStore string
	sequence     uint64
	closed       bool
	requested    int
	fetched      int
}

// NewReconciler constructs a reconciler that calls refetch for each flushed request.
func NewReconciler(clock Clock, window time.Duration, refetch func(storeID string)) *Reconciler {
	if clock == nil {
		clock = SystemClock()
	}
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &Reconciler{clock: clock, window: window, refetch: refetch}
}

// Request asks for the machines of storeID to be refetched.
func (r *Reconciler) Request(storeID string) {
	if storeID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.requested++
	if r.pending != nil && r.pendingStore == storeID {
		return
	}
	if r.pending != nil {
		r.pending.Stop()
	}
	r.sequence++
	sequence := r.sequence
	r.pendingStore = storeID
	r.pending = r.clock.AfterFunc(r.window, func() {
		r.flush(sequence)
	})
}

func (r *Reconciler) flush(sequence uint64) {
	r.mu.Lock()
	if r.closed || r.pending == nil || r.sequence != sequence {
		r.mu.Unlock()
		return
	}
	storeID := r.pendingStore
	r.pending = nil
	r.pendingStore = ""
	r.fetched++
	r.mu.Unlock()
	r.refetch(storeID)
}

// Stats reports how many requests arrived and how many fetches they produced.
func (r *Reconciler) Stats() (requested, fetched int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requested, r.fetched
}

// Close cancels any pending fetch.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.pending != nil {
		r.pending.Stop()
		r.pending = nil
	}
}
