package syncengine

import (
	"sync"
	"time"
)

// DefaultHighlightTTL is how long a highlight stays visible after it is raised.
const DefaultHighlightTTL = 3 * time.Second

// Highlight marks a row recently changed by another user.
type Highlight struct {
	MachineID   string
	ChangerName string
	ChangeType  ChangeKind
	RaisedAt    time.Time
	ExpiresAt   time.Time
}

type highlightEntry struct {
	highlight Highlight
	timer     Timer
}

// HighlightTracker owns every highlight and its expiry timer. A row moves from
// none to highlighted when raised and back to none when its timer fires.
// Raising a highlighted row replaces the payload but keeps the original expiry.
type HighlightTracker struct {
	clock    Clock
	ttl      time.Duration
	onChange func()

	mu      sync.Mutex
	entries map[string]*highlightEntry
	closed  bool
}

// NewHighlightTracker constructs a tracker. onChange runs after every raise and
// expiry and may be nil.
func NewHighlightTracker(clock Clock, ttl time.Duration, onChange func()) *HighlightTracker {
	if clock == nil {
		clock = SystemClock()
	}
	if ttl <= 0 {
		ttl = DefaultHighlightTTL
	}
	if onChange == nil {
		onChange = func() {}
	}
	return &HighlightTracker{
		clock:    clock,
		ttl:      ttl,
		onChange: onChange,
		entries:  make(map[string]*highlightEntry),
	}
}

// Raise highlights machineID on behalf of changerName.
func (t *HighlightTracker) Raise(machineID, changerName string, kind ChangeKind) {
	if machineID == "" {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if entry, ok := t.entries[machineID]; ok {
		entry.highlight.ChangerName = changerName
		entry.highlight.ChangeType = kind
		t.mu.Unlock()
		t.onChange()
		return
	}
	now := t.clock.Now()
	entry := &highlightEntry{highlight: Highlight{
		MachineID:   machineID,
		ChangerName: changerName,
		ChangeType:  kind,
		RaisedAt:    now,
		ExpiresAt:   now.Add(t.ttl),
	}}
	t.entries[machineID] = entry
	entry.timer = t.clock.AfterFunc(t.ttl, func() {
		t.expire(machineID, entry)
	})
	t.mu.Unlock()
	t.onChange()
}

func (t *HighlightTracker) expire(machineID string, entry *highlightEntry) {
	t.mu.Lock()
	current, ok := t.entries[machineID]
	if !ok || current != entry {
		t.mu.Unlock()
		return
	}
	delete(t.entries, machineID)
	t.mu.Unlock()
	t.onChange()
}

// Get returns the live highlight of machineID.
func (t *HighlightTracker) Get(machineID string) (Highlight, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[machineID]
	if !ok || !t.clock.Now().Before(entry.highlight.ExpiresAt) {
		return Highlight{}, false
	}
	return entry.highlight, true
}

// Snapshot returns every live highlight keyed by machine id.
func (t *HighlightTracker) Snapshot() map[string]Highlight {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	snapshot := make(map[string]Highlight, len(t.entries))
	for machineID, entry := range t.entries {
		if now.Before(entry.highlight.ExpiresAt) {
			snapshot[machineID] = entry.highlight
		}
	}
	return snapshot
}

// Close stops every timer and drops all highlights.
func (t *HighlightTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for machineID, entry := range t.entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(t.entries, machineID)
	}
}
