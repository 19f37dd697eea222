package realtime

import (
	"context"
	"sort"
	"sync"
)

type presenceRegistry struct {
	mu     sync.Mutex
	topics map[string]map[int64]*PresenceMember
	nextID int64
}

// PresenceMember is one subscription to a presence topic. A member contributes
// at most one entry to the topic roster and receives the full roster after every
// join, track, untrack and leave on the topic.
type PresenceMember struct {
	registry *presenceRegistry
	topic    string
	id       int64
	entry    *PresenceEntry
	syncs    chan []PresenceEntry
	done     chan struct{}
	left     bool
}

func newPresenceRegistry() *presenceRegistry {
	return &presenceRegistry{topics: make(map[string]map[int64]*PresenceMember)}
}

func (r *presenceRegistry) join(ctx context.Context, topic string) *PresenceMember {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	member := &PresenceMember{
		registry: r,
		topic:    topic,
		id:       r.nextID,
		syncs:    make(chan []PresenceEntry, 1),
		done:     make(chan struct{}),
	}
	if _, ok := r.topics[topic]; !ok {
		r.topics[topic] = make(map[int64]*PresenceMember)
	}
	r.topics[topic][member.id] = member
	member.push(r.rosterLocked(topic))

	go func() {
		select {
		case <-ctx.Done():
			member.Leave()
		case <-member.done:
		}
	}()
	return member
}

// Track publishes entry as this member's presence state, replacing any earlier entry.
func (m *PresenceMember) Track(entry PresenceEntry) {
	m.registry.mu.Lock()
	defer m.registry.mu.Unlock()
	if m.left {
		return
	}
	tracked := entry
	m.entry = &tracked
	m.registry.syncTopicLocked(m.topic)
}

// Untrack removes this member's entry while keeping the subscription open.
func (m *PresenceMember) Untrack() {
	m.registry.mu.Lock()
	defer m.registry.mu.Unlock()
	if m.left || m.entry == nil {
		return
	}
	m.entry = nil
	m.registry.syncTopicLocked(m.topic)
}

// Leave closes the subscription. A tracked entry disappears from the roster as
// if the transport had disconnected.
func (m *PresenceMember) Leave() {
	m.registry.mu.Lock()
	defer m.registry.mu.Unlock()
	if m.left {
		return
	}
	m.left = true
	members := m.registry.topics[m.topic]
	delete(members, m.id)
	if len(members) == 0 {
		delete(m.registry.topics, m.topic)
	}
	close(m.syncs)
	close(m.done)
	if m.entry != nil {
		m.entry = nil
		m.registry.syncTopicLocked(m.topic)
	}
}

// Syncs delivers roster snapshots. Only the latest undelivered roster is kept.
// The channel is closed by Leave.
func (m *PresenceMember) Syncs() <-chan []PresenceEntry {
	return m.syncs
}

// Topic returns the presence topic the member joined.
func (m *PresenceMember) Topic() string {
	return m.topic
}

func (m *PresenceMember) push(roster []PresenceEntry) {
	select {
	case <-m.syncs:
	default:
	}
	m.syncs <- roster
}

func (r *presenceRegistry) syncTopicLocked(topic string) {
	roster := r.rosterLocked(topic)
	for _, member := range r.topics[topic] {
		member.push(roster)
	}
}

func (r *presenceRegistry) rosterLocked(topic string) []PresenceEntry {
	roster := make([]PresenceEntry, 0, len(r.topics[topic]))
	for _, member := range r.topics[topic] {
		if member.entry != nil {
			roster = append(roster, *member.entry)
		}
	}
	sort.SliceStable(roster, func(i, j int) bool {
		if roster[i].JoinedAt != roster[j].JoinedAt {
			return roster[i].JoinedAt < roster[j].JoinedAt
		}
		return roster[i].UserID < roster[j].UserID
	})
	return roster
}

func (r *presenceRegistry) roster(topic string) []PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rosterLocked(topic)
}
