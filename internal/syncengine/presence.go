package syncengine

import (
	"context"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/slotsync/internal/realtime"
	"go.uber.org/zap"
)

// PresenceTracker keeps the online roster of one group.
type PresenceTracker struct {
	channel  PresenceChannel
	logger   *zap.Logger
	onChange func()

	mu     sync.Mutex
	online []realtime.PresenceEntry
	closed bool
	done   chan struct{}
}

// StartPresence joins the group's presence topic and tracks self.
func StartPresence(ctx context.Context, channels Channels, groupID string, self realtime.PresenceEntry, logger *zap.Logger, onChange func()) (*PresenceTracker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onChange == nil {
		onChange = func() {}
	}
	channel, err := channels.JoinPresence(ctx, realtime.PresenceTopic(groupID))
	if err != nil {
		return nil, subscriptionError(opJoinPresence, err)
	}
	tracker := &PresenceTracker{
		channel:  channel,
		logger:   logger,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	go tracker.consume()
	if err := channel.Track(ctx, self); err != nil {
		_ = channel.Close()
		<-tracker.done
		return nil, subscriptionError(opTrackPresence, err)
	}
	return tracker, nil
}

func (t *PresenceTracker) consume() {
	defer close(t.done)
	for roster := range t.channel.Syncs() {
		online := DedupeRoster(roster)
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			continue
		}
		t.online = online
		t.mu.Unlock()
		t.onChange()
	}
}

// Online returns the de-duplicated roster from the latest sync.
func (t *PresenceTracker) Online() []realtime.PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]realtime.PresenceEntry(nil), t.online...)
}

// Close untracks and then leaves the topic.
func (t *PresenceTracker) Close(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.online = nil
	t.mu.Unlock()

	if err := t.channel.Untrack(ctx); err != nil {
		t.logger.Debug("presence untrack failed", zap.Error(err))
	}
	if err := t.channel.Close(); err != nil {
		t.logger.Debug("presence close failed", zap.Error(err))
	}
	<-t.done
}

// DedupeRoster keeps one entry per user id. When a user has several sessions
// the earliest joined_at wins. The result is ordered by joined_at.
func DedupeRoster(roster []realtime.PresenceEntry) []realtime.PresenceEntry {
	byUser := make(map[string]realtime.PresenceEntry, len(roster))
	for _, entry := range roster {
		if entry.UserID == "" {
			continue
		}
		existing, ok := byUser[entry.UserID]
		if !ok || entry.JoinedAt < existing.JoinedAt {
			byUser[entry.UserID] = entry
		}
	}
	online := make([]realtime.PresenceEntry, 0, len(byUser))
	for _, entry := range byUser {
		online = append(online, entry)
	}
	sort.Slice(online, func(i, j int) bool {
		if online[i].JoinedAt != online[j].JoinedAt {
			return online[i].JoinedAt < online[j].JoinedAt
		}
		return online[i].UserID < online[j].UserID
	})
	return online
}
