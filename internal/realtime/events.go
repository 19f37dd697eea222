package realtime

import (
	"encoding/json"
	"strings"
	"time"
)

// ChangeType names the row operation behind a change-feed event.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

const (
	// TableGroupMachines is the change-feed table carrying group machine rows.
	TableGroupMachines = "group_machines"
	// TableGroupStores is the change-feed table carrying group store rows.
	TableGroupStores = "group_stores"

	// EventMachinesChanged is the broadcast event carrying change notification envelopes.
	EventMachinesChanged = "machines_changed"

	broadcastTopicPrefix = "group-"
	presenceTopicPrefix  = "presence-group-"
)

// ChangeEvent is one row-level notification from the authoritative datastore.
type ChangeEvent struct {
	Table           string     `json:"table"`
	Type            ChangeType `json:"type"`
	GroupID         string     `json:"group_id"`
	StoreID         string     `json:"store_id,omitempty"`
	RowID           string     `json:"row_id"`
	CommitTimestamp time.Time  `json:"commit_timestamp"`
}

// ChangeFilter scopes a change-feed subscription to one table of one group.
type ChangeFilter struct {
	Table   string
	GroupID string
}

func (f ChangeFilter) key() string {
	if f.Table == "" || f.GroupID == "" {
		return ""
	}
	return f.Table + ":" + f.GroupID
}

func changeKey(event ChangeEvent) string {
	return ChangeFilter{Table: event.Table, GroupID: event.GroupID}.key()
}

// BroadcastMessage is an arbitrary payload sent to every subscriber of a topic.
type BroadcastMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PresenceEntry is the state a client tracks on a presence topic.
type PresenceEntry struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	JoinedAt    int64  `json:"joined_at"`
}

// BroadcastTopic returns the broadcast topic name for a group.
func BroadcastTopic(groupID string) string {
	return broadcastTopicPrefix + groupID
}

// PresenceTopic returns the presence topic name for a group.
func PresenceTopic(groupID string) string {
	return presenceTopicPrefix + groupID
}

// GroupIDFromTopic extracts the group id from a broadcast or presence topic name.
func GroupIDFromTopic(topic string) (string, bool) {
	if groupID, ok := strings.CutPrefix(topic, presenceTopicPrefix); ok && groupID != "" {
		return groupID, true
	}
	if groupID, ok := strings.CutPrefix(topic, broadcastTopicPrefix); ok && groupID != "" {
		return groupID, true
	}
	return "", false
}
