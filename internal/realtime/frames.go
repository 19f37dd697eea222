package realtime

import "encoding/json"

// Websocket frame types exchanged on /realtime.
const (
	FrameBroadcast    = "broadcast"
	FrameTrack        = "track"
	FrameUntrack      = "untrack"
	FrameSubscribed   = "subscribed"
	FramePresenceSync = "presence_sync"
	FrameError        = "error"
)

// Frame is one JSON websocket message. Client frames: broadcast, track, untrack.
// Server frames: subscribed, broadcast, presence_sync, error.
type Frame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Roster  []PresenceEntry `json:"roster,omitempty"`
	Message string          `json:"message,omitempty"`
}

// TrackPayload is the payload of a track frame. The server fills in the user id.
type TrackPayload struct {
	DisplayName string `json:"display_name"`
	JoinedAt    int64  `json:"joined_at,omitempty"`
}

// SSE event names on the change stream.
const (
	StreamEventReady     = "ready"
	StreamEventChange    = "change"
	StreamEventHeartbeat = "heartbeat"
)
