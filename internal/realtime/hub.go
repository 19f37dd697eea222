package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Relay forwards locally published traffic to other nodes.
type Relay interface {
	Forward(envelope RelayEnvelope)
}

// HubConfig configures a Hub.
type HubConfig struct {
	BufferSize int
	Logger     *zap.Logger
}

// Hub is the in-process realtime collaborator: a row change feed, broadcast
// topics and presence topics.
type Hub struct {
	changes    *dispatcher[ChangeEvent]
	broadcasts *dispatcher[BroadcastMessage]
	presence   *presenceRegistry
	logger     *zap.Logger

	relayMu sync.RWMutex
	relay   Relay
}

// NewHub constructs an empty hub.
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		changes:    newDispatcher[ChangeEvent](cfg.BufferSize),
		broadcasts: newDispatcher[BroadcastMessage](cfg.BufferSize),
		presence:   newPresenceRegistry(),
		logger:     logger,
	}
}

// SetRelay installs a relay that receives every locally published change and broadcast.
func (h *Hub) SetRelay(relay Relay) {
	h.relayMu.Lock()
	defer h.relayMu.Unlock()
	h.relay = relay
}

// SubscribeChanges streams change events matching filter until ctx ends or cleanup runs.
func (h *Hub) SubscribeChanges(ctx context.Context, filter ChangeFilter) (<-chan ChangeEvent, func()) {
	return h.changes.subscribe(ctx, filter.key())
}

// PublishChange delivers event to local subscribers and forwards it to the relay.
func (h *Hub) PublishChange(event ChangeEvent) {
	if h.DeliverChange(event) < 0 {
		return
	}
	h.forward(RelayEnvelope{Kind: relayKindChange, Change: &event})
}

// DeliverChange delivers event to local subscribers only. It returns the number
// of subscribers reached, or -1 when the event is not routable.
func (h *Hub) DeliverChange(event ChangeEvent) int {
	key := changeKey(event)
	if key == "" || event.Type == "" {
		return -1
	}
	delivered := h.changes.publish(key, event)
	h.logger.Debug("change event delivered",
		zap.String("table", event.Table),
		zap.String("group_id", event.GroupID),
		zap.String("type", string(event.Type)),
		zap.Int("subscribers", delivered))
	return delivered
}

// SubscribeBroadcast streams messages sent to topic until ctx ends or cleanup runs.
func (h *Hub) SubscribeBroadcast(ctx context.Context, topic string) (<-chan BroadcastMessage, func()) {
	return h.broadcasts.subscribe(ctx, topic)
}

// Broadcast sends message to every subscriber of its topic, including the sender.
func (h *Hub) Broadcast(message BroadcastMessage) {
	if h.DeliverBroadcast(message) < 0 {
		return
	}
	h.forward(RelayEnvelope{Kind: relayKindBroadcast, Broadcast: &message})
}

// DeliverBroadcast delivers message to local subscribers only.
func (h *Hub) DeliverBroadcast(message BroadcastMessage) int {
	if message.Topic == "" || message.Event == "" {
		return -1
	}
	return h.broadcasts.publish(message.Topic, message)
}

// JoinPresence subscribes to a presence topic. The member leaves when ctx ends.
func (h *Hub) JoinPresence(ctx context.Context, topic string) *PresenceMember {
	return h.presence.join(ctx, topic)
}

// Roster returns the current roster of a presence topic.
func (h *Hub) Roster(topic string) []PresenceEntry {
	return h.presence.roster(topic)
}

func (h *Hub) forward(envelope RelayEnvelope) {
	h.relayMu.RLock()
	relay := h.relay
	h.relayMu.RUnlock()
	if relay != nil {
		relay.Forward(envelope)
	}
}
