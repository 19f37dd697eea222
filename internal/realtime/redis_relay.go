package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	relayKindChange    = "change"
	relayKindBroadcast = "broadcast"
	relayQueueSize     = 256
)

var (
	errMissingRedisClient  = errors.New("realtime: redis client required")
	errMissingRelayChannel = errors.New("realtime: relay channel required")
	errMissingRelayHub     = errors.New("realtime: hub required")
)

// RelayEnvelope is the cross-node wire format for relayed traffic.
type RelayEnvelope struct {
	Origin    string            `json:"origin"`
	Kind      string            `json:"kind"`
	Change    *ChangeEvent      `json:"change,omitempty"`
	Broadcast *BroadcastMessage `json:"broadcast,omitempty"`
}

// RedisRelayConfig configures a RedisRelay.
type RedisRelayConfig struct {
	Client  *redis.Client
	Channel string
	Hub     *Hub
	Logger  *zap.Logger
}

// RedisRelay mirrors change events and broadcasts between nodes over a redis
// pub/sub channel. Presence is not relayed.
type RedisRelay struct {
	client   *redis.Client
	channel  string
	hub      *Hub
	logger   *zap.Logger
	originID string
	outbound chan RelayEnvelope
}

// NewRedisRelay constructs a relay and installs it on the hub.
func NewRedisRelay(cfg RedisRelayConfig) (*RedisRelay, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	if strings.TrimSpace(cfg.Channel) == "" {
		return nil, errMissingRelayChannel
	}
	if cfg.Hub == nil {
		return nil, errMissingRelayHub
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	relay := &RedisRelay{
		client:   cfg.Client,
		channel:  cfg.Channel,
		hub:      cfg.Hub,
		logger:   logger,
		originID: uuid.NewString(),
		outbound: make(chan RelayEnvelope, relayQueueSize),
	}
	cfg.Hub.SetRelay(relay)
	return relay, nil
}

// Forward queues envelope for publication. A full queue drops the envelope.
func (r *RedisRelay) Forward(envelope RelayEnvelope) {
	envelope.Origin = r.originID
	select {
	case r.outbound <- envelope:
	default:
		r.logger.Warn("realtime relay queue full, dropping envelope", zap.String("kind", envelope.Kind))
	}
}

// Run publishes queued envelopes and replays envelopes from other nodes until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	subscription := r.client.Subscribe(ctx, r.channel)
	defer subscription.Close() //nolint:errcheck

	if _, err := subscription.Receive(ctx); err != nil {
		return err
	}
	inbound := subscription.Channel()
	r.logger.Info("realtime relay started", zap.String("channel", r.channel), zap.String("origin", r.originID))

	for {
		select {
		case <-ctx.Done():
			return nil
		case envelope := <-r.outbound:
			payload, err := json.Marshal(envelope)
			if err != nil {
				r.logger.Error("realtime relay encode failed", zap.Error(err))
				continue
			}
			if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
				r.logger.Warn("realtime relay publish failed", zap.Error(err))
			}
		case message, ok := <-inbound:
			if !ok {
				return nil
			}
			r.handlePayload(message.Payload)
		}
	}
}

func (r *RedisRelay) handlePayload(payload string) {
	var envelope RelayEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		r.logger.Warn("realtime relay decode failed", zap.Error(err))
		return
	}
	if envelope.Origin == r.originID {
		return
	}
	switch envelope.Kind {
	case relayKindChange:
		if envelope.Change != nil {
			r.hub.DeliverChange(*envelope.Change)
		}
	case relayKindBroadcast:
		if envelope.Broadcast != nil {
			r.hub.DeliverBroadcast(*envelope.Broadcast)
		}
	default:
		r.logger.Debug("realtime relay ignored envelope", zap.String("kind", envelope.Kind))
	}
}
