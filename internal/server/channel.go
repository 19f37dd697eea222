package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/slotsync/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	channelWriteTimeout   = 10 * time.Second
	channelOutboundBuffer = 8
)

// handleRealtimeChannel upgrades to a websocket bound to one broadcast or
// presence topic of a group the caller belongs to.
func (h *httpHandler) handleRealtimeChannel(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	topic := strings.TrimSpace(c.Query("topic"))
	groupID, ok := realtime.GroupIDFromTopic(topic)
	if !ok {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_topic"})
		return
	}
	if _, err := h.slots.GetGroup(c.Request.Context(), userID, groupID); err != nil {
		h.respondError(c, err)
		return
	}
	displayName := ""
	if profile, err := h.users.GetProfile(c.Request.Context(), userID); err == nil {
		displayName = profile.DisplayName
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session := &channelSession{
		conn:        conn,
		hub:         h.hub,
		topic:       topic,
		userID:      userID,
		displayName: displayName,
		heartbeat:   h.heartbeat,
		clock:       h.clock,
		logger:      h.logger.With(zap.String("user_id", userID), zap.String("topic", topic)),
		outbound:    make(chan realtime.Frame, channelOutboundBuffer),
	}
	session.run(context.Background())
}

type channelSession struct {
	conn        *websocket.Conn
	hub         *realtime.Hub
	topic       string
	userID      string
	displayName string
	heartbeat   time.Duration
	clock       func() time.Time
	logger      *zap.Logger
	outbound    chan realtime.Frame
}

func (s *channelSession) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer s.conn.Close() //nolint:errcheck

	broadcasts, cleanup := s.hub.SubscribeBroadcast(ctx, s.topic)
	defer cleanup()
	member := s.hub.JoinPresence(ctx, s.topic)
	defer member.Leave()

	s.logger.Debug("realtime channel opened")
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, broadcasts, member.Syncs())
	}()

	s.readLoop(member)
	member.Leave()
	cancel()
	<-writerDone
	s.logger.Debug("realtime channel closed")
}

func (s *channelSession) readLoop(member *realtime.PresenceMember) {
	deadline := 2 * s.heartbeat
	_ = s.conn.SetReadDeadline(time.Now().Add(deadline))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		var frame realtime.Frame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("realtime channel read failed", zap.Error(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(deadline))

		switch frame.Type {
		case realtime.FrameBroadcast:
			if strings.TrimSpace(frame.Event) == "" {
				s.sendError("broadcast event required")
				continue
			}
			s.hub.Broadcast(realtime.BroadcastMessage{Topic: s.topic, Event: frame.Event, Payload: frame.Payload})
		case realtime.FrameTrack:
			var payload realtime.TrackPayload
			if len(frame.Payload) > 0 {
				if err := json.Unmarshal(frame.Payload, &payload); err != nil {
					s.sendError("invalid track payload")
					continue
				}
			}
			member.Track(s.presenceEntry(payload))
		case realtime.FrameUntrack:
			member.Untrack()
		default:
			s.sendError("unknown frame type")
		}
	}
}

// presenceEntry stamps the authenticated user id into a tracked entry.
func (s *channelSession) presenceEntry(payload realtime.TrackPayload) realtime.PresenceEntry {
	displayName := strings.TrimSpace(payload.DisplayName)
	if displayName == "" {
		displayName = s.displayName
	}
	joinedAt := payload.JoinedAt
	if joinedAt <= 0 {
		joinedAt = s.clock().UnixMilli()
	}
	return realtime.PresenceEntry{UserID: s.userID, DisplayName: displayName, JoinedAt: joinedAt}
}

func (s *channelSession) sendError(message string) {
	select {
	case s.outbound <- realtime.Frame{Type: realtime.FrameError, Topic: s.topic, Message: message}:
	default:
	}
}

func (s *channelSession) writeLoop(ctx context.Context, broadcasts <-chan realtime.BroadcastMessage, syncs <-chan []realtime.PresenceEntry) {
	ping := time.NewTicker(s.heartbeat)
	defer ping.Stop()

	if err := s.write(realtime.Frame{Type: realtime.FrameSubscribed, Topic: s.topic}); err != nil {
		_ = s.conn.Close()
		return
	}
	for {
		var frame realtime.Frame
		select {
		case <-ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(channelWriteTimeout))
			return
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(channelWriteTimeout)); err != nil {
				_ = s.conn.Close()
				return
			}
			continue
		case message, ok := <-broadcasts:
			if !ok {
				broadcasts = nil
				continue
			}
			frame = realtime.Frame{Type: realtime.FrameBroadcast, Topic: message.Topic, Event: message.Event, Payload: message.Payload}
		case roster, ok := <-syncs:
			if !ok {
				syncs = nil
				continue
			}
			frame = realtime.Frame{Type: realtime.FramePresenceSync, Topic: s.topic, Roster: roster}
		case frame = <-s.outbound:
		}
		if err := s.write(frame); err != nil {
			s.logger.Debug("realtime channel write failed", zap.Error(err))
			_ = s.conn.Close()
			return
		}
	}
}

func (s *channelSession) write(frame realtime.Frame) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(channelWriteTimeout))
	return s.conn.WriteJSON(frame)
}
