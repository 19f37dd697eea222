package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/slotsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/slotsync/internal/syncengine"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	channelWriteTimeout = 10 * time.Second
	channelBuffer       = 32
)

var (
	errChannelClosed     = errors.New("apiclient: channel closed")
	errUnexpectedHandoff = errors.New("apiclient: expected subscribed frame")
)

var _ syncengine.Backend = (*Client)(nil)

func (c *Client) JoinBroadcast(ctx context.Context, topic string) (syncengine.BroadcastChannel, error) {
	ch, err := c.joinChannel(ctx, topic)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *Client) JoinPresence(ctx context.Context, topic string) (syncengine.PresenceChannel, error) {
	ch, err := c.joinChannel(ctx, topic)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *Client) channelURL(topic string) string {
	target := *c.baseURL
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	target.Path = strings.TrimRight(target.Path, "/") + "/realtime"
	target.RawQuery = url.Values{"topic": {topic}}.Encode()
	return target.String()
}

// joinChannel dials the realtime endpoint and waits for the server to confirm
// the topic before returning.
func (c *Client) joinChannel(ctx context.Context, topic string) (*channel, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, response, err := c.dialer.DialContext(ctx, c.channelURL(topic), header)
	if err != nil {
		if response != nil {
			defer response.Body.Close()
			return nil, decodeAPIError(response)
		}
		return nil, fmt.Errorf("apiclient: dial realtime: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	var first realtime.Frame
	if err := conn.ReadJSON(&first); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apiclient: read subscribed frame: %w", err)
	}
	if first.Type != realtime.FrameSubscribed {
		_ = conn.Close()
		return nil, errUnexpectedHandoff
	}
	_ = conn.SetReadDeadline(time.Time{})

	ch := &channel{
		conn:     conn,
		topic:    topic,
		logger:   c.logger.With(zap.String("topic", topic)),
		messages: make(chan realtime.BroadcastMessage, channelBuffer),
		syncs:    make(chan []realtime.PresenceEntry, 1),
		done:     make(chan struct{}),
	}
	go ch.readLoop()
	return ch, nil
}

// channel is one websocket bound to a topic. It serves as both a broadcast and
// a presence channel; the unused half is simply never read.
type channel struct {
	conn   *websocket.Conn
	topic  string
	logger *zap.Logger

	writeMu sync.Mutex

	messages chan realtime.BroadcastMessage
	syncs    chan []realtime.PresenceEntry
	done     chan struct{}

	closeOnce sync.Once
	closedMu  sync.Mutex
	closed    bool
}

func (ch *channel) readLoop() {
	defer close(ch.done)
	defer close(ch.messages)
	defer close(ch.syncs)
	for {
		var frame realtime.Frame
		if err := ch.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !ch.isClosed() {
				ch.logger.Warn("realtime channel dropped", zap.Error(err))
			}
			return
		}
		switch frame.Type {
		case realtime.FrameBroadcast:
			message := realtime.BroadcastMessage{Topic: frame.Topic, Event: frame.Event, Payload: frame.Payload}
			select {
			case ch.messages <- message:
			default:
				ch.logger.Debug("dropped broadcast for slow consumer", zap.String("event", frame.Event))
			}
		case realtime.FramePresenceSync:
			ch.publishRoster(frame.Roster)
		case realtime.FrameError:
			ch.logger.Warn("realtime channel error", zap.String("message", frame.Message))
		}
	}
}

// publishRoster keeps only the latest roster queued.
func (ch *channel) publishRoster(roster []realtime.PresenceEntry) {
	select {
	case <-ch.syncs:
	default:
	}
	select {
	case ch.syncs <- roster:
	default:
	}
}

func (ch *channel) isClosed() bool {
	ch.closedMu.Lock()
	defer ch.closedMu.Unlock()
	return ch.closed
}

func (ch *channel) write(ctx context.Context, frame realtime.Frame) error {
	if ch.isClosed() {
		return errChannelClosed
	}
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	deadline := time.Now().Add(channelWriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = ch.conn.SetWriteDeadline(deadline)
	return ch.conn.WriteJSON(frame)
}

func (ch *channel) Messages() <-chan realtime.BroadcastMessage {
	return ch.messages
}

func (ch *channel) Send(ctx context.Context, event string, payload []byte) error {
	return ch.write(ctx, realtime.Frame{Type: realtime.FrameBroadcast, Topic: ch.topic, Event: event, Payload: json.RawMessage(payload)})
}

// Track publishes entry on the presence topic. The server fills in the user id.
func (ch *channel) Track(ctx context.Context, entry realtime.PresenceEntry) error {
	payload, err := json.Marshal(realtime.TrackPayload{DisplayName: entry.DisplayName, JoinedAt: entry.JoinedAt})
	if err != nil {
		return err
	}
	return ch.write(ctx, realtime.Frame{Type: realtime.FrameTrack, Topic: ch.topic, Payload: payload})
}

func (ch *channel) Untrack(ctx context.Context) error {
	return ch.write(ctx, realtime.Frame{Type: realtime.FrameUntrack, Topic: ch.topic})
}

func (ch *channel) Syncs() <-chan []realtime.PresenceEntry {
	return ch.syncs
}

// Close sends a close frame, drops the connection and waits for the reader.
func (ch *channel) Close() error {
	var err error
	ch.closeOnce.Do(func() {
		ch.writeMu.Lock()
		_ = ch.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(channelWriteTimeout))
		ch.writeMu.Unlock()
		ch.closedMu.Lock()
		ch.closed = true
		ch.closedMu.Unlock()
		err = ch.conn.Close()
		<-ch.done
	})
	return err
}
