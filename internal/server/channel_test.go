package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/slotsync/internal/realtime"
	"github.com/gorilla/websocket"
)

func dialChannel(t *testing.T, server *httptest.Server, topic, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	query := url.Values{"topic": {topic}, "access_token": {token}}
	endpoint := "ws" + strings.TrimPrefix(server.URL, "http") + "/realtime?" + query.Encode()
	return websocket.DefaultDialer.Dial(endpoint, nil)
}

func openChannel(t *testing.T, server *httptest.Server, topic, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := dialChannel(t, server, topic, token)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", topic, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	frame := readFrame(t, conn)
	if frame.Type != realtime.FrameSubscribed || frame.Topic != topic {
		t.Fatalf("expected subscribed frame, got %#v", frame)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) realtime.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame realtime.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	return frame
}

// readFrameOfType skips frames until one of the requested type arrives.
func readFrameOfType(t *testing.T, conn *websocket.Conn, frameType string, accept func(realtime.Frame) bool) realtime.Frame {
	t.Helper()
	for {
		frame := readFrame(t, conn)
		if frame.Type == frameType && (accept == nil || accept(frame)) {
			return frame
		}
	}
}

func TestRealtimeChannelPresenceRoster(t *testing.T) {
	environment := newTestEnvironment(t)
	server := httptest.NewServer(environment.handler)
	defer server.Close()

	alice := environment.token(t, "alice", "Alice")
	bob := environment.token(t, "bob", "Bob")
	group := environment.approvedGroup(t, alice, bob)
	topic := realtime.PresenceTopic(group.ID)

	aliceConn := openChannel(t, server, topic, alice)
	bobConn := openChannel(t, server, topic, bob)

	payload, _ := json.Marshal(realtime.TrackPayload{DisplayName: "Alice", JoinedAt: 100})
	if err := aliceConn.WriteJSON(realtime.Frame{Type: realtime.FrameTrack, Payload: payload}); err != nil {
		t.Fatalf("failed to track: %v", err)
	}
	if err := bobConn.WriteJSON(realtime.Frame{Type: realtime.FrameTrack}); err != nil {
		t.Fatalf("failed to track: %v", err)
	}

	hasBoth := func(frame realtime.Frame) bool { return len(frame.Roster) == 2 }
	roster := readFrameOfType(t, aliceConn, realtime.FramePresenceSync, hasBoth).Roster
	if roster[0].UserID != "alice" || roster[0].DisplayName != "Alice" || roster[0].JoinedAt != 100 {
		t.Fatalf("unexpected first roster entry %#v", roster[0])
	}
	if roster[1].UserID != "bob" || roster[1].DisplayName != "Bob" || roster[1].JoinedAt <= 100 {
		t.Fatalf("expected server-stamped bob entry, got %#v", roster[1])
	}

	if err := bobConn.Close(); err != nil {
		t.Fatalf("failed to close bob: %v", err)
	}
	aliceOnly := func(frame realtime.Frame) bool {
		return len(frame.Roster) == 1 && frame.Roster[0].UserID == "alice"
	}
	readFrameOfType(t, aliceConn, realtime.FramePresenceSync, aliceOnly)

	if err := aliceConn.WriteJSON(realtime.Frame{Type: realtime.FrameUntrack}); err != nil {
		t.Fatalf("failed to untrack: %v", err)
	}
	readFrameOfType(t, aliceConn, realtime.FramePresenceSync, func(frame realtime.Frame) bool { return len(frame.Roster) == 0 })
}

func TestRealtimeChannelBroadcastReachesEverySubscriber(t *testing.T) {
	environment := newTestEnvironment(t)
	server := httptest.NewServer(environment.handler)
	defer server.Close()

	alice := environment.token(t, "alice", "Alice")
	bob := environment.token(t, "bob", "Bob")
	group := environment.approvedGroup(t, alice, bob)
	topic := realtime.BroadcastTopic(group.ID)

	aliceConn := openChannel(t, server, topic, alice)
	bobConn := openChannel(t, server, topic, bob)

	payload := json.RawMessage(`{"store_id":"s1","machine_id":"m1"}`)
	if err := aliceConn.WriteJSON(realtime.Frame{Type: realtime.FrameBroadcast, Event: realtime.EventMachinesChanged, Payload: payload}); err != nil {
		t.Fatalf("failed to broadcast: %v", err)
	}

	for _, conn := range []*websocket.Conn{bobConn, aliceConn} {
		frame := readFrameOfType(t, conn, realtime.FrameBroadcast, nil)
		if frame.Event != realtime.EventMachinesChanged || frame.Topic != topic {
			t.Fatalf("unexpected broadcast frame %#v", frame)
		}
		if string(frame.Payload) != string(payload) {
			t.Fatalf("unexpected payload %s", frame.Payload)
		}
	}

	if err := bobConn.WriteJSON(realtime.Frame{Type: realtime.FrameBroadcast}); err != nil {
		t.Fatalf("failed to send invalid broadcast: %v", err)
	}
	errorFrame := readFrameOfType(t, bobConn, realtime.FrameError, nil)
	if errorFrame.Message == "" {
		t.Fatalf("expected error message, got %#v", errorFrame)
	}
}

func TestRealtimeChannelRejectsOutsidersAndBadTopics(t *testing.T) {
	environment := newTestEnvironment(t)
	server := httptest.NewServer(environment.handler)
	defer server.Close()

	alice := environment.token(t, "alice", "Alice")
	mallory := environment.token(t, "mallory", "Mallory")
	group := environment.approvedGroup(t, alice)

	_, response, err := dialChannel(t, server, realtime.BroadcastTopic(group.ID), mallory)
	if err == nil {
		t.Fatalf("expected outsider dial to fail")
	}
	if response == nil || response.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for outsider, got %#v", response)
	}

	_, response, err = dialChannel(t, server, "lobby", alice)
	if err == nil {
		t.Fatalf("expected bad topic dial to fail")
	}
	if response == nil || response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad topic, got %#v", response)
	}
}
