package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/slotsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/slotsync/internal/slots"
	"github.com/gin-gonic/gin"
)

type streamEvent struct {
	name string
	data string
}

func readStreamEvent(t *testing.T, reader *bufio.Reader) streamEvent {
	t.Helper()
	var event streamEvent
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("failed to read stream: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if event.name != "" {
				return event
			}
		case strings.HasPrefix(line, "event: "):
			event.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			event.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestChangeStreamDeliversMachineUpdates(t *testing.T) {
	environment := newTestEnvironment(t)
	server := httptest.NewServer(environment.handler)
	defer server.Close()

	alice := environment.token(t, "alice", "Alice")
	bob := environment.token(t, "bob", "Bob")
	group := environment.approvedGroup(t, alice, bob)
	store := decodeBody[slots.Store](t, environment.do(t, http.MethodPost, "/groups/"+group.ID+"/stores", alice, gin.H{"name": "Akihabara"}))
	machine := decodeBody[slots.Machine](t, environment.do(t, http.MethodPost, "/stores/"+store.ID+"/machines", alice, gin.H{"number": "12"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/groups/"+group.ID+"/changes", http.NoBody)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+bob)
	response, err := server.Client().Do(request)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	if contentType := response.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected content type %q", contentType)
	}

	reader := bufio.NewReader(response.Body)
	ready := readStreamEvent(t, reader)
	if ready.name != realtime.StreamEventReady {
		t.Fatalf("expected ready event first, got %q", ready.name)
	}

	expectStatus(t, environment.do(t, http.MethodPatch, "/machines/"+machine.ID, alice, gin.H{"memo": "hot"}), http.StatusOK)

	var change streamEvent
	for {
		change = readStreamEvent(t, reader)
		if change.name != realtime.StreamEventHeartbeat {
			break
		}
	}
	if change.name != realtime.StreamEventChange {
		t.Fatalf("expected change event, got %q", change.name)
	}
	var event realtime.ChangeEvent
	if err := json.Unmarshal([]byte(change.data), &event); err != nil {
		t.Fatalf("failed to decode change: %v", err)
	}
	if event.Type != realtime.ChangeUpdate || event.RowID != machine.ID || event.StoreID != store.ID || event.GroupID != group.ID {
		t.Fatalf("unexpected change event %#v", event)
	}
}

func TestChangeStreamRejectsOutsidersAndUnknownTables(t *testing.T) {
	environment := newTestEnvironment(t)
	alice := environment.token(t, "alice", "Alice")
	mallory := environment.token(t, "mallory", "Mallory")
	group := environment.approvedGroup(t, alice)

	expectStatus(t, environment.do(t, http.MethodGet, "/groups/"+group.ID+"/changes", mallory, nil), http.StatusForbidden)
	expectStatus(t, environment.do(t, http.MethodGet, "/groups/"+group.ID+"/changes?table=profiles", alice, nil), http.StatusBadRequest)
}
