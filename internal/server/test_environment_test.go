package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/slotsync/internal/auth"
	"github.com/MarcoPoloResearchLab/slotsync/internal/database"
	"github.com/MarcoPoloResearchLab/slotsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/slotsync/internal/slots"
	"github.com/MarcoPoloResearchLab/slotsync/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const testSigningSecret = "test-signing-secret-0123456789"

type testEnvironment struct {
	handler http.Handler
	issuer  *auth.TokenIssuer
	slots   *slots.Service
	hub     *realtime.Hub
}

func newTestEnvironment(t *testing.T) testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct users service: %v", err)
	}
	hub := realtime.NewHub(realtime.HubConfig{})
	slotsService, err := slots.NewService(slots.ServiceConfig{
		Database:   db,
		IDProvider: slots.NewUUIDProvider(),
		Publisher:  hub,
		Profiles:   userService,
	})
	if err != nil {
		t.Fatalf("failed to construct slots service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    "app_session",
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator:  validator,
		Users:             userService,
		SlotsService:      slotsService,
		Hub:               hub,
		Logger:            zap.NewNop(),
		HeartbeatInterval: time.Second,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return testEnvironment{handler: handler, issuer: issuer, slots: slotsService, hub: hub}
}

func (e testEnvironment) token(t *testing.T, userID, displayName string) string {
	t.Helper()
	token, _, err := e.issuer.IssueSessionToken(context.Background(), auth.Identity{UserID: userID, DisplayName: displayName})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (e testEnvironment) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return value
}

func expectStatus(t *testing.T, recorder *httptest.ResponseRecorder, status int) {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, recorder.Code, recorder.Body.String())
	}
}

// approvedGroup creates a group led by leader and approves each member through the API.
func (e testEnvironment) approvedGroup(t *testing.T, leaderToken string, memberTokens ...string) slots.Group {
	t.Helper()
	created := e.do(t, http.MethodPost, "/groups", leaderToken, gin.H{"name": "Team"})
	expectStatus(t, created, http.StatusCreated)
	group := decodeBody[slots.Group](t, created)

	for _, memberToken := range memberTokens {
		joined := e.do(t, http.MethodPost, "/groups/join", memberToken, gin.H{"invite_code": group.InviteCode})
		expectStatus(t, joined, http.StatusOK)
	}
	members := decodeBody[struct {
		Members []slots.Membership `json:"members"`
	}](t, e.do(t, http.MethodGet, "/groups/"+group.ID+"/members", leaderToken, nil))
	for _, member := range members.Members {
		if member.Status != slots.MembershipPending {
			continue
		}
		approved := e.do(t, http.MethodPost, "/groups/"+group.ID+"/members/"+member.ID+"/approve", leaderToken, nil)
		expectStatus(t, approved, http.StatusOK)
	}
	return group
}
