package apiclient

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/slotsync/internal/auth"
	"github.com/MarcoPoloResearchLab/slotsync/internal/database"
	"github.com/MarcoPoloResearchLab/slotsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/slotsync/internal/server"
	"github.com/MarcoPoloResearchLab/slotsync/internal/slots"
	"github.com/MarcoPoloResearchLab/slotsync/internal/syncengine"
	"github.com/MarcoPoloResearchLab/slotsync/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "apiclient-signing-secret-0123456789"
	waitTimeout       = 5 * time.Second
	waitTick          = 10 * time.Millisecond
)

type liveServer struct {
	url    string
	issuer *auth.TokenIssuer
}

func newLiveServer(t *testing.T) liveServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "apiclient.db"), zap.NewNop())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	require.NoError(t, err)
	hub := realtime.NewHub(realtime.HubConfig{})
	slotsService, err := slots.NewService(slots.ServiceConfig{
		Database:   db,
		IDProvider: slots.NewUUIDProvider(),
		Publisher:  hub,
		Profiles:   userService,
	})
	require.NoError(t, err)
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(testSigningSecret), CookieName: "app_session"})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret), TokenTTL: time.Hour})
	require.NoError(t, err)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator:  validator,
		Users:             userService,
		SlotsService:      slotsService,
		Hub:               hub,
		HeartbeatInterval: time.Second,
	})
	require.NoError(t, err)
	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)
	return liveServer{url: httpServer.URL, issuer: issuer}
}

func (s liveServer) connect(t *testing.T, userID, displayName string) *Client {
	t.Helper()
	token, _, err := s.issuer.IssueSessionToken(context.Background(), auth.Identity{UserID: userID, DisplayName: displayName})
	require.NoError(t, err)
	client, err := Connect(context.Background(), Config{BaseURL: s.url, Token: token})
	require.NoError(t, err)
	return client
}

// sharedGroup returns a group led by leader with every member approved.
func sharedGroup(t *testing.T, leader *Client, members ...*Client) slots.Group {
	t.Helper()
	ctx := context.Background()
	group, err := leader.CreateGroup(ctx, "Team")
	require.NoError(t, err)
	for _, member := range members {
		result, err := member.JoinGroup(ctx, group.InviteCode)
		require.NoError(t, err)
		require.True(t, result.Success, result.Error)
	}
	memberships, err := leader.ListMembers(ctx, group.ID)
	require.NoError(t, err)
	for _, membership := range memberships {
		if membership.Status == slots.MembershipPending {
			_, err := leader.ApproveMember(ctx, group.ID, membership.ID)
			require.NoError(t, err)
		}
	}
	return group
}

func TestConnectResolvesCanonicalUser(t *testing.T) {
	live := newLiveServer(t)
	client := live.connect(t, "alice", "Alice")
	require.Equal(t, "alice", client.UserID())

	profile, err := client.UpdateDisplayName(context.Background(), "Alice A.")
	require.NoError(t, err)
	require.Equal(t, "Alice A.", profile.DisplayName)

	_, err = Connect(context.Background(), Config{BaseURL: live.url, Token: "not-a-token"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 401, apiErr.StatusCode)
	require.Equal(t, "unauthorized", apiErr.Reason)
}

func TestAPIErrorsUnwrapToDatastoreSentinels(t *testing.T) {
	live := newLiveServer(t)
	alice := live.connect(t, "alice", "Alice")
	carol := live.connect(t, "carol", "Carol")
	ctx := context.Background()
	group := sharedGroup(t, alice)

	_, err := carol.ListStores(ctx, group.ID)
	require.ErrorIs(t, err, slots.ErrForbidden)

	_, err = alice.CreateStore(ctx, group.ID, "Shinjuku")
	require.NoError(t, err)
	_, err = alice.CreateStore(ctx, group.ID, "Shinjuku")
	require.ErrorIs(t, err, slots.ErrDuplicateStoreName)

	_, err = alice.UpdateMachine(ctx, "missing", slots.MachinePatch{})
	require.ErrorIs(t, err, slots.ErrValidation)

	_, err = carol.SubscribeChanges(ctx, group.ID)
	require.ErrorIs(t, err, slots.ErrForbidden)
	_, err = carol.JoinBroadcast(ctx, realtime.BroadcastTopic(group.ID))
	require.ErrorIs(t, err, slots.ErrForbidden)
}

func TestChangeStreamDeliversMachineEvents(t *testing.T) {
	live := newLiveServer(t)
	alice := live.connect(t, "alice", "Alice")
	group := sharedGroup(t, alice)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := alice.CreateStore(ctx, group.ID, "Shinjuku")
	require.NoError(t, err)
	events, err := alice.SubscribeChanges(ctx, group.ID)
	require.NoError(t, err)

	machine, err := alice.AddMachine(ctx, store.ID, "101")
	require.NoError(t, err)

	select {
	case event := <-events:
		require.Equal(t, realtime.TableGroupMachines, event.Table)
		require.Equal(t, realtime.ChangeInsert, event.Type)
		require.Equal(t, machine.ID, event.RowID)
		require.Equal(t, store.ID, event.StoreID)
	case <-time.After(waitTimeout):
		t.Fatal("no change event received")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, waitTimeout, waitTick)
}

func TestGroupViewsSyncOverTheWire(t *testing.T) {
	live := newLiveServer(t)
	alice := live.connect(t, "alice", "Alice")
	bob := live.connect(t, "bob", "Bob")
	group := sharedGroup(t, alice, bob)
	ctx := context.Background()

	_, err := alice.CreateStore(ctx, group.ID, "Shinjuku")
	require.NoError(t, err)

	open := func(client *Client) *syncengine.GroupView {
		view, err := syncengine.OpenGroupView(ctx, syncengine.GroupViewConfig{
			Backend:        client,
			GroupID:        group.ID,
			DebounceWindow: 10 * time.Millisecond,
		})
		require.NoError(t, err)
		t.Cleanup(view.Close)
		require.NoError(t, view.Err())
		return view
	}
	aliceView := open(alice)
	bobView := open(bob)

	require.Eventually(t, func() bool {
		return len(aliceView.Online()) == 2 && len(bobView.Online()) == 2
	}, waitTimeout, waitTick)

	machineID, err := aliceView.AddMachine(ctx, "101")
	require.NoError(t, err)
	require.NoError(t, aliceView.SetStatus(ctx, machineID, "present"))

	require.Eventually(t, func() bool {
		for _, machine := range bobView.Machines() {
			if machine.ID == machineID && machine.Status == slots.StatusPresent {
				highlight, ok := bobView.Highlight(machineID)
				return ok && highlight.ChangerName == "Alice"
			}
		}
		return false
	}, waitTimeout, waitTick)
	require.Empty(t, aliceView.Highlights())

	bobView.Close()
	require.Eventually(t, func() bool {
		online := aliceView.Online()
		return len(online) == 1 && online[0].UserID == "alice"
	}, waitTimeout, waitTick)
}
