package syncengine

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/slotsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/slotsync/internal/slots"
	"github.com/MarcoPoloResearchLab/slotsync/internal/users"
)

var (
	errMissingSlotsService = errors.New("syncengine: slots service required")
	errMissingUserService  = errors.New("syncengine: users service required")
	errMissingHub          = errors.New("syncengine: realtime hub required")
	errMissingUserID       = errors.New("syncengine: user id required")
	errChannelClosed       = errors.New("syncengine: channel closed")
)

// LocalBackendConfig wires a LocalBackend.
type LocalBackendConfig struct {
	Slots  *slots.Service
	Users  *users.Service
	Hub    *realtime.Hub
	UserID string
}

// LocalBackend runs the engine in-process against the datastore service and
// the realtime hub, acting as one user.
type LocalBackend struct {
	slots  *slots.Service
	users  *users.Service
	hub    *realtime.Hub
	userID string
}

// NewLocalBackend constructs a LocalBackend.
func NewLocalBackend(cfg LocalBackendConfig) (*LocalBackend, error) {
	if cfg.Slots == nil {
		return nil, errMissingSlotsService
	}
	if cfg.Users == nil {
		return nil, errMissingUserService
	}
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" {
		return nil, errMissingUserID
	}
	return &LocalBackend{slots: cfg.Slots, users: cfg.Users, hub: cfg.Hub, userID: userID}, nil
}

func (b *LocalBackend) UserID() string {
	return b.userID
}

func (b *LocalBackend) Profile(ctx context.Context) (users.Profile, error) {
	return b.users.GetProfile(ctx, b.userID)
}

func (b *LocalBackend) ListStores(ctx context.Context, groupID string) ([]slots.Store, error) {
	return b.slots.ListStores(ctx, b.userID, slots.GroupScope(groupID))
}

func (b *LocalBackend) CreateStore(ctx context.Context, groupID, name string) (slots.Store, error) {
	return b.slots.CreateStore(ctx, b.userID, slots.GroupScope(groupID), name)
}

func (b *LocalBackend) DeleteStore(ctx context.Context, storeID string) error {
	return b.slots.DeleteStore(ctx, b.userID, storeID)
}

func (b *LocalBackend) ListMachines(ctx context.Context, storeID string) ([]slots.Machine, error) {
	return b.slots.ListMachines(ctx, b.userID, storeID)
}

func (b *LocalBackend) AddMachine(ctx context.Context, storeID, number string) (slots.Machine, error) {
	return b.slots.AddMachine(ctx, b.userID, storeID, number)
}

func (b *LocalBackend) UpdateMachine(ctx context.Context, machineID string, patch slots.MachinePatch) (slots.Machine, error) {
	return b.slots.UpdateMachine(ctx, b.userID, machineID, patch)
}

func (b *LocalBackend) DeleteMachine(ctx context.Context, machineID string) error {
	return b.slots.DeleteMachine(ctx, b.userID, machineID)
}

func (b *LocalBackend) ResetStore(ctx context.Context, storeID string) (int64, error) {
	return b.slots.ResetStoreMachines(ctx, b.userID, storeID)
}

func (b *LocalBackend) ReorderMachines(ctx context.Context, storeID string, machineIDs []string) ([]slots.Machine, error) {
	return b.slots.ReorderMachines(ctx, b.userID, storeID, machineIDs)
}

func (b *LocalBackend) JoinGroup(ctx context.Context, inviteCode string) (slots.JoinResult, error) {
	return b.slots.JoinGroupByCode(ctx, b.userID, inviteCode)
}

// SubscribeChanges checks group access, then streams the group's machine events.
func (b *LocalBackend) SubscribeChanges(ctx context.Context, groupID string) (<-chan realtime.ChangeEvent, error) {
	if _, err := b.slots.GetGroup(ctx, b.userID, groupID); err != nil {
		return nil, err
	}
	events, _ := b.hub.SubscribeChanges(ctx, realtime.ChangeFilter{Table: realtime.TableGroupMachines, GroupID: groupID})
	return events, nil
}

func (b *LocalBackend) JoinBroadcast(ctx context.Context, topic string) (BroadcastChannel, error) {
	if err := b.checkTopic(ctx, topic); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	messages, _ := b.hub.SubscribeBroadcast(ctx, topic)
	return &localBroadcast{hub: b.hub, topic: topic, messages: messages, cancel: cancel}, nil
}

func (b *LocalBackend) JoinPresence(ctx context.Context, topic string) (PresenceChannel, error) {
	if err := b.checkTopic(ctx, topic); err != nil {
		return nil, err
	}
	return &localPresence{member: b.hub.JoinPresence(ctx, topic), userID: b.userID}, nil
}

func (b *LocalBackend) checkTopic(ctx context.Context, topic string) error {
	groupID, ok := realtime.GroupIDFromTopic(topic)
	if !ok {
		return slots.ErrValidation
	}
	_, err := b.slots.GetGroup(ctx, b.userID, groupID)
	return err
}

type localBroadcast struct {
	hub      *realtime.Hub
	topic    string
	messages <-chan realtime.BroadcastMessage
	cancel   context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func (c *localBroadcast) Messages() <-chan realtime.BroadcastMessage {
	return c.messages
}

func (c *localBroadcast) Send(_ context.Context, event string, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errChannelClosed
	}
	c.hub.Broadcast(realtime.BroadcastMessage{Topic: c.topic, Event: event, Payload: append([]byte(nil), payload...)})
	return nil
}

func (c *localBroadcast) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	return nil
}

// localPresence stamps the bound user id into tracked entries, as the server does.
type localPresence struct {
	member *realtime.PresenceMember
	userID string
}

func (p *localPresence) Track(_ context.Context, entry realtime.PresenceEntry) error {
	entry.UserID = p.userID
	p.member.Track(entry)
	return nil
}

func (p *localPresence) Untrack(context.Context) error {
	p.member.Untrack()
	return nil
}

func (p *localPresence) Syncs() <-chan []realtime.PresenceEntry {
	return p.member.Syncs()
}

func (p *localPresence) Close() error {
	p.member.Leave()
	return nil
}
