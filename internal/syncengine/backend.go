// Package syncengine keeps a client's view of one group's machines in step with
// the authoritative datastore and with every other client viewing the group.
package syncengine

import (
	"context"

	"github.com/MarcoPoloResearchLab/slotsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/slotsync/internal/slots"
	"github.com/MarcoPoloResearchLab/slotsync/internal/users"
)

// Datastore is the query interface and remote procedures of the authoritative
// store, bound to one acting user.
type Datastore interface {
	UserID() string
	Profile(ctx context.Context) (users.Profile, error)
	ListStores(ctx context.Context, groupID string) ([]slots.Store, error)
	CreateStore(ctx context.Context, groupID, name string) (slots.Store, error)
	DeleteStore(ctx context.Context, storeID string) error
	ListMachines(ctx context.Context, storeID string) ([]slots.Machine, error)
	AddMachine(ctx context.Context, storeID, number string) (slots.Machine, error)
	UpdateMachine(ctx context.Context, machineID string, patch slots.MachinePatch) (slots.Machine, error)
	DeleteMachine(ctx context.Context, machineID string) error
	ResetStore(ctx context.Context, storeID string) (int64, error)
	ReorderMachines(ctx context.Context, storeID string, machineIDs []string) ([]slots.Machine, error)
	JoinGroup(ctx context.Context, inviteCode string) (slots.JoinResult, error)
}

// ChangeFeed streams row change events of a group's machines. The stream ends
// when ctx ends; the channel is closed when the subscription is gone.
type ChangeFeed interface {
	SubscribeChanges(ctx context.Context, groupID string) (<-chan realtime.ChangeEvent, error)
}

// BroadcastChannel is a joined broadcast topic. Messages includes the
// subscriber's own sends.
type BroadcastChannel interface {
	Messages() <-chan realtime.BroadcastMessage
	Send(ctx context.Context, event string, payload []byte) error
	Close() error
}

// PresenceChannel is a joined presence topic.
type PresenceChannel interface {
	Track(ctx context.Context, entry realtime.PresenceEntry) error
	Untrack(ctx context.Context) error
	Syncs() <-chan []realtime.PresenceEntry
	Close() error
}

// Channels opens broadcast and presence topics.
type Channels interface {
	JoinBroadcast(ctx context.Context, topic string) (BroadcastChannel, error)
	JoinPresence(ctx context.Context, topic string) (PresenceChannel, error)
}

// Backend is everything the engine needs from the outside world.
type Backend interface {
	Datastore
	ChangeFeed
	Channels
}
