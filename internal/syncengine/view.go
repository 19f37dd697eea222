package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/slotsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/slotsync/internal/slots"
	"github.com/MarcoPoloResearchLab/slotsync/internal/users"
	"go.uber.org/zap"
)

var errMissingBackend = errors.New("syncengine: backend required")

// GroupViewConfig configures a GroupView.
type GroupViewConfig struct {
	Backend        Backend
	GroupID        string
	Clock          Clock
	Logger         *zap.Logger
	DebounceWindow time.Duration
	HighlightTTL   time.Duration
}

// GroupView is one client's live view of a group: its stores, the machines of
// the selected store, the online roster and the highlights raised by other
// members. Every mutation is one authoritative write followed by a broadcast
// to the other clients; refetches triggered by the change feed and by
// broadcasts go through one debouncing reconciler.
type GroupView struct {
	backend Backend
	groupID string
	userID  string
	clock   Clock
	logger  *zap.Logger

	reconciler *Reconciler
	highlights *HighlightTracker
	errs       errorSlot
	updates    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// selection serializes store switches so the old change-feed
	// subscription is gone before the new one starts.
	selection sync.Mutex

	mu        sync.Mutex
	profile   *users.Profile
	stores    []slots.Store
	selected  *slots.Store
	machines  []slots.Machine
	feed      *changeListener
	broadcast BroadcastChannel
	presence  *PresenceTracker
	closed    bool
}

// OpenGroupView loads the caller's profile and the group's stores, joins the
// broadcast and presence topics and selects the first store. Subscription
// failures are logged and recorded in the error slot; the view still works
// without live updates.
func OpenGroupView(ctx context.Context, cfg GroupViewConfig) (*GroupView, error) {
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	groupID := strings.TrimSpace(cfg.GroupID)
	if groupID == "" {
		return nil, validationError(opLoadStores, "group id is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	viewCtx, cancel := context.WithCancel(context.Background())
	view := &GroupView{
		backend: cfg.Backend,
		groupID: groupID,
		userID:  cfg.Backend.UserID(),
		clock:   clock,
		logger:  logger.With(zap.String("group_id", groupID)),
		updates: make(chan struct{}, 1),
		ctx:     viewCtx,
		cancel:  cancel,
	}
	view.reconciler = NewReconciler(clock, cfg.DebounceWindow, view.refetch)
	view.highlights = NewHighlightTracker(clock, cfg.HighlightTTL, view.notify)

	if profile, err := cfg.Backend.Profile(ctx); err != nil {
		view.record(fetchError(opLoadProfile, "failed to load profile", err))
	} else {
		view.profile = &profile
	}

	view.joinBroadcast()
	view.joinPresence()

	stores, err := cfg.Backend.ListStores(ctx, groupID)
	if err != nil {
		view.Close()
		return nil, fetchError(opLoadStores, "failed to load stores", err)
	}
	view.mu.Lock()
	view.stores = stores
	view.mu.Unlock()
	if len(stores) > 0 {
		view.switchStore(ctx, &stores[0])
	}
	return view, nil
}

// Topic subscriptions live as long as the view, not the caller's context.
func (v *GroupView) joinBroadcast() {
	channel, err := v.backend.JoinBroadcast(v.ctx, realtime.BroadcastTopic(v.groupID))
	if err != nil {
		v.record(subscriptionError(opJoinBroadcast, err))
		return
	}
	v.mu.Lock()
	v.broadcast = channel
	v.mu.Unlock()
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		for message := range channel.Messages() {
			v.handleBroadcast(message)
		}
	}()
}

func (v *GroupView) joinPresence() {
	if v.profile == nil || v.userID == "" {
		return
	}
	self := realtime.PresenceEntry{
		UserID:      v.userID,
		DisplayName: v.profile.DisplayName,
		JoinedAt:    v.clock.Now().UnixMilli(),
	}
	tracker, err := StartPresence(v.ctx, v.backend, v.groupID, self, v.logger, v.notify)
	if err != nil {
		v.record(err)
		return
	}
	v.mu.Lock()
	v.presence = tracker
	v.mu.Unlock()
}

// record logs a failure and stores it in the error slot.
func (v *GroupView) record(err error) error {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		switch engineErr.Kind {
		case KindValidation:
			v.logger.Debug("group view rejected input", zap.String("operation", engineErr.Op), zap.String("message", engineErr.Message))
		case KindSubscription:
			v.logger.Warn("group view subscription failed", zap.String("operation", engineErr.Op), zap.Error(engineErr.Err))
		default:
			v.logger.Error("group view operation failed", zap.String("operation", engineErr.Op), zap.Error(engineErr.Err))
		}
	}
	v.errs.set(err)
	v.notify()
	return err
}

func (v *GroupView) notify() {
	select {
	case v.updates <- struct{}{}:
	default:
	}
}

// Updates signals after state changes. Signals coalesce; read the accessors
// for the current state.
func (v *GroupView) Updates() <-chan struct{} {
	return v.updates
}

// Err returns the most recent failure, or nil.
func (v *GroupView) Err() error {
	return v.errs.get()
}

// GroupID returns the viewed group.
func (v *GroupView) GroupID() string {
	return v.groupID
}

// UserID returns the acting user.
func (v *GroupView) UserID() string {
	return v.userID
}

// Stores returns the group's stores in position order.
func (v *GroupView) Stores() []slots.Store {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]slots.Store(nil), v.stores...)
}

// SelectedStore returns the store whose machines are shown.
func (v *GroupView) SelectedStore() (slots.Store, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.selected == nil {
		return slots.Store{}, false
	}
	return *v.selected, true
}

// Machines returns the machines of the selected store in position order.
func (v *GroupView) Machines() []slots.Machine {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]slots.Machine(nil), v.machines...)
}

// Highlight returns the live highlight of a machine.
func (v *GroupView) Highlight(machineID string) (Highlight, bool) {
	return v.highlights.Get(machineID)
}

// Highlights returns every live highlight keyed by machine id.
func (v *GroupView) Highlights() map[string]Highlight {
	return v.highlights.Snapshot()
}

// Online returns the members currently viewing the group.
func (v *GroupView) Online() []realtime.PresenceEntry {
	v.mu.Lock()
	tracker := v.presence
	v.mu.Unlock()
	if tracker == nil {
		return nil
	}
	return tracker.Online()
}

// SelectStore switches the view to storeID.
func (v *GroupView) SelectStore(ctx context.Context, storeID string) error {
	v.errs.clear()
	v.mu.Lock()
	store, ok := v.findStoreLocked(storeID)
	v.mu.Unlock()
	if !ok {
		return v.record(validationError(opSelectStore, "unknown store"))
	}
	v.switchStore(ctx, &store)
	return nil
}

// RefreshStores reloads the store list, keeping the selection when it still exists.
func (v *GroupView) RefreshStores(ctx context.Context) error {
	v.errs.clear()
	stores, err := v.backend.ListStores(ctx, v.groupID)
	if err != nil {
		return v.record(fetchError(opLoadStores, "failed to load stores", err))
	}
	v.mu.Lock()
	v.stores = stores
	var next *slots.Store
	if v.selected != nil {
		if store, ok := v.findStoreLocked(v.selected.ID); ok {
			next = &store
		}
	}
	if next == nil && len(stores) > 0 {
		next = &stores[0]
	}
	unchanged := next != nil && v.selected != nil && next.ID == v.selected.ID
	v.mu.Unlock()
	if !unchanged {
		v.switchStore(ctx, next)
	}
	v.notify()
	return nil
}

func (v *GroupView) findStoreLocked(storeID string) (slots.Store, bool) {
	for _, store := range v.stores {
		if store.ID == storeID {
			return store, true
		}
	}
	return slots.Store{}, false
}

// switchStore tears down the change-feed subscription of the previous store,
// subscribes for the new one and loads its machines. A nil store clears the view.
func (v *GroupView) switchStore(ctx context.Context, store *slots.Store) {
	v.selection.Lock()
	defer v.selection.Unlock()

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	previous := v.feed
	v.feed = nil
	if store == nil {
		v.selected = nil
	} else {
		selected := *store
		v.selected = &selected
	}
	v.machines = nil
	v.mu.Unlock()

	previous.stop()
	v.notify()
	if store == nil {
		return
	}

	storeID := store.ID
	listener, err := startChangeListener(v.ctx, v.backend, v.groupID, func(realtime.ChangeEvent) {
		v.reconciler.Request(storeID)
	})
	if err != nil {
		v.record(subscriptionError(opSubscribeFeed, err))
	} else {
		v.mu.Lock()
		if v.closed || v.selected == nil || v.selected.ID != storeID {
			v.mu.Unlock()
			listener.stop()
		} else {
			v.feed = listener
			v.mu.Unlock()
		}
	}
	v.load(ctx, storeID)
}

// refetch is the reconciler's fetch. It replaces the whole list.
func (v *GroupView) refetch(storeID string) {
	v.load(v.ctx, storeID)
}

func (v *GroupView) load(ctx context.Context, storeID string) {
	machines, err := v.backend.ListMachines(ctx, storeID)
	v.mu.Lock()
	if v.closed || v.selected == nil || v.selected.ID != storeID {
		v.mu.Unlock()
		v.logger.Debug("discarded machines of unselected store", zap.String("store_id", storeID))
		return
	}
	if err != nil {
		v.mu.Unlock()
		v.record(fetchError(opLoadMachines, "failed to load machines", err))
		return
	}
	v.machines = machines
	v.mu.Unlock()
	v.notify()
}

func (v *GroupView) handleBroadcast(message realtime.BroadcastMessage) {
	if message.Event != realtime.EventMachinesChanged {
		return
	}
	var envelope ChangeEnvelope
	if len(message.Payload) > 0 {
		if err := json.Unmarshal(message.Payload, &envelope); err != nil {
			v.logger.Debug("ignored malformed change envelope", zap.String("operation", opDecodeBroadcast), zap.Error(err))
			return
		}
	}
	v.mu.Lock()
	selectedID := ""
	if v.selected != nil {
		selectedID = v.selected.ID
	}
	v.mu.Unlock()

	action := classifyBroadcast(envelope, v.userID, selectedID)
	if action.refetch {
		v.reconciler.Request(selectedID)
	}
	if action.highlight {
		v.highlights.Raise(envelope.MachineID, envelope.ChangerName, envelope.ChangeType)
	}
}

// notifyPeers sends one machines_changed envelope. It is skipped while the
// profile or the selected store is unknown; failures are only logged.
func (v *GroupView) notifyPeers(ctx context.Context, machineID string, kind ChangeKind) {
	v.mu.Lock()
	profile := v.profile
	selected := v.selected
	channel := v.broadcast
	v.mu.Unlock()
	if profile == nil || selected == nil || channel == nil {
		v.logger.Debug("change broadcast skipped", zap.String("change_type", string(kind)))
		return
	}
	payload, err := json.Marshal(ChangeEnvelope{
		MachineID:     machineID,
		ChangeType:    kind,
		ChangerUserID: v.userID,
		ChangerName:   profile.DisplayName,
		StoreID:       selected.ID,
	})
	if err != nil {
		v.logger.Warn("change broadcast encoding failed", zap.Error(err))
		return
	}
	if err := channel.Send(ctx, realtime.EventMachinesChanged, payload); err != nil {
		v.logger.Warn("change broadcast failed", zap.String("operation", opSendBroadcast), zap.Error(err))
	}
}

func (v *GroupView) requireSelected(op string) (slots.Store, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.selected == nil {
		return slots.Store{}, validationError(op, "no store selected")
	}
	return *v.selected, nil
}

// AddStore creates a group store and selects it.
func (v *GroupView) AddStore(ctx context.Context, name string) (slots.Store, error) {
	v.errs.clear()
	trimmed := strings.TrimSpace(name)
	if err := check(opAddStore, storeNameInput{Name: trimmed}); err != nil {
		return slots.Store{}, v.record(err)
	}
	v.mu.Lock()
	duplicate := false
	for _, store := range v.stores {
		if store.Name == trimmed {
			duplicate = true
			break
		}
	}
	v.mu.Unlock()
	if duplicate {
		return slots.Store{}, v.record(validationError(opAddStore, "store name already exists"))
	}

	store, err := v.backend.CreateStore(ctx, v.groupID, trimmed)
	if err != nil {
		return slots.Store{}, v.record(writeError(opAddStore, err))
	}
	v.mu.Lock()
	if _, exists := v.findStoreLocked(store.ID); !exists {
		v.stores = append(v.stores, store)
	}
	v.mu.Unlock()
	v.switchStore(ctx, &store)
	return store, nil
}

// DeleteStore removes a store. When it was selected the next remaining store is selected.
func (v *GroupView) DeleteStore(ctx context.Context, storeID string) error {
	v.errs.clear()
	if err := v.backend.DeleteStore(ctx, storeID); err != nil {
		return v.record(writeError(opDeleteStore, err))
	}
	v.mu.Lock()
	remaining := make([]slots.Store, 0, len(v.stores))
	for _, store := range v.stores {
		if store.ID != storeID {
			remaining = append(remaining, store)
		}
	}
	v.stores = remaining
	wasSelected := v.selected != nil && v.selected.ID == storeID
	var next *slots.Store
	if wasSelected && len(remaining) > 0 {
		next = &remaining[0]
	}
	v.mu.Unlock()
	if wasSelected {
		v.switchStore(ctx, next)
	} else {
		v.notify()
	}
	return nil
}

// AddMachine appends a machine to the selected store and returns its id.
func (v *GroupView) AddMachine(ctx context.Context, number string) (string, error) {
	v.errs.clear()
	trimmed := strings.TrimSpace(number)
	if err := check(opAddMachine, machineNumberInput{Number: trimmed}); err != nil {
		return "", v.record(err)
	}
	store, err := v.requireSelected(opAddMachine)
	if err != nil {
		return "", v.record(err)
	}
	machine, err := v.backend.AddMachine(ctx, store.ID, trimmed)
	if err != nil {
		return "", v.record(writeError(opAddMachine, err))
	}
	v.mu.Lock()
	if v.selected != nil && v.selected.ID == store.ID && !containsMachine(v.machines, machine.ID) {
		if v.profile != nil {
			machine.ContributorName = v.profile.DisplayName
			machine.LastUpdaterName = v.profile.DisplayName
		}
		v.machines = append(v.machines, machine)
	}
	v.mu.Unlock()
	v.notify()
	v.notifyPeers(ctx, machine.ID, ChangeAdded)
	return machine.ID, nil
}

// SetStatus changes a machine's status. Legacy labels are accepted.
func (v *GroupView) SetStatus(ctx context.Context, machineID, status string) error {
	v.errs.clear()
	if err := check(opSetStatus, statusInput{Status: status}); err != nil {
		return v.record(err)
	}
	parsed, _ := slots.ParseStatus(status)
	return v.update(ctx, opSetStatus, machineID, slots.MachinePatch{Status: &parsed}, ChangeStatusUpdated)
}

// SetCount changes a machine's first-hit count.
func (v *GroupView) SetCount(ctx context.Context, machineID string, count int) error {
	v.errs.clear()
	if err := check(opSetCount, countInput{Count: count}); err != nil {
		return v.record(err)
	}
	return v.update(ctx, opSetCount, machineID, slots.MachinePatch{FirstHitCount: &count}, ChangeCountUpdated)
}

// SetMemo changes a machine's memo.
func (v *GroupView) SetMemo(ctx context.Context, machineID, memo string) error {
	v.errs.clear()
	if err := check(opSetMemo, memoInput{Memo: memo}); err != nil {
		return v.record(err)
	}
	return v.update(ctx, opSetMemo, machineID, slots.MachinePatch{Memo: &memo}, ChangeMemoUpdated)
}

func (v *GroupView) update(ctx context.Context, op, machineID string, patch slots.MachinePatch, kind ChangeKind) error {
	updated, err := v.backend.UpdateMachine(ctx, machineID, patch)
	if err != nil {
		return v.record(writeError(op, err))
	}
	v.mu.Lock()
	for index := range v.machines {
		if v.machines[index].ID != machineID {
			continue
		}
		current := &v.machines[index]
		current.Status = updated.Status
		current.FirstHitCount = updated.FirstHitCount
		current.Memo = updated.Memo
		current.LastUpdatedBy = updated.LastUpdatedBy
		current.UpdatedAt = updated.UpdatedAt
		if v.profile != nil && updated.LastUpdatedBy == v.userID {
			current.LastUpdaterName = v.profile.DisplayName
		}
		break
	}
	v.mu.Unlock()
	v.notify()
	v.notifyPeers(ctx, machineID, kind)
	return nil
}

// DeleteMachine removes one machine.
func (v *GroupView) DeleteMachine(ctx context.Context, machineID string) error {
	v.errs.clear()
	if err := v.backend.DeleteMachine(ctx, machineID); err != nil {
		return v.record(writeError(opDeleteMachine, err))
	}
	v.mu.Lock()
	remaining := v.machines[:0:0]
	for _, machine := range v.machines {
		if machine.ID != machineID {
			remaining = append(remaining, machine)
		}
	}
	v.machines = remaining
	v.mu.Unlock()
	v.notify()
	v.notifyPeers(ctx, machineID, ChangeDeleted)
	return nil
}

// Reset returns every machine of the selected store to unconfirmed with a zero
// count and an empty memo. Positions are untouched.
func (v *GroupView) Reset(ctx context.Context) error {
	v.errs.clear()
	store, err := v.requireSelected(opReset)
	if err != nil {
		return v.record(err)
	}
	if _, err := v.backend.ResetStore(ctx, store.ID); err != nil {
		return v.record(writeError(opReset, err))
	}
	v.mu.Lock()
	if v.selected != nil && v.selected.ID == store.ID {
		for index := range v.machines {
			v.machines[index].Status = slots.StatusUnconfirmed
			v.machines[index].FirstHitCount = 0
			v.machines[index].Memo = ""
		}
	}
	v.mu.Unlock()
	v.notify()
	v.notifyPeers(ctx, "", ChangeReset)
	return nil
}

// Move moves the machine at oldIndex to newIndex and persists the whole order
// in one call. On failure the list is refetched.
func (v *GroupView) Move(ctx context.Context, oldIndex, newIndex int) error {
	v.errs.clear()
	store, err := v.requireSelected(opMove)
	if err != nil {
		return v.record(err)
	}
	v.mu.Lock()
	if err := check(opMove, moveInput{From: oldIndex, To: newIndex, Length: len(v.machines)}); err != nil {
		v.mu.Unlock()
		return v.record(err)
	}
	reordered := append([]slots.Machine(nil), v.machines...)
	moved := reordered[oldIndex]
	reordered = append(reordered[:oldIndex], reordered[oldIndex+1:]...)
	reordered = append(reordered[:newIndex], append([]slots.Machine{moved}, reordered[newIndex:]...)...)
	ids := make([]string, len(reordered))
	for index := range reordered {
		reordered[index].SortOrder = index
		ids[index] = reordered[index].ID
	}
	v.machines = reordered
	v.mu.Unlock()
	v.notify()

	if _, err := v.backend.ReorderMachines(ctx, store.ID, ids); err != nil {
		v.reconciler.Request(store.ID)
		return v.record(writeError(opMove, err))
	}
	v.notifyPeers(ctx, "", ChangeReordered)
	return nil
}

// Close untracks presence, leaves every topic and stops all timers.
func (v *GroupView) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	presence := v.presence
	feed := v.feed
	broadcast := v.broadcast
	v.feed = nil
	v.mu.Unlock()

	if presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		presence.Close(ctx)
		cancel()
	}
	feed.stop()
	if broadcast != nil {
		if err := broadcast.Close(); err != nil {
			v.logger.Debug("broadcast close failed", zap.Error(err))
		}
	}
	v.reconciler.Close()
	v.highlights.Close()
	v.cancel()
	v.wg.Wait()
}

func containsMachine(machines []slots.Machine, machineID string) bool {
	for _, machine := range machines {
		if machine.ID == machineID {
			return true
		}
	}
	return false
}
