package syncengine

import (
	"errors"
	"fmt"
	"sync"
)

// Kind classifies engine failures.
type Kind string

const (
	// KindValidation is a pre-flight rejection; no network call was made.
	KindValidation Kind = "validation"
	// KindFetch is a failed read.
	KindFetch Kind = "fetch"
	// KindWrite is a failed mutation.
	KindWrite Kind = "write"
	// KindSubscription is a channel that could not be established.
	KindSubscription Kind = "subscription"
)

// Error is the failure surfaced through a view's error slot.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an engine error of the given kind.
func IsKind(err error, kind Kind) bool {
	var engineErr *Error
	return errors.As(err, &engineErr) && engineErr.Kind == kind
}

const (
	opLoadProfile     = "load_profile"
	opLoadStores      = "load_stores"
	opLoadMachines    = "load_machines"
	opSelectStore     = "select_store"
	opAddStore        = "add_store"
	opDeleteStore     = "delete_store"
	opAddMachine      = "add_machine"
	opSetStatus       = "set_status"
	opSetCount        = "set_count"
	opSetMemo         = "set_memo"
	opDeleteMachine   = "delete_machine"
	opReset           = "reset"
	opMove            = "move"
	opJoinGroup       = "join_group"
	opSubscribeFeed   = "subscribe_changes"
	opJoinBroadcast   = "join_broadcast"
	opJoinPresence    = "join_presence"
	opTrackPresence   = "track_presence"
	opSendBroadcast   = "send_broadcast"
	opDecodeBroadcast = "decode_broadcast"
)

var writeMessages = map[string]string{
	opAddStore:      "failed to add store",
	opDeleteStore:   "failed to delete store",
	opAddMachine:    "failed to add machine",
	opSetStatus:     "failed to update status",
	opSetCount:      "failed to update first hit count",
	opSetMemo:       "failed to update memo",
	opDeleteMachine: "failed to delete machine",
	opReset:         "failed to reset machines",
	opMove:          "failed to reorder machines",
	opJoinGroup:     "failed to send join request",
}

func validationError(op, message string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

func writeError(op string, err error) *Error {
	return &Error{Kind: KindWrite, Op: op, Message: writeMessages[op], Err: err}
}

func fetchError(op, message string, err error) *Error {
	return &Error{Kind: KindFetch, Op: op, Message: message, Err: err}
}

func subscriptionError(op string, err error) *Error {
	return &Error{Kind: KindSubscription, Op: op, Message: "realtime subscription unavailable", Err: err}
}

// errorSlot holds the most recent failure. Operations clear it when they start.
type errorSlot struct {
	mu  sync.Mutex
	err error
}

func (s *errorSlot) set(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return err
}

func (s *errorSlot) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = nil
}

func (s *errorSlot) get() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
