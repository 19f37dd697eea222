package syncengine

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/slotsync/internal/slots"
	"go.uber.org/zap"
)

// GroupDirectory holds the operations that happen before a group is opened.
type GroupDirectory struct {
	datastore Datastore
	logger    *zap.Logger
	errs      errorSlot
}

// NewGroupDirectory constructs a directory bound to the datastore's user.
func NewGroupDirectory(datastore Datastore, logger *zap.Logger) (*GroupDirectory, error) {
	if datastore == nil {
		return nil, errMissingBackend
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GroupDirectory{datastore: datastore, logger: logger}, nil
}

// JoinGroup files a join request with an invite code. A rejected request is
// reported as a write error carrying the server's message.
func (d *GroupDirectory) JoinGroup(ctx context.Context, inviteCode string) (slots.JoinResult, error) {
	d.errs.clear()
	code := slots.NormalizeInviteCode(inviteCode)
	if err := check(opJoinGroup, inviteCodeInput{Code: code}); err != nil {
		return slots.JoinResult{}, d.errs.set(err)
	}
	result, err := d.datastore.JoinGroup(ctx, code)
	if err != nil {
		d.logger.Error("join group failed", zap.Error(err))
		return slots.JoinResult{}, d.errs.set(writeError(opJoinGroup, err))
	}
	if !result.Success {
		message := result.Error
		if message == "" {
			message = writeMessages[opJoinGroup]
		}
		rejected := &Error{Kind: KindWrite, Op: opJoinGroup, Message: message, Err: errJoinRejected}
		return result, d.errs.set(rejected)
	}
	return result, nil
}

// Err returns the most recent failure, or nil.
func (d *GroupDirectory) Err() error {
	return d.errs.get()
}

var errJoinRejected = errors.New("join request rejected")
