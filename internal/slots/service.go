package slots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/slotsync/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrForbidden indicates the actor may not read or write the target rows.
	ErrForbidden = errors.New("slots: forbidden")
	// ErrNotFound indicates the target row does not exist.
	ErrNotFound = errors.New("slots: not found")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("slots: validation failed")
	// ErrDuplicateStoreName indicates a store with the same name exists in the scope.
	ErrDuplicateStoreName = errors.New("slots: duplicate store name")
	// ErrGroupFull indicates the group reached its member cap.
	ErrGroupFull = errors.New("slots: group is full")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingActor      = errors.New("acting user is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew          = "slots.service.new"
	opCreateGroup         = "slots.create_group"
	opGenerateInviteCode  = "slots.generate_invite_code"
	opListGroups          = "slots.list_groups"
	opGetGroup            = "slots.get_group"
	opDeleteGroup         = "slots.delete_group"
	opJoinGroupByCode     = "slots.join_group_by_code"
	opListMembers         = "slots.list_members"
	opSetMemberStatus     = "slots.set_member_status"
	opRemoveMember        = "slots.remove_member"
	opListStores          = "slots.list_stores"
	opCreateStore         = "slots.create_store"
	opDeleteStore         = "slots.delete_store"
	opListMachines        = "slots.list_machines"
	opAddMachine          = "slots.add_machine"
	opUpdateMachine       = "slots.update_machine"
	opDeleteMachine       = "slots.delete_machine"
	opResetStoreMachines  = "slots.reset_store_machines"
	opReorderMachines     = "slots.reorder_machines"
	defaultMaxMembers     = 5
	maxInviteCodeAttempts = 16
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues row identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ChangePublisher receives row change events after each committed write.
type ChangePublisher interface {
	PublishChange(event realtime.ChangeEvent)
}

// ProfileLookup resolves display names for user ids.
type ProfileLookup interface {
	DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error)
}

// ServiceConfig describes the dependencies of the datastore service.
type ServiceConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	IDProvider    IDProvider
	Logger        *zap.Logger
	Publisher     ChangePublisher
	Profiles      ProfileLookup
	MaxMembers    int
	InviteCodeGen func() (string, error)
}

// Service is the authoritative datastore for groups, stores and machines.
type Service struct {
	db            *gorm.DB
	clock         func() time.Time
	idProvider    IDProvider
	logger        *zap.Logger
	publisher     ChangePublisher
	profiles      ProfileLookup
	maxMembers    int
	inviteCodeGen func() (string, error)
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxMembers := cfg.MaxMembers
	if maxMembers <= 0 {
		maxMembers = defaultMaxMembers
	}
	inviteCodeGen := cfg.InviteCodeGen
	if inviteCodeGen == nil {
		inviteCodeGen = randomInviteCode
	}

	return &Service{
		db:            cfg.Database,
		clock:         clock,
		idProvider:    cfg.IDProvider,
		logger:        logger,
		publisher:     cfg.Publisher,
		profiles:      cfg.Profiles,
		maxMembers:    maxMembers,
		inviteCodeGen: inviteCodeGen,
	}, nil
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) newID(operation string) (string, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, "id_generation_failed", err)
		return "", newServiceError(operation, "id_generation_failed", err)
	}
	return id, nil
}

// fail logs and wraps cause. Access and validation failures are expected and
// only logged at debug level.
func (s *Service) fail(operation, reason string, cause error, fields ...zap.Field) error {
	var serviceErr *ServiceError
	if errors.As(cause, &serviceErr) {
		return cause
	}
	if errors.Is(cause, ErrForbidden) || errors.Is(cause, ErrNotFound) || errors.Is(cause, ErrValidation) ||
		errors.Is(cause, ErrDuplicateStoreName) || errors.Is(cause, ErrGroupFull) {
		s.loggerOrDefault().Debug("slots request rejected",
			append([]zap.Field{zap.String("operation", operation), zap.String("reason", reason), zap.Error(cause)}, fields...)...)
		return newServiceError(operation, reason, cause)
	}
	s.logError(operation, reason, cause, fields...)
	return newServiceError(operation, reason, cause)
}

func (s *Service) displayNames(ctx context.Context, userIDs []string) map[string]string {
	if s.profiles == nil || len(userIDs) == 0 {
		return map[string]string{}
	}
	names, err := s.profiles.DisplayNames(ctx, userIDs)
	if err != nil {
		s.loggerOrDefault().Warn("display name lookup failed", zap.Error(err))
		return map[string]string{}
	}
	return names
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("slots service error", attrs...)
}
