package slots

import (
	"fmt"
	"strings"
	"time"
)

// Status is the observation state of a machine.
type Status string

const (
	StatusUnconfirmed Status = "unconfirmed"
	StatusPresent     Status = "present"
	StatusAbsent      Status = "absent"
	StatusEna         Status = "ena"
)

// LegacyStatusLabels maps the labels stored by earlier releases to status codes.
var LegacyStatusLabels = map[string]Status{
	"未確認": StatusUnconfirmed,
	"あり":  StatusPresent,
	"なし":  StatusAbsent,
	"エナ":  StatusEna,
}

// ParseStatus accepts a status code or a legacy label.
func ParseStatus(raw string) (Status, error) {
	trimmed := strings.TrimSpace(raw)
	switch Status(strings.ToLower(trimmed)) {
	case StatusUnconfirmed, StatusPresent, StatusAbsent, StatusEna:
		return Status(strings.ToLower(trimmed)), nil
	}
	if status, ok := LegacyStatusLabels[trimmed]; ok {
		return status, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
}

// Role distinguishes the group leader from ordinary members.
type Role string

const (
	RoleLeader Role = "leader"
	RoleMember Role = "member"
)

// MembershipStatus is the approval state of a membership.
type MembershipStatus string

const (
	MembershipPending  MembershipStatus = "pending"
	MembershipApproved MembershipStatus = "approved"
	MembershipRejected MembershipStatus = "rejected"
)

// InviteCodeLength is the fixed length of group invite codes.
const InviteCodeLength = 8

// Group is a team workspace owned by its leader.
type Group struct {
	ID         string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Name       string    `gorm:"column:name;size:190;not null" json:"name"`
	LeaderID   string    `gorm:"column:leader_id;size:190;not null;index" json:"leader_id"`
	InviteCode string    `gorm:"column:invite_code;size:16;not null;uniqueIndex" json:"invite_code"`
	MaxMembers int       `gorm:"column:max_members;not null" json:"max_members"`
	CreatedAt  time.Time `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Group) TableName() string {
	return "groups"
}

// Membership links a user to a group.
type Membership struct {
	ID          string           `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	GroupID     string           `gorm:"column:group_id;size:190;not null;uniqueIndex:idx_group_members_group_user,priority:1" json:"group_id"`
	UserID      string           `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_group_members_group_user,priority:2;index" json:"user_id"`
	Role        Role             `gorm:"column:role;size:16;not null" json:"role"`
	Status      MembershipStatus `gorm:"column:status;size:16;not null" json:"status"`
	JoinedAt    time.Time        `gorm:"column:joined_at;not null" json:"joined_at"`
	DisplayName string           `gorm:"-" json:"display_name,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "group_members"
}

// Store is a named container of machines, scoped to a group or to one user.
type Store struct {
	ID          string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Name        string    `gorm:"column:name;size:190;not null" json:"name"`
	SortOrder   int       `gorm:"column:sort_order;not null;default:0" json:"sort_order"`
	GroupID     string    `gorm:"column:group_id;size:190;not null;default:'';index" json:"group_id,omitempty"`
	OwnerUserID string    `gorm:"column:owner_user_id;size:190;not null;default:'';index" json:"owner_user_id,omitempty"`
	CreatedAt   time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Store) TableName() string {
	return "stores"
}

// Scope returns the ownership scope of the store.
func (s Store) Scope() Scope {
	return Scope{GroupID: s.GroupID, OwnerUserID: s.OwnerUserID}
}

// Machine is one tracked slot machine inside a store.
type Machine struct {
	ID              string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	StoreID         string    `gorm:"column:store_id;size:190;not null;index:idx_machines_store_order,priority:1" json:"store_id"`
	GroupID         string    `gorm:"column:group_id;size:190;not null;default:'';index" json:"group_id,omitempty"`
	Number          string    `gorm:"column:number;size:64;not null" json:"number"`
	Status          Status    `gorm:"column:status;size:32;not null" json:"status"`
	FirstHitCount   int       `gorm:"column:first_hit_count;not null;default:0" json:"first_hit_count"`
	Memo            string    `gorm:"column:memo;type:text;not null;default:''" json:"memo"`
	SortOrder       int       `gorm:"column:sort_order;not null;default:0;index:idx_machines_store_order,priority:2" json:"sort_order"`
	ContributorID   string    `gorm:"column:contributor_id;size:190;not null;default:''" json:"contributor_id,omitempty"`
	LastUpdatedBy   string    `gorm:"column:last_updated_by;size:190;not null;default:''" json:"last_updated_by,omitempty"`
	CreatedAt       time.Time `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
	ContributorName string    `gorm:"-" json:"contributor_name,omitempty"`
	LastUpdaterName string    `gorm:"-" json:"last_updated_by_name,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (Machine) TableName() string {
	return "machines"
}

// Scope identifies who owns a store: a group or a single user.
type Scope struct {
	GroupID     string
	OwnerUserID string
}

// GroupScope returns the scope of a group's shared stores.
func GroupScope(groupID string) Scope {
	return Scope{GroupID: strings.TrimSpace(groupID)}
}

// PersonalScope returns the scope of a user's private stores.
func PersonalScope(userID string) Scope {
	return Scope{OwnerUserID: strings.TrimSpace(userID)}
}

// IsGroup reports whether the scope belongs to a group.
func (s Scope) IsGroup() bool {
	return s.GroupID != ""
}

func (s Scope) valid() bool {
	return (s.GroupID == "") != (s.OwnerUserID == "")
}

// MachinePatch carries the mutable machine fields. Nil fields are left untouched.
type MachinePatch struct {
	Status        *Status `json:"status,omitempty"`
	FirstHitCount *int    `json:"first_hit_count,omitempty"`
	Memo          *string `json:"memo,omitempty"`
}

func (p MachinePatch) empty() bool {
	return p.Status == nil && p.FirstHitCount == nil && p.Memo == nil
}

// JoinResult is the outcome of joining a group by invite code.
type JoinResult struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
	GroupName string `json:"group_name,omitempty"`
}

const (
	joinErrorInvalidCode    = "invalid invite code"
	joinErrorAlreadyMember  = "already a member"
	joinErrorAlreadyPending = "request already pending"
	joinErrorGroupFull      = "group is full"
	joinMessageRequestSent  = "join request sent"
)
