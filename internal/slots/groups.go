package slots

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/slotsync/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxGroupNameLength = 100

// CreateGroup creates a group led by actorID together with its approved leader membership.
func (s *Service) CreateGroup(ctx context.Context, actorID, name string) (Group, error) {
	actor, err := requireActor(actorID)
	if err != nil {
		return Group{}, s.fail(opCreateGroup, "missing_actor", err)
	}
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || len([]rune(trimmed)) > maxGroupNameLength {
		return Group{}, s.fail(opCreateGroup, "invalid_name", fmt.Errorf("%w: group name must be 1-%d characters", ErrValidation, maxGroupNameLength))
	}

	inviteCode, err := s.GenerateInviteCode(ctx)
	if err != nil {
		return Group{}, err
	}
	groupID, err := s.newID(opCreateGroup)
	if err != nil {
		return Group{}, err
	}
	membershipID, err := s.newID(opCreateGroup)
	if err != nil {
		return Group{}, err
	}

	now := s.now()
	group := Group{
		ID:         groupID,
		Name:       trimmed,
		LeaderID:   actor,
		InviteCode: inviteCode,
		MaxMembers: s.maxMembers,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	leader := Membership{
		ID:       membershipID,
		GroupID:  groupID,
		UserID:   actor,
		Role:     RoleLeader,
		Status:   MembershipApproved,
		JoinedAt: now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&group).Error; err != nil {
			return err
		}
		return tx.Create(&leader).Error
	})
	if err != nil {
		return Group{}, s.fail(opCreateGroup, "insert_failed", err, zap.String("user_id", actor))
	}
	return group, nil
}

// GenerateInviteCode returns a fresh invite code that no group currently holds.
func (s *Service) GenerateInviteCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxInviteCodeAttempts; attempt++ {
		code, err := s.inviteCodeGen()
		if err != nil {
			return "", s.fail(opGenerateInviteCode, "random_failed", err)
		}
		code = NormalizeInviteCode(code)
		var count int64
		if err := s.db.WithContext(ctx).Model(&Group{}).Where("invite_code = ?", code).Count(&count).Error; err != nil {
			return "", s.fail(opGenerateInviteCode, "query_failed", err)
		}
		if count == 0 {
			return code, nil
		}
	}
	return "", s.fail(opGenerateInviteCode, "exhausted", errors.New("no unused invite code found"))
}

// ListGroups returns the groups actorID leads or belongs to as an approved member.
func (s *Service) ListGroups(ctx context.Context, actorID string) ([]Group, error) {
	actor, err := requireActor(actorID)
	if err != nil {
		return nil, s.fail(opListGroups, "missing_actor", err)
	}
	memberships := s.db.Model(&Membership{}).
		Select("group_id").
		Where("user_id = ? AND status = ?", actor, MembershipApproved)

	var groups []Group
	if err := s.db.WithContext(ctx).
		Where("leader_id = ? OR id IN (?)", actor, memberships).
		Order("created_at ASC").
		Find(&groups).Error; err != nil {
		return nil, s.fail(opListGroups, "query_failed", err, zap.String("user_id", actor))
	}
	return groups, nil
}

// GetGroup returns one group visible to actorID.
func (s *Service) GetGroup(ctx context.Context, actorID, groupID string) (Group, error) {
	actor, err := requireActor(actorID)
	if err != nil {
		return Group{}, s.fail(opGetGroup, "missing_actor", err)
	}
	group, err := requireGroupAccess(s.db.WithContext(ctx), groupID, actor)
	if err != nil {
		return Group{}, s.fail(opGetGroup, "access_denied", err, zap.String("group_id", groupID))
	}
	return *group, nil
}

// DeleteGroup removes a group with its stores, machines and memberships. Leader only.
func (s *Service) DeleteGroup(ctx context.Context, actorID, groupID string) error {
	actor, err := requireActor(actorID)
	if err != nil {
		return s.fail(opDeleteGroup, "missing_actor", err)
	}
	changes := &changeSet{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := requireGroupLeader(tx, groupID, actor); err != nil {
			return err
		}
		var machines []Machine
		if err := tx.Where("group_id = ?", groupID).Find(&machines).Error; err != nil {
			return err
		}
		var stores []Store
		if err := tx.Where("group_id = ?", groupID).Find(&stores).Error; err != nil {
			return err
		}
		if err := tx.Where("group_id = ?", groupID).Delete(&Machine{}).Error; err != nil {
			return err
		}
		if err := tx.Where("group_id = ?", groupID).Delete(&Store{}).Error; err != nil {
			return err
		}
		if err := tx.Where("group_id = ?", groupID).Delete(&Membership{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", groupID).Delete(&Group{}).Error; err != nil {
			return err
		}
		now := s.now()
		for _, machine := range machines {
			changes.machine(realtime.ChangeDelete, machine, now)
		}
		for _, store := range stores {
			changes.store(realtime.ChangeDelete, store, now)
		}
		return nil
	})
	if err != nil {
		return s.fail(opDeleteGroup, "delete_failed", err, zap.String("group_id", groupID))
	}
	s.publish(changes)
	return nil
}

// JoinGroupByCode files a pending membership for the group holding code.
// Business outcomes are reported in the JoinResult; the error is reserved for
// storage failures.
func (s *Service) JoinGroupByCode(ctx context.Context, actorID, code string) (JoinResult, error) {
	actor, err := requireActor(actorID)
	if err != nil {
		return JoinResult{}, s.fail(opJoinGroupByCode, "missing_actor", err)
	}
	normalized := NormalizeInviteCode(code)
	if len(normalized) != InviteCodeLength {
		return JoinResult{Success: false, Error: joinErrorInvalidCode}, nil
	}

	var result JoinResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var group Group
		err := tx.Where("invite_code = ?", normalized).Take(&group).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result = JoinResult{Success: false, Error: joinErrorInvalidCode}
			return nil
		}
		if err != nil {
			return err
		}
		if group.LeaderID == actor {
			result = JoinResult{Success: false, Error: joinErrorAlreadyMember, GroupName: group.Name}
			return nil
		}

		var existing Membership
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("group_id = ? AND user_id = ?", group.ID, actor).
			Take(&existing).Error
		hasExisting := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if hasExisting {
			switch existing.Status {
			case MembershipApproved:
				result = JoinResult{Success: false, Error: joinErrorAlreadyMember, GroupName: group.Name}
				return nil
			case MembershipPending:
				result = JoinResult{Success: false, Error: joinErrorAlreadyPending, GroupName: group.Name}
				return nil
			}
		}

		full, err := groupIsFull(tx, group)
		if err != nil {
			return err
		}
		if full {
			result = JoinResult{Success: false, Error: joinErrorGroupFull, GroupName: group.Name}
			return nil
		}

		now := s.now()
		if hasExisting {
			if err := tx.Model(&Membership{}).Where("id = ?", existing.ID).
				Updates(map[string]any{"status": MembershipPending, "joined_at": now}).Error; err != nil {
				return err
			}
		} else {
			membershipID, err := s.idProvider.NewID()
			if err != nil {
				return err
			}
			if err := tx.Create(&Membership{
				ID:       membershipID,
				GroupID:  group.ID,
				UserID:   actor,
				Role:     RoleMember,
				Status:   MembershipPending,
				JoinedAt: now,
			}).Error; err != nil {
				return err
			}
		}
		result = JoinResult{Success: true, Message: joinMessageRequestSent, GroupName: group.Name}
		return nil
	})
	if err != nil {
		return JoinResult{}, s.fail(opJoinGroupByCode, "join_failed", err, zap.String("user_id", actor))
	}
	return result, nil
}

// ListMembers returns every membership of the group with display names.
func (s *Service) ListMembers(ctx context.Context, actorID, groupID string) ([]Membership, error) {
	actor, err := requireActor(actorID)
	if err != nil {
		return nil, s.fail(opListMembers, "missing_actor", err)
	}
	db := s.db.WithContext(ctx)
	if _, err := requireGroupAccess(db, groupID, actor); err != nil {
		return nil, s.fail(opListMembers, "access_denied", err, zap.String("group_id", groupID))
	}
	var members []Membership
	if err := db.Where("group_id = ?", groupID).Order("joined_at ASC").Find(&members).Error; err != nil {
		return nil, s.fail(opListMembers, "query_failed", err, zap.String("group_id", groupID))
	}
	userIDs := make([]string, 0, len(members))
	for _, member := range members {
		userIDs = append(userIDs, member.UserID)
	}
	names := s.displayNames(ctx, userIDs)
	for index := range members {
		members[index].DisplayName = names[members[index].UserID]
	}
	return members, nil
}

// ApproveMember admits a pending or rejected membership. Leader only.
func (s *Service) ApproveMember(ctx context.Context, actorID, groupID, memberID string) (Membership, error) {
	return s.setMemberStatus(ctx, actorID, groupID, memberID, MembershipApproved)
}

// RejectMember rejects a membership. Leader only.
func (s *Service) RejectMember(ctx context.Context, actorID, groupID, memberID string) (Membership, error) {
	return s.setMemberStatus(ctx, actorID, groupID, memberID, MembershipRejected)
}

func (s *Service) setMemberStatus(ctx context.Context, actorID, groupID, memberID string, status MembershipStatus) (Membership, error) {
	actor, err := requireActor(actorID)
	if err != nil {
		return Membership{}, s.fail(opSetMemberStatus, "missing_actor", err)
	}
	var updated Membership
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group, err := requireGroupLeader(tx, groupID, actor)
		if err != nil {
			return err
		}
		member, err := loadMemberForChange(tx, groupID, memberID)
		if err != nil {
			return err
		}
		if member.Status == status {
			updated = *member
			return nil
		}
		if status == MembershipApproved {
			full, err := groupIsFull(tx, *group)
			if err != nil {
				return err
			}
			if full {
				return ErrGroupFull
			}
		}
		if err := tx.Model(&Membership{}).Where("id = ?", member.ID).Update("status", status).Error; err != nil {
			return err
		}
		member.Status = status
		updated = *member
		return nil
	})
	if err != nil {
		return Membership{}, s.fail(opSetMemberStatus, "update_failed", err,
			zap.String("group_id", groupID), zap.String("member_id", memberID))
	}
	return updated, nil
}

// RemoveMember deletes a membership. Leader only.
func (s *Service) RemoveMember(ctx context.Context, actorID, groupID, memberID string) error {
	actor, err := requireActor(actorID)
	if err != nil {
		return s.fail(opRemoveMember, "missing_actor", err)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := requireGroupLeader(tx, groupID, actor); err != nil {
			return err
		}
		member, err := loadMemberForChange(tx, groupID, memberID)
		if err != nil {
			return err
		}
		return tx.Where("id = ?", member.ID).Delete(&Membership{}).Error
	})
	if err != nil {
		return s.fail(opRemoveMember, "delete_failed", err,
			zap.String("group_id", groupID), zap.String("member_id", memberID))
	}
	return nil
}

func loadMemberForChange(tx *gorm.DB, groupID, memberID string) (*Membership, error) {
	var member Membership
	err := tx.Where("id = ? AND group_id = ?", memberID, groupID).Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: member %s", ErrNotFound, memberID)
	}
	if err != nil {
		return nil, err
	}
	if member.Role == RoleLeader {
		return nil, fmt.Errorf("%w: the leader membership is immutable", ErrForbidden)
	}
	return &member, nil
}

func groupIsFull(tx *gorm.DB, group Group) (bool, error) {
	var approved int64
	if err := tx.Model(&Membership{}).
		Where("group_id = ? AND status = ?", group.ID, MembershipApproved).
		Count(&approved).Error; err != nil {
		return false, err
	}
	return approved >= int64(group.MaxMembers), nil
}
