package slots

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// loadGroup returns the group or ErrNotFound.
func loadGroup(tx *gorm.DB, groupID string) (*Group, error) {
	var group Group
	err := tx.Where("id = ?", groupID).Take(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: group %s", ErrNotFound, groupID)
	}
	if err != nil {
		return nil, err
	}
	return &group, nil
}

// requireGroupAccess admits the leader and approved members.
func requireGroupAccess(tx *gorm.DB, groupID, actorID string) (*Group, error) {
	group, err := loadGroup(tx, groupID)
	if err != nil {
		return nil, err
	}
	if group.LeaderID == actorID {
		return group, nil
	}
	var count int64
	if err := tx.Model(&Membership{}).
		Where("group_id = ? AND user_id = ? AND status = ?", groupID, actorID, MembershipApproved).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: not a member of group %s", ErrForbidden, groupID)
	}
	return group, nil
}

func requireGroupLeader(tx *gorm.DB, groupID, actorID string) (*Group, error) {
	group, err := loadGroup(tx, groupID)
	if err != nil {
		return nil, err
	}
	if group.LeaderID != actorID {
		return nil, fmt.Errorf("%w: leader only", ErrForbidden)
	}
	return group, nil
}

// requireScopeAccess checks read/write access to every store in scope.
func requireScopeAccess(tx *gorm.DB, scope Scope, actorID string) error {
	if !scope.valid() {
		return fmt.Errorf("%w: scope must name exactly one of group or owner", ErrValidation)
	}
	if scope.IsGroup() {
		_, err := requireGroupAccess(tx, scope.GroupID, actorID)
		return err
	}
	if scope.OwnerUserID != actorID {
		return fmt.Errorf("%w: personal stores belong to their owner", ErrForbidden)
	}
	return nil
}

func requireStoreAccess(tx *gorm.DB, storeID, actorID string) (*Store, error) {
	var store Store
	err := tx.Where("id = ?", storeID).Take(&store).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: store %s", ErrNotFound, storeID)
	}
	if err != nil {
		return nil, err
	}
	if err := requireScopeAccess(tx, store.Scope(), actorID); err != nil {
		return nil, err
	}
	return &store, nil
}

func requireMachineAccess(tx *gorm.DB, machineID, actorID string) (*Machine, *Store, error) {
	var machine Machine
	err := tx.Where("id = ?", machineID).Take(&machine).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, fmt.Errorf("%w: machine %s", ErrNotFound, machineID)
	}
	if err != nil {
		return nil, nil, err
	}
	store, err := requireStoreAccess(tx, machine.StoreID, actorID)
	if err != nil {
		return nil, nil, err
	}
	return &machine, store, nil
}

func requireActor(actorID string) (string, error) {
	trimmed := strings.TrimSpace(actorID)
	if trimmed == "" {
		return "", errMissingActor
	}
	return trimmed, nil
}
