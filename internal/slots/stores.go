package slots

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/slotsync/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxStoreNameLength = 100

func scopeQuery(tx *gorm.DB, scope Scope) *gorm.DB {
	if scope.IsGroup() {
		return tx.Where("group_id = ?", scope.GroupID)
	}
	return tx.Where("group_id = '' AND owner_user_id = ?", scope.OwnerUserID)
}

// ListStores returns the stores of scope ordered by position.
func (s *Service) ListStores(ctx context.Context, actorID string, scope Scope) ([]Store, error) {
	actor, err := requireActor(actorID)
	if err != nil {
		return nil, s.fail(opListStores, "missing_actor", err)
	}
	db := s.db.WithContext(ctx)
	if err := requireScopeAccess(db, scope, actor); err != nil {
		return nil, s.fail(opListStores, "access_denied", err)
	}
	var stores []Store
	if err := scopeQuery(db, scope).Order("sort_order ASC").Order("created_at ASC").Find(&stores).Error; err != nil {
		return nil, s.fail(opListStores, "query_failed", err)
	}
	return stores, nil
}

// CreateStore appends a store to scope. Names are unique within a scope.
func (s *Service) CreateStore(ctx context.Context, actorID string, scope Scope, name string) (Store, error) {
	actor, err := requireActor(actorID)
	if err != nil {
		return Store{}, s.fail(opCreateStore, "missing_actor", err)
	}
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || len([]rune(trimmed)) > maxStoreNameLength {
		return Store{}, s.fail(opCreateStore, "invalid_name", fmt.Errorf("%w: store name must be 1-%d characters", ErrValidation, maxStoreNameLength))
	}
	storeID, err := s.newID(opCreateStore)
	if err != nil {
		return Store{}, err
	}

	store := Store{
		ID:          storeID,
		Name:        trimmed,
		GroupID:     scope.GroupID,
		OwnerUserID: scope.OwnerUserID,
		CreatedAt:   s.now(),
	}
	changes := &changeSet{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireScopeAccess(tx, scope, actor); err != nil {
			return err
		}
		var duplicates int64
		if err := scopeQuery(tx.Model(&Store{}), scope).Where("name = ?", trimmed).Count(&duplicates).Error; err != nil {
			return err
		}
		if duplicates > 0 {
			return fmt.Errorf("%w: %q", ErrDuplicateStoreName, trimmed)
		}
		var count int64
		if err := scopeQuery(tx.Model(&Store{}), scope).Count(&count).Error; err != nil {
			return err
		}
		store.SortOrder = int(count)
		if err := tx.Create(&store).Error; err != nil {
			return err
		}
		changes.store(realtime.ChangeInsert, store, store.CreatedAt)
		return nil
	})
	if err != nil {
		return Store{}, s.fail(opCreateStore, "insert_failed", err, zap.String("name", trimmed))
	}
	s.publish(changes)
	return store, nil
}

// DeleteStore removes a store and its machines. Group stores may be deleted by
// the group leader only.
func (s *Service) DeleteStore(ctx context.Context, actorID, storeID string) error {
	actor, err := requireActor(actorID)
	if err != nil {
		return s.fail(opDeleteStore, "missing_actor", err)
	}
	changes := &changeSet{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store, err := requireStoreAccess(tx, storeID, actor)
		if err != nil {
			return err
		}
		if store.GroupID != "" {
			if _, err := requireGroupLeader(tx, store.GroupID, actor); err != nil {
				return err
			}
		}
		var machines []Machine
		if err := tx.Where("store_id = ?", storeID).Find(&machines).Error; err != nil {
			return err
		}
		if err := tx.Where("store_id = ?", storeID).Delete(&Machine{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", storeID).Delete(&Store{}).Error; err != nil {
			return err
		}
		now := s.now()
		for _, machine := range machines {
			changes.machine(realtime.ChangeDelete, machine, now)
		}
		changes.store(realtime.ChangeDelete, *store, now)
		return nil
	})
	if err != nil {
		return s.fail(opDeleteStore, "delete_failed", err, zap.String("store_id", storeID))
	}
	s.publish(changes)
	return nil
}
