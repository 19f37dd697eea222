package slots

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/slotsync/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxMachineNumberLength = 64
	maxMemoLength          = 2000
)

func orderedMachines(tx *gorm.DB, storeID string) ([]Machine, error) {
	var machines []Machine
	err := tx.Where("store_id = ?", storeID).
		Order("sort_order ASC").
		Order("created_at ASC").
		Order("id ASC").
		Find(&machines).Error
	return machines, err
}

// ListMachines returns the machines of a store ordered by position. Group
// machines carry contributor and last-updater display names.
func (s *Service) ListMachines(ctx context.Context, actorID, storeID string) ([]Machine, error) {
	actor, err := requireActor(actorID)
	if err != nil {
		return nil, s.fail(opListMachines, "missing_actor", err)
	}
	db := s.db.WithContext(ctx)
	store, err := requireStoreAccess(db, storeID, actor)
	if err != nil {
		return nil, s.fail(opListMachines, "access_denied", err, zap.String("store_id", storeID))
	}
	machines, err := orderedMachines(db, storeID)
	if err != nil {
		return nil, s.fail(opListMachines, "query_failed", err, zap.String("store_id", storeID))
	}
	if store.GroupID == "" {
		for index := range machines {
			machines[index].ContributorID = ""
			machines[index].LastUpdatedBy = ""
		}
		return machines, nil
	}
	s.attachNames(ctx, machines)
	return machines, nil
}

func (s *Service) attachNames(ctx context.Context, machines []Machine) {
	seen := make(map[string]struct{})
	userIDs := make([]string, 0)
	for _, machine := range machines {
		for _, userID := range []string{machine.ContributorID, machine.LastUpdatedBy} {
			if userID == "" {
				continue
			}
			if _, ok := seen[userID]; ok {
				continue
			}
			seen[userID] = struct{}{}
			userIDs = append(userIDs, userID)
		}
	}
	names := s.displayNames(ctx, userIDs)
	for index := range machines {
		machines[index].ContributorName = names[machines[index].ContributorID]
		machines[index].LastUpdaterName = names[machines[index].LastUpdatedBy]
	}
}

// AddMachine appends a machine to a store. The position is the current row
// count, moved past the highest position when earlier deletes left gaps.
func (s *Service) AddMachine(ctx context.Context, actorID, storeID, number string) (Machine, error) {
	actor, err := requireActor(actorID)
	if err != nil {
		return Machine{}, s.fail(opAddMachine, "missing_actor", err)
	}
	trimmed := strings.TrimSpace(number)
	if trimmed == "" || len([]rune(trimmed)) > maxMachineNumberLength {
		return Machine{}, s.fail(opAddMachine, "invalid_number", fmt.Errorf("%w: machine number must be 1-%d characters", ErrValidation, maxMachineNumberLength))
	}
	machineID, err := s.newID(opAddMachine)
	if err != nil {
		return Machine{}, err
	}

	var machine Machine
	changes := &changeSet{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store, err := requireStoreAccess(tx, storeID, actor)
		if err != nil {
			return err
		}
		var stats struct {
			Count   int64
			MaxSort *int
		}
		if err := tx.Model(&Machine{}).
			Select("COUNT(*) AS count, MAX(sort_order) AS max_sort").
			Where("store_id = ?", storeID).
			Scan(&stats).Error; err != nil {
			return err
		}
		position := int(stats.Count)
		if stats.MaxSort != nil && *stats.MaxSort >= position {
			position = *stats.MaxSort + 1
		}

		now := s.now()
		machine = Machine{
			ID:        machineID,
			StoreID:   storeID,
			GroupID:   store.GroupID,
			Number:    trimmed,
			Status:    StatusUnconfirmed,
			SortOrder: position,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if store.GroupID != "" {
			machine.ContributorID = actor
			machine.LastUpdatedBy = actor
		}
		if err := tx.Create(&machine).Error; err != nil {
			return err
		}
		changes.machine(realtime.ChangeInsert, machine, now)
		return nil
	})
	if err != nil {
		return Machine{}, s.fail(opAddMachine, "insert_failed", err, zap.String("store_id", storeID))
	}
	s.publish(changes)
	return machine, nil
}

// UpdateMachine applies patch to one machine and stamps the acting user as the last updater.
func (s *Service) UpdateMachine(ctx context.Context, actorID, machineID string, patch MachinePatch) (Machine, error) {
	actor, err := requireActor(actorID)
	if err != nil {
		return Machine{}, s.fail(opUpdateMachine, "missing_actor", err)
	}
	updates, err := patchUpdates(patch)
	if err != nil {
		return Machine{}, s.fail(opUpdateMachine, "invalid_patch", err, zap.String("machine_id", machineID))
	}

	var machine Machine
	changes := &changeSet{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, _, err := requireMachineAccess(tx, machineID, actor)
		if err != nil {
			return err
		}
		now := s.now()
		updates["updated_at"] = now
		if existing.GroupID != "" {
			updates["last_updated_by"] = actor
		}
		if err := tx.Model(&Machine{}).Where("id = ?", machineID).Updates(updates).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", machineID).Take(&machine).Error; err != nil {
			return err
		}
		changes.machine(realtime.ChangeUpdate, machine, now)
		return nil
	})
	if err != nil {
		return Machine{}, s.fail(opUpdateMachine, "update_failed", err, zap.String("machine_id", machineID))
	}
	s.publish(changes)
	return machine, nil
}

func patchUpdates(patch MachinePatch) (map[string]any, error) {
	if patch.empty() {
		return nil, fmt.Errorf("%w: empty patch", ErrValidation)
	}
	updates := make(map[string]any, 3)
	if patch.Status != nil {
		status, err := ParseStatus(string(*patch.Status))
		if err != nil {
			return nil, err
		}
		updates["status"] = status
	}
	if patch.FirstHitCount != nil {
		if *patch.FirstHitCount < 0 {
			return nil, fmt.Errorf("%w: first hit count must not be negative", ErrValidation)
		}
		updates["first_hit_count"] = *patch.FirstHitCount
	}
	if patch.Memo != nil {
		if len([]rune(*patch.Memo)) > maxMemoLength {
			return nil, fmt.Errorf("%w: memo exceeds %d characters", ErrValidation, maxMemoLength)
		}
		updates["memo"] = *patch.Memo
	}
	return updates, nil
}

// DeleteMachine removes one machine.
func (s *Service) DeleteMachine(ctx context.Context, actorID, machineID string) error {
	actor, err := requireActor(actorID)
	if err != nil {
		return s.fail(opDeleteMachine, "missing_actor", err)
	}
	changes := &changeSet{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		machine, _, err := requireMachineAccess(tx, machineID, actor)
		if err != nil {
			return err
		}
		if err := tx.Where("id = ?", machineID).Delete(&Machine{}).Error; err != nil {
			return err
		}
		changes.machine(realtime.ChangeDelete, *machine, s.now())
		return nil
	})
	if err != nil {
		return s.fail(opDeleteMachine, "delete_failed", err, zap.String("machine_id", machineID))
	}
	s.publish(changes)
	return nil
}

// ResetStoreMachines sets every machine of the store back to unconfirmed with a
// zero count and an empty memo in a single statement. Positions are untouched.
func (s *Service) ResetStoreMachines(ctx context.Context, actorID, storeID string) (int64, error) {
	actor, err := requireActor(actorID)
	if err != nil {
		return 0, s.fail(opResetStoreMachines, "missing_actor", err)
	}
	var affected int64
	changes := &changeSet{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store, err := requireStoreAccess(tx, storeID, actor)
		if err != nil {
			return err
		}
		now := s.now()
		updates := map[string]any{
			"status":          StatusUnconfirmed,
			"first_hit_count": 0,
			"memo":            "",
			"updated_at":      now,
		}
		if store.GroupID != "" {
			updates["last_updated_by"] = actor
		}
		result := tx.Model(&Machine{}).Where("store_id = ?", storeID).Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		affected = result.RowsAffected
		if store.GroupID == "" {
			return nil
		}
		var machines []Machine
		if err := tx.Select("id", "store_id", "group_id").Where("store_id = ?", storeID).Find(&machines).Error; err != nil {
			return err
		}
		for _, machine := range machines {
			changes.machine(realtime.ChangeUpdate, machine, now)
		}
		return nil
	})
	if err != nil {
		return 0, s.fail(opResetStoreMachines, "reset_failed", err, zap.String("store_id", storeID))
	}
	s.publish(changes)
	return affected, nil
}

// ReorderMachines assigns positions 0..n-1 in one transaction. Machines of the
// store missing from orderedIDs keep their relative order after the listed
// ones. An id outside the store fails the whole call.
func (s *Service) ReorderMachines(ctx context.Context, actorID, storeID string, orderedIDs []string) ([]Machine, error) {
	actor, err := requireActor(actorID)
	if err != nil {
		return nil, s.fail(opReorderMachines, "missing_actor", err)
	}

	var reordered []Machine
	changes := &changeSet{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store, err := requireStoreAccess(tx, storeID, actor)
		if err != nil {
			return err
		}
		current, err := orderedMachines(tx, storeID)
		if err != nil {
			return err
		}
		byID := make(map[string]Machine, len(current))
		for _, machine := range current {
			byID[machine.ID] = machine
		}

		placed := make(map[string]struct{}, len(orderedIDs))
		final := make([]Machine, 0, len(current))
		for _, id := range orderedIDs {
			machine, ok := byID[id]
			if !ok {
				return fmt.Errorf("%w: machine %s is not in store %s", ErrValidation, id, storeID)
			}
			if _, dup := placed[id]; dup {
				return fmt.Errorf("%w: machine %s listed twice", ErrValidation, id)
			}
			placed[id] = struct{}{}
			final = append(final, machine)
		}
		for _, machine := range current {
			if _, ok := placed[machine.ID]; !ok {
				final = append(final, machine)
			}
		}

		now := s.now()
		for position := range final {
			if final[position].SortOrder == position {
				continue
			}
			updates := map[string]any{"sort_order": position, "updated_at": now}
			if store.GroupID != "" {
				updates["last_updated_by"] = actor
				final[position].LastUpdatedBy = actor
			}
			if err := tx.Model(&Machine{}).Where("id = ?", final[position].ID).Updates(updates).Error; err != nil {
				return err
			}
			final[position].SortOrder = position
			final[position].UpdatedAt = now
			changes.machine(realtime.ChangeUpdate, final[position], now)
		}
		reordered = final
		return nil
	})
	if err != nil {
		return nil, s.fail(opReorderMachines, "reorder_failed", err, zap.String("store_id", storeID))
	}
	s.publish(changes)
	return reordered, nil
}
