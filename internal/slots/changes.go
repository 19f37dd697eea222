package slots

import (
	"time"

	"github.com/MarcoPoloResearchLab/slotsync/internal/realtime"
)

// changeSet collects change events inside a transaction; they are published
// only once the transaction commits.
type changeSet struct {
	events []realtime.ChangeEvent
}

func (c *changeSet) machine(changeType realtime.ChangeType, machine Machine, at time.Time) {
	if machine.GroupID == "" {
		return
	}
	c.events = append(c.events, realtime.ChangeEvent{
		Table:           realtime.TableGroupMachines,
		Type:            changeType,
		GroupID:         machine.GroupID,
		StoreID:         machine.StoreID,
		RowID:           machine.ID,
		CommitTimestamp: at,
	})
}

func (c *changeSet) store(changeType realtime.ChangeType, store Store, at time.Time) {
	if store.GroupID == "" {
		return
	}
	c.events = append(c.events, realtime.ChangeEvent{
		Table:           realtime.TableGroupStores,
		Type:            changeType,
		GroupID:         store.GroupID,
		StoreID:         store.ID,
		RowID:           store.ID,
		CommitTimestamp: at,
	})
}

func (s *Service) publish(changes *changeSet) {
	if s.publisher == nil || changes == nil {
		return
	}
	for _, event := range changes.events {
		s.publisher.PublishChange(event)
	}
}
