package syncengine

// ChangeKind names the mutation an envelope reports.
type ChangeKind string

const (
	ChangeAdded         ChangeKind = "added"
	ChangeStatusUpdated ChangeKind = "statusUpdated"
	ChangeCountUpdated  ChangeKind = "countUpdated"
	ChangeMemoUpdated   ChangeKind = "memoUpdated"
	ChangeDeleted       ChangeKind = "deleted"
	ChangeReset         ChangeKind = "reset"
	ChangeReordered     ChangeKind = "reordered"
)

// ChangeEnvelope is the machines_changed broadcast payload. Every field is
// optional; an empty envelope asks peers to refetch.
type ChangeEnvelope struct {
	MachineID     string     `json:"machine_id,omitempty"`
	ChangeType    ChangeKind `json:"change_type,omitempty"`
	ChangerUserID string     `json:"changer_user_id,omitempty"`
	ChangerName   string     `json:"changer_name,omitempty"`
	StoreID       string     `json:"store_id,omitempty"`
}

// broadcastAction is what a received envelope asks of a view.
type broadcastAction struct {
	refetch   bool
	highlight bool
}

// classifyBroadcast applies the receive rules: a client ignores its own
// envelopes and envelopes about another store; reset and reorder refetch
// without highlighting a row.
func classifyBroadcast(envelope ChangeEnvelope, localUserID, selectedStoreID string) broadcastAction {
	if envelope.ChangerUserID != "" && envelope.ChangerUserID == localUserID {
		return broadcastAction{}
	}
	if selectedStoreID == "" {
		return broadcastAction{}
	}
	if envelope.StoreID != "" && envelope.StoreID != selectedStoreID {
		return broadcastAction{}
	}
	action := broadcastAction{refetch: true}
	if envelope.MachineID != "" && envelope.ChangeType != "" && envelope.ChangerName != "" &&
		envelope.ChangeType != ChangeReset && envelope.ChangeType != ChangeReordered {
		action.highlight = true
	}
	return action
}
