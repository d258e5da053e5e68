package store

import "errors"

// ErrLimitExceeded is returned when a FSIC diff is too large to realize as
// queueing SQL. The transfer aborts; retrying requires a narrower filter.
var ErrLimitExceeded = errors.New("FSIC too large to queue")

// Record is one row of the canonical replicated record store.
type Record struct {
	ID                        string
	Profile                   string
	Serialized                string
	Deleted                   bool
	HardDeleted               bool
	LastSavedInstance         string
	LastSavedCounter          int64
	Partition                 string
	SourceID                  string
	ModelName                 string
	ConflictingSerializedData string
	SelfRefFK                 string
	DirtyBit                  bool
	DeserializationError      string
	LastTransferSessionID     string
}

// RecordMaxCounter is one vector-clock entry: the highest counter value
// observed for a record from one instance.
type RecordMaxCounter struct {
	StoreModelID string
	InstanceID   string
	Counter      int64
}

// WireRMCB is the wire form of a RecordMaxCounter within a transfer session.
type WireRMCB struct {
	InstanceID      string `json:"instance_id"`
	Counter         int64  `json:"counter"`
	TransferSession string `json:"transfer_session"`
	ModelUUID       string `json:"model_uuid"`
}

// WireBuffer is the wire form of a store record within a transfer session,
// carrying its vector-clock entries inline.
type WireBuffer struct {
	Profile                   string     `json:"profile"`
	Serialized                string     `json:"serialized"`
	Deleted                   bool       `json:"deleted"`
	HardDeleted               bool       `json:"hard_deleted"`
	LastSavedInstance         string     `json:"last_saved_instance"`
	LastSavedCounter          int64      `json:"last_saved_counter"`
	Partition                 string     `json:"partition"`
	SourceID                  string     `json:"source_id"`
	ModelName                 string     `json:"model_name"`
	ModelUUID                 string     `json:"model_uuid"`
	ConflictingSerializedData string     `json:"conflicting_serialized_data"`
	SelfRefFK                 string     `json:"_self_ref_fk"`
	TransferSession           string     `json:"transfer_session"`
	RMCBList                  []WireRMCB `json:"rmcb_list"`
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
