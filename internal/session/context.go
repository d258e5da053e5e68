package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"syscall"

	"github.com/morango/morango/internal/filters"
)

// Context carries one transfer session through the stage pipeline. It is
// serializable, so an interrupted sync can be resumed by a later process from
// the persisted session rows.
type Context struct {
	SyncSession *SyncSession
	Transfer    *TransferSession
	// IsPush is the transfer direction relative to the client.
	IsPush bool
	// IsServer marks which side of the connection this context runs on.
	IsServer bool
	// Capabilities is the negotiated intersection of both peers' capability
	// sets.
	Capabilities []string
}

// Filter returns the transfer's partition filter.
func (c *Context) Filter() filters.Filter {
	if c.Transfer == nil {
		return nil
	}
	return c.Transfer.Filter
}

// LocalIsProducer reports whether this side sends data: the client of a push
// or the server of a pull.
func (c *Context) LocalIsProducer() bool {
	return c.IsPush != c.IsServer
}

// ProducerFSIC returns the sending side's FSIC string.
func (c *Context) ProducerFSIC() string {
	if c.IsPush {
		return c.Transfer.ClientFSIC
	}
	return c.Transfer.ServerFSIC
}

// ReceiverFSIC returns the receiving side's FSIC string.
func (c *Context) ReceiverFSIC() string {
	if c.IsPush {
		return c.Transfer.ServerFSIC
	}
	return c.Transfer.ClientFSIC
}

// UsesV2FSIC reports whether both peers negotiated the nested FSIC layout.
func (c *Context) UsesV2FSIC() bool {
	return HasCapability(c.Capabilities, CapabilityFSICv2)
}

// contextState is the persisted form of a Context: just enough to rehydrate
// from the session store.
type contextState struct {
	SyncSessionID     string   `json:"sync_session_id"`
	TransferSessionID string   `json:"transfer_session_id"`
	IsPush            bool     `json:"is_push"`
	IsServer          bool     `json:"is_server"`
	Capabilities      []string `json:"capabilities"`
	Stage             Stage    `json:"stage"`
	StageStatus       Status   `json:"stage_status"`
}

// MarshalJSON persists the context as session references plus its position in
// the pipeline.
func (c *Context) MarshalJSON() ([]byte, error) {
	state := contextState{
		IsPush:       c.IsPush,
		IsServer:     c.IsServer,
		Capabilities: c.Capabilities,
	}
	if c.SyncSession != nil {
		state.SyncSessionID = c.SyncSession.ID
	}
	if c.Transfer != nil {
		state.TransferSessionID = c.Transfer.ID
		state.Stage = c.Transfer.Stage
		state.StageStatus = c.Transfer.StageStatus
	}
	return json.Marshal(state)
}

// ResumeContext rehydrates a persisted context against the session store. The
// sync session must still be active, and must not be owned by another live
// process; ownership transfers to this process on success.
func ResumeContext(ctx context.Context, sessions *Store, data []byte) (*Context, error) {
	var state contextState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode session context: %w", err)
	}

	ss, err := sessions.GetSyncSession(ctx, state.SyncSessionID)
	if err != nil {
		return nil, err
	}
	if !ss.Active {
		return nil, fmt.Errorf("sync session %s is closed: %w", ss.ID, ErrResumeSync)
	}
	if ss.ProcessID != 0 && ss.ProcessID != os.Getpid() && processAlive(ss.ProcessID) {
		return nil, fmt.Errorf("sync session %s is held by running process %d: %w",
			ss.ID, ss.ProcessID, ErrResumeSync)
	}
	if err := sessions.ClaimSyncSession(ctx, ss.ID, os.Getpid()); err != nil {
		return nil, err
	}
	ss.ProcessID = os.Getpid()

	sc := &Context{
		SyncSession:  ss,
		IsPush:       state.IsPush,
		IsServer:     state.IsServer,
		Capabilities: state.Capabilities,
	}
	if state.TransferSessionID != "" {
		ts, err := sessions.GetTransferSession(ctx, state.TransferSessionID)
		if err != nil {
			return nil, err
		}
		sc.Transfer = ts
	}
	return sc, nil
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
