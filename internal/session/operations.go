package session

import (
	"context"
	"fmt"

	"github.com/morango/morango/internal/fsic"
	"github.com/morango/morango/internal/identity"
	"github.com/morango/morango/internal/serialization"
	"github.com/morango/morango/internal/store"
)

// LocalEnv bundles the local subsystems the built-in stage handlers operate
// on.
type LocalEnv struct {
	Records       *store.Store
	Sessions      *Store
	Serialization *serialization.Controller
	Identity      *identity.Manager
	// SerializeBeforeQueuing folds dirty app records into the store before
	// queuing, so a producer always sends its latest data.
	SerializeBeforeQueuing bool
	// DeserializeAfterDequeuing rehydrates received records into the app as
	// part of the transfer, instead of leaving them for a later pass.
	DeserializeAfterDequeuing bool
}

// NewLocalController wires the built-in handlers for every stage against the
// local environment.
func NewLocalController(env *LocalEnv) *Controller {
	c := NewController(env.Sessions)
	c.Register(StageInitializing, env.initializeHandler)
	c.Register(StageSerializing, env.serializeHandler)
	c.Register(StageQueuing, env.queueHandler)
	c.Register(StageTransferring, env.transferHandler)
	c.Register(StageDequeuing, env.dequeueHandler)
	c.Register(StageDeserializing, env.deserializeHandler)
	c.Register(StageCleanup, env.cleanupHandler)
	return c
}

// initializeHandler computes this side's FSIC for the transfer filter and
// records it on the session.
func (env *LocalEnv) initializeHandler(ctx context.Context, sc *Context) (Status, error) {
	var encoded string
	var err error
	if sc.UsesV2FSIC() {
		var v2 fsic.V2
		v2, err = env.Records.CalculateFSICv2(ctx, sc.Filter())
		if err == nil {
			encoded, err = fsic.Marshal(fsic.FormatV2, nil, v2)
		}
	} else {
		var v1 fsic.V1
		v1, err = env.Records.CalculateFSICv1(ctx, sc.Filter())
		if err == nil {
			encoded, err = fsic.Marshal(fsic.FormatV1, v1, fsic.V2{})
		}
	}
	if err != nil {
		return StatusErrored, err
	}

	if sc.IsServer {
		sc.Transfer.ServerFSIC = encoded
	} else {
		sc.Transfer.ClientFSIC = encoded
	}
	return StatusCompleted, nil
}

// serializeHandler folds dirty app records into the store on the producing
// side before anything is queued.
func (env *LocalEnv) serializeHandler(ctx context.Context, sc *Context) (Status, error) {
	if !sc.LocalIsProducer() || !env.SerializeBeforeQueuing {
		return StatusCompleted, nil
	}
	if err := env.Serialization.SerializeIntoStore(ctx, sc.SyncSession.Profile, sc.Filter()); err != nil {
		return StatusErrored, err
	}
	// Serializing changed the data; refresh this side's FSIC.
	if _, err := env.initializeHandler(ctx, sc); err != nil {
		return StatusErrored, err
	}
	return StatusCompleted, nil
}

// queueHandler selects the records the receiver is missing into the transfer
// buffer and records the total.
func (env *LocalEnv) queueHandler(ctx context.Context, sc *Context) (Status, error) {
	if !sc.LocalIsProducer() {
		return StatusCompleted, nil
	}

	diff, err := transferDiff(sc)
	if err != nil {
		return StatusErrored, err
	}

	total, err := env.Records.Queue(ctx, sc.Transfer.ID, sc.SyncSession.Profile, diff)
	if err != nil {
		return StatusErrored, err
	}
	sc.Transfer.RecordsTotal = total
	return StatusCompleted, nil
}

// transferDiff computes the per-partition lower bounds from the two FSICs on
// the session.
func transferDiff(sc *Context) (map[string]fsic.V1, error) {
	if sc.UsesV2FSIC() {
		producer, err := fsic.UnmarshalV2(sc.ProducerFSIC())
		if err != nil {
			return nil, err
		}
		receiver, err := fsic.UnmarshalV2(sc.ReceiverFSIC())
		if err != nil {
			return nil, err
		}
		return fsic.DiffV2(producer, receiver), nil
	}

	producer, err := fsic.UnmarshalV1(sc.ProducerFSIC())
	if err != nil {
		return nil, err
	}
	receiver, err := fsic.UnmarshalV1(sc.ReceiverFSIC())
	if err != nil {
		return nil, err
	}
	return store.DiffToPartitionMap(fsic.DiffV1(producer, receiver), sc.Filter()), nil
}

// transferHandler reports transfer progress. The actual record movement is
// driven by the network layer (or happens in place for a local sync); this
// handler completes once every queued record has crossed.
func (env *LocalEnv) transferHandler(ctx context.Context, sc *Context) (Status, error) {
	if sc.Transfer.RecordsTransferred >= sc.Transfer.RecordsTotal {
		return StatusCompleted, nil
	}
	return StatusPending, nil
}

// dequeueHandler merges the received buffers into the store on the receiving
// side and absorbs the producer's FSIC into the local counters.
func (env *LocalEnv) dequeueHandler(ctx context.Context, sc *Context) (Status, error) {
	if sc.LocalIsProducer() {
		return StatusCompleted, nil
	}

	has, err := env.Records.HasBuffers(ctx, sc.Transfer.ID)
	if err != nil {
		return StatusErrored, err
	}
	if has {
		snap, err := env.Identity.CurrentAndIncrement(ctx)
		if err != nil {
			return StatusErrored, err
		}
		if err := env.Records.Dequeue(ctx, sc.Transfer.ID, snap.ID, snap.Counter, sc.Filter()); err != nil {
			return StatusErrored, err
		}
	}

	if sc.UsesV2FSIC() {
		producer, err := fsic.UnmarshalV2(sc.ProducerFSIC())
		if err != nil {
			return StatusErrored, err
		}
		if err := env.Records.UpdateFSICsV2(ctx, producer); err != nil {
			return StatusErrored, err
		}
	} else {
		producer, err := fsic.UnmarshalV1(sc.ProducerFSIC())
		if err != nil {
			return StatusErrored, err
		}
		if err := env.Records.UpdateFSICsV1(ctx, producer, sc.Filter()); err != nil {
			return StatusErrored, err
		}
	}
	return StatusCompleted, nil
}

// deserializeHandler rehydrates received records into the application on the
// receiving side.
func (env *LocalEnv) deserializeHandler(ctx context.Context, sc *Context) (Status, error) {
	if sc.LocalIsProducer() || !env.DeserializeAfterDequeuing {
		return StatusCompleted, nil
	}
	if err := env.Serialization.DeserializeFromStore(ctx, sc.SyncSession.Profile, sc.Filter()); err != nil {
		return StatusErrored, err
	}
	return StatusCompleted, nil
}

// cleanupHandler drops any leftover buffered data and retires the transfer
// session.
func (env *LocalEnv) cleanupHandler(ctx context.Context, sc *Context) (Status, error) {
	if err := env.Records.ClearBuffers(ctx, sc.Transfer.ID); err != nil {
		return StatusErrored, err
	}
	sc.Transfer.Active = false
	if err := env.Sessions.TouchSyncSession(ctx, sc.SyncSession.ID); err != nil {
		return StatusErrored, err
	}
	return StatusCompleted, nil
}

// StartTransfer creates and persists a transfer session under a sync session
// and returns a context positioned at the initializing stage.
func (env *LocalEnv) StartTransfer(ctx context.Context, ss *SyncSession, ts *TransferSession, isServer bool, capabilities []string) (*Context, error) {
	existing, err := env.Sessions.ActiveTransferSession(ctx, ss.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("sync session %s already has active transfer %s: %w",
			ss.ID, existing.ID, ErrResumeSync)
	}

	ts.SyncSessionID = ss.ID
	if err := env.Sessions.CreateTransferSession(ctx, ts); err != nil {
		return nil, err
	}
	return &Context{
		SyncSession:  ss,
		Transfer:     ts,
		IsPush:       ts.Push,
		IsServer:     isServer,
		Capabilities: capabilities,
	}, nil
}
