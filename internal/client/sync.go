package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/morango/morango/internal/certificates"
	"github.com/morango/morango/internal/crypto"
	"github.com/morango/morango/internal/filters"
	"github.com/morango/morango/internal/session"
)

// SyncClient drives complete push and pull cycles against one remote server:
// the local stage pipeline on this side, the remote pipeline through the
// connection, and the buffer ferry in between.
type SyncClient struct {
	conn *NetworkSyncConnection
	env  *session.LocalEnv
	ctrl *session.Controller

	clientCert   *certificates.Certificate
	serverCertID string
	profile      string

	syncSession *session.SyncSession
	log         *logrus.Entry
}

// NewSyncClient creates a sync client. clientCert must carry its private key;
// serverCertID names the certificate the server authorizes under.
func NewSyncClient(conn *NetworkSyncConnection, env *session.LocalEnv, clientCert *certificates.Certificate, serverCertID, profile string) *SyncClient {
	return &SyncClient{
		conn:         conn,
		env:          env,
		ctrl:         session.NewLocalController(env),
		clientCert:   clientCert,
		serverCertID: serverCertID,
		profile:      profile,
		log:          logrus.WithField("component", "sync_client"),
	}
}

// SyncSession returns the open sync session, nil before Connect.
func (c *SyncClient) SyncSession() *session.SyncSession {
	return c.syncSession
}

// Connect negotiates capabilities and opens a sync session on both sides.
func (c *SyncClient) Connect(ctx context.Context) error {
	info, err := c.conn.FetchInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to reach remote server: %w", err)
	}

	snap, err := c.env.Identity.Current(ctx)
	if err != nil {
		return err
	}
	instance := map[string]string{
		"instance_id": snap.ID,
		"database_id": snap.DatabaseID,
		"platform":    snap.Platform,
		"hostname":    snap.Hostname,
	}

	sessionID := crypto.RandomID()
	remote, err := c.conn.CreateSyncSession(ctx, sessionID, c.clientCert, c.serverCertID, c.profile, instance)
	if err != nil {
		return fmt.Errorf("failed to open sync session: %w", err)
	}

	ss := &session.SyncSession{
		ID:                  sessionID,
		IsServer:            false,
		ClientCertificateID: c.clientCert.ID,
		ServerCertificateID: c.serverCertID,
		Profile:             c.profile,
		ConnectionKind:      "network",
		ConnectionPath:      c.conn.baseURL,
		ClientInstance:      session.InstanceJSON(instance),
		ServerInstance:      remote.ServerInstance,
	}
	if err := c.env.Sessions.CreateSyncSession(ctx, ss); err != nil {
		return err
	}
	c.syncSession = ss

	c.log.WithFields(logrus.Fields{
		"sync_session_id": sessionID,
		"server_instance": info.InstanceID,
	}).Info("Opened sync session")
	return nil
}

// Close deactivates the sync session on both sides.
func (c *SyncClient) Close(ctx context.Context) error {
	if c.syncSession == nil {
		return nil
	}
	if err := c.conn.CloseSyncSession(ctx, c.syncSession.ID); err != nil {
		c.log.WithError(err).Warn("Failed to close remote sync session")
	}
	if err := c.env.Sessions.CloseSyncSession(ctx, c.syncSession.ID); err != nil {
		return err
	}
	c.syncSession.Active = false
	return nil
}

func (c *SyncClient) startTransfer(ctx context.Context, filt filters.Filter, push bool) (*session.Context, error) {
	if c.syncSession == nil {
		return nil, fmt.Errorf("sync session is not open")
	}
	sc, err := c.env.StartTransfer(ctx, c.syncSession, &session.TransferSession{
		ID:     crypto.RandomID(),
		Push:   push,
		Filter: filt,
	}, false, c.conn.Capabilities())
	if errors.Is(err, session.ErrResumeSync) {
		return c.resumeTransfer(ctx, filt, push)
	}
	return sc, err
}

// resumeTransfer picks an interrupted transfer back up. The active transfer
// must match the requested filter and direction, and the sync session must
// not be held by another live process.
func (c *SyncClient) resumeTransfer(ctx context.Context, filt filters.Filter, push bool) (*session.Context, error) {
	existing, err := c.env.Sessions.ActiveTransferSession(ctx, c.syncSession.ID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("no active transfer to resume: %w", session.ErrResumeSync)
	}
	if existing.Push != push || existing.Filter.String() != filt.String() {
		return nil, fmt.Errorf("active transfer %s has a different filter or direction: %w",
			existing.ID, session.ErrResumeSync)
	}

	state, err := json.Marshal(&session.Context{
		SyncSession:  c.syncSession,
		Transfer:     existing,
		IsPush:       push,
		Capabilities: c.conn.Capabilities(),
	})
	if err != nil {
		return nil, err
	}
	sc, err := session.ResumeContext(ctx, c.env.Sessions, state)
	if err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{
		"transfer_session_id": sc.Transfer.ID,
		"stage":               sc.Transfer.Stage,
	}).Info("Resuming interrupted transfer")
	return sc, nil
}

// Push serializes, queues, and uploads every record under filt that the
// server has not yet seen, then has the server integrate them.
func (c *SyncClient) Push(ctx context.Context, filt filters.Filter) (*session.TransferSession, error) {
	sc, err := c.startTransfer(ctx, filt, true)
	if err != nil {
		return nil, err
	}

	// Compute the local FSIC (and serialize dirty models into the store)
	// before telling the server about the transfer.
	if _, err := c.ctrl.ProceedTo(ctx, sc, session.StageSerializing); err != nil {
		return nil, err
	}

	// A resumed transfer already exists on the server.
	if sc.Transfer.ServerFSIC == "" {
		remote, err := c.conn.CreateTransferSession(ctx, sc.Transfer.ID, c.syncSession.ID,
			filt.String(), true, sc.Transfer.ClientFSIC)
		if err != nil {
			return nil, fmt.Errorf("failed to open transfer session: %w", err)
		}
		sc.Transfer.ServerFSIC = remote.ServerFSIC
		if err := c.env.Sessions.SaveTransferSession(ctx, sc.Transfer); err != nil {
			return nil, err
		}
	}

	if _, err := c.ctrl.ProceedTo(ctx, sc, session.StageQueuing); err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"transfer_session_id": sc.Transfer.ID,
		"records_total":       sc.Transfer.RecordsTotal,
	}).Info("Pushing records")

	chunk := c.conn.opts.ChunkSize
	for sc.Transfer.RecordsTransferred < sc.Transfer.RecordsTotal {
		page, err := c.env.Records.BufferPage(ctx, sc.Transfer.ID, chunk, int(sc.Transfer.RecordsTransferred))
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		sent, err := c.conn.PushBuffers(ctx, page)
		if err != nil {
			return nil, fmt.Errorf("failed to push buffers: %w", err)
		}
		sc.Transfer.RecordsTransferred += int64(len(page))
		if err := c.env.Sessions.SaveTransferSession(ctx, sc.Transfer); err != nil {
			return nil, err
		}
		if err := c.env.Sessions.AddBytes(ctx, sc.Transfer.ID, sent, 0); err != nil {
			return nil, err
		}
	}

	if _, err := c.ctrl.ProceedTo(ctx, sc, session.StageTransferring); err != nil {
		return nil, err
	}

	// The server dequeues what it received before we clean up locally.
	if _, err := c.conn.CloseTransferSession(ctx, sc.Transfer.ID); err != nil {
		return nil, fmt.Errorf("remote finalization failed: %w", err)
	}
	if err := c.ctrl.ProceedToAndWait(ctx, sc, session.StageCleanup); err != nil {
		return nil, err
	}
	return sc.Transfer, nil
}

// Pull downloads every record under filt that this peer has not yet seen and
// integrates it into the local store.
func (c *SyncClient) Pull(ctx context.Context, filt filters.Filter) (*session.TransferSession, error) {
	sc, err := c.startTransfer(ctx, filt, false)
	if err != nil {
		return nil, err
	}

	if _, err := c.ctrl.ProceedTo(ctx, sc, session.StageInitializing); err != nil {
		return nil, err
	}

	// The server queues its records and reports how many are coming. A
	// resumed transfer already exists on the server.
	if sc.Transfer.ServerFSIC == "" {
		remote, err := c.conn.CreateTransferSession(ctx, sc.Transfer.ID, c.syncSession.ID,
			filt.String(), false, sc.Transfer.ClientFSIC)
		if err != nil {
			return nil, fmt.Errorf("failed to open transfer session: %w", err)
		}
		sc.Transfer.ServerFSIC = remote.ServerFSIC
		sc.Transfer.RecordsTotal = remote.RecordsTotal
		if err := c.env.Sessions.SaveTransferSession(ctx, sc.Transfer); err != nil {
			return nil, err
		}
	}

	c.log.WithFields(logrus.Fields{
		"transfer_session_id": sc.Transfer.ID,
		"records_total":       sc.Transfer.RecordsTotal,
	}).Info("Pulling records")

	chunk := c.conn.opts.ChunkSize
	for sc.Transfer.RecordsTransferred < sc.Transfer.RecordsTotal {
		page, err := c.conn.PullBuffers(ctx, sc.Transfer.ID, chunk, int(sc.Transfer.RecordsTransferred))
		if err != nil {
			return nil, fmt.Errorf("failed to pull buffers: %w", err)
		}
		if len(page.Results) == 0 {
			break
		}
		if err := c.env.Records.InsertWireBuffers(ctx, page.Results, sc.Filter()); err != nil {
			return nil, err
		}
		sc.Transfer.RecordsTransferred += int64(len(page.Results))
		if err := c.env.Sessions.SaveTransferSession(ctx, sc.Transfer); err != nil {
			return nil, err
		}
	}

	// The server's transferring stage completes off our reported progress.
	if _, err := c.conn.UpdateTransferSession(ctx, sc.Transfer.ID, sc.Transfer.RecordsTransferred); err != nil {
		return nil, err
	}

	// Dequeue, deserialize, and clean up locally, then release the server.
	if err := c.ctrl.ProceedToAndWait(ctx, sc, session.StageCleanup); err != nil {
		return nil, err
	}
	if _, err := c.conn.CloseTransferSession(ctx, sc.Transfer.ID); err != nil {
		return nil, fmt.Errorf("remote finalization failed: %w", err)
	}
	return sc.Transfer, nil
}
