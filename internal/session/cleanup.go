package session

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/morango/morango/internal/store"
)

// DefaultExpiration is how long a transfer session may sit idle before the
// sweeper retires it. A device interrupted mid-sync gets this long to come
// back and resume.
const DefaultExpiration = 6 * time.Hour

// CleanupOptions restrict which sessions a sweep touches.
type CleanupOptions struct {
	// Expiration overrides DefaultExpiration when positive.
	Expiration time.Duration
	// Push, when set, restricts the sweep to one direction.
	Push *bool
	// SyncSessionID, when set, restricts the sweep to one sync session.
	SyncSessionID string
}

// CleanupSyncs retires transfer sessions idle past the expiration window:
// their buffered data is dropped, the session is marked errored and inactive,
// and sync sessions left with no active transfers are closed. Returns the
// number of transfer sessions retired.
func CleanupSyncs(ctx context.Context, sessions *Store, records *store.Store, opts CleanupOptions) (int, error) {
	expiration := opts.Expiration
	if expiration <= 0 {
		expiration = DefaultExpiration
	}
	cutoff := time.Now().UTC().Add(-expiration)

	stale, err := sessions.StaleTransferSessions(ctx, cutoff, opts.Push, opts.SyncSessionID)
	if err != nil {
		return 0, err
	}

	log := logrus.WithField("component", "cleanup")
	retired := 0
	for _, ts := range stale {
		if err := records.ClearBuffers(ctx, ts.ID); err != nil {
			log.WithError(err).WithField("transfer_session_id", ts.ID).Warn("Failed to clear buffers")
			continue
		}
		ts.Active = false
		if ts.StageStatus != StatusCompleted || ts.Stage != StageCleanup {
			ts.StageStatus = StatusErrored
			ts.TransferError = "session expired"
		}
		if err := sessions.SaveTransferSession(ctx, ts); err != nil {
			log.WithError(err).WithField("transfer_session_id", ts.ID).Warn("Failed to retire transfer session")
			continue
		}
		retired++
	}

	closed, err := sessions.DeactivateIdleSyncSessions(ctx, cutoff)
	if err != nil {
		return retired, err
	}

	if retired > 0 || closed > 0 {
		log.WithFields(logrus.Fields{
			"transfer_sessions": retired,
			"sync_sessions":     closed,
		}).Info("Cleaned up expired sync sessions")
	}
	return retired, nil
}
