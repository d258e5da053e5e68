package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Handler drives one stage of a transfer session. It returns the stage's new
// status, or ErrSkip to defer to the next handler registered for the stage.
// Returning StatusPending or StatusStarted means the stage is asynchronous
// and the controller must be invoked again later.
type Handler func(ctx context.Context, sc *Context) (Status, error)

// Controller moves transfer sessions forward through the stage pipeline by
// invoking the handler chain registered for each stage.
type Controller struct {
	sessions   *Store
	middleware map[Stage][]Handler
	log        *logrus.Entry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewController returns a Controller with no handlers registered.
func NewController(sessions *Store) *Controller {
	return &Controller{
		sessions:   sessions,
		middleware: map[Stage][]Handler{},
		log:        logrus.WithField("component", "session-controller"),
		locks:      map[string]*sync.Mutex{},
	}
}

// Register appends a handler to a stage's chain.
func (c *Controller) Register(stage Stage, h Handler) {
	c.middleware[stage] = append(c.middleware[stage], h)
}

// sessionLock returns the mutex serializing work on one transfer session
// within this process.
func (c *Controller) sessionLock(transferSessionID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[transferSessionID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[transferSessionID] = l
	}
	return l
}

// ProceedTo advances the transfer session toward the target stage, invoking
// each intervening stage's handlers. It returns the status of the furthest
// stage reached: StatusCompleted when the target finished, StatusPending or
// StatusStarted when an asynchronous stage needs polling, StatusErrored when
// a stage failed.
func (c *Controller) ProceedTo(ctx context.Context, sc *Context, target Stage) (Status, error) {
	if !target.Valid() {
		return StatusErrored, fmt.Errorf("%w: %q", ErrInvalidStage, target)
	}
	if sc.Transfer == nil {
		return StatusErrored, fmt.Errorf("context has no transfer session")
	}

	lock := c.sessionLock(sc.Transfer.ID)
	lock.Lock()
	defer lock.Unlock()

	for {
		stage, status := sc.Transfer.Stage, sc.Transfer.StageStatus

		if status == StatusErrored {
			return StatusErrored, fmt.Errorf("stage %s: %s: %w", stage, sc.Transfer.TransferError, ErrStageErrored)
		}
		if target.Before(stage) {
			return StatusCompleted, nil
		}
		if stage == target && status == StatusCompleted {
			return StatusCompleted, nil
		}

		if !status.InProgress() {
			// Current stage is done; enter the next one.
			sc.Transfer.Stage = stage.Next()
			sc.Transfer.StageStatus = StatusPending
		}

		result, err := c.invoke(ctx, sc)
		if err != nil {
			return StatusErrored, err
		}
		if result.InProgress() {
			return result, nil
		}
	}
}

// invoke runs the current stage's handler chain, persisting status
// transitions around it.
func (c *Controller) invoke(ctx context.Context, sc *Context) (Status, error) {
	stage := sc.Transfer.Stage

	sc.Transfer.StageStatus = StatusStarted
	if err := c.sessions.SaveTransferSession(ctx, sc.Transfer); err != nil {
		return StatusErrored, err
	}

	result := StatusCompleted
	var handlerErr error
	for _, h := range c.middleware[stage] {
		status, err := h(ctx, sc)
		if err == ErrSkip {
			continue
		}
		result, handlerErr = status, err
		break
	}

	if handlerErr != nil {
		sc.Transfer.StageStatus = StatusErrored
		sc.Transfer.TransferError = handlerErr.Error()
		if err := c.sessions.SaveTransferSession(ctx, sc.Transfer); err != nil {
			c.log.WithError(err).Warn("Failed to persist errored stage")
		}
		c.log.WithFields(logrus.Fields{
			"transfer_session_id": sc.Transfer.ID,
			"stage":               stage,
		}).WithError(handlerErr).Warn("Transfer stage failed")
		return StatusErrored, fmt.Errorf("stage %s: %w", stage, handlerErr)
	}

	sc.Transfer.StageStatus = result
	if err := c.sessions.SaveTransferSession(ctx, sc.Transfer); err != nil {
		return StatusErrored, err
	}

	c.log.WithFields(logrus.Fields{
		"transfer_session_id": sc.Transfer.ID,
		"stage":               stage,
		"status":              result,
	}).Debug("Transfer stage advanced")
	return result, nil
}

// stageBackOff waits 0.3*(2^n - 1) seconds after the nth attempt, capped.
type stageBackOff struct {
	attempt int
	cap     time.Duration
}

func (b *stageBackOff) NextBackOff() time.Duration {
	b.attempt++
	d := time.Duration(0.3 * float64(uint64(1)<<uint(b.attempt)-1) * float64(time.Second))
	if d > b.cap {
		d = b.cap
	}
	return d
}

func (b *stageBackOff) Reset() { b.attempt = 0 }

// ProceedToAndWait drives the session to the target stage, polling
// asynchronous stages with exponential backoff until they complete.
func (c *Controller) ProceedToAndWait(ctx context.Context, sc *Context, target Stage) error {
	bo := backoff.WithContext(&stageBackOff{cap: 30 * time.Second}, ctx)
	return backoff.Retry(func() error {
		status, err := c.ProceedTo(ctx, sc, target)
		if err != nil {
			return backoff.Permanent(err)
		}
		if status.InProgress() {
			return fmt.Errorf("stage %s still %s", sc.Transfer.Stage, status)
		}
		return nil
	}, bo)
}
