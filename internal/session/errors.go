package session

import "errors"

var (
	// ErrSkip is returned by a stage handler to defer to the next handler in
	// the chain.
	ErrSkip = errors.New("handler does not apply")

	// ErrResumeSync is returned when a sync session cannot be resumed, either
	// because another live process owns it or because its state is
	// incompatible with the resume request.
	ErrResumeSync = errors.New("sync session cannot be resumed")

	// ErrStageErrored is returned when a transfer session's current stage has
	// already failed; the session must be cleaned up, not driven forward.
	ErrStageErrored = errors.New("transfer stage errored")

	// ErrSessionNotFound is returned for lookups of unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidStage rejects attempts to move a transfer backwards or to an
	// unknown stage.
	ErrInvalidStage = errors.New("invalid transfer stage")
)
