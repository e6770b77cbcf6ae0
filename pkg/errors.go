package pkg

import "errors"

// Error taxonomy shared by the cache and hot-state subsystem.
//
// NotFound, AlreadyExists and LockHeld are expected control-flow outcomes
// that callers must handle explicitly. SourceUnavailable and StoreUnavailable
// are the only conditions that should propagate to the request-serving layer
// as failures.
var (
	// ErrNotFound means the requested key is absent from the store or tier.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists means a session create collided with an existing record.
	ErrAlreadyExists = errors.New("already exists")

	// ErrLockHeld means a submission for the same (session, question) pair is
	// in flight or was very recently completed.
	ErrLockHeld = errors.New("submission lock held")

	// ErrSourceUnavailable means the external source of truth could not be
	// reached or returned a bad response. Distinct from ErrNotFound: the data
	// may exist but is currently unreachable.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrStoreUnavailable means the volatile or durable store is unreachable.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidIdentity means a pool identity failed validation.
	ErrInvalidIdentity = errors.New("invalid pool identity")

	// ErrQuestionMismatch means a submission named a question that is not the
	// one the session is waiting on. A caller error, not a server failure.
	ErrQuestionMismatch = errors.New("question mismatch")
)
