package tally

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("tally: no store configured")
	ErrStoreClosed = errors.New("tally: store closed")

	// Lock errors.
	ErrLockStoreUnavailable = errors.New("tally: lock store unavailable")
	ErrLockLost             = errors.New("tally: lock lost")
	ErrLocalLockRejected    = errors.New("tally: process-local locks are not allowed in production")

	// Not found errors.
	ErrDLQNotFound      = errors.New("tally: dlq entry not found")
	ErrDocumentNotFound = errors.New("tally: fiscal document not found")
	ErrDeviceNotFound   = errors.New("tally: connector device not found")

	// Conflict errors.
	ErrDuplicateIdempotencyKey = errors.New("tally: duplicate idempotency key")
	ErrPairingCodeCollision    = errors.New("tally: pairing code collision")
	ErrConflictingResult       = errors.New("tally: conflicting result for terminal document")

	// Rejections.
	ErrUnauthorized       = errors.New("tally: unauthorized")
	ErrInvalidPairingCode = errors.New("tally: invalid or expired pairing code")
	ErrInvalidState       = errors.New("tally: invalid state transition")
	ErrInvalidPayload     = errors.New("tally: invalid payload")

	// Event bus errors.
	ErrChannelClosed = errors.New("tally: broadcast channel closed")
)
