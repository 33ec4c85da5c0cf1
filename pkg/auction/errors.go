package auction

import "errors"

// Sentinel errors shared by every engine component. Callers wrap them with
// fmt.Errorf("...: %w", err) and match with errors.Is.
var (
	// ErrInvalidTransition is returned when an operation is attempted in a
	// round state that does not allow it.
	ErrInvalidTransition = errors.New("auction: invalid round state transition")

	// ErrInvalidOrder is returned for orders rejected at submission.
	ErrInvalidOrder = errors.New("auction: invalid order")

	// ErrUnauthorized is returned when the caller identity is missing or the
	// request signature does not recover to it.
	ErrUnauthorized = errors.New("auction: unauthorized caller")

	// ErrCommitmentMismatch marks a decrypted payload whose hash differs from
	// the commitment recorded at submission. It voids the order only.
	ErrCommitmentMismatch = errors.New("auction: commitment mismatch")

	// ErrEncryptionNotReady is returned when a round identity is requested
	// before the round has entered Revealing.
	ErrEncryptionNotReady = errors.New("auction: round identity not released")

	ErrNotFound = errors.New("auction: not found")

	// ErrOverflow is returned when clearing arithmetic exceeds int64.
	ErrOverflow = errors.New("auction: arithmetic overflow")
)
