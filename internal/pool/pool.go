// Package pool implements the global job pool core: the challenge registry,
// the oversubscription scheduler, the submission collector, and the
// deterministic ranking and reward engine. Independent validator processes
// each run their own copy of this package and converge on identical
// settlements through determinism rather than coordination.
package pool

import (
	"context"
	"errors"
)

// Domain errors returned by pool operations. Services wrap these with
// pkg/errors at their edges; callers test with errors.Is.
var (
	// ErrDuplicateChallenge is returned when registering a challenge ID
	// that already exists.
	ErrDuplicateChallenge = errors.New("challenge already registered")

	// ErrNotFound is returned when a challenge ID is not in the registry.
	ErrNotFound = errors.New("challenge not found")

	// ErrUnknownChallenge rejects a submission for a challenge the
	// collector has never seen.
	ErrUnknownChallenge = errors.New("unknown challenge")

	// ErrChallengeExpired rejects a submission for a challenge that is
	// past its deadline, closed, withdrawn, or sealed.
	ErrChallengeExpired = errors.New("challenge expired")

	// ErrMalformedPayload rejects a submission whose payload fails
	// structural validation.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrNotClosed is returned when settlement is attempted on a
	// challenge that is not in the Closed state.
	ErrNotClosed = errors.New("challenge not closed")

	// ErrNotSettled is returned when retiring a challenge that has not
	// been settled yet.
	ErrNotSettled = errors.New("challenge not settled")
)

// PayloadStore is content-addressable storage for submission payloads.
// Keys are fingerprints computed locally by the collector; a hash supplied
// by the store itself is never trusted.
type PayloadStore interface {
	Put(ctx context.Context, fingerprint string, payload []byte) error
	Get(ctx context.Context, fingerprint string) ([]byte, error)
}
