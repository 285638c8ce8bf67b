// Package oracle defines the scoring oracle interface and its HTTP client.
// The oracle is an external collaborator that deterministically computes a
// scalar quality score for a submission (lower is better). It must be a
// pure function of its inputs so independent validators agree on scores
// without coordination.
package oracle

import (
	"context"
	"errors"
)

// ErrScoringFailed indicates the oracle could not evaluate a well-formed
// submission. Such submissions are excluded from ranking entirely: they
// are never treated as score zero, and a failed score is permanent unless
// the worker resubmits before the deadline.
var ErrScoringFailed = errors.New("scoring failed")

// Oracle scores a submission payload against a challenge payload.
type Oracle interface {
	Score(ctx context.Context, challengePayload, submissionPayload []byte) (float64, error)
}
