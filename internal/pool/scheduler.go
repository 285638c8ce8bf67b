package pool

import (
	"context"
	"time"
)

// Eligibility decides whether a worker may currently be offered work.
// Implementations cover ban lists and rate limiting; the scheduler itself
// imposes no policy beyond it.
type Eligibility interface {
	Eligible(ctx context.Context, workerID string) (bool, error)
}

// EligibilityFunc adapts a function to the Eligibility interface.
type EligibilityFunc func(ctx context.Context, workerID string) (bool, error)

// Eligible implements Eligibility
func (f EligibilityFunc) Eligible(ctx context.Context, workerID string) (bool, error) {
	return f(ctx, workerID)
}

// AllowAll is an Eligibility that admits every worker.
var AllowAll = EligibilityFunc(func(context.Context, string) (bool, error) {
	return true, nil
})

// Scheduler decides which challenges a worker may work on. The policy is
// uniform oversubscription: every eligible worker is offered every active
// challenge, with no exclusive leases. More independent attempts per
// challenge improve the chance of a good solution, and no worker can be
// starved of opportunity by another's claim.
//
// The scheduler is a read-side policy function. It never mutates challenge
// or submission state; offer bookkeeping is the caller's concern via
// Registry.RecordOffer.
type Scheduler struct {
	registry    *Registry
	eligibility Eligibility
}

// NewScheduler creates a scheduler over the given registry. A nil
// eligibility admits every worker.
func NewScheduler(registry *Registry, eligibility Eligibility) *Scheduler {
	if eligibility == nil {
		eligibility = AllowAll
	}
	return &Scheduler{
		registry:    registry,
		eligibility: eligibility,
	}
}

// EligibleChallenges returns the challenges the worker may currently work
// on. An ineligible worker gets an empty set. The result is a pure
// function of the active challenge set and worker eligibility, ordered
// deterministically by creation time then ID.
func (s *Scheduler) EligibleChallenges(ctx context.Context, workerID string, now time.Time) ([]Challenge, error) {
	ok, err := s.eligibility.Eligible(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	return s.registry.ListActive(now), nil
}
