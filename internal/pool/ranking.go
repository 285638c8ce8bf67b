package pool

import (
	"sort"
	"time"
)

// Default reward policy: top 5 submissions share the pool, with 80% to the
// best and the remaining 20% split equally among the rest.
const (
	DefaultTopK           = 5
	DefaultTopRewardShare = 0.8
)

// SettlementEntry is one ranked candidate's outcome for a challenge.
type SettlementEntry struct {
	WorkerID    string
	Score       float64
	Fingerprint string
	Fraction    float64

	// Zeroed marks a duplicate-cluster member: the worker's entry was
	// excluded from reward regardless of its score.
	Zeroed bool
}

// Settlement is the terminal ranking result for one challenge. It is
// recomputed fresh per settlement and never mutated in place.
type Settlement struct {
	ChallengeID string

	// Entries lists every scored candidate in rank order, zeroed
	// duplicate-cluster members included.
	Entries []SettlementEntry

	// Rewards maps each paid worker to its reward fraction. Workers not
	// present receive zero. Fractions sum to at most 1.0.
	Rewards map[string]float64

	// Forfeited is the unclaimed portion of the reward pool. Forfeited
	// reward is never redistributed; redistribution would change the
	// incentive geometry.
	Forfeited float64

	// BestWorker and BestScore identify the effective rank-1 entry, if
	// any worker was paid.
	BestWorker string
	BestScore  float64

	SettledAt time.Time
}

// TotalPaid returns the sum of all reward fractions in the settlement.
func (s *Settlement) TotalPaid() float64 {
	total := 0.0
	for _, f := range s.Rewards {
		total += f
	}
	return total
}

// Engine is the ranking and reward engine. Settle is deterministic given
// the same (worker, score, fingerprint) tuples: independent validators
// must converge on the same settlement without coordination, so the total
// order admits no randomness.
type Engine struct {
	topK     int
	topShare float64
}

// NewEngine creates a ranking engine. Non-positive topK and out-of-range
// topShare fall back to the defaults.
func NewEngine(topK int, topShare float64) *Engine {
	if topK < 1 {
		topK = DefaultTopK
	}
	if topShare <= 0 || topShare > 1 {
		topShare = DefaultTopRewardShare
	}
	return &Engine{
		topK:     topK,
		topShare: topShare,
	}
}

// Settle computes the reward map for a closed challenge:
//
//  1. Candidates without a score are discarded, not ranked as zero.
//  2. Duplicate-cluster members are zeroed before selection; a copied
//     result earns nothing and never consumes a reward slot.
//  3. The remainder is totally ordered by score ascending, then
//     fingerprint, then worker ID.
//  4. The top-K of that order is paid: rank-1 gets the top share, the
//     rest split the remainder equally. Unclaimed reward is forfeited.
//
// A challenge with no payable candidates settles to an empty reward map;
// that is a valid terminal state, not a fault. Settling a challenge that
// is not Closed returns ErrNotClosed.
func (e *Engine) Settle(challenge Challenge, candidates []Candidate, now time.Time) (*Settlement, error) {
	if challenge.State != StateClosed {
		return nil, ErrNotClosed
	}

	settlement := &Settlement{
		ChallengeID: challenge.ID,
		Rewards:     make(map[string]float64),
		SettledAt:   now,
	}

	// Discard ScoringFailed / unscored candidates
	scored := make([]Candidate, 0, len(candidates))
	for _, cand := range candidates {
		if cand.Scored {
			scored = append(scored, cand)
		}
	}

	// Total order: score ascending (lower is better), fingerprint, worker
	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score < b.Score
		}
		if a.Fingerprint != b.Fingerprint {
			return a.Fingerprint < b.Fingerprint
		}
		return a.WorkerID < b.WorkerID
	})

	payable := make([]Candidate, 0, len(scored))
	for _, cand := range scored {
		if !cand.Duplicate {
			payable = append(payable, cand)
		}
	}

	paid := payable
	if len(paid) > e.topK {
		paid = paid[:e.topK]
	}

	fractions := make(map[string]float64, len(paid))
	switch {
	case len(paid) == 0:
		// No payout; the whole pool is forfeited if anyone competed
	case len(paid) == 1:
		fractions[paid[0].WorkerID] = e.topShare
	default:
		rest := (1.0 - e.topShare) / float64(len(paid)-1)
		fractions[paid[0].WorkerID] = e.topShare
		for _, cand := range paid[1:] {
			fractions[cand.WorkerID] = rest
		}
	}

	totalPaid := 0.0
	for worker, f := range fractions {
		settlement.Rewards[worker] = f
		totalPaid += f
	}
	if len(scored) > 0 {
		settlement.Forfeited = 1.0 - totalPaid
	}

	if len(paid) > 0 {
		settlement.BestWorker = paid[0].WorkerID
		settlement.BestScore = paid[0].Score
	}

	settlement.Entries = make([]SettlementEntry, 0, len(scored))
	for _, cand := range scored {
		settlement.Entries = append(settlement.Entries, SettlementEntry{
			WorkerID:    cand.WorkerID,
			Score:       cand.Score,
			Fingerprint: cand.Fingerprint,
			Fraction:    fractions[cand.WorkerID],
			Zeroed:      cand.Duplicate,
		})
	}

	return settlement, nil
}
