package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/macrocosm-os/mainframe/internal/validation"
)

// Submission is one worker's proposed solution to a challenge. At most one
// counted submission exists per (challenge, worker) pair: a later
// submission from the same worker supersedes the earlier one before
// scoring.
type Submission struct {
	ID          string
	ChallengeID string
	WorkerID    string
	Payload     []byte
	Fingerprint string
	Timestamp   time.Time

	// Seq is the collector-local arrival sequence number. It is the
	// stable secondary key for supersession when two submissions carry
	// the same timestamp.
	Seq uint64
}

// Candidate is a finalized submission handed to the ranking engine:
// identity, fingerprint, duplicate-cluster flag, and (once the oracle has
// run) its score.
type Candidate struct {
	WorkerID    string
	Fingerprint string

	// Duplicate marks membership in a duplicate cluster: the same
	// fingerprint submitted by two or more different workers. The
	// collector detects clusters; the ranking engine applies the penalty.
	Duplicate bool

	// Score is valid only when Scored is true. Unscored candidates are
	// those the oracle failed on; they are excluded from ranking rather
	// than treated as score zero.
	Score  float64
	Scored bool
}

// Collector ingests raw submissions for open challenges: structural
// validation, canonical fingerprinting, supersession, and the per-challenge
// seal barrier that makes settlement race-free. Safe for concurrent use.
type Collector struct {
	mu        sync.Mutex
	registry  *Registry
	validator *validation.PayloadValidator
	store     PayloadStore

	seq         uint64
	submissions map[string]map[string]*Submission // challengeID -> workerID -> counted submission
	sealed      map[string]bool
}

// NewCollector creates a collector over the given registry. The payload
// store is optional; when present, accepted payloads are written to it
// keyed by the locally computed fingerprint.
func NewCollector(registry *Registry, validator *validation.PayloadValidator, store PayloadStore) *Collector {
	return &Collector{
		registry:    registry,
		validator:   validator,
		store:       store,
		submissions: make(map[string]map[string]*Submission),
		sealed:      make(map[string]bool),
	}
}

// Submit ingests one submission. Rejections are returned synchronously:
// ErrUnknownChallenge, ErrChallengeExpired, or ErrMalformedPayload. A
// superseded earlier submission is dropped without ever being scored. One
// worker's malformed submission never affects another worker's.
func (c *Collector) Submit(ctx context.Context, challengeID, workerID string, payload []byte, ts time.Time) (*Submission, error) {
	challenge, err := c.registry.Get(challengeID)
	if err != nil {
		return nil, ErrUnknownChallenge
	}

	if challenge.State != StateOpen || ts.After(challenge.Deadline) {
		return nil, ErrChallengeExpired
	}

	if err := c.validator.ValidatePayload(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	fingerprint, err := c.validator.Fingerprint(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Re-check the seal barrier under the lock: once sealed, no submit
	// call succeeds, which is what makes settlement race-free.
	if c.sealed[challengeID] {
		return nil, ErrChallengeExpired
	}

	c.seq++
	sub := &Submission{
		ID:          uuid.New().String(),
		ChallengeID: challengeID,
		WorkerID:    workerID,
		Payload:     payload,
		Fingerprint: fingerprint,
		Timestamp:   ts,
		Seq:         c.seq,
	}

	byWorker, exists := c.submissions[challengeID]
	if !exists {
		byWorker = make(map[string]*Submission)
		c.submissions[challengeID] = byWorker
	}

	// Supersession: the later timestamp wins; equal timestamps resolve
	// by arrival sequence. The losing submission is discarded so it can
	// never be scored or game a tie-break.
	if existing, ok := byWorker[workerID]; ok && !supersedes(sub, existing) {
		return existing, nil
	}
	byWorker[workerID] = sub

	if c.store != nil {
		if err := c.store.Put(ctx, fingerprint, payload); err != nil {
			// The local copy is authoritative; a store failure does not
			// reject the submission.
			return sub, nil
		}
	}

	return sub, nil
}

// supersedes reports whether a replaces b under the (timestamp, arrival
// sequence) ordering.
func supersedes(a, b *Submission) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.Seq > b.Seq
}

// Seal closes the challenge and raises the submission barrier. After Seal
// returns, no Submit call for this challenge succeeds and the candidate
// set is final. Sealing is idempotent.
func (c *Collector) Seal(challengeID string) error {
	if err := c.registry.Close(challengeID); err != nil {
		return err
	}

	c.mu.Lock()
	c.sealed[challengeID] = true
	c.mu.Unlock()

	return nil
}

// Sealed reports whether the challenge has been sealed.
func (c *Collector) Sealed(challengeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sealed[challengeID]
}

// Candidates returns the finalized candidate set for a sealed challenge,
// with duplicate clusters flagged: entries sharing a fingerprint across
// different workers are all marked. Returns ErrNotClosed before Seal.
// Candidates start unscored; scores are attached downstream once the
// oracle has run.
func (c *Collector) Candidates(challengeID string) ([]Candidate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.sealed[challengeID] {
		return nil, ErrNotClosed
	}

	byWorker := c.submissions[challengeID]

	clusterSize := make(map[string]int, len(byWorker))
	for _, sub := range byWorker {
		clusterSize[sub.Fingerprint]++
	}

	candidates := make([]Candidate, 0, len(byWorker))
	for _, sub := range byWorker {
		candidates = append(candidates, Candidate{
			WorkerID:    sub.WorkerID,
			Fingerprint: sub.Fingerprint,
			Duplicate:   clusterSize[sub.Fingerprint] > 1,
		})
	}

	// Deterministic order regardless of map iteration
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].WorkerID < candidates[j].WorkerID
	})

	return candidates, nil
}

// Submissions returns the counted submissions for a challenge, one per
// worker. Used by callers that need payloads for scoring.
func (c *Collector) Submissions(challengeID string) []*Submission {
	c.mu.Lock()
	defer c.mu.Unlock()

	byWorker := c.submissions[challengeID]
	subs := make([]*Submission, 0, len(byWorker))
	for _, sub := range byWorker {
		subs = append(subs, sub)
	}

	sort.Slice(subs, func(i, j int) bool {
		return subs[i].WorkerID < subs[j].WorkerID
	})

	return subs
}

// SubmissionCount returns the number of counted submissions for a challenge.
func (c *Collector) SubmissionCount(challengeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.submissions[challengeID])
}

// Release drops all collector state for a challenge once it has been
// settled and its results exported.
func (c *Collector) Release(challengeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.submissions, challengeID)
	delete(c.sealed, challengeID)
}
