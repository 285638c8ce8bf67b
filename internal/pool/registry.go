package pool

import (
	"sort"
	"sync"
	"time"
)

// Registry holds the set of known challenges and their lifecycle state.
// It supports an unbounded backlog: oversubscription is the design, so
// backpressure is a scheduler policy, never a registry one. All operations
// are safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	challenges map[string]*Challenge
}

// NewRegistry creates an empty challenge registry
func NewRegistry() *Registry {
	return &Registry{
		challenges: make(map[string]*Challenge),
	}
}

// Register adds a new challenge in the Open state. Returns
// ErrDuplicateChallenge if the ID is already registered.
func (r *Registry) Register(c *Challenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.challenges[c.ID]; exists {
		return ErrDuplicateChallenge
	}

	stored := c.clone()
	stored.State = StateOpen
	if stored.Offers == nil {
		stored.Offers = make(map[string]time.Time)
	}
	r.challenges[c.ID] = &stored

	return nil
}

// Get returns a copy of the challenge with the given ID, or ErrNotFound.
func (r *Registry) Get(id string) (Challenge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, exists := r.challenges[id]
	if !exists {
		return Challenge{}, ErrNotFound
	}

	return c.clone(), nil
}

// ListActive returns copies of all open, non-expired challenges, ordered
// by creation time then ID so independent callers observe the same order.
func (r *Registry) ListActive(now time.Time) []Challenge {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []Challenge
	for _, c := range r.challenges {
		if c.Active(now) {
			active = append(active, c.clone())
		}
	}

	sort.Slice(active, func(i, j int) bool {
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].ID < active[j].ID
	})

	return active
}

// Close transitions a challenge from Open to Closed. Closing a challenge
// that has already moved past Open is a no-op, making deadline sweeps and
// explicit closes safe to race.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.challenges[id]
	if !exists {
		return ErrNotFound
	}

	if c.State == StateOpen {
		c.State = StateClosed
	}

	return nil
}

// CloseExpired closes every open challenge whose deadline has passed and
// returns the IDs that were closed.
func (r *Registry) CloseExpired(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var closed []string
	for id, c := range r.challenges {
		if c.State == StateOpen && c.Expired(now) {
			c.State = StateClosed
			closed = append(closed, id)
		}
	}

	sort.Strings(closed)
	return closed
}

// Withdraw cancels a challenge before its deadline: it atomically stops
// accepting submissions and removes it from the active set by moving the
// deadline to the withdrawal time and closing it.
func (r *Registry) Withdraw(id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.challenges[id]
	if !exists {
		return ErrNotFound
	}

	if c.State == StateOpen {
		if now.Before(c.Deadline) {
			c.Deadline = now
		}
		c.State = StateClosed
	}

	return nil
}

// MarkSettled transitions a challenge from Closed to Settled. Returns
// ErrNotClosed if the challenge is still Open; marking an already settled
// or retired challenge is a no-op.
func (r *Registry) MarkSettled(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.challenges[id]
	if !exists {
		return ErrNotFound
	}

	switch c.State {
	case StateOpen:
		return ErrNotClosed
	case StateClosed:
		c.State = StateSettled
	}

	return nil
}

// Retire transitions a challenge from Settled to Retired once its
// settlement has been exported. Retire is idempotent; retiring an
// unsettled challenge returns ErrNotSettled.
func (r *Registry) Retire(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.challenges[id]
	if !exists {
		return ErrNotFound
	}

	switch c.State {
	case StateSettled:
		c.State = StateRetired
	case StateRetired:
		// Already retired
	default:
		return ErrNotSettled
	}

	return nil
}

// RecordOffer records that a worker was offered a challenge. Only the
// first offer time per worker is kept.
func (r *Registry) RecordOffer(id, workerID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.challenges[id]
	if !exists {
		return ErrNotFound
	}

	if _, offered := c.Offers[workerID]; !offered {
		c.Offers[workerID] = now
	}

	return nil
}

// Count returns the total number of challenges in the registry, settled
// and retired included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.challenges)
}

// ActiveCount returns the number of open, non-expired challenges.
func (r *Registry) ActiveCount(now time.Time) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, c := range r.challenges {
		if c.Active(now) {
			count++
		}
	}
	return count
}
