package pool

import "sync"

// WeightVector maps worker identity to a non-negative reward fraction
// aggregated across all settled challenges in a scoring epoch. Fractions
// sum to at most 1.0.
type WeightVector map[string]float64

// Total returns the sum of all fractions in the vector.
func (w WeightVector) Total() float64 {
	total := 0.0
	for _, f := range w {
		total += f
	}
	return total
}

// EpochAggregator accumulates per-challenge settlements over a scoring
// epoch and folds them into one weight vector. Every settled challenge
// carries equal weight: a challenge's rewards are scaled by 1/N where N is
// the number of settlements in the window, so forfeited fractions stay
// forfeited and the vector never sums above 1.0. Safe for concurrent use.
type EpochAggregator struct {
	mu      sync.Mutex
	epoch   int64
	rewards map[string]map[string]float64 // challengeID -> worker -> fraction
}

// NewEpochAggregator creates an aggregator starting at epoch 0.
func NewEpochAggregator() *EpochAggregator {
	return &EpochAggregator{
		rewards: make(map[string]map[string]float64),
	}
}

// Add records a settlement in the current epoch window. Adding the same
// challenge twice replaces the earlier record, so re-settlement is
// harmless: determinism guarantees the replacement is identical.
func (a *EpochAggregator) Add(s *Settlement) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rewards := make(map[string]float64, len(s.Rewards))
	for worker, f := range s.Rewards {
		rewards[worker] = f
	}
	a.rewards[s.ChallengeID] = rewards
}

// Epoch returns the current epoch number.
func (a *EpochAggregator) Epoch() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epoch
}

// ChallengeCount returns the number of settlements in the current window.
func (a *EpochAggregator) ChallengeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.rewards)
}

// Vector computes the weight vector for the current window without
// closing it.
func (a *EpochAggregator) Vector() WeightVector {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.vectorLocked()
}

// Flush closes the current epoch window: it returns the epoch number, its
// weight vector, and the number of settlements it aggregated, then resets
// the window and advances the epoch. Returning the count from the same
// critical section keeps it consistent with the vector.
func (a *EpochAggregator) Flush() (int64, WeightVector, int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	epoch := a.epoch
	vector := a.vectorLocked()
	count := len(a.rewards)

	a.rewards = make(map[string]map[string]float64)
	a.epoch++

	return epoch, vector, count
}

func (a *EpochAggregator) vectorLocked() WeightVector {
	vector := make(WeightVector)
	if len(a.rewards) == 0 {
		return vector
	}

	scale := 1.0 / float64(len(a.rewards))
	for _, rewards := range a.rewards {
		for worker, f := range rewards {
			vector[worker] += f * scale
		}
	}

	return vector
}
