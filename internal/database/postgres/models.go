package postgres

import (
	"time"
)

// Challenge represents a stored challenge and its lifecycle state
type Challenge struct {
	ID        string     `db:"id"`
	Payload   []byte     `db:"payload"`
	State     string     `db:"state"` // open, closed, settled, retired
	CreatedAt time.Time  `db:"created_at"`
	Deadline  time.Time  `db:"deadline"`
	ClosedAt  *time.Time `db:"closed_at"`
	SettledAt *time.Time `db:"settled_at"`
	RetiredAt *time.Time `db:"retired_at"`
}

// Worker represents a known worker identity
type Worker struct {
	ID          int64      `db:"id"`
	WorkerID    string     `db:"worker_id"`
	IsActive    bool       `db:"is_active"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	LastSeenAt  *time.Time `db:"last_seen_at"`
	Submissions int64      `db:"submissions"`
}

// Submission represents a worker's counted submission for a challenge.
// One row per (challenge, worker); later submissions overwrite it.
type Submission struct {
	ID          int64      `db:"id"`
	ChallengeID string     `db:"challenge_id"`
	WorkerID    string     `db:"worker_id"`
	Fingerprint string     `db:"fingerprint"`
	Payload     []byte     `db:"payload"`
	Status      string     `db:"status"` // accepted, scored, scoring_failed
	Score       *float64   `db:"score"`
	Duplicate   bool       `db:"duplicate"`
	SubmittedAt time.Time  `db:"submitted_at"`
	ScoredAt    *time.Time `db:"scored_at"`
}

// Settlement represents the terminal reward outcome of a challenge
type Settlement struct {
	ID          int64     `db:"id"`
	ChallengeID string    `db:"challenge_id"`
	BestWorker  *string   `db:"best_worker"`
	BestScore   *float64  `db:"best_score"`
	Forfeited   float64   `db:"forfeited"`
	SettledAt   time.Time `db:"settled_at"`
}

// SettlementEntry represents one ranked candidate within a settlement
type SettlementEntry struct {
	ID           int64   `db:"id"`
	SettlementID int64   `db:"settlement_id"`
	WorkerID     string  `db:"worker_id"`
	Score        float64 `db:"score"`
	Fingerprint  string  `db:"fingerprint"`
	Fraction     float64 `db:"fraction"`
	Zeroed       bool    `db:"zeroed"`
}

// EpochWeight represents one worker's weight in an exported epoch vector
type EpochWeight struct {
	ID         int64     `db:"id"`
	Epoch      int64     `db:"epoch"`
	WorkerID   string    `db:"worker_id"`
	Weight     float64   `db:"weight"`
	ExportedAt time.Time `db:"exported_at"`
}
