package messaging

import "time"

// ChallengeMessage announces a new or updated challenge to the pool
type ChallengeMessage struct {
	ChallengeID string    `json:"challenge_id"`
	Payload     []byte    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
	Deadline    time.Time `json:"deadline"`
	Withdrawn   bool      `json:"withdrawn,omitempty"`
}

// SubmissionMessage represents a worker's submission entering the pool
type SubmissionMessage struct {
	ChallengeID string    `json:"challenge_id"`
	WorkerID    string    `json:"worker_id"`
	Payload     []byte    `json:"payload"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// SubmissionResultMessage reports the outcome of processing one submission:
// intake status, fingerprint, duplicate flag, and (when scoring ran) the score.
// After every candidate of a sealed challenge has a published outcome, a final
// "scoring_complete" message carries the candidate count so consumers know the
// scored set is whole.
type SubmissionResultMessage struct {
	SubmissionID   string    `json:"submission_id,omitempty"`
	ChallengeID    string    `json:"challenge_id"`
	WorkerID       string    `json:"worker_id,omitempty"`
	Status         string    `json:"status"` // "accepted", "superseded", "rejected", "scored", "scoring_failed", "scoring_complete"
	Reason         string    `json:"reason,omitempty"`
	Fingerprint    string    `json:"fingerprint,omitempty"`
	Duplicate      bool      `json:"duplicate,omitempty"`
	Score          float64   `json:"score,omitempty"`
	CandidateCount int       `json:"candidate_count,omitempty"`
	ProcessedAt    time.Time `json:"processed_at"`
	ProcessingMs   float64   `json:"processing_ms,omitempty"`
}

// SettlementEntryMessage is one ranked candidate in a settlement
type SettlementEntryMessage struct {
	WorkerID    string  `json:"worker_id"`
	Score       float64 `json:"score"`
	Fingerprint string  `json:"fingerprint"`
	Fraction    float64 `json:"fraction"`
	Zeroed      bool    `json:"zeroed,omitempty"`
}

// SettlementMessage reports the terminal reward map for a challenge
type SettlementMessage struct {
	ChallengeID string                   `json:"challenge_id"`
	Entries     []SettlementEntryMessage `json:"entries"`
	Rewards     map[string]float64       `json:"rewards"`
	Forfeited   float64                  `json:"forfeited"`
	BestWorker  string                   `json:"best_worker,omitempty"`
	BestScore   float64                  `json:"best_score,omitempty"`
	SettledAt   time.Time                `json:"settled_at"`
}

// WeightVectorMessage carries the aggregated epoch weight vector to the
// external weight publisher
type WeightVectorMessage struct {
	Epoch          int64              `json:"epoch"`
	Weights        map[string]float64 `json:"weights"`
	ChallengeCount int                `json:"challenge_count"`
	ExportedAt     time.Time          `json:"exported_at"`
}
