package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ChallengeRepository handles challenge lifecycle operations
type ChallengeRepository struct {
	db *sql.DB
}

// NewChallengeRepository creates a new challenge repository
func NewChallengeRepository(db *sql.DB) *ChallengeRepository {
	return &ChallengeRepository{db: db}
}

// CreateChallenge inserts a new challenge in the open state
func (r *ChallengeRepository) CreateChallenge(ctx context.Context, challenge *Challenge) error {
	query := `
		INSERT INTO challenges (id, payload, state, created_at, deadline)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := r.db.ExecContext(ctx, query,
		challenge.ID, challenge.Payload, challenge.State,
		challenge.CreatedAt, challenge.Deadline); err != nil {
		return fmt.Errorf("failed to create challenge: %w", err)
	}

	return nil
}

// GetChallenge retrieves a challenge by ID
func (r *ChallengeRepository) GetChallenge(ctx context.Context, id string) (*Challenge, error) {
	challenge := &Challenge{}
	query := `
		SELECT id, payload, state, created_at, deadline, closed_at, settled_at, retired_at
		FROM challenges WHERE id = $1`

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&challenge.ID, &challenge.Payload, &challenge.State,
		&challenge.CreatedAt, &challenge.Deadline,
		&challenge.ClosedAt, &challenge.SettledAt, &challenge.RetiredAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("challenge not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}

	return challenge, nil
}

// UpdateState advances a challenge's lifecycle state and stamps the transition time
func (r *ChallengeRepository) UpdateState(ctx context.Context, id, state string, at time.Time) error {
	var column string
	switch state {
	case "closed":
		column = "closed_at"
	case "settled":
		column = "settled_at"
	case "retired":
		column = "retired_at"
	default:
		return fmt.Errorf("invalid challenge state: %s", state)
	}

	query := fmt.Sprintf(`UPDATE challenges SET state = $1, %s = $2 WHERE id = $3`, column)

	result, err := r.db.ExecContext(ctx, query, state, at, id)
	if err != nil {
		return fmt.Errorf("failed to update challenge state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("challenge not found: %s", id)
	}

	return nil
}

// UpdateDeadline pulls a challenge's deadline, used on withdrawal
func (r *ChallengeRepository) UpdateDeadline(ctx context.Context, id string, deadline time.Time) error {
	query := `UPDATE challenges SET deadline = $1 WHERE id = $2`

	if _, err := r.db.ExecContext(ctx, query, deadline, id); err != nil {
		return fmt.Errorf("failed to update challenge deadline: %w", err)
	}

	return nil
}

// ListByState retrieves challenges in a given state ordered by creation time
func (r *ChallengeRepository) ListByState(ctx context.Context, state string, limit int) ([]*Challenge, error) {
	query := `
		SELECT id, payload, state, created_at, deadline, closed_at, settled_at, retired_at
		FROM challenges WHERE state = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, state, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list challenges: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			_ = err
		}
	}()

	var challenges []*Challenge
	for rows.Next() {
		challenge := &Challenge{}
		if err := rows.Scan(
			&challenge.ID, &challenge.Payload, &challenge.State,
			&challenge.CreatedAt, &challenge.Deadline,
			&challenge.ClosedAt, &challenge.SettledAt, &challenge.RetiredAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan challenge: %w", err)
		}
		challenges = append(challenges, challenge)
	}

	return challenges, rows.Err()
}

// CountByState counts challenges in a given state
func (r *ChallengeRepository) CountByState(ctx context.Context, state string) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM challenges WHERE state = $1`

	if err := r.db.QueryRowContext(ctx, query, state).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count challenges: %w", err)
	}

	return count, nil
}

// WorkerRepository handles worker identity operations
type WorkerRepository struct {
	db *sql.DB
}

// NewWorkerRepository creates a new worker repository
func NewWorkerRepository(db *sql.DB) *WorkerRepository {
	return &WorkerRepository{db: db}
}

// EnsureWorker inserts a worker identity if it does not exist and returns its row ID
func (r *WorkerRepository) EnsureWorker(ctx context.Context, workerID string) (int64, error) {
	query := `
		INSERT INTO workers (worker_id, is_active, created_at, updated_at)
		VALUES ($1, true, NOW(), NOW())
		ON CONFLICT (worker_id) DO UPDATE SET updated_at = NOW()
		RETURNING id`

	var id int64
	if err := r.db.QueryRowContext(ctx, query, workerID).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to ensure worker: %w", err)
	}

	return id, nil
}

// GetWorker retrieves a worker by its external identity
func (r *WorkerRepository) GetWorker(ctx context.Context, workerID string) (*Worker, error) {
	worker := &Worker{}
	query := `
		SELECT id, worker_id, is_active, created_at, updated_at, last_seen_at, submissions
		FROM workers WHERE worker_id = $1`

	err := r.db.QueryRowContext(ctx, query, workerID).Scan(
		&worker.ID, &worker.WorkerID, &worker.IsActive,
		&worker.CreatedAt, &worker.UpdatedAt, &worker.LastSeenAt,
		&worker.Submissions,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("worker not found: %s", workerID)
		}
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}

	return worker, nil
}

// UpdateLastSeen updates the worker's last seen timestamp and submission counter
func (r *WorkerRepository) UpdateLastSeen(ctx context.Context, workerID string) error {
	query := `
		UPDATE workers
		SET last_seen_at = NOW(), submissions = submissions + 1, updated_at = NOW()
		WHERE worker_id = $1`

	if _, err := r.db.ExecContext(ctx, query, workerID); err != nil {
		return fmt.Errorf("failed to update worker last seen: %w", err)
	}

	return nil
}

// SetActive marks a worker active or inactive
func (r *WorkerRepository) SetActive(ctx context.Context, workerID string, active bool) error {
	query := `UPDATE workers SET is_active = $1, updated_at = NOW() WHERE worker_id = $2`

	if _, err := r.db.ExecContext(ctx, query, active, workerID); err != nil {
		return fmt.Errorf("failed to set worker active: %w", err)
	}

	return nil
}

// CountActive counts workers currently marked active
func (r *WorkerRepository) CountActive(ctx context.Context) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM workers WHERE is_active = true`

	if err := r.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count active workers: %w", err)
	}

	return count, nil
}

// SubmissionRepository handles submission operations
type SubmissionRepository struct {
	db *sql.DB
}

// NewSubmissionRepository creates a new submission repository
func NewSubmissionRepository(db *sql.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

// UpsertSubmission stores the counted submission for a (challenge, worker)
// pair. A later submission for the same pair overwrites the row.
func (r *SubmissionRepository) UpsertSubmission(ctx context.Context, submission *Submission) (int64, error) {
	query := `
		INSERT INTO submissions (challenge_id, worker_id, fingerprint, payload, status, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (challenge_id, worker_id) DO UPDATE
		SET fingerprint = EXCLUDED.fingerprint,
		    payload = EXCLUDED.payload,
		    status = EXCLUDED.status,
		    score = NULL,
		    scored_at = NULL,
		    submitted_at = EXCLUDED.submitted_at
		RETURNING id`

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		submission.ChallengeID, submission.WorkerID, submission.Fingerprint,
		submission.Payload, submission.Status, submission.SubmittedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert submission: %w", err)
	}

	return id, nil
}

// SetScore records the oracle score for a counted submission
func (r *SubmissionRepository) SetScore(ctx context.Context, challengeID, workerID string, score float64) error {
	query := `
		UPDATE submissions
		SET score = $1, status = 'scored', scored_at = NOW()
		WHERE challenge_id = $2 AND worker_id = $3`

	if _, err := r.db.ExecContext(ctx, query, score, challengeID, workerID); err != nil {
		return fmt.Errorf("failed to set submission score: %w", err)
	}

	return nil
}

// MarkScoringFailed records a permanent scoring failure
func (r *SubmissionRepository) MarkScoringFailed(ctx context.Context, challengeID, workerID string) error {
	query := `
		UPDATE submissions
		SET status = 'scoring_failed', scored_at = NOW()
		WHERE challenge_id = $1 AND worker_id = $2`

	if _, err := r.db.ExecContext(ctx, query, challengeID, workerID); err != nil {
		return fmt.Errorf("failed to mark scoring failed: %w", err)
	}

	return nil
}

// MarkDuplicates flags every submission for a challenge whose fingerprint
// appears under more than one worker
func (r *SubmissionRepository) MarkDuplicates(ctx context.Context, challengeID string) error {
	query := `
		UPDATE submissions SET duplicate = true
		WHERE challenge_id = $1 AND fingerprint IN (
			SELECT fingerprint FROM submissions
			WHERE challenge_id = $1
			GROUP BY fingerprint
			HAVING COUNT(DISTINCT worker_id) > 1
		)`

	if _, err := r.db.ExecContext(ctx, query, challengeID); err != nil {
		return fmt.Errorf("failed to mark duplicates: %w", err)
	}

	return nil
}

// ListByChallenge retrieves all counted submissions for a challenge
func (r *SubmissionRepository) ListByChallenge(ctx context.Context, challengeID string) ([]*Submission, error) {
	query := `
		SELECT id, challenge_id, worker_id, fingerprint, payload, status, score, duplicate, submitted_at, scored_at
		FROM submissions WHERE challenge_id = $1
		ORDER BY worker_id ASC`

	rows, err := r.db.QueryContext(ctx, query, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			_ = err
		}
	}()

	var submissions []*Submission
	for rows.Next() {
		submission := &Submission{}
		if err := rows.Scan(
			&submission.ID, &submission.ChallengeID, &submission.WorkerID,
			&submission.Fingerprint, &submission.Payload, &submission.Status,
			&submission.Score, &submission.Duplicate,
			&submission.SubmittedAt, &submission.ScoredAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		submissions = append(submissions, submission)
	}

	return submissions, rows.Err()
}

// CountPending counts counted submissions awaiting an oracle score
func (r *SubmissionRepository) CountPending(ctx context.Context) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM submissions WHERE scored_at IS NULL`

	if err := r.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending submissions: %w", err)
	}

	return count, nil
}

// SettlementRepository handles settlement and epoch weight operations
type SettlementRepository struct {
	db *sql.DB
}

// NewSettlementRepository creates a new settlement repository
func NewSettlementRepository(db *sql.DB) *SettlementRepository {
	return &SettlementRepository{db: db}
}

// CreateSettlement stores a settlement and its ranked entries atomically
func (r *SettlementRepository) CreateSettlement(ctx context.Context, settlement *Settlement, entries []*SettlementEntry) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			_ = err
		}
	}()

	query := `
		INSERT INTO settlements (challenge_id, best_worker, best_score, forfeited, settled_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	var id int64
	err = tx.QueryRowContext(ctx, query,
		settlement.ChallengeID, settlement.BestWorker, settlement.BestScore,
		settlement.Forfeited, settlement.SettledAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create settlement: %w", err)
	}

	entryQuery := `
		INSERT INTO settlement_entries (settlement_id, worker_id, score, fingerprint, fraction, zeroed)
		VALUES ($1, $2, $3, $4, $5, $6)`

	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx, entryQuery,
			id, entry.WorkerID, entry.Score, entry.Fingerprint,
			entry.Fraction, entry.Zeroed,
		); err != nil {
			return 0, fmt.Errorf("failed to create settlement entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit settlement: %w", err)
	}

	return id, nil
}

// GetSettlement retrieves a settlement by challenge ID
func (r *SettlementRepository) GetSettlement(ctx context.Context, challengeID string) (*Settlement, error) {
	settlement := &Settlement{}
	query := `
		SELECT id, challenge_id, best_worker, best_score, forfeited, settled_at
		FROM settlements WHERE challenge_id = $1`

	err := r.db.QueryRowContext(ctx, query, challengeID).Scan(
		&settlement.ID, &settlement.ChallengeID, &settlement.BestWorker,
		&settlement.BestScore, &settlement.Forfeited, &settlement.SettledAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("settlement not found: %s", challengeID)
		}
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}

	return settlement, nil
}

// ListEntries retrieves the ranked entries for a settlement
func (r *SettlementRepository) ListEntries(ctx context.Context, settlementID int64) ([]*SettlementEntry, error) {
	query := `
		SELECT id, settlement_id, worker_id, score, fingerprint, fraction, zeroed
		FROM settlement_entries WHERE settlement_id = $1
		ORDER BY score ASC, fingerprint ASC, worker_id ASC`

	rows, err := r.db.QueryContext(ctx, query, settlementID)
	if err != nil {
		return nil, fmt.Errorf("failed to list settlement entries: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			_ = err
		}
	}()

	var entries []*SettlementEntry
	for rows.Next() {
		entry := &SettlementEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.SettlementID, &entry.WorkerID,
			&entry.Score, &entry.Fingerprint, &entry.Fraction, &entry.Zeroed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan settlement entry: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// SaveEpochWeights stores an exported epoch weight vector
func (r *SettlementRepository) SaveEpochWeights(ctx context.Context, epoch int64, weights map[string]float64, exportedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			_ = err
		}
	}()

	query := `
		INSERT INTO epoch_weights (epoch, worker_id, weight, exported_at)
		VALUES ($1, $2, $3, $4)`

	for workerID, weight := range weights {
		if _, err := tx.ExecContext(ctx, query, epoch, workerID, weight, exportedAt); err != nil {
			return fmt.Errorf("failed to save epoch weight: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit epoch weights: %w", err)
	}

	return nil
}
