// Package database provides unified database management for the job pool.
// It coordinates operations across PostgreSQL, Redis, and InfluxDB databases.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/macrocosm-os/mainframe/internal/database/influx"
	"github.com/macrocosm-os/mainframe/internal/database/postgres"
	"github.com/macrocosm-os/mainframe/internal/database/redis"
	"github.com/macrocosm-os/mainframe/internal/pool"
	"github.com/macrocosm-os/mainframe/pkg/circuit"
	"github.com/macrocosm-os/mainframe/pkg/errors"
	"github.com/macrocosm-os/mainframe/pkg/retry"
)

// Manager coordinates all database operations across PostgreSQL, Redis, and InfluxDB
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	// Repositories
	Challenges  *postgres.ChallengeRepository
	Submissions *postgres.SubmissionRepository
	Settlements *postgres.SettlementRepository
	Workers     *postgres.WorkerRepository

	// Error handling
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds configuration for all database systems
type Config struct {
	Postgres *postgres.Config
	RedisURL string
	Influx   *influx.Config
}

// NewManager creates a new database manager with all connections
func NewManager(cfg *Config) (*Manager, error) {
	// Initialize PostgreSQL
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL database")
	}

	// Initialize Redis
	redisClient, err := redis.NewClientFromURL(cfg.RedisURL)
	if err != nil {
		if closeErr := pgClient.Close(); closeErr != nil {
			origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database")
			closeErr = errors.Wrap(closeErr, errors.ErrorTypeDatabase, "postgres_cleanup",
				"failed to close PostgreSQL connection during error cleanup")
			return nil, errors.New(errors.ErrorTypeDatabase, "connection_failure",
				"multiple database connection failures").
				WithContext("redis_error", origErr.Error()).
				WithContext("postgres_cleanup_error", closeErr.Error())
		}
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
			"failed to connect to Redis database")
	}

	// Initialize InfluxDB
	influxClient, err := influx.NewClient(cfg.Influx)
	if err != nil {
		var closeErrs []error
		if closeErr := pgClient.Close(); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}
		if closeErr := redisClient.Close(); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}

		origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
			"failed to connect to InfluxDB database")

		if len(closeErrs) > 0 {
			return nil, origErr.WithContext("cleanup_errors", fmt.Sprintf("%v", closeErrs))
		}
		return nil, origErr
	}

	cbConfig := &circuit.Config{
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}

	// Create repositories
	challenges := postgres.NewChallengeRepository(pgClient.DB())
	submissions := postgres.NewSubmissionRepository(pgClient.DB())
	settlements := postgres.NewSettlementRepository(pgClient.DB())
	workers := postgres.NewWorkerRepository(pgClient.DB())

	return &Manager{
		Postgres:       pgClient,
		Redis:          redisClient,
		Influx:         influxClient,
		Challenges:     challenges,
		Submissions:    submissions,
		Settlements:    settlements,
		Workers:        workers,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.DatabaseConfig(),
	}, nil
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if err := m.Postgres.Close(); err != nil {
		errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
	}

	if err := m.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis close error: %w", err))
	}

	m.Influx.Close()

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of all database connections
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Postgres.Health(ctx); err != nil {
		return fmt.Errorf("PostgreSQL health check failed: %w", err)
	}

	if err := m.Redis.Health(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	if err := m.Influx.Health(ctx); err != nil {
		return fmt.Errorf("InfluxDB health check failed: %w", err)
	}

	return nil
}

// High-level operations that coordinate across multiple databases

// RecordSubmission records a counted submission across all relevant databases
func (m *Manager) RecordSubmission(ctx context.Context, submission *postgres.Submission, processingMs float64) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			// Store in PostgreSQL for persistence (critical operation)
			if _, err := m.Submissions.UpsertSubmission(ctx, submission); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_submission",
					"failed to store submission in PostgreSQL").
					WithContext("challenge_id", submission.ChallengeID).
					WithContext("worker_id", submission.WorkerID)
			}

			// Record metrics in InfluxDB (best effort)
			m.Influx.WriteSubmissionMetric(
				submission.ChallengeID,
				submission.WorkerID,
				submission.Status,
				processingMs,
			)

			// Bump the per-challenge submission counter in Redis (best effort)
			counterKey := fmt.Sprintf("submissions:%s", submission.ChallengeID)
			if _, err := m.Redis.IncrementCounter(ctx, counterKey, 24*time.Hour); err != nil {
				cErr := errors.Wrap(err, errors.ErrorTypeDatabase, "submission_counter",
					"failed to increment submission counter (non-critical)")
				cErr.Retryable = false
				fmt.Printf("Warning: %v\n", cErr)
			}

			// Update worker last seen in PostgreSQL (best effort)
			if _, err := m.Workers.EnsureWorker(ctx, submission.WorkerID); err != nil {
				wErr := errors.Wrap(err, errors.ErrorTypeDatabase, "worker_ensure",
					"failed to ensure worker identity (non-critical)")
				wErr.Retryable = false
				fmt.Printf("Warning: %v\n", wErr)
			} else if err := m.Workers.UpdateLastSeen(ctx, submission.WorkerID); err != nil {
				wErr := errors.Wrap(err, errors.ErrorTypeDatabase, "worker_last_seen",
					"failed to update worker last seen (non-critical)")
				wErr.Retryable = false
				fmt.Printf("Warning: %v\n", wErr)
			}

			return nil
		})
	})
}

// RecordSettlement records a settlement across all databases
func (m *Manager) RecordSettlement(ctx context.Context, settlement *postgres.Settlement, entries []*postgres.SettlementEntry) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			// Store in PostgreSQL (critical operation)
			if _, err := m.Settlements.CreateSettlement(ctx, settlement, entries); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_settlement",
					"failed to store settlement in PostgreSQL").
					WithContext("challenge_id", settlement.ChallengeID)
			}

			// Record metrics in InfluxDB (best effort)
			bestWorker := ""
			bestScore := 0.0
			if settlement.BestWorker != nil {
				bestWorker = *settlement.BestWorker
			}
			if settlement.BestScore != nil {
				bestScore = *settlement.BestScore
			}

			paid := 0
			duplicates := 0
			for _, entry := range entries {
				if entry.Fraction > 0 {
					paid++
				}
				if entry.Zeroed {
					duplicates++
				}
			}

			m.Influx.WriteSettlementMetric(
				settlement.ChallengeID,
				bestWorker,
				bestScore,
				settlement.Forfeited,
				paid,
				duplicates,
			)

			// Drop the cached challenge from Redis (best effort)
			if err := m.Redis.DeleteChallenge(ctx, settlement.ChallengeID); err != nil {
				rErr := errors.Wrap(err, errors.ErrorTypeDatabase, "redis_challenge_evict",
					"failed to evict settled challenge from Redis (non-critical)")
				rErr.Retryable = false
				fmt.Printf("Warning: %v\n", rErr)
			}

			return nil
		})
	})
}

// RecordEpoch persists an exported epoch weight vector
func (m *Manager) RecordEpoch(ctx context.Context, epoch int64, weights map[string]float64, challengeCount int, exportedAt time.Time) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Settlements.SaveEpochWeights(ctx, epoch, weights, exportedAt); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_epoch",
					"failed to store epoch weights in PostgreSQL").
					WithContext("epoch", epoch)
			}

			totalWeight := 0.0
			for _, weight := range weights {
				totalWeight += weight
			}

			m.Influx.WriteEpochMetric(epoch, challengeCount, len(weights), totalWeight)

			return nil
		})
	})
}

// StartPeriodicTasks starts background tasks for database maintenance
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
	// Flush InfluxDB writes every 10 seconds
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.Flush()
			}
		}
	}()

	// Report pool statistics every minute
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.writePoolStats(ctx)
			}
		}
	}()
}

// writePoolStats snapshots pool-wide counts into InfluxDB
func (m *Manager) writePoolStats(ctx context.Context) {
	activeChallenges, err := m.Challenges.CountByState(ctx, "open")
	if err != nil {
		fmt.Printf("Warning: failed to count open challenges: %v\n", err)
		return
	}

	activeWorkers, err := m.Workers.CountActive(ctx)
	if err != nil {
		fmt.Printf("Warning: failed to count active workers: %v\n", err)
		return
	}

	pendingSubmissions, err := m.Submissions.CountPending(ctx)
	if err != nil {
		fmt.Printf("Warning: failed to count pending submissions: %v\n", err)
		return
	}

	m.Influx.WritePoolStatsMetric(activeChallenges, activeWorkers, pendingSubmissions)
}

// Pool adapters backed by Redis

// PayloadCache is a Redis-backed payload store keyed by fingerprint
type PayloadCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPayloadCache creates a payload cache with the given retention
func NewPayloadCache(client *redis.Client, ttl time.Duration) *PayloadCache {
	return &PayloadCache{client: client, ttl: ttl}
}

// Put caches a canonical payload under its fingerprint
func (p *PayloadCache) Put(ctx context.Context, fingerprint string, payload []byte) error {
	return p.client.SetPayload(ctx, fingerprint, payload, p.ttl)
}

// Get retrieves a cached payload by fingerprint
func (p *PayloadCache) Get(ctx context.Context, fingerprint string) ([]byte, error) {
	return p.client.GetPayload(ctx, fingerprint)
}

// BanList is a Redis-backed eligibility check that excludes banned workers
type BanList struct {
	client *redis.Client
}

// NewBanList creates a ban list eligibility check
func NewBanList(client *redis.Client) *BanList {
	return &BanList{client: client}
}

// Eligible reports whether the worker is not currently banned
func (b *BanList) Eligible(ctx context.Context, workerID string) (bool, error) {
	banned, err := b.client.IsBanned(ctx, workerID)
	if err != nil {
		return false, err
	}
	return !banned, nil
}

var (
	_ pool.PayloadStore = (*PayloadCache)(nil)
	_ pool.Eligibility  = (*BanList)(nil)
)
