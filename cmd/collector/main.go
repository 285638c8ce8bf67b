// Package main implements the collector service for the mainframe job pool.
// This service ingests worker submissions, validates and fingerprints them,
// seals challenges at deadline, and scores the finalized candidate sets.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/macrocosm-os/mainframe/internal/config"
	"github.com/macrocosm-os/mainframe/internal/database"
	"github.com/macrocosm-os/mainframe/internal/database/influx"
	"github.com/macrocosm-os/mainframe/internal/database/postgres"
	"github.com/macrocosm-os/mainframe/internal/messaging"
	"github.com/macrocosm-os/mainframe/internal/oracle"
	"github.com/macrocosm-os/mainframe/internal/pool"
	"github.com/macrocosm-os/mainframe/internal/validation"
	"github.com/macrocosm-os/mainframe/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting collector",
		"version", cfg.Version,
		"worker_pool_size", cfg.WorkerPoolSize,
		"oracle_url", cfg.OracleURL,
	)

	// Create Kafka client
	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger.Logger)

	// Create database manager
	dbManager, err := database.NewManager(&database.Config{
		Postgres: &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			MaxLifetime:  5 * time.Minute,
		},
		RedisURL: cfg.RedisURL,
		Influx: &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		},
	})
	if err != nil {
		logger.WithError(err).Error("failed to connect to databases")
		os.Exit(1)
	}
	defer func() {
		if err := dbManager.Close(); err != nil {
			logger.WithError(err).Error("failed to close database connections")
		}
	}()

	// Create oracle client
	scorer := oracle.NewClient(cfg.OracleURL, cfg.OracleTimeout)

	// Create the submission processor
	payloadCache := database.NewPayloadCache(dbManager.Redis, cfg.ChallengeTTL)
	banList := database.NewBanList(dbManager.Redis)

	processor := NewSubmissionProcessor(cfg, logger, kafkaClient, scorer, payloadCache, banList)
	processor.SetRecorder(dbManager)
	processor.SetScoreStore(dbManager.Submissions)
	processor.SetRateLimiter(dbManager.Redis)
	processor.SetMetrics(dbManager.Influx)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbManager.StartPeriodicTasks(ctx)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start the processor
	go func() {
		if err := processor.Start(ctx); err != nil {
			logger.WithError(err).Error("submission processor failed")
			cancel()
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	logger.Info("shutdown signal received")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := processor.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("collector stopped")
}

// SubmissionRecorder persists counted submissions
type SubmissionRecorder interface {
	RecordSubmission(ctx context.Context, submission *postgres.Submission, processingMs float64) error
}

// ScoreStore persists oracle scoring outcomes
type ScoreStore interface {
	SetScore(ctx context.Context, challengeID, workerID string, score float64) error
	MarkScoringFailed(ctx context.Context, challengeID, workerID string) error
	MarkDuplicates(ctx context.Context, challengeID string) error
}

// RateLimiter enforces the per-worker submission rate limit
type RateLimiter interface {
	CheckSubmissionRate(ctx context.Context, workerID string, limit int64, window time.Duration) (bool, error)
}

// Publisher publishes pool messages to Kafka
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, data []byte) error
}

// Metrics records scoring outcomes and answers throughput queries
type Metrics interface {
	WriteScoreMetric(challengeID, workerID string, score float64, durationMs float64, failed bool)
	GetSubmissionStats(ctx context.Context, duration time.Duration) (*influx.SubmissionStats, error)
}

// SubmissionProcessor ingests and scores worker submissions
type SubmissionProcessor struct {
	cfg         *config.Config
	logger      *log.Logger
	kafkaClient *messaging.KafkaClient
	publisher   Publisher
	registry    *pool.Registry
	collector   *pool.Collector
	scheduler   *pool.Scheduler
	scorer      oracle.Oracle

	recorder   SubmissionRecorder
	scoreStore ScoreStore
	limiter    RateLimiter
	metrics    Metrics

	// Worker pool
	subQueue chan *messaging.SubmissionMessage
	done     chan struct{}
}

// NewSubmissionProcessor creates a new submission processor
func NewSubmissionProcessor(cfg *config.Config, logger *log.Logger, kafkaClient *messaging.KafkaClient, scorer oracle.Oracle, store pool.PayloadStore, eligibility pool.Eligibility) *SubmissionProcessor {
	registry := pool.NewRegistry()
	validator := validation.NewPayloadValidator(cfg.MaxPayloadSize)

	return &SubmissionProcessor{
		cfg:         cfg,
		logger:      logger.WithComponent("collector"),
		kafkaClient: kafkaClient,
		publisher:   kafkaClient,
		registry:    registry,
		collector:   pool.NewCollector(registry, validator, store),
		scheduler:   pool.NewScheduler(registry, eligibility),
		scorer:      scorer,
		subQueue:    make(chan *messaging.SubmissionMessage, cfg.WorkerPoolSize*10),
		done:        make(chan struct{}),
	}
}

// SetRecorder attaches an optional submission persistence layer
func (sp *SubmissionProcessor) SetRecorder(recorder SubmissionRecorder) {
	sp.recorder = recorder
}

// SetScoreStore attaches an optional score persistence layer
func (sp *SubmissionProcessor) SetScoreStore(store ScoreStore) {
	sp.scoreStore = store
}

// SetRateLimiter attaches an optional submission rate limiter
func (sp *SubmissionProcessor) SetRateLimiter(limiter RateLimiter) {
	sp.limiter = limiter
}

// SetMetrics attaches an optional scoring metrics sink
func (sp *SubmissionProcessor) SetMetrics(metrics Metrics) {
	sp.metrics = metrics
}

// Start starts the submission processor
func (sp *SubmissionProcessor) Start(ctx context.Context) error {
	sp.logger.Info("submission processor starting")

	// Start worker pool
	for i := 0; i < sp.cfg.WorkerPoolSize; i++ {
		go sp.worker(ctx, i)
	}

	// Mirror the challenge set from Kafka
	go func() {
		handler := messaging.MessageHandlerFunc(sp.handleChallengeMessage)
		if err := sp.kafkaClient.StartConsumer(ctx, messaging.TopicChallenges, sp.cfg.KafkaGroupID+"-collector-challenges", handler); err != nil && ctx.Err() == nil {
			sp.logger.WithError(err).Error("challenge consumer failed")
		}
	}()

	// Consume submissions
	go func() {
		handler := messaging.MessageHandlerFunc(sp.handleSubmissionMessage)
		if err := sp.kafkaClient.StartConsumer(ctx, messaging.TopicSubmissions, sp.cfg.KafkaGroupID+"-collector-submissions", handler); err != nil && ctx.Err() == nil {
			sp.logger.WithError(err).Error("submission consumer failed")
		}
	}()

	// Seal and score challenges at deadline
	ticker := time.NewTicker(sp.cfg.SettleInterval)
	defer ticker.Stop()

	statsTicker := time.NewTicker(5 * time.Minute)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sp.done:
			return nil
		case <-ticker.C:
			sp.sealExpired(ctx)
		case <-statsTicker.C:
			sp.reportThroughput(ctx)
		}
	}
}

// reportThroughput logs intake throughput over the last stats window
func (sp *SubmissionProcessor) reportThroughput(ctx context.Context) {
	if sp.metrics == nil {
		return
	}

	window := 5 * time.Minute
	stats, err := sp.metrics.GetSubmissionStats(ctx, window)
	if err != nil {
		sp.logger.WithError(err).Error("failed to query submission stats")
		return
	}

	sp.logger.LogThroughput("submission_intake", stats.Total, window.Nanoseconds())
	sp.logger.Info("submission stats",
		"accepted", stats.Accepted,
		"superseded", stats.Superseded,
		"rejected", stats.Rejected,
	)
}

// Shutdown gracefully shuts down the submission processor
func (sp *SubmissionProcessor) Shutdown(_ context.Context) error {
	sp.logger.Info("shutting down submission processor")
	close(sp.done)
	return nil
}

// handleChallengeMessage mirrors challenge announcements and withdrawals
// into the local registry
func (sp *SubmissionProcessor) handleChallengeMessage(_ context.Context, _ string, value []byte) error {
	var msg messaging.ChallengeMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return fmt.Errorf("invalid challenge message: %w", err)
	}

	if msg.Withdrawn {
		if err := sp.registry.Withdraw(msg.ChallengeID, time.Now()); err != nil {
			if errors.Is(err, pool.ErrNotFound) {
				return nil
			}
			return err
		}
		// Raise the seal barrier so in-flight submits cannot slip in
		if err := sp.collector.Seal(msg.ChallengeID); err != nil {
			return err
		}
		sp.logger.Info("challenge withdrawn", "challenge_id", msg.ChallengeID)
		return nil
	}

	challenge := &pool.Challenge{
		ID:        msg.ChallengeID,
		Payload:   msg.Payload,
		CreatedAt: msg.CreatedAt,
		Deadline:  msg.Deadline,
	}

	if err := sp.registry.Register(challenge); err != nil {
		if errors.Is(err, pool.ErrDuplicateChallenge) {
			return nil
		}
		return err
	}

	sp.logger.Info("challenge registered",
		"challenge_id", msg.ChallengeID,
		"deadline", msg.Deadline,
		"active_challenges", sp.registry.ActiveCount(time.Now()),
	)
	return nil
}

// handleSubmissionMessage queues a submission for processing
func (sp *SubmissionProcessor) handleSubmissionMessage(_ context.Context, _ string, value []byte) error {
	var msg messaging.SubmissionMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return fmt.Errorf("invalid submission message: %w", err)
	}

	select {
	case sp.subQueue <- &msg:
		return nil
	default:
		sp.logger.Error("submission queue full, dropping submission",
			"challenge_id", msg.ChallengeID,
			"worker_id", msg.WorkerID,
		)
		return fmt.Errorf("submission queue full")
	}
}

// worker processes submissions from the queue
func (sp *SubmissionProcessor) worker(ctx context.Context, workerID int) {
	logger := sp.logger.WithFields("pool_worker", workerID)
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-sp.done:
			return
		case msg := <-sp.subQueue:
			sp.processSubmission(ctx, msg)
		}
	}
}

// processSubmission runs intake for a single submission and publishes the outcome
func (sp *SubmissionProcessor) processSubmission(ctx context.Context, msg *messaging.SubmissionMessage) {
	startTime := time.Now()

	// Rate limit per worker before any validation work
	if sp.limiter != nil {
		allowed, err := sp.limiter.CheckSubmissionRate(ctx, msg.WorkerID,
			int64(sp.cfg.SubmissionRateLimit), sp.cfg.SubmissionRateWindow)
		if err != nil {
			sp.logger.WithError(err).Error("rate limit check failed", "worker_id", msg.WorkerID)
		} else if !allowed {
			sp.publishResult(ctx, msg, "", "rejected", "rate_limited", "", false, 0, startTime)
			return
		}
	}

	// An ineligible worker is offered no challenges, so its submissions
	// are rejected at intake. A submission for an inactive challenge falls
	// through to Submit, which reports the precise rejection.
	eligible, err := sp.scheduler.EligibleChallenges(ctx, msg.WorkerID, startTime)
	if err != nil {
		sp.logger.WithError(err).Error("eligibility check failed", "worker_id", msg.WorkerID)
	} else {
		offered := false
		for _, ch := range eligible {
			if ch.ID == msg.ChallengeID {
				offered = true
				break
			}
		}
		if !offered {
			if ch, err := sp.registry.Get(msg.ChallengeID); err == nil && ch.Active(startTime) {
				sp.publishResult(ctx, msg, "", "rejected", "ineligible", "", false, 0, startTime)
				return
			}
		}
	}

	sub, err := sp.collector.Submit(ctx, msg.ChallengeID, msg.WorkerID, msg.Payload, msg.SubmittedAt)
	if err != nil {
		reason := "internal"
		switch {
		case errors.Is(err, pool.ErrUnknownChallenge):
			reason = "unknown_challenge"
		case errors.Is(err, pool.ErrChallengeExpired):
			reason = "challenge_expired"
		case errors.Is(err, pool.ErrMalformedPayload):
			reason = "malformed_payload"
		}
		sp.logger.LogSubmission(msg.WorkerID, msg.ChallengeID, "rejected", reason)
		sp.publishResult(ctx, msg, "", "rejected", reason, "", false, 0, startTime)
		return
	}

	// The collector returns the counted submission; if it does not carry
	// this message's timestamp, the incoming submission lost supersession
	status := "accepted"
	if !sub.Timestamp.Equal(msg.SubmittedAt) {
		status = "superseded"
	}

	if err := sp.registry.RecordOffer(msg.ChallengeID, msg.WorkerID, startTime); err != nil {
		sp.logger.WithError(err).Debug("failed to record offer", "challenge_id", msg.ChallengeID)
	}

	sp.logger.LogSubmission(msg.WorkerID, msg.ChallengeID, status, "")
	sp.publishResult(ctx, msg, sub.ID, status, "", sub.Fingerprint, false, 0, startTime)

	if status == "accepted" && sp.recorder != nil {
		record := &postgres.Submission{
			ChallengeID: msg.ChallengeID,
			WorkerID:    msg.WorkerID,
			Fingerprint: sub.Fingerprint,
			Payload:     sub.Payload,
			Status:      "accepted",
			SubmittedAt: sub.Timestamp,
		}
		processingMs := float64(time.Since(startTime).Nanoseconds()) / 1e6
		if err := sp.recorder.RecordSubmission(ctx, record, processingMs); err != nil {
			sp.logger.WithError(err).Error("failed to record submission",
				"challenge_id", msg.ChallengeID,
				"worker_id", msg.WorkerID,
			)
		}
	}
}

// publishResult publishes a SubmissionResultMessage for one intake decision
func (sp *SubmissionProcessor) publishResult(ctx context.Context, msg *messaging.SubmissionMessage, submissionID, status, reason, fingerprint string, duplicate bool, score float64, startTime time.Time) {
	result := &messaging.SubmissionResultMessage{
		SubmissionID: submissionID,
		ChallengeID:  msg.ChallengeID,
		WorkerID:     msg.WorkerID,
		Status:       status,
		Reason:       reason,
		Fingerprint:  fingerprint,
		Duplicate:    duplicate,
		Score:        score,
		ProcessedAt:  time.Now(),
		ProcessingMs: float64(time.Since(startTime).Nanoseconds()) / 1e6,
	}

	data, err := json.Marshal(result)
	if err != nil {
		sp.logger.WithError(err).Error("failed to marshal submission result")
		return
	}

	if err := sp.publisher.PublishJSON(ctx, messaging.TopicSubmissionResults, msg.ChallengeID, data); err != nil {
		sp.logger.WithError(err).Error("failed to publish submission result",
			"challenge_id", msg.ChallengeID,
			"worker_id", msg.WorkerID,
		)
	}
}

// sealExpired seals challenges past their deadline and scores their
// finalized candidate sets
func (sp *SubmissionProcessor) sealExpired(ctx context.Context) {
	now := time.Now()
	closed := sp.registry.CloseExpired(now)

	for _, challengeID := range closed {
		if err := sp.collector.Seal(challengeID); err != nil {
			sp.logger.WithError(err).Error("failed to seal challenge", "challenge_id", challengeID)
			continue
		}
		// Scoring runs per challenge so one slow candidate set never holds
		// up sealing or scoring of the others
		go sp.scoreChallenge(ctx, challengeID)
	}
}

// scoreChallenge runs the oracle over the finalized candidate set of a
// sealed challenge and publishes per-candidate results
func (sp *SubmissionProcessor) scoreChallenge(ctx context.Context, challengeID string) {
	logger := sp.logger.WithChallenge(challengeID)

	challenge, err := sp.registry.Get(challengeID)
	if err != nil {
		logger.WithError(err).Error("sealed challenge missing from registry")
		return
	}

	candidates, err := sp.collector.Candidates(challengeID)
	if err != nil {
		logger.WithError(err).Error("failed to finalize candidate set")
		return
	}

	payloads := make(map[string][]byte)
	for _, sub := range sp.collector.Submissions(challengeID) {
		payloads[sub.WorkerID] = sub.Payload
	}

	if sp.scoreStore != nil {
		if err := sp.scoreStore.MarkDuplicates(ctx, challengeID); err != nil {
			logger.WithError(err).Error("failed to persist duplicate flags")
		}
	}

	logger.Info("scoring sealed challenge", "candidates", len(candidates))

	for _, cand := range candidates {
		start := time.Now()

		scoreCtx, cancel := context.WithTimeout(ctx, sp.cfg.OracleTimeout)
		score, err := sp.scorer.Score(scoreCtx, challenge.Payload, payloads[cand.WorkerID])
		cancel()

		durationMs := float64(time.Since(start).Nanoseconds()) / 1e6
		if sp.metrics != nil {
			sp.metrics.WriteScoreMetric(challengeID, cand.WorkerID, score, durationMs, err != nil)
		}

		resultMsg := &messaging.SubmissionResultMessage{
			ChallengeID:  challengeID,
			WorkerID:     cand.WorkerID,
			Fingerprint:  cand.Fingerprint,
			Duplicate:    cand.Duplicate,
			ProcessedAt:  time.Now(),
			ProcessingMs: durationMs,
		}

		if err != nil {
			// A failed scoring excludes the candidate from ranking; it is
			// never treated as score zero
			resultMsg.Status = "scoring_failed"
			resultMsg.Reason = err.Error()
			logger.WithError(err).Error("scoring failed", "worker_id", cand.WorkerID)

			if sp.scoreStore != nil {
				if dbErr := sp.scoreStore.MarkScoringFailed(ctx, challengeID, cand.WorkerID); dbErr != nil {
					logger.WithError(dbErr).Error("failed to persist scoring failure", "worker_id", cand.WorkerID)
				}
			}
		} else {
			resultMsg.Status = "scored"
			resultMsg.Score = score

			if sp.scoreStore != nil {
				if dbErr := sp.scoreStore.SetScore(ctx, challengeID, cand.WorkerID, score); dbErr != nil {
					logger.WithError(dbErr).Error("failed to persist score", "worker_id", cand.WorkerID)
				}
			}
		}

		data, err := json.Marshal(resultMsg)
		if err != nil {
			logger.WithError(err).Error("failed to marshal scoring result", "worker_id", cand.WorkerID)
			continue
		}

		if err := sp.publisher.PublishJSON(ctx, messaging.TopicSubmissionResults, challengeID, data); err != nil {
			logger.WithError(err).Error("failed to publish scoring result", "worker_id", cand.WorkerID)
		}
	}

	// Every candidate now has a published outcome. The completion marker
	// carries the candidate count so downstream consumers can tell when
	// they hold the whole scored set.
	complete := &messaging.SubmissionResultMessage{
		ChallengeID:    challengeID,
		Status:         "scoring_complete",
		CandidateCount: len(candidates),
		ProcessedAt:    time.Now(),
	}
	if data, err := json.Marshal(complete); err != nil {
		logger.WithError(err).Error("failed to marshal scoring completion")
	} else if err := sp.publisher.PublishJSON(ctx, messaging.TopicSubmissionResults, challengeID, data); err != nil {
		logger.WithError(err).Error("failed to publish scoring completion")
	}

	sp.collector.Release(challengeID)

	logger.Info("challenge scored", "candidates", len(candidates))
}
