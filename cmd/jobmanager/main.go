// Package main implements the jobmanager service for the mainframe job pool.
// This service receives challenge announcements from the external task
// generator and distributes them to the pool via Kafka.
package main

import (
	"context"
	"encoding/json"
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
	"github.com/macrocosm-os/mainframe/internal/pool"
	"github.com/macrocosm-os/mainframe/internal/taskgen"
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
	logger.Info("starting jobmanager",
		"version", cfg.Version,
		"taskgen_zmq_addr", cfg.TaskGenZMQAddr,
	)

	// Create ZMQ notifier for task generator announcements
	notifier, err := taskgen.NewZMQNotifier(cfg.TaskGenZMQAddr, logger.Logger)
	if err != nil {
		logger.WithError(err).Error("failed to create ZMQ notifier")
		os.Exit(1)
	}
	defer func() {
		if err := notifier.Close(); err != nil {
			logger.WithError(err).Error("failed to close ZMQ notifier")
		}
	}()

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

	// Create the job manager
	jobManager := NewJobManager(cfg, logger, notifier, kafkaClient)
	jobManager.SetStore(dbManager.Challenges)
	jobManager.SetCache(dbManager.Redis)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbManager.StartPeriodicTasks(ctx)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start the job manager
	go func() {
		if err := jobManager.Start(ctx); err != nil {
			logger.WithError(err).Error("job manager failed")
			cancel()
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	logger.Info("shutdown signal received")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := jobManager.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("jobmanager stopped")
}

// ChallengeStore persists challenge lifecycle transitions
type ChallengeStore interface {
	CreateChallenge(ctx context.Context, challenge *postgres.Challenge) error
	UpdateDeadline(ctx context.Context, id string, deadline time.Time) error
	UpdateState(ctx context.Context, id, state string, at time.Time) error
	ListByState(ctx context.Context, state string, limit int) ([]*postgres.Challenge, error)
}

// ChallengeCache caches active challenges for fast lookup
type ChallengeCache interface {
	SetChallenge(ctx context.Context, challengeID string, data any, expiration time.Duration) error
	DeleteChallenge(ctx context.Context, challengeID string) error
}

// JobManager manages challenge intake and distribution
type JobManager struct {
	cfg         *config.Config
	logger      *log.Logger
	notifier    *taskgen.ZMQNotifier
	kafkaClient *messaging.KafkaClient
	registry    *pool.Registry
	store       ChallengeStore
	cache       ChallengeCache

	done chan struct{}
}

// NewJobManager creates a new job manager
func NewJobManager(cfg *config.Config, logger *log.Logger, notifier *taskgen.ZMQNotifier, kafkaClient *messaging.KafkaClient) *JobManager {
	return &JobManager{
		cfg:         cfg,
		logger:      logger.WithComponent("jobmanager"),
		notifier:    notifier,
		kafkaClient: kafkaClient,
		registry:    pool.NewRegistry(),
		done:        make(chan struct{}),
	}
}

// SetStore attaches an optional persistence layer for challenge transitions
func (jm *JobManager) SetStore(store ChallengeStore) {
	jm.store = store
}

// SetCache attaches an optional active challenge cache
func (jm *JobManager) SetCache(cache ChallengeCache) {
	jm.cache = cache
}

// Start starts the job manager
func (jm *JobManager) Start(ctx context.Context) error {
	jm.logger.Info("job manager starting")

	// Reload open challenges so a restart never loses announced work
	jm.recoverOpen(ctx)

	// Subscribe to task generator topics
	if err := jm.notifier.Subscribe(taskgen.TopicChallenge); err != nil {
		return err
	}
	if err := jm.notifier.Subscribe(taskgen.TopicWithdraw); err != nil {
		return err
	}
	if err := jm.notifier.Connect(); err != nil {
		return err
	}

	handler := taskgen.NewChallengeNotificationHandler(jm.logger.Logger)
	handler.SetChallengeHandler(func(ann taskgen.Announcement) error {
		return jm.handleAnnouncement(ctx, ann)
	})
	handler.SetWithdrawalHandler(func(challengeID string) error {
		return jm.handleWithdrawal(ctx, challengeID)
	})

	// Start the ZMQ listener
	go func() {
		if err := jm.notifier.Listen(ctx, handler.HandleMessage); err != nil && ctx.Err() == nil {
			jm.logger.WithError(err).Error("ZMQ listener failed")
		}
	}()

	// Sweep expired challenges so the persisted state keeps up with deadlines
	ticker := time.NewTicker(jm.cfg.SettleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-jm.done:
			return nil
		case <-ticker.C:
			jm.sweepExpired(ctx)
		}
	}
}

// Shutdown gracefully shuts down the job manager
func (jm *JobManager) Shutdown(_ context.Context) error {
	jm.logger.Info("shutting down job manager")
	close(jm.done)
	return nil
}

// handleAnnouncement registers a new challenge and distributes it to the pool
func (jm *JobManager) handleAnnouncement(ctx context.Context, ann taskgen.Announcement) error {
	now := time.Now()

	// Backlog watermark: intake policy only, the registry itself stays
	// unbounded
	if jm.cfg.BacklogLimit > 0 && jm.registry.ActiveCount(now) >= jm.cfg.BacklogLimit {
		jm.logger.Warn("backlog limit reached, refusing challenge",
			"challenge_id", ann.ChallengeID,
			"backlog_limit", jm.cfg.BacklogLimit,
		)
		return nil
	}

	deadline := ann.Deadline
	if deadline.IsZero() {
		deadline = now.Add(jm.cfg.ChallengeTTL)
	}

	challenge := &pool.Challenge{
		ID:        ann.ChallengeID,
		Payload:   ann.Payload,
		CreatedAt: now,
		Deadline:  deadline,
	}

	if err := jm.registry.Register(challenge); err != nil {
		if err == pool.ErrDuplicateChallenge {
			jm.logger.Warn("duplicate challenge announcement ignored", "challenge_id", ann.ChallengeID)
			return nil
		}
		return err
	}

	// Persist before distribution so a crash never loses an announced challenge
	if jm.store != nil {
		record := &postgres.Challenge{
			ID:        ann.ChallengeID,
			Payload:   ann.Payload,
			State:     "open",
			CreatedAt: now,
			Deadline:  deadline,
		}
		if err := jm.store.CreateChallenge(ctx, record); err != nil {
			jm.logger.WithError(err).Error("failed to persist challenge", "challenge_id", ann.ChallengeID)
		}
	}

	msg := &messaging.ChallengeMessage{
		ChallengeID: ann.ChallengeID,
		Payload:     ann.Payload,
		CreatedAt:   now,
		Deadline:    deadline,
	}

	// Cache the active challenge until its deadline (best effort)
	if jm.cache != nil {
		if err := jm.cache.SetChallenge(ctx, ann.ChallengeID, msg, time.Until(deadline)); err != nil {
			jm.logger.WithError(err).Warn("failed to cache challenge", "challenge_id", ann.ChallengeID)
		}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge message: %w", err)
	}

	if err := jm.kafkaClient.PublishJSON(ctx, messaging.TopicChallenges, ann.ChallengeID, data); err != nil {
		jm.logger.WithError(err).Error("failed to publish challenge", "challenge_id", ann.ChallengeID)
		return err
	}

	jm.logger.LogChallengeDistribution(
		ann.ChallengeID,
		deadline.Format(time.RFC3339),
		jm.registry.ActiveCount(now),
	)

	return nil
}

// handleWithdrawal cancels a challenge before its deadline
func (jm *JobManager) handleWithdrawal(ctx context.Context, challengeID string) error {
	now := time.Now()

	if err := jm.registry.Withdraw(challengeID, now); err != nil {
		if err == pool.ErrNotFound {
			jm.logger.Warn("withdrawal for unknown challenge ignored", "challenge_id", challengeID)
			return nil
		}
		return err
	}

	if jm.store != nil {
		if err := jm.store.UpdateDeadline(ctx, challengeID, now); err != nil {
			jm.logger.WithError(err).Error("failed to persist withdrawal", "challenge_id", challengeID)
		}
		if err := jm.store.UpdateState(ctx, challengeID, "closed", now); err != nil {
			jm.logger.WithError(err).Error("failed to persist challenge close", "challenge_id", challengeID)
		}
	}

	if jm.cache != nil {
		if err := jm.cache.DeleteChallenge(ctx, challengeID); err != nil {
			jm.logger.WithError(err).Warn("failed to evict withdrawn challenge", "challenge_id", challengeID)
		}
	}

	msg := &messaging.ChallengeMessage{
		ChallengeID: challengeID,
		Deadline:    now,
		Withdrawn:   true,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal withdrawal message: %w", err)
	}

	if err := jm.kafkaClient.PublishJSON(ctx, messaging.TopicChallenges, challengeID, data); err != nil {
		jm.logger.WithError(err).Error("failed to publish withdrawal", "challenge_id", challengeID)
		return err
	}

	jm.logger.Info("challenge withdrawn", "challenge_id", challengeID)
	return nil
}

// recoverOpen rebuilds the in-memory registry from persisted open challenges
func (jm *JobManager) recoverOpen(ctx context.Context) {
	if jm.store == nil {
		return
	}

	challenges, err := jm.store.ListByState(ctx, "open", 1000)
	if err != nil {
		jm.logger.WithError(err).Error("failed to recover open challenges")
		return
	}

	for _, record := range challenges {
		challenge := &pool.Challenge{
			ID:        record.ID,
			Payload:   record.Payload,
			CreatedAt: record.CreatedAt,
			Deadline:  record.Deadline,
		}
		if err := jm.registry.Register(challenge); err != nil && err != pool.ErrDuplicateChallenge {
			jm.logger.WithError(err).Error("failed to recover challenge", "challenge_id", record.ID)
		}
	}

	if len(challenges) > 0 {
		jm.logger.Info("recovered open challenges", "count", len(challenges))
	}
}

// sweepExpired closes challenges whose deadline has passed
func (jm *JobManager) sweepExpired(ctx context.Context) {
	now := time.Now()
	closed := jm.registry.CloseExpired(now)

	for _, id := range closed {
		if jm.store != nil {
			if err := jm.store.UpdateState(ctx, id, "closed", now); err != nil {
				jm.logger.WithError(err).Error("failed to persist challenge close", "challenge_id", id)
			}
		}
		jm.logger.Info("challenge deadline passed", "challenge_id", id)
	}

	if len(closed) > 0 {
		jm.logger.Info("deadline sweep completed",
			"closed", len(closed),
			"active_challenges", jm.registry.ActiveCount(now),
		)
	}
}
