// Package main implements the settler service for the mainframe job pool.
// This service ranks scored candidates into per-challenge settlements and
// aggregates settled challenges into epoch weight vectors.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/macrocosm-os/mainframe/internal/config"
	"github.com/macrocosm-os/mainframe/internal/database"
	"github.com/macrocosm-os/mainframe/internal/database/influx"
	"github.com/macrocosm-os/mainframe/internal/database/postgres"
	"github.com/macrocosm-os/mainframe/internal/messaging"
	"github.com/macrocosm-os/mainframe/internal/pool"
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
	logger.Info("starting settler",
		"version", cfg.Version,
		"top_k", cfg.TopK,
		"top_reward_share", cfg.TopRewardShare,
		"epoch_interval", cfg.EpochInterval,
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

	// Create the settler
	settler := NewSettler(cfg, logger, kafkaClient)
	settler.SetRecorder(dbManager)
	settler.SetStateStore(dbManager.Challenges)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbManager.StartPeriodicTasks(ctx)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start the settler
	go func() {
		if err := settler.Start(ctx); err != nil {
			logger.WithError(err).Error("settler failed")
			cancel()
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	logger.Info("shutdown signal received")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := settler.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("settler stopped")
}

// SettlementRecorder persists settlements and epoch exports
type SettlementRecorder interface {
	RecordSettlement(ctx context.Context, settlement *postgres.Settlement, entries []*postgres.SettlementEntry) error
	RecordEpoch(ctx context.Context, epoch int64, weights map[string]float64, challengeCount int, exportedAt time.Time) error
}

// ChallengeStateStore persists challenge lifecycle transitions
type ChallengeStateStore interface {
	UpdateState(ctx context.Context, id, state string, at time.Time) error
}

// Publisher publishes pool messages to Kafka
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, data []byte) error
}

// Settler ranks scored candidates and exports epoch weight vectors
type Settler struct {
	cfg         *config.Config
	logger      *log.Logger
	kafkaClient *messaging.KafkaClient
	publisher   Publisher
	registry    *pool.Registry
	engine      *pool.Engine
	aggregator  *pool.EpochAggregator

	recorder   SettlementRecorder
	stateStore ChallengeStateStore

	// Scored candidates accumulated per challenge, the candidate count
	// announced by the collector's completion marker, and the time each
	// closed challenge became eligible for the grace fallback
	mu           sync.Mutex
	candidates   map[string]map[string]pool.Candidate
	expected     map[string]int
	pendingSince map[string]time.Time

	done chan struct{}
}

// NewSettler creates a new settler
func NewSettler(cfg *config.Config, logger *log.Logger, kafkaClient *messaging.KafkaClient) *Settler {
	return &Settler{
		cfg:          cfg,
		logger:       logger.WithComponent("settler"),
		kafkaClient:  kafkaClient,
		publisher:    kafkaClient,
		registry:     pool.NewRegistry(),
		engine:       pool.NewEngine(cfg.TopK, cfg.TopRewardShare),
		aggregator:   pool.NewEpochAggregator(),
		candidates:   make(map[string]map[string]pool.Candidate),
		expected:     make(map[string]int),
		pendingSince: make(map[string]time.Time),
		done:         make(chan struct{}),
	}
}

// SetRecorder attaches an optional settlement persistence layer
func (s *Settler) SetRecorder(recorder SettlementRecorder) {
	s.recorder = recorder
}

// SetStateStore attaches an optional challenge state persistence layer
func (s *Settler) SetStateStore(store ChallengeStateStore) {
	s.stateStore = store
}

// Start starts the settler
func (s *Settler) Start(ctx context.Context) error {
	s.logger.Info("settler starting")

	// Mirror the challenge set from Kafka
	go func() {
		handler := messaging.MessageHandlerFunc(s.handleChallengeMessage)
		if err := s.kafkaClient.StartConsumer(ctx, messaging.TopicChallenges, s.cfg.KafkaGroupID+"-settler-challenges", handler); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Error("challenge consumer failed")
		}
	}()

	// Collect scored candidates
	go func() {
		handler := messaging.MessageHandlerFunc(s.handleResultMessage)
		if err := s.kafkaClient.StartConsumer(ctx, messaging.TopicSubmissionResults, s.cfg.KafkaGroupID+"-settler-results", handler); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Error("result consumer failed")
		}
	}()

	settleTicker := time.NewTicker(s.cfg.SettleInterval)
	defer settleTicker.Stop()

	epochTicker := time.NewTicker(s.cfg.EpochInterval)
	defer epochTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-settleTicker.C:
			s.settlePending(ctx)
		case <-epochTicker.C:
			s.exportEpoch(ctx)
		}
	}
}

// Shutdown gracefully shuts down the settler
func (s *Settler) Shutdown(_ context.Context) error {
	s.logger.Info("shutting down settler")
	close(s.done)
	return nil
}

// handleChallengeMessage mirrors challenge announcements and withdrawals
func (s *Settler) handleChallengeMessage(_ context.Context, _ string, value []byte) error {
	var msg messaging.ChallengeMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return fmt.Errorf("invalid challenge message: %w", err)
	}

	if msg.Withdrawn {
		now := time.Now()
		if err := s.registry.Withdraw(msg.ChallengeID, now); err != nil {
			if errors.Is(err, pool.ErrNotFound) {
				return nil
			}
			return err
		}
		s.markPending(msg.ChallengeID, now)
		return nil
	}

	challenge := &pool.Challenge{
		ID:        msg.ChallengeID,
		Payload:   msg.Payload,
		CreatedAt: msg.CreatedAt,
		Deadline:  msg.Deadline,
	}

	if err := s.registry.Register(challenge); err != nil {
		if errors.Is(err, pool.ErrDuplicateChallenge) {
			return nil
		}
		return err
	}

	return nil
}

// handleResultMessage accumulates scored candidates for settlement and
// settles as soon as the collector's completion marker confirms the scored
// set is whole
func (s *Settler) handleResultMessage(ctx context.Context, _ string, value []byte) error {
	var msg messaging.SubmissionResultMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return fmt.Errorf("invalid submission result message: %w", err)
	}

	if msg.Status == "scoring_complete" {
		s.mu.Lock()
		s.expected[msg.ChallengeID] = msg.CandidateCount
		s.mu.Unlock()
		s.markPending(msg.ChallengeID, time.Now())
		s.trySettleComplete(ctx, msg.ChallengeID)
		return nil
	}

	// Only terminal scoring outcomes feed the ranking; intake statuses
	// carry no score
	if msg.Status != "scored" && msg.Status != "scoring_failed" {
		return nil
	}

	s.mu.Lock()
	byWorker, exists := s.candidates[msg.ChallengeID]
	if !exists {
		byWorker = make(map[string]pool.Candidate)
		s.candidates[msg.ChallengeID] = byWorker
	}

	byWorker[msg.WorkerID] = pool.Candidate{
		WorkerID:    msg.WorkerID,
		Fingerprint: msg.Fingerprint,
		Duplicate:   msg.Duplicate,
		Score:       msg.Score,
		Scored:      msg.Status == "scored",
	}
	s.mu.Unlock()

	// A result arriving after the marker completes the set
	s.trySettleComplete(ctx, msg.ChallengeID)

	return nil
}

// trySettleComplete settles a challenge once every candidate the collector
// announced has been received. Incomplete sets are left for the grace
// fallback in settlePending.
func (s *Settler) trySettleComplete(ctx context.Context, challengeID string) {
	s.mu.Lock()
	expected, announced := s.expected[challengeID]
	have := len(s.candidates[challengeID])
	s.mu.Unlock()

	if !announced || have < expected {
		return
	}

	if err := s.registry.Close(challengeID); err != nil {
		s.logger.WithError(err).Error("failed to close scored challenge", "challenge_id", challengeID)
		return
	}

	if err := s.settleChallenge(ctx, challengeID, time.Now()); err != nil {
		s.logger.WithError(err).Error("failed to settle scored challenge", "challenge_id", challengeID)
	}
}

// markPending records when a closed challenge became eligible for settlement
func (s *Settler) markPending(challengeID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pendingSince[challengeID]; !exists {
		s.pendingSince[challengeID] = now
	}
}

// settlePending is the fallback for challenges whose completion marker
// never arrived: once the grace period elapses a closed challenge settles
// with whatever candidates have been received.
func (s *Settler) settlePending(ctx context.Context) {
	now := time.Now()

	for _, id := range s.registry.CloseExpired(now) {
		s.markPending(id, now)
	}

	grace := s.cfg.OracleTimeout + s.cfg.SettleInterval

	s.mu.Lock()
	ready := make([]string, 0, len(s.pendingSince))
	for id, since := range s.pendingSince {
		if now.Sub(since) >= grace {
			ready = append(ready, id)
		}
	}
	s.mu.Unlock()

	sort.Strings(ready)
	for _, id := range ready {
		if err := s.settleChallenge(ctx, id, time.Now()); err != nil {
			s.logger.WithError(err).Error("failed to settle challenge", "challenge_id", id)
		}
	}
}

// settleChallenge runs the ranking engine for one closed challenge and
// exports the settlement
func (s *Settler) settleChallenge(ctx context.Context, challengeID string, now time.Time) error {
	challenge, err := s.registry.Get(challengeID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	byWorker := s.candidates[challengeID]
	candidates := make([]pool.Candidate, 0, len(byWorker))
	for _, cand := range byWorker {
		candidates = append(candidates, cand)
	}
	s.mu.Unlock()

	settlement, err := s.engine.Settle(challenge, candidates, now)
	if err != nil {
		return err
	}

	entries := make([]messaging.SettlementEntryMessage, 0, len(settlement.Entries))
	for _, entry := range settlement.Entries {
		entries = append(entries, messaging.SettlementEntryMessage{
			WorkerID:    entry.WorkerID,
			Score:       entry.Score,
			Fingerprint: entry.Fingerprint,
			Fraction:    entry.Fraction,
			Zeroed:      entry.Zeroed,
		})
	}

	msg := &messaging.SettlementMessage{
		ChallengeID: settlement.ChallengeID,
		Entries:     entries,
		Rewards:     settlement.Rewards,
		Forfeited:   settlement.Forfeited,
		BestWorker:  settlement.BestWorker,
		BestScore:   settlement.BestScore,
		SettledAt:   settlement.SettledAt,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal settlement message: %w", err)
	}

	if err := s.publisher.PublishJSON(ctx, messaging.TopicSettlements, challengeID, data); err != nil {
		return err
	}

	if s.recorder != nil {
		record := &postgres.Settlement{
			ChallengeID: settlement.ChallengeID,
			Forfeited:   settlement.Forfeited,
			SettledAt:   settlement.SettledAt,
		}
		if settlement.BestWorker != "" {
			best := settlement.BestWorker
			bestScore := settlement.BestScore
			record.BestWorker = &best
			record.BestScore = &bestScore
		}

		entryRecords := make([]*postgres.SettlementEntry, 0, len(settlement.Entries))
		for _, entry := range settlement.Entries {
			entryRecords = append(entryRecords, &postgres.SettlementEntry{
				WorkerID:    entry.WorkerID,
				Score:       entry.Score,
				Fingerprint: entry.Fingerprint,
				Fraction:    entry.Fraction,
				Zeroed:      entry.Zeroed,
			})
		}

		if err := s.recorder.RecordSettlement(ctx, record, entryRecords); err != nil {
			s.logger.WithError(err).Error("failed to record settlement", "challenge_id", challengeID)
		}
	}

	if err := s.registry.MarkSettled(challengeID); err != nil {
		return err
	}
	if s.stateStore != nil {
		if err := s.stateStore.UpdateState(ctx, challengeID, "settled", now); err != nil {
			s.logger.WithError(err).Error("failed to persist settled state", "challenge_id", challengeID)
		}
	}

	s.aggregator.Add(settlement)

	// The settlement is published and recorded, so the challenge retires
	if err := s.registry.Retire(challengeID); err != nil {
		return err
	}
	if s.stateStore != nil {
		if err := s.stateStore.UpdateState(ctx, challengeID, "retired", now); err != nil {
			s.logger.WithError(err).Error("failed to persist retired state", "challenge_id", challengeID)
		}
	}

	s.mu.Lock()
	delete(s.candidates, challengeID)
	delete(s.expected, challengeID)
	delete(s.pendingSince, challengeID)
	s.mu.Unlock()

	paid := 0
	for _, f := range settlement.Rewards {
		if f > 0 {
			paid++
		}
	}
	s.logger.LogSettlement(challengeID, paid, settlement.Forfeited, settlement.BestWorker, settlement.BestScore)

	return nil
}

// exportEpoch closes the current epoch window and publishes its weight vector
func (s *Settler) exportEpoch(ctx context.Context) {
	epoch, vector, challengeCount := s.aggregator.Flush()
	exportedAt := time.Now()

	msg := &messaging.WeightVectorMessage{
		Epoch:          epoch,
		Weights:        vector,
		ChallengeCount: challengeCount,
		ExportedAt:     exportedAt,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.WithError(err).Error("failed to marshal weight vector message")
		return
	}

	if err := s.publisher.PublishJSON(ctx, messaging.TopicWeights, fmt.Sprintf("epoch-%d", epoch), data); err != nil {
		s.logger.WithError(err).Error("failed to publish weight vector", "epoch", epoch)
		return
	}

	if s.recorder != nil && len(vector) > 0 {
		if err := s.recorder.RecordEpoch(ctx, epoch, vector, challengeCount, exportedAt); err != nil {
			s.logger.WithError(err).Error("failed to record epoch", "epoch", epoch)
		}
	}

	s.logger.LogWeightExport(epoch, len(vector), challengeCount, vector.Total())
}
