package main

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/macrocosm-os/mainframe/internal/config"
	"github.com/macrocosm-os/mainframe/internal/messaging"
	"github.com/macrocosm-os/mainframe/internal/pool"
	"github.com/macrocosm-os/mainframe/pkg/log"
)

// fakePublisher captures published messages instead of touching Kafka
type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
}

type publishedMessage struct {
	topic string
	key   string
	data  []byte
}

func (f *fakePublisher) PublishJSON(_ context.Context, topic, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, publishedMessage{topic: topic, key: key, data: data})
	return nil
}

func (f *fakePublisher) byTopic(topic string) []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedMessage
	for _, m := range f.messages {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func newTestSettler(t *testing.T) *Settler {
	t.Helper()

	cfg := &config.Config{
		ServiceName:    "test-settler",
		Version:        "test",
		LogLevel:       "error",
		LogFormat:      "json",
		TopK:           5,
		TopRewardShare: 0.8,
		SettleInterval: 30 * time.Second,
		EpochInterval:  20 * time.Minute,
		OracleTimeout:  time.Second,
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)

	// Kafka client never connects in these tests
	kafkaClient := messaging.NewKafkaClient([]string{"localhost:9092"}, logger.Logger)
	t.Cleanup(func() { _ = kafkaClient.Close() })

	return NewSettler(cfg, logger, kafkaClient)
}

func resultMessage(t *testing.T, challengeID, workerID, status string, score float64, duplicate bool) []byte {
	t.Helper()

	msg := messaging.SubmissionResultMessage{
		ChallengeID: challengeID,
		WorkerID:    workerID,
		Status:      status,
		Fingerprint: "fp-" + workerID,
		Duplicate:   duplicate,
		Score:       score,
		ProcessedAt: time.Now(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	return data
}

func TestNewSettler(t *testing.T) {
	s := newTestSettler(t)

	if s == nil {
		t.Fatal("NewSettler() returned nil")
	}

	if s.registry == nil || s.engine == nil || s.aggregator == nil {
		t.Error("NewSettler() did not initialize pool components")
	}

	if s.candidates == nil || s.pendingSince == nil {
		t.Error("NewSettler() did not initialize accumulation maps")
	}
}

func TestSettler_handleResultMessage(t *testing.T) {
	s := newTestSettler(t)
	ctx := context.Background()

	if err := s.handleResultMessage(ctx, "c1", resultMessage(t, "c1", "worker-a", "scored", -12.5, false)); err != nil {
		t.Fatalf("handleResultMessage() failed: %v", err)
	}
	if err := s.handleResultMessage(ctx, "c1", resultMessage(t, "c1", "worker-b", "scoring_failed", 0, false)); err != nil {
		t.Fatalf("handleResultMessage() failed: %v", err)
	}

	s.mu.Lock()
	byWorker := s.candidates["c1"]
	s.mu.Unlock()

	if len(byWorker) != 2 {
		t.Fatalf("Expected 2 candidates, got %d", len(byWorker))
	}

	if !byWorker["worker-a"].Scored {
		t.Error("Expected worker-a candidate to be scored")
	}
	if byWorker["worker-a"].Score != -12.5 {
		t.Errorf("Expected score -12.5, got %f", byWorker["worker-a"].Score)
	}
	if byWorker["worker-b"].Scored {
		t.Error("Expected worker-b candidate to be unscored after scoring failure")
	}
}

func TestSettler_handleResultMessage_IgnoresIntakeStatuses(t *testing.T) {
	s := newTestSettler(t)
	ctx := context.Background()

	for _, status := range []string{"accepted", "superseded", "rejected"} {
		if err := s.handleResultMessage(ctx, "c1", resultMessage(t, "c1", "worker-a", status, 0, false)); err != nil {
			t.Fatalf("handleResultMessage(%s) failed: %v", status, err)
		}
	}

	s.mu.Lock()
	count := len(s.candidates["c1"])
	s.mu.Unlock()

	if count != 0 {
		t.Errorf("Expected intake statuses to be ignored, got %d candidates", count)
	}

	if err := s.handleResultMessage(ctx, "c1", []byte("not json")); err == nil {
		t.Error("Expected error for malformed result message")
	}
}

func completionMessage(t *testing.T, challengeID string, count int) []byte {
	t.Helper()

	msg := messaging.SubmissionResultMessage{
		ChallengeID:    challengeID,
		Status:         "scoring_complete",
		CandidateCount: count,
		ProcessedAt:    time.Now(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	return data
}

func registerChallenge(t *testing.T, s *Settler, id string) {
	t.Helper()

	msg := messaging.ChallengeMessage{
		ChallengeID: id,
		Payload:     []byte(`{"pdb": "1ubq"}`),
		CreatedAt:   time.Now(),
		Deadline:    time.Now().Add(time.Hour),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	if err := s.handleChallengeMessage(context.Background(), id, data); err != nil {
		t.Fatalf("handleChallengeMessage() failed: %v", err)
	}
}

func TestSettler_ScoringCompleteSettles(t *testing.T) {
	s := newTestSettler(t)
	pub := &fakePublisher{}
	s.publisher = pub
	ctx := context.Background()

	registerChallenge(t, s, "c1")

	if err := s.handleResultMessage(ctx, "c1", resultMessage(t, "c1", "worker-a", "scored", -12.5, false)); err != nil {
		t.Fatalf("handleResultMessage() failed: %v", err)
	}
	if err := s.handleResultMessage(ctx, "c1", resultMessage(t, "c1", "worker-b", "scored", -8.0, false)); err != nil {
		t.Fatalf("handleResultMessage() failed: %v", err)
	}

	// The completion marker settles without waiting for the grace period
	if err := s.handleResultMessage(ctx, "c1", completionMessage(t, "c1", 2)); err != nil {
		t.Fatalf("handleResultMessage() marker failed: %v", err)
	}

	settlements := pub.byTopic(messaging.TopicSettlements)
	if len(settlements) != 1 {
		t.Fatalf("Expected 1 settlement published, got %d", len(settlements))
	}

	var settled messaging.SettlementMessage
	if err := json.Unmarshal(settlements[0].data, &settled); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	// worker-a has the lower score and takes the top share
	if !floatEquals(settled.Rewards["worker-a"], 0.8) {
		t.Errorf("Expected worker-a reward 0.8, got %f", settled.Rewards["worker-a"])
	}
	if !floatEquals(settled.Rewards["worker-b"], 0.2) {
		t.Errorf("Expected worker-b reward 0.2, got %f", settled.Rewards["worker-b"])
	}

	got, err := s.registry.Get("c1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.State != pool.StateRetired {
		t.Errorf("Expected settled challenge retired, got state %v", got.State)
	}

	s.mu.Lock()
	_, hasCandidates := s.candidates["c1"]
	_, hasExpected := s.expected["c1"]
	_, hasPending := s.pendingSince["c1"]
	s.mu.Unlock()
	if hasCandidates || hasExpected || hasPending {
		t.Error("Expected settlement state cleaned up after settling")
	}
}

func TestSettler_IncompleteSetWaitsForLateResult(t *testing.T) {
	s := newTestSettler(t)
	pub := &fakePublisher{}
	s.publisher = pub
	ctx := context.Background()

	registerChallenge(t, s, "c1")

	if err := s.handleResultMessage(ctx, "c1", resultMessage(t, "c1", "worker-a", "scored", -12.5, false)); err != nil {
		t.Fatalf("handleResultMessage() failed: %v", err)
	}

	// Marker announces two candidates; only one has arrived
	if err := s.handleResultMessage(ctx, "c1", completionMessage(t, "c1", 2)); err != nil {
		t.Fatalf("handleResultMessage() marker failed: %v", err)
	}

	if got := len(pub.byTopic(messaging.TopicSettlements)); got != 0 {
		t.Fatalf("Expected no settlement with incomplete candidate set, got %d", got)
	}

	s.mu.Lock()
	retained := len(s.candidates["c1"])
	s.mu.Unlock()
	if retained != 1 {
		t.Fatalf("Expected received candidate retained, got %d", retained)
	}

	// The late result completes the set and triggers settlement with
	// every scored candidate included
	if err := s.handleResultMessage(ctx, "c1", resultMessage(t, "c1", "worker-b", "scored", -8.0, false)); err != nil {
		t.Fatalf("handleResultMessage() failed: %v", err)
	}

	settlements := pub.byTopic(messaging.TopicSettlements)
	if len(settlements) != 1 {
		t.Fatalf("Expected 1 settlement after late result, got %d", len(settlements))
	}

	var settled messaging.SettlementMessage
	if err := json.Unmarshal(settlements[0].data, &settled); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if len(settled.Rewards) != 2 {
		t.Errorf("Expected both scored workers rewarded, got %v", settled.Rewards)
	}
	if settled.BestWorker != "worker-a" {
		t.Errorf("Expected best worker worker-a, got %s", settled.BestWorker)
	}
}

func TestSettler_ScoringCompleteEmptySet(t *testing.T) {
	s := newTestSettler(t)
	pub := &fakePublisher{}
	s.publisher = pub
	ctx := context.Background()

	registerChallenge(t, s, "c1")

	// No submissions at all: the marker settles to an empty reward map
	if err := s.handleResultMessage(ctx, "c1", completionMessage(t, "c1", 0)); err != nil {
		t.Fatalf("handleResultMessage() marker failed: %v", err)
	}

	settlements := pub.byTopic(messaging.TopicSettlements)
	if len(settlements) != 1 {
		t.Fatalf("Expected 1 settlement published, got %d", len(settlements))
	}

	var settled messaging.SettlementMessage
	if err := json.Unmarshal(settlements[0].data, &settled); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if len(settled.Rewards) != 0 {
		t.Errorf("Expected empty reward map, got %v", settled.Rewards)
	}
	if settled.BestWorker != "" {
		t.Errorf("Expected no best worker, got %s", settled.BestWorker)
	}

	got, err := s.registry.Get("c1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.State != pool.StateRetired {
		t.Errorf("Expected empty challenge retired, got state %v", got.State)
	}
}

func floatEquals(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-9
}

func TestSettler_handleChallengeMessage_WithdrawalMarksPending(t *testing.T) {
	s := newTestSettler(t)
	ctx := context.Background()

	reg := messaging.ChallengeMessage{
		ChallengeID: "c1",
		Payload:     []byte(`{"pdb": "1ubq"}`),
		CreatedAt:   time.Now(),
		Deadline:    time.Now().Add(time.Hour),
	}
	data, _ := json.Marshal(reg)
	if err := s.handleChallengeMessage(ctx, "c1", data); err != nil {
		t.Fatalf("handleChallengeMessage() failed: %v", err)
	}

	withdrawal := messaging.ChallengeMessage{ChallengeID: "c1", Withdrawn: true}
	data, _ = json.Marshal(withdrawal)
	if err := s.handleChallengeMessage(ctx, "c1", data); err != nil {
		t.Fatalf("handleChallengeMessage() withdrawal failed: %v", err)
	}

	got, err := s.registry.Get("c1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.State != pool.StateClosed {
		t.Errorf("Expected withdrawn challenge closed, got state %v", got.State)
	}

	s.mu.Lock()
	_, pending := s.pendingSince["c1"]
	s.mu.Unlock()
	if !pending {
		t.Error("Expected withdrawn challenge to be marked pending for settlement")
	}
}

func TestSettler_markPending_FirstTimeWins(t *testing.T) {
	s := newTestSettler(t)

	first := time.Now().Add(-time.Minute)
	s.markPending("c1", first)
	s.markPending("c1", time.Now())

	s.mu.Lock()
	since := s.pendingSince["c1"]
	s.mu.Unlock()

	if !since.Equal(first) {
		t.Errorf("Expected first pending time to be kept, got %v", since)
	}
}

func TestSettler_Shutdown(t *testing.T) {
	s := newTestSettler(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() unexpected error: %v", err)
	}

	select {
	case <-s.done:
	case <-time.After(100 * time.Millisecond):
		t.Error("Shutdown() did not close done channel")
	}
}
