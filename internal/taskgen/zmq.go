// Package taskgen receives challenge announcements from the external task
// generator over its ZMQ pub socket. The pool never generates problem
// instances itself.
package taskgen

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// ZMQ topics published by the task generator
const (
	TopicChallenge = "challenge"
	TopicWithdraw  = "withdraw"
)

// Announcement is the wire format of a task generator challenge notification
type Announcement struct {
	ChallengeID string          `json:"challenge_id"`
	Payload     json.RawMessage `json:"payload"`
	Deadline    time.Time       `json:"deadline"`
}

// ZMQNotifier handles ZMQ notifications from the task generator
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *slog.Logger
}

// NewZMQNotifier creates a new ZMQ notifier
func NewZMQNotifier(endpoint string, logger *slog.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	return &ZMQNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger,
	}, nil
}

// Subscribe subscribes to a specific topic
func (z *ZMQNotifier) Subscribe(topic string) error {
	if err := z.socket.SetSubscribe(topic); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	z.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects to the ZMQ endpoint
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", z.endpoint, err)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen starts listening for ZMQ messages
func (z *ZMQNotifier) Listen(ctx context.Context, handler func(topic string, data []byte) error) error {
	z.logger.Info("starting ZMQ listener")

	for {
		select {
		case <-ctx.Done():
			z.logger.Info("ZMQ listener stopping")
			return ctx.Err()
		default:
		}

		// Receive message without blocking so shutdown stays responsive
		msg, err := z.socket.RecvMessageBytes(zmq.DONTWAIT)
		if err != nil {
			if err.Error() == "resource temporarily unavailable" {
				// No message available, continue
				continue
			}
			z.logger.Error("failed to receive ZMQ message", "error", err)
			continue
		}

		if len(msg) < 2 {
			z.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		data := msg[1]

		z.logger.Debug("received ZMQ message", "topic", topic, "size", len(data))

		if err := handler(topic, data); err != nil {
			z.logger.Error("failed to handle ZMQ message", "topic", topic, "error", err)
		}
	}
}

// Close closes the ZMQ socket
func (z *ZMQNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// ChallengeNotificationHandler dispatches task generator notifications to
// challenge and withdrawal callbacks
type ChallengeNotificationHandler struct {
	logger       *slog.Logger
	onChallenge  func(ann Announcement) error
	onWithdrawal func(challengeID string) error
}

// NewChallengeNotificationHandler creates a new challenge notification handler
func NewChallengeNotificationHandler(logger *slog.Logger) *ChallengeNotificationHandler {
	return &ChallengeNotificationHandler{
		logger: logger,
	}
}

// SetChallengeHandler sets the handler for new challenge announcements
func (h *ChallengeNotificationHandler) SetChallengeHandler(handler func(ann Announcement) error) {
	h.onChallenge = handler
}

// SetWithdrawalHandler sets the handler for challenge withdrawals
func (h *ChallengeNotificationHandler) SetWithdrawalHandler(handler func(challengeID string) error) {
	h.onWithdrawal = handler
}

// HandleMessage handles a ZMQ message
func (h *ChallengeNotificationHandler) HandleMessage(topic string, data []byte) error {
	switch topic {
	case TopicChallenge:
		var ann Announcement
		if err := json.Unmarshal(data, &ann); err != nil {
			return fmt.Errorf("invalid challenge announcement: %w", err)
		}
		if ann.ChallengeID == "" {
			return fmt.Errorf("challenge announcement missing challenge_id")
		}

		h.logger.Info("new challenge notification", "challenge_id", ann.ChallengeID, "deadline", ann.Deadline)

		if h.onChallenge != nil {
			return h.onChallenge(ann)
		}

	case TopicWithdraw:
		challengeID := string(data)
		if challengeID == "" {
			return fmt.Errorf("withdrawal notification missing challenge ID")
		}

		h.logger.Info("challenge withdrawal notification", "challenge_id", challengeID)

		if h.onWithdrawal != nil {
			return h.onWithdrawal(challengeID)
		}

	default:
		h.logger.Warn("unknown ZMQ topic", "topic", topic)
	}

	return nil
}
