package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/macrocosm-os/mainframe/pkg/circuit"
	"github.com/macrocosm-os/mainframe/pkg/errors"
	"github.com/macrocosm-os/mainframe/pkg/retry"
)

// scoreRequest is the wire format sent to the oracle's /score endpoint.
type scoreRequest struct {
	ChallengePayload  json.RawMessage `json:"challenge_payload"`
	SubmissionPayload json.RawMessage `json:"submission_payload"`
}

// scoreResponse is the oracle's reply. A response with OK=false means the
// oracle could not evaluate the submission.
type scoreResponse struct {
	OK     bool    `json:"ok"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason,omitempty"`
}

// Client is an HTTP client for a scoring oracle service, protected by a
// circuit breaker and a conservative retry policy: evaluations are
// expensive, so transport failures retry sparingly and evaluation
// failures never retry.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewClient creates a scoring oracle client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	cbConfig := &circuit.Config{
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.OracleConfig(),
	}
}

// Score evaluates a submission against a challenge. Returns
// ErrScoringFailed when the oracle rejects a well-formed submission;
// transport and server errors are returned as retryable scoring
// ServiceErrors.
func (c *Client) Score(ctx context.Context, challengePayload, submissionPayload []byte) (float64, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (float64, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (float64, error) {
			return c.score(ctx, challengePayload, submissionPayload)
		})
	})
}

func (c *Client) score(ctx context.Context, challengePayload, submissionPayload []byte) (float64, error) {
	body, err := json.Marshal(scoreRequest{
		ChallengePayload:  challengePayload,
		SubmissionPayload: submissionPayload,
	})
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeScoring, "score",
			"failed to encode score request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeScoring, "score",
			"failed to build score request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeNetwork, "score",
			"oracle request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		// Server-side trouble is retryable; an explicit rejection is not
		if resp.StatusCode >= 500 {
			return 0, errors.New(errors.ErrorTypeNetwork, "score",
				fmt.Sprintf("oracle returned status %d", resp.StatusCode))
		}
		return 0, errors.Wrap(ErrScoringFailed, errors.ErrorTypeScoring, "score",
			fmt.Sprintf("oracle rejected request with status %d", resp.StatusCode))
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeNetwork, "score",
			"failed to read oracle response")
	}

	var result scoreResponse
	if err := json.Unmarshal(payload, &result); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeScoring, "score",
			"failed to decode oracle response")
	}

	if !result.OK {
		return 0, errors.Wrap(ErrScoringFailed, errors.ErrorTypeScoring, "score",
			"oracle could not evaluate submission").
			WithContext("reason", result.Reason)
	}

	return result.Score, nil
}

// Stats returns circuit breaker statistics for monitoring.
func (c *Client) Stats() circuit.Stats {
	return c.circuitBreaker.GetStats()
}
