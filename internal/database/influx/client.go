// Package influx provides InfluxDB client and time-series data operations for
// the job pool. It handles submission throughput, settlement outcomes, and
// epoch weight metrics.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	queryAPI := client.QueryAPI(cfg.Org)

	return &Client{
		client:   client,
		writeAPI: writeAPI,
		queryAPI: queryAPI,
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close closes the InfluxDB connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Pool metrics

// WriteSubmissionMetric writes a submission intake metric
func (c *Client) WriteSubmissionMetric(challengeID, workerID, status string, processingMs float64) {
	tags := map[string]string{
		"challenge_id": challengeID,
		"worker_id":    workerID,
		"status":       status,
	}

	fields := map[string]interface{}{
		"processing_ms": processingMs,
		"count":         1,
	}

	point := write.NewPoint("submissions", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteScoreMetric writes an oracle scoring outcome
func (c *Client) WriteScoreMetric(challengeID, workerID string, score float64, durationMs float64, failed bool) {
	tags := map[string]string{
		"challenge_id": challengeID,
		"worker_id":    workerID,
		"failed":       fmt.Sprintf("%t", failed),
	}

	fields := map[string]interface{}{
		"score":       score,
		"duration_ms": durationMs,
		"count":       1,
	}

	point := write.NewPoint("scores", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteSettlementMetric writes a challenge settlement metric
func (c *Client) WriteSettlementMetric(challengeID, bestWorker string, bestScore, forfeited float64, paidWorkers, duplicates int) {
	tags := map[string]string{
		"challenge_id": challengeID,
		"best_worker":  bestWorker,
	}

	fields := map[string]interface{}{
		"best_score":   bestScore,
		"forfeited":    forfeited,
		"paid_workers": paidWorkers,
		"duplicates":   duplicates,
		"count":        1,
	}

	point := write.NewPoint("settlements", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteEpochMetric writes an exported epoch weight vector metric
func (c *Client) WriteEpochMetric(epoch int64, challengeCount, workerCount int, totalWeight float64) {
	tags := map[string]string{
		"epoch": fmt.Sprintf("%d", epoch),
	}

	fields := map[string]interface{}{
		"challenge_count": challengeCount,
		"worker_count":    workerCount,
		"total_weight":    totalWeight,
	}

	point := write.NewPoint("epochs", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePoolStatsMetric writes overall pool statistics
func (c *Client) WritePoolStatsMetric(activeChallenges, activeWorkers, pendingSubmissions int64) {
	fields := map[string]interface{}{
		"active_challenges":   activeChallenges,
		"active_workers":      activeWorkers,
		"pending_submissions": pendingSubmissions,
	}

	point := write.NewPoint("pool_stats", map[string]string{}, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// Query methods

// GetSubmissionStats retrieves submission counts grouped by status over a window
func (c *Client) GetSubmissionStats(ctx context.Context, duration time.Duration) (*SubmissionStats, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "submissions")
		|> filter(fn: (r) => r._field == "count")
		|> group(columns: ["status"])
		|> sum()
	`, c.bucket, duration.String())

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query submission stats: %w", err)
	}
	defer func() {
		if err := result.Close(); err != nil {
			_ = err
		}
	}()

	stats := &SubmissionStats{}
	for result.Next() {
		record := result.Record()
		count, ok := record.Value().(int64)
		if !ok {
			continue
		}
		switch record.ValueByKey("status") {
		case "accepted", "scored":
			stats.Accepted += count
		case "superseded":
			stats.Superseded += count
		case "rejected":
			stats.Rejected += count
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	stats.Total = stats.Accepted + stats.Superseded + stats.Rejected
	return stats, nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// SubmissionStats represents aggregated submission statistics
type SubmissionStats struct {
	Total      int64 `json:"total"`
	Accepted   int64 `json:"accepted"`
	Superseded int64 `json:"superseded"`
	Rejected   int64 `json:"rejected"`
}
