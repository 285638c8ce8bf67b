// Package log provides structured logging utilities for the mainframe job pool.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger with the specified configuration
func New(service, version, level, format string) *Logger {
	var handler slog.Handler

	// Parse log level
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	// Create handler based on format
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	// Create base logger with service context
	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// WithContext returns a logger with additional context fields
func (l *Logger) WithContext(ctx context.Context) *Logger {
	// Extract common context values if they exist
	logger := l.Logger

	// Add request ID if available
	if reqID := ctx.Value("request_id"); reqID != nil {
		logger = logger.With("request_id", reqID)
	}

	// Add trace ID if available
	if traceID := ctx.Value("trace_id"); traceID != nil {
		logger = logger.With("trace_id", traceID)
	}

	return &Logger{
		Logger:  logger,
		service: l.service,
		version: l.version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithWorker returns a logger with worker-specific fields
func (l *Logger) WithWorker(workerID string) *Logger {
	return l.WithFields("worker_id", workerID)
}

// WithChallenge returns a logger with challenge-specific fields
func (l *Logger) WithChallenge(challengeID string) *Logger {
	return l.WithFields("challenge_id", challengeID)
}

// WithSubmission returns a logger with submission-specific fields
func (l *Logger) WithSubmission(submissionID, challengeID, workerID string) *Logger {
	return l.WithFields(
		"submission_id", submissionID,
		"challenge_id", challengeID,
		"worker_id", workerID,
	)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Performance logging helpers

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, duration int64) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ns", duration,
		"duration_ms", float64(duration)/1e6,
	)
}

// LogThroughput logs throughput metrics
func (l *Logger) LogThroughput(operation string, count int64, duration int64) {
	throughput := float64(count) / (float64(duration) / 1e9) // ops per second
	l.Info("throughput metrics",
		"operation", operation,
		"count", count,
		"duration_ns", duration,
		"throughput_ops_sec", throughput,
	)
}

// Pool-specific logging helpers

// LogSubmission logs a submission intake decision
func (l *Logger) LogSubmission(workerID, challengeID, status, reason string) {
	l.Info("submission received",
		"worker_id", workerID,
		"challenge_id", challengeID,
		"status", status,
		"reason", reason,
	)
}

// LogChallengeDistribution logs a challenge being announced to the pool
func (l *Logger) LogChallengeDistribution(challengeID string, deadline string, activeCount int) {
	l.Info("challenge distributed",
		"challenge_id", challengeID,
		"deadline", deadline,
		"active_challenges", activeCount,
	)
}

// LogSettlement logs the outcome of a challenge settlement
func (l *Logger) LogSettlement(challengeID string, paidWorkers int, forfeited float64, bestWorker string, bestScore float64) {
	l.Info("challenge settled",
		"challenge_id", challengeID,
		"paid_workers", paidWorkers,
		"forfeited_fraction", forfeited,
		"best_worker", bestWorker,
		"best_score", bestScore,
	)
}

// LogWeightExport logs an epoch weight vector export
func (l *Logger) LogWeightExport(epoch int64, workerCount, challengeCount int, totalWeight float64) {
	l.Info("weight vector exported",
		"epoch", epoch,
		"worker_count", workerCount,
		"challenge_count", challengeCount,
		"total_weight", totalWeight,
	)
}
