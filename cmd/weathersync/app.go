package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	kafkaadapter "github.com/couchcryptid/weather-sync/internal/adapter/kafka"
	"github.com/couchcryptid/weather-sync/internal/adapter/mongo"
	"github.com/couchcryptid/weather-sync/internal/adapter/postgres"
	"github.com/couchcryptid/weather-sync/internal/adapter/sqlite"
	"github.com/couchcryptid/weather-sync/internal/config"
	"github.com/couchcryptid/weather-sync/internal/domain"
	"github.com/couchcryptid/weather-sync/internal/observability"
	"github.com/couchcryptid/weather-sync/internal/pipeline"
	"github.com/couchcryptid/weather-sync/internal/resilience"
	"github.com/couchcryptid/weather-sync/internal/scheduler"
	"github.com/couchcryptid/weather-sync/internal/verify"
)

// app holds the connections shared by every subcommand.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics

	source     *postgres.Reader
	target     *mongo.Store
	checkpoint *sqlite.Checkpoint      // nil without CHECKPOINT_PATH
	publisher  *kafkaadapter.Publisher // nil without KAFKA_BROKERS
}

// openApp loads configuration and connects to both stores, the checkpoint
// database and the report topic.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.LogLevel = "debug"
	}

	logger := observability.NewLogger(cfg)
	a := &app{cfg: cfg, logger: logger, metrics: observability.NewMetrics()}

	if a.source, err = postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns, logger); err != nil {
		return nil, err
	}
	if a.target, err = mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.BatchSize, logger); err != nil {
		a.Close()
		return nil, err
	}
	if cfg.CheckpointPath != "" {
		if a.checkpoint, err = sqlite.Open(cfg.CheckpointPath); err != nil {
			a.Close()
			return nil, err
		}
		logger.Info("checkpoint enabled", "path", cfg.CheckpointPath)
	}
	if len(cfg.KafkaBrokers) > 0 {
		a.publisher = kafkaadapter.NewPublisher(cfg, logger)
		logger.Info("report publishing enabled", "topic", cfg.KafkaReportTopic)
	}
	return a, nil
}

// Close releases every connection that was opened.
func (a *app) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Error("kafka writer close error", "error", err)
		}
	}
	if a.checkpoint != nil {
		if err := a.checkpoint.Close(); err != nil {
			a.logger.Error("checkpoint close error", "error", err)
		}
	}
	if a.target != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		if err := a.target.Close(ctx); err != nil {
			a.logger.Error("mongo disconnect error", "error", err)
		}
	}
	if a.source != nil {
		a.source.Close()
	}
}

func (a *app) retryPolicy() resilience.Policy {
	return resilience.Policy{
		MaxAttempts:    a.cfg.RetryMaxAttempts,
		InitialBackoff: a.cfg.RetryInitialBackoff,
		MaxBackoff:     a.cfg.RetryMaxBackoff,
	}
}

// checkpointer avoids handing the orchestrator a typed nil.
func (a *app) checkpointer() pipeline.Checkpointer {
	if a.checkpoint == nil {
		return nil
	}
	return a.checkpoint
}

func (a *app) reportPublisher() scheduler.Publisher {
	if a.publisher == nil {
		return nil
	}
	return a.publisher
}

func (a *app) orchestrator(resume bool) *pipeline.Orchestrator {
	return pipeline.New(a.source, a.target, a.checkpointer(), pipeline.Options{
		PageSize:         a.cfg.PageSize,
		BatchSize:        a.cfg.BatchSize,
		WriteConcurrency: a.cfg.WriteConcurrency,
		Retention:        a.cfg.PredictionRetention,
		EnsureIndexes:    true,
		Resume:           resume,
		Retry:            a.retryPolicy(),
	}, a.logger, a.metrics)
}

func (a *app) verifier() *verify.Verifier {
	return verify.New(a.source, a.target, verify.Options{
		SampleSize:    a.cfg.VerifySampleSize,
		FullScanLimit: a.cfg.VerifyFullScanLimit,
		Retention:     a.cfg.PredictionRetention,
		Retry:         a.retryPolicy(),
	}, a.logger, a.metrics)
}

// verifyInput reads the last migration's outcome from the checkpoint. Without
// one, only counts and fields are reconciled.
func (a *app) verifyInput(ctx context.Context) (verify.Input, error) {
	if a.checkpoint == nil {
		return verify.Input{}, nil
	}
	cp, err := a.checkpoint.Load(ctx)
	if err != nil {
		return verify.Input{}, fmt.Errorf("load checkpoint: %w", err)
	}
	return verify.InputFromCheckpoint(cp), nil
}

func (a *app) publishMigration(ctx context.Context, r *domain.MigrationReport) {
	if a.publisher == nil {
		return
	}
	if err := a.publisher.PublishMigration(ctx, r); err != nil {
		a.logger.Warn("publish migration report failed", "error", err)
	}
}

func (a *app) publishVerification(ctx context.Context, r *domain.VerificationReport) {
	if a.publisher == nil {
		return
	}
	if err := a.publisher.PublishVerification(ctx, r); err != nil {
		a.logger.Warn("publish verification report failed", "error", err)
	}
}

// openOutput returns stdout for an empty path.
func openOutput(path string) (io.Writer, func() error, error) {
	if path == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open report file: %w", err)
	}
	return f, f.Close, nil
}

// publishContext outlives a cancelled run so the final report still ships.
func publishContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
