// Package kafka publishes migration and verification reports to a topic so
// downstream systems can react to a finished run.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/couchcryptid/weather-sync/internal/config"
	"github.com/couchcryptid/weather-sync/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

const (
	kindMigration    = "migration"
	kindVerification = "verification"
)

// messageWriter is the part of *kafkago.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher produces report messages to the configured report topic.
type Publisher struct {
	writer messageWriter
	logger *slog.Logger
}

// NewPublisher creates a Kafka producer for KAFKA_REPORT_TOPIC.
func NewPublisher(cfg *config.Config, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaReportTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Publisher{writer: w, logger: logger}
}

// PublishMigration sends a migration report keyed by run id.
func (p *Publisher) PublishMigration(ctx context.Context, r *domain.MigrationReport) error {
	msg, err := migrationMessage(r)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish migration report: %w", err)
	}
	p.logger.Info("migration report published", "run_id", r.RunID, "state", r.State)
	return nil
}

// PublishVerification sends a verification report keyed by check time.
func (p *Publisher) PublishVerification(ctx context.Context, r *domain.VerificationReport) error {
	msg, err := verificationMessage(r)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish verification report: %w", err)
	}
	p.logger.Info("verification report published", "findings", len(r.Findings))
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

func migrationMessage(r *domain.MigrationReport) (kafkago.Message, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize migration report: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(r.RunID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "report_kind", Value: []byte(kindMigration)},
			{Key: "state", Value: []byte(r.State)},
			{Key: "started_at", Value: []byte(r.StartedAt.Format(time.RFC3339))},
		},
	}, nil
}

func verificationMessage(r *domain.VerificationReport) (kafkago.Message, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize verification report: %w", err)
	}
	checked := r.CheckedAt.Format(time.RFC3339)
	return kafkago.Message{
		Key:   []byte(checked),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "report_kind", Value: []byte(kindVerification)},
			{Key: "findings", Value: []byte(strconv.Itoa(len(r.Findings)))},
			{Key: "checked_at", Value: []byte(checked)},
		},
	}, nil
}
