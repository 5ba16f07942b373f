package kafka

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/couchcryptid/weather-sync/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestMigrationMessage(t *testing.T) {
	start := time.Date(2024, 4, 26, 15, 10, 0, 0, time.UTC)
	r := &domain.MigrationReport{RunID: "run-1", State: domain.StateCompleted, StartedAt: start}

	msg, err := migrationMessage(r)
	require.NoError(t, err)

	assert.Equal(t, []byte("run-1"), msg.Key)
	assert.Contains(t, string(msg.Value), `"state":"Completed"`)
	require.Len(t, msg.Headers, 3)
	assert.Equal(t, "report_kind", msg.Headers[0].Key)
	assert.Equal(t, []byte("migration"), msg.Headers[0].Value)
	assert.Equal(t, []byte("Completed"), msg.Headers[1].Value)
	assert.Equal(t, []byte(start.Format(time.RFC3339)), msg.Headers[2].Value)
}

func TestVerificationMessage(t *testing.T) {
	r := &domain.VerificationReport{
		CheckedAt: time.Date(2024, 4, 26, 0, 0, 0, 0, time.UTC),
		Findings:  []domain.Finding{{Entity: domain.EntityLocation, Kind: domain.FindingCountMismatch}},
	}

	msg, err := verificationMessage(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("2024-04-26T00:00:00Z"), msg.Key)
	assert.Contains(t, string(msg.Value), `"kind":"CountMismatch"`)
	assert.Equal(t, []byte("verification"), msg.Headers[0].Value)
	assert.Equal(t, []byte("1"), msg.Headers[1].Value)
}

func TestPublisher(t *testing.T) {
	fw := &fakeWriter{}
	p := &Publisher{writer: fw, logger: slog.Default()}
	ctx := context.Background()

	require.NoError(t, p.PublishMigration(ctx, &domain.MigrationReport{RunID: "run-1"}))
	require.NoError(t, p.PublishVerification(ctx, &domain.VerificationReport{}))
	assert.Len(t, fw.msgs, 2)

	fw.err = errors.New("leader not available")
	err := p.PublishMigration(ctx, &domain.MigrationReport{RunID: "run-2"})
	require.ErrorContains(t, err, "leader not available")

	require.NoError(t, p.Close())
	assert.True(t, fw.closed)
}
