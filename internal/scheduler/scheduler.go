// Package scheduler re-runs verification periodically while the service is
// up and keeps the most recent report for the ops endpoints.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/weather-sync/internal/domain"
	"github.com/couchcryptid/weather-sync/internal/verify"
	"github.com/go-co-op/gocron"
)

// Verifier runs one verification pass.
type Verifier interface {
	Verify(ctx context.Context, in verify.Input) (*domain.VerificationReport, error)
}

// Publisher ships a finished report somewhere. It is optional.
type Publisher interface {
	PublishVerification(ctx context.Context, r *domain.VerificationReport) error
}

// InputFunc supplies the migration outcome to verify against, typically
// loaded from the checkpoint.
type InputFunc func(ctx context.Context) (verify.Input, error)

// Scheduler periodically verifies the target against the source.
type Scheduler struct {
	scheduler *gocron.Scheduler
	verifier  Verifier
	input     InputFunc
	publisher Publisher
	interval  time.Duration
	timeout   time.Duration
	logger    *slog.Logger

	mu      sync.RWMutex
	latest  *domain.VerificationReport
	lastErr error
}

// New creates a Scheduler. A nil publisher disables publishing.
func New(v Verifier, input InputFunc, pub Publisher, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		verifier:  v,
		input:     input,
		publisher: pub,
		interval:  interval,
		timeout:   30 * time.Minute,
		logger:    logger,
	}
}

// Start schedules verification every interval, starting now.
func (s *Scheduler) Start() error {
	every := period(s.interval)
	_, err := s.scheduler.Every(every).SingletonMode().Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("scheduled verification failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule verification: %w", err)
	}

	s.scheduler.StartAsync()
	s.logger.Info("verification scheduled", "every", every.String())
	return nil
}

// period is the job interval; sub-second values are raised to one second.
func period(d time.Duration) time.Duration {
	return max(d, time.Second)
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

// RunOnce performs one verification and records its outcome.
func (s *Scheduler) RunOnce(ctx context.Context) (*domain.VerificationReport, error) {
	in, err := s.input(ctx)
	if err != nil {
		s.setResult(nil, err)
		return nil, fmt.Errorf("load verification input: %w", err)
	}

	report, err := s.verifier.Verify(ctx, in)
	s.setResult(report, err)
	if err != nil {
		return nil, err
	}

	if s.publisher != nil {
		if err := s.publisher.PublishVerification(ctx, report); err != nil {
			s.logger.Warn("publish verification report failed", "error", err)
		}
	}
	return report, nil
}

func (s *Scheduler) setResult(report *domain.VerificationReport, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	if report != nil {
		s.latest = report
	}
}

// Latest returns the most recent successful report, or nil.
func (s *Scheduler) Latest() *domain.VerificationReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// CheckReadiness is ready once a verification pass has completed and the
// last pass could reach both stores.
func (s *Scheduler) CheckReadiness(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastErr != nil {
		return fmt.Errorf("last verification failed: %w", s.lastErr)
	}
	if s.latest == nil {
		return errors.New("no verification has completed yet")
	}
	return nil
}
