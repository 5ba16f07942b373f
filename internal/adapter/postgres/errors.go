package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/couchcryptid/weather-sync/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
)

// classify maps a driver error onto the domain taxonomy: lost connections
// become ErrSourceUnavailable, missing relations or columns become
// ErrSchemaMismatch. Cancellation and anything else pass through wrapped.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42703", pgErr.Code == "42P01":
			return fmt.Errorf("%w: %s: %s", domain.ErrSchemaMismatch, op, pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "57P03":
			return fmt.Errorf("%w: %s: %s", domain.ErrSourceUnavailable, op, pgErr.Message)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connectErr),
		errors.As(err, &netErr),
		pgconn.Timeout(err),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded),
		strings.Contains(err.Error(), "closed pool"):
		return fmt.Errorf("%w: %s: %v", domain.ErrSourceUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
