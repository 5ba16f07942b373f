package mongo

import (
	"context"
	"errors"
	"fmt"

	"github.com/couchcryptid/weather-sync/internal/domain"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"
)

// classify wraps connectivity failures in domain.ErrTargetUnavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if isUnavailable(err) {
		return fmt.Errorf("%w: %s: %v", domain.ErrTargetUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUnavailable(err error) bool {
	var selErr topology.ServerSelectionError
	return mongodriver.IsNetworkError(err) ||
		mongodriver.IsTimeout(err) ||
		errors.Is(err, mongodriver.ErrClientDisconnected) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &selErr)
}

// isDuplicateKey reports whether a write error code is a unique-index violation.
func isDuplicateKey(code int) bool {
	return code == 11000 || code == 11001 || code == 12582
}
