package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/access-news/cqrs/adapters"
)

// PostgreSQL error codes the adapter reacts to.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeAdminShutdown        = "57P01"
	codeCannotConnectNow     = "57P03"
	codeTooManyConnections   = "53300"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// isTransient reports whether a failure is expected to clear on retry.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable,
			codeAdminShutdown, codeCannotConnectNow, codeTooManyConnections:
			return true
		}
		// Class 08: connection exception.
		return strings.HasPrefix(pgErr.Code, "08")
	}

	if errors.Is(err, driver.ErrBadConn) || pgconn.SafeToRetry(err) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// classify wraps retryable failures in an adapters.TransientError so the
// projector and the retry middleware can tell them apart.
func classify(op string, err error) error {
	if isTransient(err) {
		return adapters.NewTransientError(op, err)
	}
	return err
}
