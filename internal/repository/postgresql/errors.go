package postgresql

import (
	"errors"
	"fmt"
	"strings"

	"smart_bays/internal/repository"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

// activeBookingConstraints are the partial unique indexes enforcing one
// active booking per bay and per user.
var activeBookingConstraints = []string{"bookings_active_bay_uq", "bookings_active_user_uq"}

// classify maps driver errors onto repository sentinels. Both the pgx and
// lib/pq error types are recognised since either driver may be configured.
func classify(err error) error {
	if err == nil {
		return nil
	}
	code, constraint, ok := sqlState(err)
	if !ok {
		return err
	}
	switch code {
	case codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%w: sqlstate %s: %v", repository.ErrConflict, code, err)
	case codeUniqueViolation:
		for _, c := range activeBookingConstraints {
			if constraint == c {
				return fmt.Errorf("%w: %s", repository.ErrConflict, constraint)
			}
		}
		return fmt.Errorf("%w: %s", repository.ErrDuplicateEntry, constraint)
	}
	return err
}

func sqlState(err error) (code, constraint string, ok bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName, true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), pqErr.Constraint, true
	}
	// Commit-time serialization failures surface as plain errors with some drivers.
	if strings.Contains(err.Error(), "could not serialize access") {
		return codeSerializationFailure, "", true
	}
	return "", "", false
}
