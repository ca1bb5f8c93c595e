package repository

import (
	"errors"
	"fmt"

	"TrapFlow/internal/domain/models"

	"github.com/jackc/pgx/v5/pgconn"
)

// PersistError classifies a relational failure as retryable or permanent.
type PersistError struct {
	Code      string
	SQLState  string
	Retryable bool
	Err       error
}

func (e *PersistError) Error() string {
	if e.SQLState != "" {
		return fmt.Sprintf("%s (sqlstate %s): %v", e.Code, e.SQLState, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// ErrorCode lets models.CodeOf recover the stable code.
func (e *PersistError) ErrorCode() string {
	return e.Code
}

func retryable(err error, state string) *PersistError {
	return &PersistError{Code: models.ErrCodePersistRetryable, SQLState: state, Retryable: true, Err: err}
}

func permanent(err error, state string) *PersistError {
	return &PersistError{Code: models.ErrCodePersistPermanent, SQLState: state, Err: err}
}

// retryableStates are SQLSTATEs worth another attempt. Whole classes are
// matched by their two-character prefix.
var retryableStates = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
	"57014": true, // query_canceled (statement_timeout)
}

var retryableClasses = map[string]bool{
	"08": true, // connection exception
	"53": true, // insufficient resources
	"58": true, // system error
}

// ClassifyPersistError maps err onto a PersistError. Server errors are
// classified by SQLSTATE; timeouts and dropped connections are retryable.
func ClassifyPersistError(err error) *PersistError {
	if err == nil {
		return nil
	}
	var pe *PersistError
	if errors.As(err, &pe) {
		return pe
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		state := pgErr.Code
		if retryableStates[state] || (len(state) >= 2 && retryableClasses[state[:2]]) {
			return retryable(err, state)
		}
		return permanent(err, state)
	}

	// never reached the server or the connection dropped mid-flight
	return retryable(err, "")
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	pe := ClassifyPersistError(err)
	return pe != nil && pe.Retryable
}
