package models

import (
	"errors"
	"fmt"
)

// Stable error codes. They appear as the "code" log field and the
// "type" label of the errors metric.
const (
	ErrCodeInvalidEvent     = "ERR_INVALID_EVENT"
	ErrCodePersistRetryable = "ERR_PERSIST_RETRYABLE"
	ErrCodePersistPermanent = "ERR_PERSIST_PERMANENT"
	ErrCodePublish          = "ERR_PUBLISH"
	ErrCodeAlertSink        = "ERR_ALERT_SINK"
	ErrCodeAlertDropped     = "ERR_ALERT_DROPPED"
	ErrCodeQueueWrongType   = "ERR_QUEUE_WRONGTYPE"
	ErrCodeQueueIO          = "ERR_QUEUE_IO"
	ErrCodeStateStoreDown   = "ERR_STATE_STORE_UNAVAILABLE"
	ErrCodeArchive          = "ERR_ARCHIVE"
	ErrCodeContext          = "ERR_CONTEXT"
	ErrCodeMetricsWrite     = "ERR_METRICS_WRITE"
	ErrCodeInternal         = "ERR_INTERNAL"
)

// PipelineError attaches a stable code to an error.
type PipelineError struct {
	Code string
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError wraps err with code.
func NewPipelineError(code string, err error) *PipelineError {
	return &PipelineError{Code: code, Err: err}
}

// InvalidEventf builds an ERR_INVALID_EVENT error.
func InvalidEventf(format string, a ...interface{}) *PipelineError {
	return &PipelineError{Code: ErrCodeInvalidEvent, Err: fmt.Errorf(format, a...)}
}

// CodeOf returns the code carried by err, or ERR_INTERNAL.
func CodeOf(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return ErrCodeInternal
}

// IsInvalidEvent reports whether err marks a malformed event.
func IsInvalidEvent(err error) bool {
	return CodeOf(err) == ErrCodeInvalidEvent
}
