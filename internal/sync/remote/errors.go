package remote

import (
	"fmt"

	apperrors "github.com/brightpath/fieldsync/internal/errors"
)

// TransientNetworkError is a timeout, connection failure, 408, 429 or 5xx.
// The mutation should be retried with backoff.
type TransientNetworkError struct {
	Status int
	Err    error
}

func (e *TransientNetworkError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transient network error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("transient network error: %v", e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// ErrorCode implements apperrors.Coder.
func (e *TransientNetworkError) ErrorCode() apperrors.ErrorCode { return apperrors.ErrTransientNetwork }

// ConflictError is a 409: the server record diverged from what the client saw.
type ConflictError struct {
	Record        map[string]interface{}
	ChangedFields []string
	Message       string
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return "conflict: " + e.Message
	}
	return "conflict: server record changed"
}

// ErrorCode implements apperrors.Coder.
func (e *ConflictError) ErrorCode() apperrors.ErrorCode { return apperrors.ErrSyncConflict }

// PermanentRejectionError is any other 4xx. Retrying will not help.
type PermanentRejectionError struct {
	Status  int
	Message string
	Fields  map[string]string
}

func (e *PermanentRejectionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rejected: HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("rejected: HTTP %d", e.Status)
}

// ErrorCode implements apperrors.Coder.
func (e *PermanentRejectionError) ErrorCode() apperrors.ErrorCode {
	return apperrors.ErrPermanentRejection
}
