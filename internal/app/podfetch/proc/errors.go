package proc

import (
	"errors"
	"fmt"
)

// FailureKind classifies download failures for retry decisions.
type FailureKind int

const (
	// KindInsufficientSpace for pre-flight disk space rejection, never auto-retried
	KindInsufficientSpace FailureKind = iota
	// KindNetwork for connect/timeout/DNS failures, retryable
	KindNetwork
	// KindHTTPStatus for non-2xx responses
	KindHTTPStatus
	// KindWrite for local disk failures during the stream, retryable
	KindWrite
	// KindCancelled for cooperative cancellation, no retry is scheduled
	KindCancelled
	// KindMissingTempFile for a missing temp file at finalize time
	KindMissingTempFile
)

// String name of the failure kind.
func (k FailureKind) String() string {
	switch k {
	case KindInsufficientSpace:
		return "insufficient space"
	case KindNetwork:
		return "network error"
	case KindHTTPStatus:
		return "http status error"
	case KindWrite:
		return "write error"
	case KindCancelled:
		return "cancelled"
	case KindMissingTempFile:
		return "missing temp file"
	default:
		return "unknown"
	}
}

// DownloadError is the typed failure returned by the transfer engine.
// StatusCode is set only for KindHTTPStatus.
type DownloadError struct {
	Kind       FailureKind
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.Kind == KindHTTPStatus {
		return fmt.Sprintf("%s: unexpected status %d", e.Kind, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Retryable reports whether the scheduler may retry this failure.
// 4xx responses never change on retry, so they are retried only when
// retryClientErrors is set.
func (e *DownloadError) Retryable(retryClientErrors bool) bool {
	switch e.Kind {
	case KindNetwork, KindWrite, KindMissingTempFile:
		return true
	case KindHTTPStatus:
		if e.StatusCode >= 400 && e.StatusCode < 500 {
			return retryClientErrors
		}
		return true
	default:
		return false
	}
}

// ErrAlreadyActive is returned when a transfer is already registered
// for the episode identifier.
var ErrAlreadyActive = errors.New("transfer already active for episode")

// AsDownloadError unwraps err into a *DownloadError when possible.
func AsDownloadError(err error) (*DownloadError, bool) {
	var derr *DownloadError
	if errors.As(err, &derr) {
		return derr, true
	}
	return nil, false
}
