package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Server-signaled error codes from the transcription API envelope.
const (
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeProcessingTimeout  = "PROCESSING_TIMEOUT"
	codeTransport          = "TRANSPORT"
)

// ErrRetriesExhausted wraps the last upload error once the request-level
// retry budget is spent.
var ErrRetriesExhausted = errors.New("upload retries exhausted")

// Error describes one failed upload attempt with its retry
// classification.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upload failed: http %d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("upload failed: code=%s: %s", e.Code, e.Message)
}

// Retryable reports whether err may succeed on a later attempt.
// Unclassified errors are treated as transient transport failures.
func Retryable(err error) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Retryable
	}
	return true
}

// classifyStatus maps an HTTP status to the retryable/non-retryable
// split: 429 and all 5xx retry, auth and validation errors do not.
func classifyStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	case status == http.StatusUnauthorized, status == http.StatusForbidden,
		status == http.StatusBadRequest, status == http.StatusNotFound:
		return false
	default:
		return false
	}
}

// classifyCode maps an envelope error code to its classification.
func classifyCode(code string) bool {
	switch code {
	case CodeRateLimitExceeded, CodeServiceUnavailable, CodeProcessingTimeout:
		return true
	case CodeInvalidToken:
		return false
	default:
		return false
	}
}
