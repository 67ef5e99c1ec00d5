package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Status sentinels. Each wraps ErrAPI.
// Use errors.Is(err, apperr.ErrNotFound) to check.
var (
	ErrBadRequest         = fmt.Errorf("%w: bad request", ErrAPI)
	ErrUnauthorized       = fmt.Errorf("%w: unauthorized", ErrAPI)
	ErrForbidden          = fmt.Errorf("%w: forbidden", ErrAPI)
	ErrNotFound           = fmt.Errorf("%w: not found", ErrAPI)
	ErrConflict           = fmt.Errorf("%w: conflict", ErrAPI)
	ErrPreconditionFailed = fmt.Errorf("%w: precondition failed", ErrAPI)
	ErrQuotaExceeded      = fmt.Errorf("%w: quota exceeded", ErrAPI)
	ErrThrottled          = fmt.Errorf("%w: throttled", ErrAPI)
	ErrServerError        = fmt.Errorf("%w: server error", ErrAPI)
	ErrRejected           = fmt.Errorf("%w: rejected", ErrAPI)
)

// APICode is the coarse reason a server rejected a request.
type APICode int

const (
	CodeOther APICode = iota
	CodeAuth
	CodeValidation
	CodeQuota
	CodeNotFound
	CodeConflict
	CodeServer
)

func (c APICode) String() string {
	switch c {
	case CodeAuth:
		return "auth"
	case CodeValidation:
		return "validation"
	case CodeQuota:
		return "quota"
	case CodeNotFound:
		return "not-found"
	case CodeConflict:
		return "conflict"
	case CodeServer:
		return "server"
	default:
		return "other"
	}
}

// APIError wraps a status sentinel with the HTTP status, the server's own
// error code, the message body and the request id for debugging.
type APIError struct {
	StatusCode int
	ErrorCode  int
	Message    string
	RequestID  string
	Err        error // status sentinel, for errors.Is()
}

// NewAPIError classifies status and builds an APIError.
func NewAPIError(status, errorCode int, message, requestID string) *APIError {
	return &APIError{
		StatusCode: status,
		ErrorCode:  errorCode,
		Message:    message,
		RequestID:  requestID,
		Err:        classifyStatus(status),
	}
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("api: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("api: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Code maps the status sentinel onto the coarse APICode.
func (e *APIError) Code() APICode {
	switch {
	case errors.Is(e.Err, ErrUnauthorized), errors.Is(e.Err, ErrForbidden):
		return CodeAuth
	case errors.Is(e.Err, ErrBadRequest), errors.Is(e.Err, ErrPreconditionFailed):
		return CodeValidation
	case errors.Is(e.Err, ErrQuotaExceeded):
		return CodeQuota
	case errors.Is(e.Err, ErrNotFound):
		return CodeNotFound
	case errors.Is(e.Err, ErrConflict):
		return CodeConflict
	case errors.Is(e.Err, ErrServerError):
		return CodeServer
	default:
		return CodeOther
	}
}

// classifyStatus maps an HTTP status code to a sentinel error.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusPreconditionFailed:
		return ErrPreconditionFailed
	case http.StatusRequestEntityTooLarge, http.StatusInsufficientStorage:
		return ErrQuotaExceeded
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return ErrRejected
	}
}
