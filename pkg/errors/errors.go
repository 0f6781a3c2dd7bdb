package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"relaycast/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeResourceExhausted  ErrorCode = "RESOURCE_EXHAUSTED"
	ErrCodeMediaEngine        ErrorCode = "MEDIA_ENGINE_ERROR"
	ErrCodeProcess            ErrorCode = "PROCESS_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewForbiddenError(message string) *AppError {
	return NewAppError(ErrCodeForbidden, message, http.StatusForbidden)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// domainMappings is checked in order; validation sentinels come first so a
// wrapped media engine error carrying a validation cause maps to bad input.
var domainMappings = []struct {
	target  error
	code    ErrorCode
	status  int
	message string
}{
	{domain.ErrInvalidKind, ErrCodeInvalidInput, http.StatusBadRequest, "invalid media kind"},
	{domain.ErrInvalidRtpParameters, ErrCodeInvalidInput, http.StatusBadRequest, "invalid rtp parameters"},
	{domain.ErrInvalidCapabilities, ErrCodeInvalidInput, http.StatusBadRequest, "invalid rtp capabilities"},
	{domain.ErrInvalidDtlsParameters, ErrCodeInvalidInput, http.StatusBadRequest, "invalid dtls parameters"},
	{domain.ErrCannotConsume, ErrCodeInvalidInput, http.StatusBadRequest, "cannot consume producer"},
	{domain.ErrPeerNotFound, ErrCodeNotFound, http.StatusNotFound, "peer not found"},
	{domain.ErrTransportNotFound, ErrCodeNotFound, http.StatusNotFound, "transport not found"},
	{domain.ErrProducerNotFound, ErrCodeNotFound, http.StatusNotFound, "producer not found"},
	{domain.ErrStreamNotFound, ErrCodeNotFound, http.StatusNotFound, "stream not found"},
	{domain.ErrPeerExists, ErrCodeConflict, http.StatusConflict, "peer already exists"},
	{domain.ErrTransportExists, ErrCodeConflict, http.StatusConflict, "transport already exists"},
	{domain.ErrPeerClosed, ErrCodeConflict, http.StatusConflict, "peer is closed"},
	{domain.ErrPortsExhausted, ErrCodeResourceExhausted, http.StatusServiceUnavailable, "no rtp ports available"},
	{domain.ErrTranscoderSpawn, ErrCodeProcess, http.StatusInternalServerError, "failed to start transcoder"},
	{domain.ErrTranscoderExited, ErrCodeProcess, http.StatusInternalServerError, "transcoder exited"},
	{domain.ErrMediaEngine, ErrCodeMediaEngine, http.StatusInternalServerError, "media engine error"},
}

// FromDomain maps an error returned by the core services to an AppError.
// Errors that already carry an AppError are returned as is; unknown errors
// become internal errors.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}
	for _, m := range domainMappings {
		if stderrors.Is(err, m.target) {
			return WrapError(err, m.code, m.message, m.status)
		}
	}
	return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}
