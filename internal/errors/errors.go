// Package errors defines the gateway error taxonomy.
//
// Every failure detected by the pipeline is a *ServiceError carrying a
// Category. Categories other than CategoryUnexpected are raised proactively
// by a stage; CategoryUnexpected wraps anything recovered at the outer boundary.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Category groups failures by the stage that detects them.
type Category string

const (
	CategoryTransport     Category = "transport"
	CategoryProtocol      Category = "protocol"
	CategoryAuthorization Category = "authorization"
	CategoryContract      Category = "contract"
	CategoryDownstream    Category = "downstream"
	CategoryUnexpected    Category = "unexpected"
)

// ErrorCode is a stable machine readable code.
type ErrorCode string

const (
	CodeUnsupportedMedia   ErrorCode = "UNSUPPORTED_MEDIA"
	CodeInvalidFormat      ErrorCode = "INVALID_FORMAT"
	CodeProtocolViolation  ErrorCode = "PROTOCOL_VIOLATION"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeAmbiguous          ErrorCode = "AMBIGUOUS"
	CodeForbidden          ErrorCode = "FORBIDDEN"
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeInvalidToken       ErrorCode = "INVALID_TOKEN"
	CodeContractMismatch   ErrorCode = "CONTRACT_MISMATCH"
	CodeConfiguration      ErrorCode = "CONFIGURATION"
	CodeRouteNotFound      ErrorCode = "ROUTE_NOT_FOUND"
	CodeDownstreamFailure  ErrorCode = "DOWNSTREAM_FAILURE"
	CodeDownstreamRejected ErrorCode = "DOWNSTREAM_REJECTED"
	CodeRateLimitExceeded  ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// ServiceError is the error type returned by every gateway stage.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Category   Category               `json:"category"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a detail entry and returns the same error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a ServiceError.
func New(category Category, code ErrorCode, status int, message string) *ServiceError {
	return &ServiceError{Category: category, Code: code, HTTPStatus: status, Message: message}
}

// Wrap creates a ServiceError with a cause.
func Wrap(category Category, code ErrorCode, status int, message string, err error) *ServiceError {
	return &ServiceError{Category: category, Code: code, HTTPStatus: status, Message: message, Err: err}
}

// GetServiceError extracts a *ServiceError from err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// CategoryOf returns err's category, CategoryUnexpected when err is not a ServiceError.
func CategoryOf(err error) Category {
	if se := GetServiceError(err); se != nil {
		return se.Category
	}
	return CategoryUnexpected
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}

// Transport / format

func UnsupportedMediaType(contentType string) *ServiceError {
	return New(CategoryTransport, CodeUnsupportedMedia, http.StatusUnsupportedMediaType,
		fmt.Sprintf("content type '%s' is not accepted", contentType))
}

func InvalidFormat(message string, err error) *ServiceError {
	return Wrap(CategoryTransport, CodeInvalidFormat, http.StatusBadRequest, message, err)
}

// Protocol validation

func Protocol(message string) *ServiceError {
	return New(CategoryProtocol, CodeProtocolViolation, http.StatusBadRequest, message)
}

func NotFound(message string) *ServiceError {
	return New(CategoryProtocol, CodeNotFound, http.StatusNotFound, message)
}

func Ambiguous(message string) *ServiceError {
	return New(CategoryProtocol, CodeAmbiguous, http.StatusConflict, message)
}

func Forbidden(message string) *ServiceError {
	return New(CategoryProtocol, CodeForbidden, http.StatusForbidden, message)
}

// Authorization

func Unauthorized(message string) *ServiceError {
	return New(CategoryAuthorization, CodeUnauthorized, http.StatusUnauthorized, message)
}

func InvalidToken(err error) *ServiceError {
	return Wrap(CategoryAuthorization, CodeInvalidToken, http.StatusUnauthorized, "invalid bearer token", err)
}

// Contract mismatch

func ContractMismatch(message string) *ServiceError {
	return New(CategoryContract, CodeContractMismatch, http.StatusUnprocessableEntity, message)
}

func Configuration(message string) *ServiceError {
	return New(CategoryContract, CodeConfiguration, http.StatusInternalServerError, message)
}

// Downstream

func RouteNotFound(message string) *ServiceError {
	return New(CategoryDownstream, CodeRouteNotFound, http.StatusBadGateway, message)
}

func Downstream(message string, err error) *ServiceError {
	return Wrap(CategoryDownstream, CodeDownstreamFailure, http.StatusBadGateway, message, err)
}

func DownstreamRejected(message string) *ServiceError {
	return New(CategoryDownstream, CodeDownstreamRejected, http.StatusBadGateway, message)
}

// Unexpected

func Internal(message string, err error) *ServiceError {
	return Wrap(CategoryUnexpected, CodeInternal, http.StatusInternalServerError, message, err)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(CategoryTransport, CodeRateLimitExceeded, http.StatusTooManyRequests, "rate limit exceeded").
		WithDetails("limit", limit).
		WithDetails("window", window)
}
