package unifiedllm

import (
	"errors"
	"fmt"
)

// SDKError is the base error type for all stream and loop errors.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

// ProviderError represents an error returned by an LLM provider before or
// during a stream.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	ErrorCode  string
	Retryable  bool
	RetryAfter *float64
	Raw        map[string]any
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

// Concrete provider error types.

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type NotFoundError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type OverloadedError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }

// Non-provider errors.

type RequestTimeoutError struct{ SDKError }
type AbortError struct{ SDKError }
type NetworkError struct{ SDKError }
type ConfigurationError struct{ SDKError }

// StreamError is a transport-level failure that ends the stream: a dropped
// connection, an oversized frame, or too many consecutive decode failures.
type StreamError struct{ SDKError }

// DecodeError reports one frame that could not be turned into an Event.
type DecodeError struct {
	SDKError
	Line int
	Raw  string
}

// AggregationError is attached to a single block or call. It never aborts
// the turn on its own.
type AggregationError struct {
	SDKError
	Index  int
	CallID string
}

func (e *AggregationError) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("block %d (call %s): %s", e.Index, e.CallID, e.SDKError.Error())
	}
	return fmt.Sprintf("block %d: %s", e.Index, e.SDKError.Error())
}

// BufferLimitError reports that a block's buffer reached its size guard.
type BufferLimitError struct {
	SDKError
	Index int
	Limit int
}

// Tool dispatch errors. These are turned into error results and fed back to
// the model; they never propagate out of the dispatcher.

type ToolNotFoundError struct {
	SDKError
	Name string
}

type InvalidToolCallError struct {
	SDKError
	CallID string
}

type ToolTimeoutError struct {
	SDKError
	Name string
}

type ToolExecutionError struct {
	SDKError
	Name string
}

// NewDecodeError builds a DecodeError for the frame at line.
func NewDecodeError(line int, raw string, msg string, cause error) *DecodeError {
	return &DecodeError{SDKError: SDKError{Message: msg, Cause: cause}, Line: line, Raw: raw}
}

// NewAggregationError builds an AggregationError for the block at index.
func NewAggregationError(index int, callID, msg string, cause error) *AggregationError {
	return &AggregationError{SDKError: SDKError{Message: msg, Cause: cause}, Index: index, CallID: callID}
}

// ErrorFromStatusCode maps an HTTP status code to the appropriate error type.
func ErrorFromStatusCode(statusCode int, message, provider, errorCode string, raw map[string]any, retryAfter *float64) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Raw:        raw,
		RetryAfter: retryAfter,
	}

	switch statusCode {
	case 400, 422:
		return &InvalidRequestError{ProviderError: pe}
	case 401:
		return &AuthenticationError{ProviderError: pe}
	case 403:
		return &AccessDeniedError{ProviderError: pe}
	case 404:
		return &NotFoundError{ProviderError: pe}
	case 408:
		return &RequestTimeoutError{SDKError: SDKError{Message: message}}
	case 413:
		return &ContextLengthError{ProviderError: pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case 529:
		pe.Retryable = true
		return &OverloadedError{ProviderError: pe}
	case 500, 502, 503, 504:
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	default:
		pe.Retryable = statusCode >= 500
		return &pe
	}
}

// IsRetryable returns true if the error is safe to retry before a stream has
// started. Errors raised mid-stream are never retried by this module.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch e := err.(type) {
	case *ProviderError:
		return e.Retryable
	case *AuthenticationError, *AccessDeniedError, *NotFoundError,
		*InvalidRequestError, *ContextLengthError, *ConfigurationError,
		*AbortError, *DecodeError, *AggregationError, *StreamError:
		return false
	case *RateLimitError, *ServerError, *OverloadedError, *NetworkError, *RequestTimeoutError:
		return true
	default:
		return false
	}
}

// IsAbort reports whether err is, or wraps, an AbortError.
func IsAbort(err error) bool {
	var ae *AbortError
	return errors.As(err, &ae)
}
