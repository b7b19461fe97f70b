package shared

import (
	"errors"
	"fmt"
)

// RequestError is used when we want a specific error message and StatusCode.
// sane defaults are listed below. For routes that need custom error messages,
// a request error can be generated and a handler expects the router to return
// the exact message inside the request error msg
//
// Error codes should be bubbled where the RequestError msg is expected to be
// returned to the user. If the user should see a generic error message but
// the error chain should include more detail for logging purposes, then a generic
// error should be added that provides context
type RequestError struct {
	StatusCode int
	Err        error
}

func (r *RequestError) Error() string {
	return fmt.Sprintf("status %d: err %v", r.StatusCode, r.Err)
}

// Message is the text shown to the caller
func (r *RequestError) Message() string {
	if r.Err == nil {
		return "request failed"
	}
	return r.Err.Error()
}

var (
	ErrUnauthorized     = &RequestError{Err: errors.New("Missing or invalid API key"), StatusCode: 401}
	ErrTooManyRequests  = &RequestError{Err: errors.New("Rate limit exceeded"), StatusCode: 429}
	ErrInvalidRequest   = &RequestError{Err: errors.New("invalid request body"), StatusCode: 400}
	ErrMessageRequired  = &RequestError{Err: errors.New("message is required"), StatusCode: 422}
	ErrInputRequired    = &RequestError{Err: errors.New("input is required"), StatusCode: 422}
	ErrTemperature      = &RequestError{Err: errors.New("temperature must be between 0 and 2"), StatusCode: 422}
	ErrMaxTokens        = &RequestError{Err: errors.New("max_tokens must be at least 1"), StatusCode: 422}
	ErrNotFound         = &RequestError{Err: errors.New("Message not found"), StatusCode: 404}
	ErrUpstreamTimeout  = &RequestError{Err: errors.New("Upstream timeout"), StatusCode: 504}
	ErrUpstreamConnect  = &RequestError{Err: errors.New("Cannot connect to upstream"), StatusCode: 502}
	ErrUpstreamGeneric  = &RequestError{Err: errors.New("Upstream error"), StatusCode: 502}
	ErrInternalServer   = &RequestError{Err: errors.New("internal server error"), StatusCode: 500}
	ErrStorageNotActive = &RequestError{Err: errors.New("storage is not configured"), StatusCode: 503}

	ErrFailedModelReq         = &MetricsError{Msg: "failed to send http request to model", Code: "model_http_err"}
	ErrFailedModelReqFromCode = &MetricsError{Msg: "model responded with non-2xx", Code: "model_http_status_err"}
	ErrFailedReadingResponse  = &MetricsError{Msg: "failed to read model response", Code: "model_response_err"}
	ErrModelTimeout           = &MetricsError{Msg: "model request timed out", Code: "model_timeout"}
	ErrModelsFetch            = &MetricsError{Msg: "failed to fetch models", Code: "models_fetch_err"}
	ErrPersist                = &MetricsError{Msg: "failed to persist exchange", Code: "persist_err"}
	ErrRateLimitBackend       = &MetricsError{Msg: "rate limit backend failed", Code: "ratelimit_backend_err"}
)

// MetricsError tags an error chain with a stable code used as a metrics label
type MetricsError struct {
	Msg  string
	Code string
}

func (m *MetricsError) Error() string {
	return m.String()
}

func (m *MetricsError) String() string {
	return m.Msg
}

// MetricsCode returns the code of the first MetricsError in the chain, or
// fallback when none is present
func MetricsCode(err error, fallback string) string {
	var merr *MetricsError
	if errors.As(err, &merr) {
		return merr.Code
	}
	return fallback
}
