package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrTransport matches every *TransportError.
var ErrTransport = errors.New("transport error")

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassThrottled represents 429 service protection errors.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// ClassifyStatus maps an HTTP status to an error class. 2xx and 3xx map to "".
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassThrottled
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// TransportError is returned when no HTTP response was received: connection
// failures, TLS errors, timeouts, cancelled contexts and unreadable bodies.
type TransportError struct {
	URL string
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("request %s: %v", e.URL, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is reports ErrTransport as a match.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// APIError represents a non-2xx Web API response.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	// Code and Message come from the OData error body when present.
	Code    string
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API %s error (status %d): %s: %s",
			e.ErrorClass, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// odataError is the standard OData error body.
type odataError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CheckStatus returns nil for 2xx responses and an *APIError otherwise.
func CheckStatus(resp *Response) error {
	if resp.IsSuccess() {
		return nil
	}

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		ErrorClass: ClassifyStatus(resp.StatusCode),
		Message:    http.StatusText(resp.StatusCode),
	}

	var body odataError
	if err := json.Unmarshal(resp.Body, &body); err == nil && body.Error.Code != "" {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
	}

	return apiErr
}
