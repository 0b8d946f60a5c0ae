/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 RoomLive Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package roomlivesdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// APIError is the base error type for signaling HTTP failures. It provides
// structured access to the HTTP status code, the server's error message,
// and the raw response body. Specific error sub-types embed this struct,
// so consumers can use errors.As(err, &apiErr) to access common fields
// regardless of the specific error type.
type APIError struct {
	// StatusCode is the HTTP status code from the response.
	StatusCode int

	// Status is the HTTP status line (e.g., "502 Bad Gateway").
	Status string

	// Message is the error message from the response body, when the body
	// carried one.
	Message string

	// RawBody is the raw response body bytes, preserved for debugging.
	RawBody []byte

	// Err is an optional wrapped error for errors.Unwrap support.
	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("signaling error: %d", e.StatusCode)
	if e.Message != "" {
		msg += " - " + e.Message
	}
	return msg
}

// Unwrap returns the wrapped error, if any.
func (e *APIError) Unwrap() error {
	return e.Err
}

// --- Specific error sub-types ---

// AuthError is returned for HTTP 401 Unauthorized responses.
type AuthError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *AuthError) Unwrap() error { return e.APIError }

// ForbiddenError is returned for HTTP 403 Forbidden responses.
type ForbiddenError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *ForbiddenError) Unwrap() error { return e.APIError }

// NotFoundError is returned for HTTP 404 Not Found responses. For pull
// sessions this typically means the remote stream is gone.
type NotFoundError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *NotFoundError) Unwrap() error { return e.APIError }

// StalePublishError is returned for HTTP 502 Bad Gateway responses. On a
// publish session this is the server's way of saying a dangling publish
// slot still exists and must be deleted before a fresh offer is accepted.
type StalePublishError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *StalePublishError) Unwrap() error { return e.APIError }

// ServerError is returned for the remaining HTTP 5xx responses.
type ServerError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *ServerError) Unwrap() error { return e.APIError }

// --- Factory ---

// apiErrorBody parses the optional JSON error body ({"code": ..,
// "message": ..}); plain-text bodies are used as the message directly.
type apiErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewAPIError creates a structured error from an HTTP response and its
// body, returning the appropriate sub-type based on the status code.
func NewAPIError(resp *http.Response, body []byte) error {
	base := &APIError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		RawBody:    body,
	}

	if len(body) > 0 {
		var parsed apiErrorBody
		if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
			base.Message = parsed.Message
		} else {
			base.Message = string(body)
		}
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized: // 401
		return &AuthError{APIError: base}
	case http.StatusForbidden: // 403
		return &ForbiddenError{APIError: base}
	case http.StatusNotFound: // 404
		return &NotFoundError{APIError: base}
	case http.StatusBadGateway: // 502
		return &StalePublishError{APIError: base}
	case http.StatusInternalServerError, // 500
		http.StatusServiceUnavailable, // 503
		http.StatusGatewayTimeout:     // 504
		return &ServerError{APIError: base}
	default:
		return base
	}
}

// --- Convenience functions ---

// IsAuthError reports whether err is an authentication error (HTTP 401).
func IsAuthError(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

// IsNotFound reports whether err is a not found error (HTTP 404).
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsStalePublish reports whether err is a stale-publish rejection
// (HTTP 502).
func IsStalePublish(err error) bool {
	var e *StalePublishError
	return errors.As(err, &e)
}

// IsServerError reports whether err is a non-502 server error (HTTP 5xx).
func IsServerError(err error) bool {
	var e *ServerError
	return errors.As(err, &e)
}
