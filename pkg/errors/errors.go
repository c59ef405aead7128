// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the typed error used across the broker. The Type
// field doubles as the OAuth "error" code written on the wire, so handlers can
// map any failure to a status and body without string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types
const (
	// ErrInvalidRequest is returned when a request is missing or has malformed parameters
	ErrInvalidRequest = "invalid_request"

	// ErrInvalidGrant is returned when a code, state or upstream grant cannot be redeemed
	ErrInvalidGrant = "invalid_grant"

	// ErrInvalidClient is returned when client authentication fails
	ErrInvalidClient = "invalid_client"

	// ErrUnsupportedGrantType is returned for grant types the token endpoint does not serve
	ErrUnsupportedGrantType = "unsupported_grant_type"

	// ErrUpstream is returned when the upstream authorization server fails
	ErrUpstream = "upstream_error"

	// ErrUnauthorized is returned when a bearer token is missing or invalid
	ErrUnauthorized = "invalid_token"

	// ErrDownstream is returned when a downstream token exchange fails
	ErrDownstream = "downstream_exchange_failed"

	// ErrNoUserContext is returned when an exchange is attempted without an upstream user token
	ErrNoUserContext = "no_user_context"

	// ErrBackendUnavailable is returned when a protected server's backend cannot be reached
	ErrBackendUnavailable = "backend_unavailable"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "server_error"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error type to the status code a handler should return.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case ErrInvalidRequest, ErrInvalidGrant, ErrInvalidClient, ErrUnsupportedGrantType:
		return http.StatusBadRequest
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrUpstream, ErrDownstream, ErrBackendUnavailable:
		return http.StatusBadGateway
	case ErrNoUserContext:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidRequestError creates a new invalid request error
func NewInvalidRequestError(message string, cause error) *Error {
	return NewError(ErrInvalidRequest, message, cause)
}

// NewInvalidGrantError creates a new invalid grant error
func NewInvalidGrantError(message string, cause error) *Error {
	return NewError(ErrInvalidGrant, message, cause)
}

// NewInvalidClientError creates a new invalid client error
func NewInvalidClientError(message string, cause error) *Error {
	return NewError(ErrInvalidClient, message, cause)
}

// NewUnsupportedGrantTypeError creates a new unsupported grant type error
func NewUnsupportedGrantTypeError(message string, cause error) *Error {
	return NewError(ErrUnsupportedGrantType, message, cause)
}

// NewUpstreamError creates a new upstream error
func NewUpstreamError(message string, cause error) *Error {
	return NewError(ErrUpstream, message, cause)
}

// NewUnauthorizedError creates a new unauthorized error
func NewUnauthorizedError(message string, cause error) *Error {
	return NewError(ErrUnauthorized, message, cause)
}

// NewDownstreamError creates a new downstream error
func NewDownstreamError(message string, cause error) *Error {
	return NewError(ErrDownstream, message, cause)
}

// NewNoUserContextError creates a new no user context error
func NewNoUserContextError(message string, cause error) *Error {
	return NewError(ErrNoUserContext, message, cause)
}

// NewBackendUnavailableError creates a new backend unavailable error
func NewBackendUnavailableError(message string, cause error) *Error {
	return NewError(ErrBackendUnavailable, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func isType(err error, errorType string) bool {
	e, ok := As(err)
	return ok && e.Type == errorType
}

// IsInvalidRequest checks if the error is an invalid request error
func IsInvalidRequest(err error) bool {
	return isType(err, ErrInvalidRequest)
}

// IsInvalidGrant checks if the error is an invalid grant error
func IsInvalidGrant(err error) bool {
	return isType(err, ErrInvalidGrant)
}

// IsInvalidClient checks if the error is an invalid client error
func IsInvalidClient(err error) bool {
	return isType(err, ErrInvalidClient)
}

// IsUpstream checks if the error is an upstream error
func IsUpstream(err error) bool {
	return isType(err, ErrUpstream)
}

// IsUnauthorized checks if the error is an unauthorized error
func IsUnauthorized(err error) bool {
	return isType(err, ErrUnauthorized)
}

// IsDownstream checks if the error is a downstream error
func IsDownstream(err error) bool {
	return isType(err, ErrDownstream)
}

// IsNoUserContext checks if the error is a no user context error
func IsNoUserContext(err error) bool {
	return isType(err, ErrNoUserContext)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return isType(err, ErrInternal)
}
