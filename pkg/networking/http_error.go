// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// MaxErrorBodySize bounds how much of a failed response body is retained.
const MaxErrorBodySize = 64 * 1024

// HTTPError represents a non-success response from a remote authorization
// server. Body holds the raw response bytes so callers can relay them.
type HTTPError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// URL is the requested URL.
	URL string

	// Body is the (bounded) raw response body.
	Body []byte

	// ContentType is the response Content-Type header, if any.
	ContentType string
}

// Error implements the error interface. The body is not included because it
// may echo credentials back.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for URL %s", e.StatusCode, e.URL)
}

// Retryable reports whether the failure is a server-side one worth retrying.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// NewHTTPError creates a new HTTP error.
func NewHTTPError(statusCode int, url string, body []byte, contentType string) error {
	return &HTTPError{
		StatusCode:  statusCode,
		URL:         url,
		Body:        body,
		ContentType: contentType,
	}
}

// HTTPErrorFromResponse builds an HTTPError, reading at most MaxErrorBodySize
// bytes of the response body.
func HTTPErrorFromResponse(resp *http.Response) *HTTPError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodySize))
	u := ""
	if resp.Request != nil && resp.Request.URL != nil {
		u = resp.Request.URL.Redacted()
	}
	return &HTTPError{
		StatusCode:  resp.StatusCode,
		URL:         u,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}
}

// IsHTTPError checks if an error is an HTTPError with the specified status code.
// If statusCode is 0, it matches any HTTPError.
func IsHTTPError(err error, statusCode int) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	if statusCode == 0 {
		return true
	}
	return httpErr.StatusCode == statusCode
}
