// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"encoding/json"
	"net/http"
)

// Body is the RFC 6749 §5.2 error response.
type Body struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// WriteJSON writes err as an OAuth error body with the status from
// HTTPStatus. Errors that are not *Error become server_error. The cause is
// never written.
func WriteJSON(w http.ResponseWriter, err error) {
	e, ok := As(err)
	if !ok {
		e = NewInternalError("internal error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(e.HTTPStatus())
	_ = json.NewEncoder(w).Encode(Body{Error: e.Type, ErrorDescription: e.Message})
}
