// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package servers

import (
	"fmt"
	"net/http"
)

// NewHandler returns the handler serving s behind the resource guard.
func NewHandler(s *Server, exchanger TokenExchanger, transport http.RoundTripper) (http.Handler, error) {
	switch s.Builtin {
	case BuiltinIdentity:
		return http.StripPrefix(s.Path, NewIdentityServer(exchanger)), nil
	case "":
		return NewProxy(s, exchanger, transport)
	default:
		return nil, fmt.Errorf("unknown builtin %q for server %s", s.Builtin, s.Name)
	}
}
