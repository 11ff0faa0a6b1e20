// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package auth

import (
	"context"

	"github.com/mcpgrid/mcpgrid/mcp"
)

// PrincipalKey is the user-context key under which SessionPrincipal stores
// the authenticated principal.
const PrincipalKey = "principal"

// Principal is the session-visible identity of an authenticated client.
type Principal struct {
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes,omitempty"`
}

// SessionPrincipal returns middleware that copies the identity verified by
// RequireBearerToken into the session's user context bag, where handlers
// read it via Context.UserValue(PrincipalKey, ...).
func SessionPrincipal() mcp.Middleware {
	return mcp.UserContextMiddleware(PrincipalKey, func(ctx context.Context) (any, bool) {
		info := TokenInfoFromContext(ctx)
		if info == nil {
			return nil, false
		}
		return &Principal{Subject: info.Subject, Scopes: info.Scopes}, true
	})
}
