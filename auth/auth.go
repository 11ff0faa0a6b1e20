// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package auth provides bearer-token verification for the MCPGrid HTTP
// transport: an http.Handler wrapper that authenticates requests before
// they reach the protocol engine, and verifiers for local JWTs and remote
// OAuth2 token introspection.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrInvalidToken indicates the credential failed verification. It maps to
// HTTP 401.
var ErrInvalidToken = errors.New("invalid token")

// TokenInfo is the verified identity carried by a bearer token.
type TokenInfo struct {
	// Subject is the authenticated principal.
	Subject string
	// Scopes granted to the token.
	Scopes []string
	// Expiration of the token. Required.
	Expiration time.Time
	// Extra holds verifier-specific claims.
	Extra map[string]any
}

// A TokenVerifier checks a bearer token and returns information about it
// if it is valid.
type TokenVerifier func(ctx context.Context, token string, req *http.Request) (*TokenInfo, error)

// RequireBearerTokenOptions are options for RequireBearerToken.
type RequireBearerTokenOptions struct {
	// Scopes that the token must have.
	Scopes []string
	// ResourceMetadataURL is advertised in the WWW-Authenticate header on
	// 401 responses, per RFC 9728.
	ResourceMetadataURL string
}

type tokenInfoKey struct{}

// TokenInfoFromContext returns the TokenInfo stored by RequireBearerToken,
// or nil.
func TokenInfoFromContext(ctx context.Context) *TokenInfo {
	info, _ := ctx.Value(tokenInfoKey{}).(*TokenInfo)
	return info
}

// RequireBearerToken wraps handler so that requests reach it only with a
// verified bearer token carrying the required scopes. The TokenInfo is
// stored in the request context for middleware further down the chain.
func RequireBearerToken(verifier TokenVerifier, opts *RequireBearerTokenOptions, handler http.Handler) http.Handler {
	var o RequireBearerTokenOptions
	if opts != nil {
		o = *opts
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, code, msg := verify(r, verifier, &o)
		if code != 0 {
			if code == http.StatusUnauthorized && o.ResourceMetadataURL != "" {
				w.Header().Set("WWW-Authenticate",
					fmt.Sprintf("Bearer resource_metadata=%q", o.ResourceMetadataURL))
			}
			http.Error(w, msg, code)
			return
		}
		handler.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenInfoKey{}, info)))
	})
}

func verify(r *http.Request, verifier TokenVerifier, opts *RequireBearerTokenOptions) (*TokenInfo, int, string) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, http.StatusUnauthorized, "no bearer token"
	}
	info, err := verifier(r.Context(), token, r)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return nil, http.StatusUnauthorized, "invalid token"
		}
		return nil, http.StatusInternalServerError, "token verification failed"
	}
	if info.Expiration.IsZero() {
		return nil, http.StatusInternalServerError, "token verification failed"
	}
	if time.Now().After(info.Expiration) {
		return nil, http.StatusUnauthorized, "token expired"
	}
	for _, scope := range opts.Scopes {
		if !hasScope(info.Scopes, scope) {
			return nil, http.StatusForbidden, "insufficient scope"
		}
	}
	return info, 0, ""
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}
