// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRequireBearerToken(t *testing.T) {
	verifier := func(_ context.Context, token string, _ *http.Request) (*TokenInfo, error) {
		switch token {
		case "valid":
			return &TokenInfo{Subject: "u1", Expiration: time.Now().Add(time.Hour)}, nil
		case "scoped":
			return &TokenInfo{Subject: "u2", Scopes: []string{"mcp:read"}, Expiration: time.Now().Add(time.Hour)}, nil
		case "invalid":
			return nil, ErrInvalidToken
		case "noexp":
			return &TokenInfo{Subject: "u3"}, nil
		case "expired":
			return &TokenInfo{Subject: "u4", Expiration: time.Now().Add(-time.Hour)}, nil
		default:
			return nil, errors.New("verifier exploded")
		}
	}

	for _, tt := range []struct {
		name     string
		opts     *RequireBearerTokenOptions
		header   string
		wantCode int
	}{
		{"valid token", nil, "Bearer valid", http.StatusOK},
		{"no header", nil, "", http.StatusUnauthorized},
		{"not bearer", nil, "Basic dXNlcg==", http.StatusUnauthorized},
		{"invalid token", nil, "Bearer invalid", http.StatusUnauthorized},
		{"expired token", nil, "Bearer expired", http.StatusUnauthorized},
		{"missing expiration", nil, "Bearer noexp", http.StatusInternalServerError},
		{"verifier failure", nil, "Bearer boom", http.StatusInternalServerError},
		{"scope satisfied", &RequireBearerTokenOptions{Scopes: []string{"mcp:read"}}, "Bearer scoped", http.StatusOK},
		{"scope missing", &RequireBearerTokenOptions{Scopes: []string{"mcp:write"}}, "Bearer scoped", http.StatusForbidden},
	} {
		t.Run(tt.name, func(t *testing.T) {
			var gotInfo *TokenInfo
			handler := RequireBearerToken(verifier, tt.opts, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotInfo = TokenInfoFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantCode == http.StatusOK && gotInfo == nil {
				t.Error("TokenInfo not stored in request context")
			}
		})
	}
}

func TestResourceMetadataHeader(t *testing.T) {
	verifier := func(_ context.Context, token string, _ *http.Request) (*TokenInfo, error) {
		return nil, ErrInvalidToken
	}
	handler := RequireBearerToken(verifier, &RequireBearerTokenOptions{
		ResourceMetadataURL: "https://example.com/.well-known/oauth-protected-resource",
	}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got == "" {
		t.Error("no WWW-Authenticate header on 401")
	}
}
