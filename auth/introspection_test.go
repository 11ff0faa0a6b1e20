// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// fakeAuthServer serves a client-credentials token endpoint and an RFC 7662
// introspection endpoint that recognizes one active token.
func fakeAuthServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"svc-token","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/introspect", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("token") == "good" {
			fmt.Fprintf(w, `{"active":true,"sub":"svc-user","scope":"mcp:read","exp":%d}`,
				time.Now().Add(time.Hour).Unix())
			return
		}
		fmt.Fprint(w, `{"active":false}`)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestIntrospectionVerifier(t *testing.T) {
	ts := fakeAuthServer(t)
	verifier := IntrospectionVerifier(ts.URL+"/introspect", &clientcredentials.Config{
		ClientID:     "mcpgrid",
		ClientSecret: "shhh",
		TokenURL:     ts.URL + "/token",
	})
	ctx := context.Background()

	info, err := verifier(ctx, "good", nil)
	if err != nil {
		t.Fatalf("verify active token: %v", err)
	}
	if info.Subject != "svc-user" {
		t.Errorf("subject = %q", info.Subject)
	}
	if len(info.Scopes) != 1 || info.Scopes[0] != "mcp:read" {
		t.Errorf("scopes = %v", info.Scopes)
	}

	if _, err := verifier(ctx, "revoked", nil); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("inactive token: %v, want ErrInvalidToken", err)
	}
}
