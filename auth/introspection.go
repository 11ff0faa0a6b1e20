// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// IntrospectionVerifier returns a TokenVerifier that validates tokens
// against an RFC 7662 introspection endpoint, authenticating to it with the
// given client credentials.
func IntrospectionVerifier(endpoint string, creds *clientcredentials.Config) TokenVerifier {
	return func(ctx context.Context, token string, _ *http.Request) (*TokenInfo, error) {
		client := creds.Client(ctx)
		resp, err := client.PostForm(endpoint, url.Values{"token": {token}})
		if err != nil {
			return nil, fmt.Errorf("introspect token: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("introspect token: unexpected status %d", resp.StatusCode)
		}
		var body struct {
			Active bool   `json:"active"`
			Sub    string `json:"sub"`
			Scope  string `json:"scope"`
			Exp    int64  `json:"exp"`
			Extra  map[string]any
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("decode introspection response: %w", err)
		}
		if !body.Active {
			return nil, fmt.Errorf("%w: token inactive", ErrInvalidToken)
		}
		info := &TokenInfo{
			Subject: body.Sub,
			Scopes:  strings.Fields(body.Scope),
		}
		if body.Exp > 0 {
			info.Expiration = time.Unix(body.Exp, 0)
		}
		return info, nil
	}
}
