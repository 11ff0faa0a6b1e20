// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifierOptions configures JWTVerifier.
type JWTVerifierOptions struct {
	// Issuer, when set, must match the token's iss claim.
	Issuer string
	// Audience, when set, must appear in the token's aud claim.
	Audience string
	// Methods restricts the accepted signing algorithms; empty means
	// HS256 only.
	Methods []string
}

// JWTVerifier returns a TokenVerifier that validates JWT bearer tokens with
// the given key function.
func JWTVerifier(keyFunc jwt.Keyfunc, opts *JWTVerifierOptions) TokenVerifier {
	var o JWTVerifierOptions
	if opts != nil {
		o = *opts
	}
	methods := o.Methods
	if len(methods) == 0 {
		methods = []string{"HS256"}
	}
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods(methods), jwt.WithExpirationRequired()}
	if o.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(o.Issuer))
	}
	if o.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(o.Audience))
	}
	parser := jwt.NewParser(parserOpts...)

	return func(ctx context.Context, token string, _ *http.Request) (*TokenInfo, error) {
		claims := jwt.MapClaims{}
		if _, err := parser.ParseWithClaims(token, claims, keyFunc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		info := &TokenInfo{Extra: claims}
		if sub, err := claims.GetSubject(); err == nil {
			info.Subject = sub
		}
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			info.Expiration = exp.Time
		}
		if scope, ok := claims["scope"].(string); ok {
			info.Scopes = strings.Fields(scope)
		}
		return info, nil
	}
}
