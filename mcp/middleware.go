// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/time/rate"

	"github.com/mcpgrid/mcpgrid/jsonrpc"
)

// CodeRateLimited marks errors produced by the rate-limiting middleware;
// the transport maps it to HTTP 429.
const CodeRateLimited int64 = -32010

// RateLimitMiddleware rejects messages once a session exceeds limit events
// per second with the given burst. Limiters are tracked per session ID, so
// one chatty client cannot starve the rest.
func RateLimitMiddleware(limit rate.Limit, burst int) Middleware {
	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)
	return func(next MethodHandler) MethodHandler {
		return func(ctx context.Context, req *Request) (any, error) {
			mu.Lock()
			l, ok := limiters[req.Session.ID()]
			if !ok {
				l = rate.NewLimiter(limit, burst)
				limiters[req.Session.ID()] = l
			}
			mu.Unlock()
			if !l.Allow() {
				return nil, jsonrpc.Errorf(CodeRateLimited, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}

// LoggingMiddleware logs every dispatched message with its method, session,
// duration and outcome.
func LoggingMiddleware(logger log.Logger) Middleware {
	return func(next MethodHandler) MethodHandler {
		return func(ctx context.Context, req *Request) (any, error) {
			start := time.Now()
			result, err := next(ctx, req)
			kv := []any{
				"msg", "dispatch",
				"session", req.Session.ID(),
				"method", req.Method,
				"duration", time.Since(start),
			}
			if err != nil {
				kv = append(kv, "err", err)
				level.Warn(logger).Log(kv...)
			} else {
				level.Debug(logger).Log(kv...)
			}
			return result, err
		}
	}
}

// UserContextMiddleware copies a value from the request context (where the
// HTTP layer places it) into the session's user context bag under key, so
// handlers can read it through Context.UserValue. The value must be
// JSON-serializable.
func UserContextMiddleware(key string, from func(ctx context.Context) (any, bool)) Middleware {
	return func(next MethodHandler) MethodHandler {
		return func(ctx context.Context, req *Request) (any, error) {
			if v, ok := from(ctx); ok {
				if err := req.Session.SetUserValue(key, v); err != nil {
					return nil, err
				}
			}
			return next(ctx, req)
		}
	}
}
