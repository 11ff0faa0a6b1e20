// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
	"sync/atomic"
)

// A Context is the per-invocation handle passed to tool, resource and
// prompt handlers. It exposes the owning session and the capability-gated
// server-to-client helpers.
//
// A Context is valid only for the duration of the handler call; helpers
// invoked after the handler returns fail with ErrContextExpired. A Context
// is not safe for concurrent use across handler invocations.
type Context struct {
	session       *ServerSession
	requestID     any
	progressToken any
	done          <-chan struct{}
	expired       atomic.Bool
}

func (s *Server) newHandlerContext(ctx context.Context, req *Request, progressToken any) *Context {
	return &Context{
		session:       req.Session,
		requestID:     req.ID.Raw(),
		progressToken: progressToken,
		done:          ctx.Done(),
	}
}

// expire invalidates the Context once its handler has returned.
func (c *Context) expire() { c.expired.Store(true) }

func (c *Context) check() error {
	if c.expired.Load() {
		return ErrContextExpired
	}
	return nil
}

// Session returns the session owning the current invocation.
func (c *Context) Session() *ServerSession { return c.session }

// UserValue reads a value that middleware attached to the session's user
// context bag, decoding it into out.
func (c *Context) UserValue(key string, out any) (bool, error) {
	raw, ok := c.session.UserValue(key)
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

// Cancelled returns a channel closed when the inbound request is cancelled,
// via notifications/cancelled, session eviction, or transport loss.
// Cooperative handlers observe it and return promptly.
func (c *Context) Cancelled() <-chan struct{} { return c.done }

// Sample asks the client to run an LLM call on the server's behalf via
// sampling/createMessage. It fails with a *CapabilityError when the client
// did not advertise sampling support; handlers should check for it and fall
// back.
func (c *Context) Sample(ctx context.Context, params *CreateMessageParams) (*CreateMessageResult, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if err := c.requireCapability("sampling"); err != nil {
		return nil, err
	}
	var res CreateMessageResult
	if err := c.session.call(ctx, methodCreateMessage, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Elicit asks the client to collect user input via elicitation/create. It
// fails with a *CapabilityError when the client did not advertise
// elicitation support.
func (c *Context) Elicit(ctx context.Context, params *ElicitParams) (*ElicitResult, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if err := c.requireCapability("elicitation"); err != nil {
		return nil, err
	}
	var res ElicitResult
	if err := c.session.call(ctx, methodElicit, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListRoots asks the client for its current roots. It fails with a
// *CapabilityError when the client did not advertise roots support.
func (c *Context) ListRoots(ctx context.Context) (*ListRootsResult, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if err := c.requireCapability("roots"); err != nil {
		return nil, err
	}
	var res ListRootsResult
	if err := c.session.call(ctx, methodListRoots, struct{}{}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ReportProgress publishes a progress notification correlated with the
// inbound request's progress token. It is a no-op when the request carried
// no token.
func (c *Context) ReportProgress(ctx context.Context, progress, total float64) error {
	if err := c.check(); err != nil {
		return err
	}
	if c.progressToken == nil {
		return nil
	}
	return c.session.notify(ctx, notificationProgress, &ProgressParams{
		ProgressToken: c.progressToken,
		Progress:      progress,
		Total:         total,
	})
}

// Log publishes a notifications/message log entry on the session's stream,
// subject to the level set by logging/setLevel.
func (c *Context) Log(ctx context.Context, l LoggingLevel, data any, logger string) error {
	if err := c.check(); err != nil {
		return err
	}
	if !c.session.loggable(l) {
		return nil
	}
	return c.session.notify(ctx, notificationLoggingMessage, &LoggingMessageParams{
		Level:  l,
		Logger: logger,
		Data:   data,
	})
}

// requireCapability gates a server-to-client helper on the client's
// advertised capabilities.
func (c *Context) requireCapability(name string) error {
	state := c.session.State()
	caps := state.Capabilities
	ok := false
	if caps != nil {
		switch name {
		case "sampling":
			ok = caps.Sampling != nil
		case "elicitation":
			ok = caps.Elicitation != nil
		case "roots":
			ok = caps.Roots != nil
		}
	}
	if !ok {
		return &CapabilityError{Capability: name}
	}
	return nil
}
