// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/mcpgrid/mcpgrid/jsonrpc"
)

// A Phase is a session lifecycle state.
type Phase string

// Session lifecycle states. A session is created Uninitialized, enters
// Initializing when the initialize response is returned, becomes Ready on
// the initialized notification, and ends Terminated on shutdown, client
// DELETE, idle timeout, or stream overflow. A dropped event stream does not
// by itself terminate a session.
const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseInitializing  Phase = "initializing"
	PhaseReady         Phase = "ready"
	PhaseTerminated    Phase = "terminated"
)

// A ServerSession is one client-server association, identified by the
// opaque session ID assigned on initialize.
//
// Inbound dispatch for a session is serialized; different sessions proceed
// in parallel. All methods are safe for concurrent use.
type ServerSession struct {
	server *Server
	id     string

	// dispatchMu serializes inbound request and notification dispatch to
	// preserve JSON-RPC ordering for a single client. Responses to
	// server-initiated calls bypass it: they only touch the pending arena.
	dispatchMu sync.Mutex

	mu    sync.Mutex
	state SessionState
	// pending is the session-scoped arena of server-to-client calls,
	// keyed by outbound request ID. Entries are removed exactly once, by
	// response, timeout, or cancellation.
	pending        map[int64]chan *jsonrpc.Response
	nextOutboundID int64
	// inflight maps inbound request IDs to the cancel function of their
	// running handler, for notifications/cancelled.
	inflight map[jsonrpc.ID]context.CancelCauseFunc
}

func newServerSession(server *Server, id string, state SessionState) *ServerSession {
	return &ServerSession{
		server:   server,
		id:       id,
		state:    state,
		pending:  make(map[int64]chan *jsonrpc.Response),
		inflight: make(map[jsonrpc.ID]context.CancelCauseFunc),
	}
}

// ID returns the session identifier.
func (ss *ServerSession) ID() string { return ss.id }

// State returns a snapshot of the session state.
func (ss *ServerSession) State() SessionState {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.state
}

// Phase returns the session's current lifecycle state.
func (ss *ServerSession) Phase() Phase {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.state.Phase
}

// UserValue returns the raw value stored under key in the session's user
// context bag.
func (ss *ServerSession) UserValue(key string) (json.RawMessage, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	v, ok := ss.state.UserContext[key]
	return v, ok
}

// SetUserValue stores v under key in the session's user context bag. Values
// must be JSON-serializable; they are persisted with the session state.
func (ss *ServerSession) SetUserValue(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode user context value: %w", err)
	}
	ss.mu.Lock()
	if ss.state.UserContext == nil {
		ss.state.UserContext = make(map[string]json.RawMessage)
	}
	ss.state.UserContext[key] = data
	ss.mu.Unlock()
	return nil
}

// touch refreshes the session's activity timestamp and re-persists its
// state, extending the store TTL.
func (ss *ServerSession) touch(ctx context.Context) {
	ss.mu.Lock()
	ss.state.LastActivityAt = time.Now()
	ss.mu.Unlock()
	if err := ss.persist(ctx); err != nil {
		level.Warn(ss.server.logger).Log("msg", "persist session", "session", ss.id, "err", err)
	}
}

// persist saves the session state to the store with the configured TTL.
func (ss *ServerSession) persist(ctx context.Context) error {
	ss.mu.Lock()
	state := ss.state
	ss.mu.Unlock()
	return ss.server.store.Save(ctx, ss.id, &state, ss.server.storeTTL())
}

// registerInflight records the cancel function of a running inbound request
// handler. It reports false if the ID is already in flight.
func (ss *ServerSession) registerInflight(id jsonrpc.ID, cancel context.CancelCauseFunc) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if _, ok := ss.inflight[id]; ok {
		return false
	}
	ss.inflight[id] = cancel
	return true
}

func (ss *ServerSession) unregisterInflight(id jsonrpc.ID) {
	ss.mu.Lock()
	delete(ss.inflight, id)
	ss.mu.Unlock()
}

// cancelInflight raises the cancellation signal of the handler running for
// the given inbound request, if any.
func (ss *ServerSession) cancelInflight(id jsonrpc.ID) {
	ss.mu.Lock()
	cancel := ss.inflight[id]
	ss.mu.Unlock()
	if cancel != nil {
		cancel(errCancelled)
	}
}

// call performs a server-to-client request over the session's outbound
// stream and blocks until the client responds, the per-call timeout expires,
// or ctx is cancelled. The result is decoded strictly into out.
func (ss *ServerSession) call(ctx context.Context, method string, params, out any) error {
	ss.mu.Lock()
	if ss.state.Phase != PhaseReady {
		phase := ss.state.Phase
		ss.mu.Unlock()
		return fmt.Errorf("session %s is %s; cannot call %s", ss.id, phase, method)
	}
	ss.nextOutboundID++
	id := ss.nextOutboundID
	ch := make(chan *jsonrpc.Response, 1)
	ss.pending[id] = ch
	ss.mu.Unlock()

	removePending := func() {
		ss.mu.Lock()
		delete(ss.pending, id)
		ss.mu.Unlock()
	}

	data, err := json.Marshal(params)
	if err != nil {
		removePending()
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	req := &jsonrpc.Request{ID: jsonrpc.Int64ID(id), Method: method, Params: data}
	if err := ss.publish(ctx, req); err != nil {
		removePending()
		return err
	}

	timeout := ss.server.opts.OutboundTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		// The responder already removed the pending entry.
		if resp.Error != nil {
			return resp.Error
		}
		if out == nil {
			return nil
		}
		if err := jsonrpc.StrictUnmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	case <-timer.C:
		removePending()
		return jsonrpc.Errorf(jsonrpc.CodeRequestTimeout, "%s not answered within %s", method, timeout)
	case <-ctx.Done():
		removePending()
		return jsonrpc.Errorf(jsonrpc.CodeCancelled, "%s cancelled: %v", method, context.Cause(ctx))
	}
}

// resolvePending completes the server-to-client call awaiting resp. It
// reports whether a pending entry was found.
func (ss *ServerSession) resolvePending(resp *jsonrpc.Response) bool {
	id, ok := resp.ID.Raw().(int64)
	if !ok {
		return false
	}
	ss.mu.Lock()
	ch, ok := ss.pending[id]
	if ok {
		delete(ss.pending, id)
	}
	ss.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// notify publishes a notification on the session's outbound stream.
func (ss *ServerSession) notify(ctx context.Context, method string, params any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	return ss.publish(ctx, &jsonrpc.Request{Method: method, Params: data})
}

// publish encodes msg and appends it to the session's outbound stream. On
// buffer overflow it emits a streamOverflow error to the client and
// terminates the session.
func (ss *ServerSession) publish(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	_, err = ss.server.streams.Publish(ctx, ss.id, data)
	if errors.Is(err, ErrStreamOverflow) {
		ss.server.metrics.streamOverflows.Inc()
		overflow, _ := jsonrpc.EncodeMessage(&jsonrpc.Request{
			Method: notificationLoggingMessage,
			Params: mustMarshal(&LoggingMessageParams{
				Level: LevelError,
				Data:  "streamOverflow: outbound buffer exceeded; session terminated",
			}),
		})
		ss.server.streams.Publish(ctx, ss.id, overflow)
		ss.server.broker.terminate(ctx, ss, "stream overflow")
		return ErrStreamOverflow
	}
	return err
}

// loggable reports whether a message at the given level passes the
// session's log level filter set via logging/setLevel.
func (ss *ServerSession) loggable(l LoggingLevel) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	min := ss.state.LogLevel
	if min == "" {
		min = LevelInfo
	}
	return compareLevels(l, min) >= 0
}

// failPending fails every outstanding server-to-client call, as part of
// session termination.
func (ss *ServerSession) failPending() {
	ss.mu.Lock()
	pending := ss.pending
	ss.pending = make(map[int64]chan *jsonrpc.Response)
	inflight := ss.inflight
	ss.inflight = make(map[jsonrpc.ID]context.CancelCauseFunc)
	ss.mu.Unlock()
	for id, ch := range pending {
		ch <- &jsonrpc.Response{
			ID:    jsonrpc.Int64ID(id),
			Error: jsonrpc.Errorf(jsonrpc.CodeCancelled, "session terminated"),
		}
	}
	for _, cancel := range inflight {
		cancel(errCancelled)
	}
}
