// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-kit/log/level"
)

// The sessionBroker maps session IDs to live session state: it creates
// sessions on initialize, resumes sessions created on other nodes from the
// shared store, and evicts idle or terminated sessions.
type sessionBroker struct {
	server *Server

	mu    sync.Mutex
	local map[string]*ServerSession
	// terminated keeps tombstones for a grace window so that a repeated
	// shutdown is a no-op success rather than SessionNotFound.
	terminated map[string]time.Time
}

func newSessionBroker(server *Server) *sessionBroker {
	return &sessionBroker{
		server:     server,
		local:      make(map[string]*ServerSession),
		terminated: make(map[string]time.Time),
	}
}

// create allocates a new Uninitialized session with a fresh opaque ID and
// persists it.
func (b *sessionBroker) create(ctx context.Context) (*ServerSession, error) {
	now := time.Now()
	ss := newServerSession(b.server, randText(), SessionState{
		Phase:          PhaseUninitialized,
		CreatedAt:      now,
		LastActivityAt: now,
	})
	if err := ss.persist(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.local[ss.id] = ss
	b.mu.Unlock()
	b.server.metrics.sessionsCreated.Inc()
	return ss, nil
}

// lookup resolves a session ID to a live session. Sessions unknown to this
// node are resumed from the store, which is how a node picks up sessions
// initialized elsewhere in the cluster.
func (b *sessionBroker) lookup(ctx context.Context, sessionID string) (*ServerSession, error) {
	b.mu.Lock()
	ss, ok := b.local[sessionID]
	_, tombstoned := b.terminated[sessionID]
	b.mu.Unlock()
	if ok {
		return ss, nil
	}
	if tombstoned {
		return nil, ErrSessionNotFound
	}
	state, err := b.server.store.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	ss = newServerSession(b.server, sessionID, *state)
	b.mu.Lock()
	// Another request may have resumed the session concurrently.
	if existing, ok := b.local[sessionID]; ok {
		ss = existing
	} else {
		b.local[sessionID] = ss
	}
	b.mu.Unlock()
	return ss, nil
}

// terminate transitions the session to Terminated, cancels in-flight
// handlers, fails pending outbound calls, and releases store and stream
// state. Terminating a terminated session is a no-op.
func (b *sessionBroker) terminate(ctx context.Context, ss *ServerSession, reason string) {
	ss.mu.Lock()
	if ss.state.Phase == PhaseTerminated {
		ss.mu.Unlock()
		return
	}
	ss.state.Phase = PhaseTerminated
	ss.mu.Unlock()

	ss.failPending()

	b.mu.Lock()
	delete(b.local, ss.id)
	b.terminated[ss.id] = time.Now()
	b.mu.Unlock()

	if err := b.server.store.Delete(ctx, ss.id); err != nil {
		level.Warn(b.server.logger).Log("msg", "delete session state", "session", ss.id, "err", err)
	}
	if err := b.server.streams.Drop(ctx, ss.id); err != nil {
		level.Warn(b.server.logger).Log("msg", "drop session stream", "session", ss.id, "err", err)
	}
	b.server.metrics.sessionsTerminated.Inc()
	level.Debug(b.server.logger).Log("msg", "session terminated", "session", ss.id, "reason", reason)
}

// sweep evicts local sessions idle past the configured timeout and
// garbage-collects expired tombstones. Store-level TTL expiry covers
// sessions held by other nodes.
func (b *sessionBroker) sweep(ctx context.Context) {
	idle := b.server.opts.IdleTimeout
	now := time.Now()

	b.mu.Lock()
	var expired []*ServerSession
	for _, ss := range b.local {
		ss.mu.Lock()
		last := ss.state.LastActivityAt
		ss.mu.Unlock()
		if now.Sub(last) > idle {
			expired = append(expired, ss)
		}
	}
	for id, at := range b.terminated {
		if now.Sub(at) > b.server.opts.TerminatedGrace {
			delete(b.terminated, id)
		}
	}
	b.mu.Unlock()

	for _, ss := range expired {
		b.terminate(ctx, ss, "idle timeout")
	}
}

// run drives periodic eviction until ctx is cancelled.
func (b *sessionBroker) run(ctx context.Context) {
	ticker := time.NewTicker(b.server.opts.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep(ctx)
		}
	}
}
