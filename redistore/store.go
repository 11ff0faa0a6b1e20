// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package redistore provides Redis-backed implementations of the session
// store and stream manager, so that a cluster of MCPGrid nodes can share
// sessions and deliver out-of-band notifications to whichever node holds a
// client's stream.
package redistore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mcpgrid/mcpgrid/mcp"
)

// DefaultKeyPrefix namespaces all keys written by this package.
const DefaultKeyPrefix = "mcpgrid:"

// A SessionStore persists session state in Redis with per-key TTLs.
// Single-key reads observe prior writes, satisfying the store contract.
type SessionStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewSessionStore returns a SessionStore using rdb. An empty prefix means
// DefaultKeyPrefix.
func NewSessionStore(rdb redis.UniversalClient, prefix string) *SessionStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &SessionStore{rdb: rdb, prefix: prefix}
}

func (s *SessionStore) key(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

// Load implements mcp.SessionStore.
func (s *SessionStore) Load(ctx context.Context, sessionID string) (*mcp.SessionState, error) {
	raw, err := s.rdb.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, mcp.ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	var state mcp.SessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &state, nil
}

// Save implements mcp.SessionStore.
func (s *SessionStore) Save(ctx context.Context, sessionID string, state *mcp.SessionState, ttl time.Duration) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sessionID, err)
	}
	if err := s.rdb.Set(ctx, s.key(sessionID), data, ttl).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", sessionID, err)
	}
	return nil
}

// Delete implements mcp.SessionStore.
func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}
