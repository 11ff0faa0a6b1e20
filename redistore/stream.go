// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package redistore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mcpgrid/mcpgrid/mcp"
)

// Stream retention defaults. MaxLen caps the number of entries; MaxAge is
// the log's expiry, refreshed by every publish (see StreamManagerOptions).
const (
	DefaultStreamMaxLen = 1000
	DefaultStreamMaxAge = 5 * time.Minute
)

// StreamManagerOptions configures a StreamManager.
type StreamManagerOptions struct {
	// KeyPrefix namespaces keys; empty means DefaultKeyPrefix.
	KeyPrefix string
	// MaxLen bounds the per-session log length; zero means
	// DefaultStreamMaxLen.
	MaxLen int64
	// MaxAge is the expiry of the per-session log, refreshed by every
	// publish: the log is discarded once nothing has been published for
	// MaxAge. Entries are not aged out individually, so while publishes
	// continue only MaxLen bounds the log. Zero means DefaultStreamMaxAge.
	MaxAge time.Duration
}

// A StreamManager buffers per-session outbound streams in Redis: an
// append-only list per session holds the log, and a pub/sub channel per
// session wakes subscribers. A publish on one node reaches a subscriber
// attached on any other node sharing the Redis backend.
type StreamManager struct {
	rdb  redis.UniversalClient
	opts StreamManagerOptions
}

// NewStreamManager returns a StreamManager using rdb.
func NewStreamManager(rdb redis.UniversalClient, opts *StreamManagerOptions) *StreamManager {
	m := &StreamManager{rdb: rdb}
	if opts != nil {
		m.opts = *opts
	}
	if m.opts.KeyPrefix == "" {
		m.opts.KeyPrefix = DefaultKeyPrefix
	}
	if m.opts.MaxLen <= 0 {
		m.opts.MaxLen = DefaultStreamMaxLen
	}
	if m.opts.MaxAge <= 0 {
		m.opts.MaxAge = DefaultStreamMaxAge
	}
	return m
}

func (m *StreamManager) logKey(sessionID string) string {
	return m.opts.KeyPrefix + "stream:" + sessionID
}

func (m *StreamManager) cursorKey(sessionID string) string {
	return m.opts.KeyPrefix + "cursor:" + sessionID
}

func (m *StreamManager) channel(sessionID string) string {
	return m.opts.KeyPrefix + "wake:" + sessionID
}

// A logEntry is one stream event as stored in the Redis list.
type logEntry struct {
	Cursor uint64          `json:"c"`
	Data   json.RawMessage `json:"d"`
}

// Publish implements mcp.StreamManager. The cursor counter survives log
// trimming, so cursors stay monotonic for the session lifetime.
func (m *StreamManager) Publish(ctx context.Context, sessionID string, data []byte) (uint64, error) {
	cursor, err := m.rdb.Incr(ctx, m.cursorKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate cursor: %w", err)
	}
	entry, err := json.Marshal(logEntry{Cursor: uint64(cursor), Data: data})
	if err != nil {
		return 0, fmt.Errorf("encode stream entry: %w", err)
	}
	pipe := m.rdb.TxPipeline()
	pipe.RPush(ctx, m.logKey(sessionID), entry)
	pipe.LTrim(ctx, m.logKey(sessionID), -m.opts.MaxLen, -1)
	pipe.Expire(ctx, m.logKey(sessionID), m.opts.MaxAge)
	pipe.Expire(ctx, m.cursorKey(sessionID), m.opts.MaxAge)
	pipe.Publish(ctx, m.channel(sessionID), cursor)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("append stream entry: %w", err)
	}
	return uint64(cursor), nil
}

// Subscribe implements mcp.StreamManager: it replays the log after
// fromCursor, then tails live publishes via pub/sub.
func (m *StreamManager) Subscribe(ctx context.Context, sessionID string, fromCursor uint64) (mcp.Subscription, error) {
	// Detect truncation before attaching: the earliest retained cursor
	// must not leave a gap after fromCursor.
	if fromCursor > 0 {
		first, last, err := m.bounds(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		earliest := last + 1 // empty log: nothing retained
		if first > 0 {
			earliest = first
		}
		if fromCursor+1 < earliest {
			return nil, mcp.ErrCursorTruncated
		}
	}

	pubsub := m.rdb.Subscribe(ctx, m.channel(sessionID))
	// Force the subscription onto the wire before the catch-up read, so no
	// publish lands between replay and tail.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", sessionID, err)
	}

	sub := &subscription{
		mgr:       m,
		sessionID: sessionID,
		cursor:    fromCursor,
		pubsub:    pubsub,
		ch:        make(chan mcp.StreamEvent),
		done:      make(chan struct{}),
	}
	go sub.run(ctx)
	return sub, nil
}

// bounds returns the first and last cursors retained in the session log;
// zeros mean an empty log. last also reflects the cursor counter, so a
// fully-trimmed log still reports how far the stream has advanced.
func (m *StreamManager) bounds(ctx context.Context, sessionID string) (first, last uint64, err error) {
	entries, err := m.rdb.LRange(ctx, m.logKey(sessionID), 0, 0).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("read stream bounds: %w", err)
	}
	if len(entries) > 0 {
		var e logEntry
		if err := json.Unmarshal([]byte(entries[0]), &e); err != nil {
			return 0, 0, fmt.Errorf("decode stream entry: %w", err)
		}
		first = e.Cursor
	}
	cursor, err := m.rdb.Get(ctx, m.cursorKey(sessionID)).Int64()
	if err != nil && err != redis.Nil {
		return 0, 0, fmt.Errorf("read stream cursor: %w", err)
	}
	return first, uint64(cursor), nil
}

// Trim implements mcp.StreamManager.
func (m *StreamManager) Trim(ctx context.Context, sessionID string, uptoCursor uint64) error {
	for {
		entries, err := m.rdb.LRange(ctx, m.logKey(sessionID), 0, 0).Result()
		if err != nil {
			return fmt.Errorf("trim stream: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}
		var e logEntry
		if err := json.Unmarshal([]byte(entries[0]), &e); err != nil {
			return fmt.Errorf("decode stream entry: %w", err)
		}
		if e.Cursor > uptoCursor {
			return nil
		}
		if err := m.rdb.LPop(ctx, m.logKey(sessionID)).Err(); err != nil {
			return fmt.Errorf("trim stream: %w", err)
		}
	}
}

// Drop implements mcp.StreamManager.
func (m *StreamManager) Drop(ctx context.Context, sessionID string) error {
	if err := m.rdb.Del(ctx, m.logKey(sessionID), m.cursorKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("drop stream: %w", err)
	}
	return nil
}

type subscription struct {
	mgr       *StreamManager
	sessionID string
	cursor    uint64
	pubsub    *redis.PubSub
	ch        chan mcp.StreamEvent

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Events implements mcp.Subscription.
func (s *subscription) Events() <-chan mcp.StreamEvent { return s.ch }

// Err implements mcp.Subscription.
func (s *subscription) Err() error { return s.err }

// Close implements mcp.Subscription.
func (s *subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.pubsub.Close()
	})
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.ch)
	wake := s.pubsub.Channel()
	for {
		// Catch up from the log, then wait for a wake-up.
		events, err := s.catchUp(ctx)
		if err != nil {
			s.err = err
			s.Close()
			return
		}
		for _, ev := range events {
			select {
			case s.ch <- ev:
				s.cursor = ev.Cursor
			case <-s.done:
				return
			case <-ctx.Done():
				s.Close()
				return
			}
		}
		select {
		case _, ok := <-wake:
			if !ok {
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			s.Close()
			return
		}
	}
}

// catchUp reads log entries with cursor greater than the last delivered
// one.
func (s *subscription) catchUp(ctx context.Context) ([]mcp.StreamEvent, error) {
	entries, err := s.mgr.rdb.LRange(ctx, s.mgr.logKey(s.sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read stream log: %w", err)
	}
	var events []mcp.StreamEvent
	for _, raw := range entries {
		var e logEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode stream entry: %w", err)
		}
		if e.Cursor > s.cursor {
			events = append(events, mcp.StreamEvent{Cursor: e.Cursor, Data: e.Data})
		}
	}
	return events, nil
}
