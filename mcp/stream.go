// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"sync"
)

// A StreamEvent is one entry of a session's outbound stream: a serialized
// JSON-RPC message and its cursor.
type StreamEvent struct {
	// Cursor is the monotonically-increasing sequence number of this event
	// within its session's stream. The first published event has cursor 1.
	Cursor uint64
	// Data is the UTF-8 JSON encoding of a single JSON-RPC message.
	Data []byte
}

// A Subscription is a lazy, cancellable view of a session's outbound stream.
type Subscription interface {
	// Events returns the channel on which events are delivered in cursor
	// order. The channel is closed when the subscription ends.
	Events() <-chan StreamEvent
	// Err returns the reason the subscription ended, or nil after Close.
	Err() error
	// Close releases the subscription. It is safe to call more than once.
	Close()
}

// A StreamManager owns per-session outbound delivery. Publish appends to a
// session's buffer and wakes any attached consumer; Subscribe replays
// buffered events after a cursor and then tails live publishes.
//
// The distributed implementation (package redistore) backs the buffer with a
// shared log so that an event published on one node reaches a consumer
// attached to another.
type StreamManager interface {
	// Publish appends data to the session's stream and returns its cursor.
	// Cursors are strictly monotonic per session.
	Publish(ctx context.Context, sessionID string, data []byte) (uint64, error)
	// Subscribe returns a subscription delivering events with cursor
	// strictly greater than fromCursor. fromCursor 0 means the start of
	// what is still buffered. If fromCursor predates the earliest retained
	// entry, Subscribe fails with ErrCursorTruncated.
	Subscribe(ctx context.Context, sessionID string, fromCursor uint64) (Subscription, error)
	// Trim drops buffered events with cursor <= uptoCursor.
	Trim(ctx context.Context, sessionID string, uptoCursor uint64) error
	// Drop discards all stream state for the session.
	Drop(ctx context.Context, sessionID string) error
}

// DefaultStreamRetention is the in-memory buffer bound per session. When the
// buffer is full the oldest un-acknowledged event is dropped; sessions whose
// consumer falls behind the retention window must re-initialize.
const DefaultStreamRetention = 1000

// MemoryStreamManager is an in-process StreamManager. Producers and the
// consumer must share the process; use the distributed variant to fan out
// across nodes.
type MemoryStreamManager struct {
	retention int

	mu      sync.Mutex
	streams map[string]*memoryStream
}

type memoryStream struct {
	next   uint64 // cursor of the next publish
	events []StreamEvent
	// delivered is the highest cursor handed to the attached consumer.
	// Delivered events age out of a full buffer quietly; dropping an
	// undelivered event is an overflow.
	delivered uint64
	// sub is the single attached consumer, if any.
	sub *memorySubscription
}

// NewMemoryStreamManager returns a MemoryStreamManager retaining up to
// retention events per session; zero means DefaultStreamRetention.
func NewMemoryStreamManager(retention int) *MemoryStreamManager {
	if retention <= 0 {
		retention = DefaultStreamRetention
	}
	return &MemoryStreamManager{
		retention: retention,
		streams:   make(map[string]*memoryStream),
	}
}

func (m *MemoryStreamManager) stream(sessionID string) *memoryStream {
	st, ok := m.streams[sessionID]
	if !ok {
		st = &memoryStream{next: 1}
		m.streams[sessionID] = st
	}
	return st
}

// Publish implements StreamManager.
func (m *MemoryStreamManager) Publish(ctx context.Context, sessionID string, data []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stream(sessionID)
	cursor := st.next
	st.next++
	st.events = append(st.events, StreamEvent{Cursor: cursor, Data: data})
	overflowed := false
	for len(st.events) > m.retention {
		if st.events[0].Cursor > st.delivered {
			overflowed = true
		}
		st.events = st.events[1:]
	}
	if st.sub != nil {
		st.sub.wake()
	}
	if overflowed {
		return cursor, ErrStreamOverflow
	}
	return cursor, nil
}

// Subscribe implements StreamManager. At most one subscription per session
// may be active at a time; a new Subscribe displaces the previous consumer.
func (m *MemoryStreamManager) Subscribe(ctx context.Context, sessionID string, fromCursor uint64) (Subscription, error) {
	m.mu.Lock()
	st := m.stream(sessionID)
	earliest := st.next
	if len(st.events) > 0 {
		earliest = st.events[0].Cursor
	}
	if fromCursor != 0 && fromCursor+1 < earliest {
		m.mu.Unlock()
		return nil, ErrCursorTruncated
	}
	if st.sub != nil {
		st.sub.closeLocked(nil)
	}
	sub := &memorySubscription{
		mgr:       m,
		sessionID: sessionID,
		cursor:    fromCursor,
		ch:        make(chan StreamEvent),
		wakeCh:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	st.sub = sub
	m.mu.Unlock()

	go sub.run(ctx)
	return sub, nil
}

// Trim implements StreamManager.
func (m *MemoryStreamManager) Trim(ctx context.Context, sessionID string, uptoCursor uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[sessionID]
	if !ok {
		return nil
	}
	i := 0
	for i < len(st.events) && st.events[i].Cursor <= uptoCursor {
		i++
	}
	st.events = st.events[i:]
	return nil
}

// Drop implements StreamManager.
func (m *MemoryStreamManager) Drop(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.streams[sessionID]; ok && st.sub != nil {
		st.sub.closeLocked(nil)
	}
	delete(m.streams, sessionID)
	return nil
}

type memorySubscription struct {
	mgr       *MemoryStreamManager
	sessionID string
	cursor    uint64 // last delivered cursor

	ch     chan StreamEvent
	wakeCh chan struct{}

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Events implements Subscription.
func (s *memorySubscription) Events() <-chan StreamEvent { return s.ch }

// Err implements Subscription.
func (s *memorySubscription) Err() error { return s.err }

// Close implements Subscription.
func (s *memorySubscription) Close() {
	s.mgr.mu.Lock()
	s.closeLocked(nil)
	s.mgr.mu.Unlock()
}

// closeLocked requires s.mgr.mu.
func (s *memorySubscription) closeLocked(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
		if st, ok := s.mgr.streams[s.sessionID]; ok && st.sub == s {
			st.sub = nil
		}
	})
}

func (s *memorySubscription) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) run(ctx context.Context) {
	defer close(s.ch)
	for {
		// Drain buffered events past the last delivered cursor.
		for {
			s.mgr.mu.Lock()
			st := s.mgr.streams[s.sessionID]
			var next *StreamEvent
			if st != nil {
				for i := range st.events {
					if st.events[i].Cursor > s.cursor {
						ev := st.events[i]
						next = &ev
						break
					}
				}
			}
			s.mgr.mu.Unlock()
			if next == nil {
				break
			}
			select {
			case s.ch <- *next:
				s.cursor = next.Cursor
				s.mgr.mu.Lock()
				if st := s.mgr.streams[s.sessionID]; st != nil && next.Cursor > st.delivered {
					st.delivered = next.Cursor
				}
				s.mgr.mu.Unlock()
			case <-s.done:
				return
			case <-ctx.Done():
				s.Close()
				return
			}
		}
		select {
		case <-s.wakeCh:
		case <-s.done:
			return
		case <-ctx.Done():
			s.Close()
			return
		}
	}
}
