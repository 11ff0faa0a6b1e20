// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func publishN(t *testing.T, m StreamManager, sessionID string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		cursor, err := m.Publish(context.Background(), sessionID, []byte(fmt.Sprintf(`{"n":%d}`, i)))
		if err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
		if cursor != uint64(i) {
			t.Fatalf("Publish %d returned cursor %d", i, cursor)
		}
	}
}

func collect(t *testing.T, sub Subscription, n int) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	timeout := time.After(2 * time.Second)
	for len(events) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed after %d events (want %d): %v", len(events), n, sub.Err())
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out after %d events (want %d)", len(events), n)
		}
	}
	return events
}

func TestMemoryStreamOrdering(t *testing.T) {
	m := NewMemoryStreamManager(0)
	publishN(t, m, "s1", 5)

	sub, err := m.Subscribe(context.Background(), "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	events := collect(t, sub, 5)
	for i, ev := range events {
		if ev.Cursor != uint64(i+1) {
			t.Errorf("event %d has cursor %d", i, ev.Cursor)
		}
	}
}

func TestMemoryStreamResume(t *testing.T) {
	m := NewMemoryStreamManager(0)
	publishN(t, m, "s1", 5)

	sub, err := m.Subscribe(context.Background(), "s1", 3)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	events := collect(t, sub, 2)
	if events[0].Cursor != 4 || events[1].Cursor != 5 {
		t.Errorf("resumed cursors = %d, %d; want 4, 5", events[0].Cursor, events[1].Cursor)
	}
}

func TestMemoryStreamLiveTail(t *testing.T) {
	m := NewMemoryStreamManager(0)
	sub, err := m.Subscribe(context.Background(), "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	go publishN(t, m, "s1", 3)
	events := collect(t, sub, 3)
	if events[2].Cursor != 3 {
		t.Errorf("last cursor = %d, want 3", events[2].Cursor)
	}
}

func TestMemoryStreamTrimAndTruncation(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStreamManager(0)
	publishN(t, m, "s1", 6)
	if err := m.Trim(ctx, "s1", 4); err != nil {
		t.Fatal(err)
	}

	// Resuming at the trim point still works.
	sub, err := m.Subscribe(ctx, "s1", 4)
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, sub, 2)
	sub.Close()
	if events[0].Cursor != 5 {
		t.Errorf("first cursor after trim = %d, want 5", events[0].Cursor)
	}

	// Resuming before the trim point reports truncation.
	if _, err := m.Subscribe(ctx, "s1", 2); !errors.Is(err, ErrCursorTruncated) {
		t.Errorf("Subscribe(2) after Trim(4): %v, want ErrCursorTruncated", err)
	}

	// fromCursor 0 means "start of what is still buffered".
	sub, err = m.Subscribe(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	events = collect(t, sub, 2)
	sub.Close()
	if events[0].Cursor != 5 {
		t.Errorf("Subscribe(0) first cursor = %d, want 5", events[0].Cursor)
	}
}

func TestMemoryStreamOverflow(t *testing.T) {
	m := NewMemoryStreamManager(3)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if _, err := m.Publish(ctx, "s1", []byte("{}")); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}
	// The fourth publish drops an undelivered event.
	if _, err := m.Publish(ctx, "s1", []byte("{}")); !errors.Is(err, ErrStreamOverflow) {
		t.Errorf("Publish past retention: %v, want ErrStreamOverflow", err)
	}
}

func TestMemoryStreamDeliveredEventsAgeOutQuietly(t *testing.T) {
	m := NewMemoryStreamManager(3)
	ctx := context.Background()
	sub, err := m.Subscribe(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	// With an attached consumer keeping up, publishing past the retention
	// bound is not an overflow.
	for i := 1; i <= 10; i++ {
		if _, err := m.Publish(ctx, "s1", []byte("{}")); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
		collect(t, sub, 1)
	}
}

func TestMemoryStreamDrop(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStreamManager(0)
	publishN(t, m, "s1", 2)
	if err := m.Drop(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	// A dropped stream restarts from cursor 1.
	cursor, err := m.Publish(ctx, "s1", []byte("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if cursor != 1 {
		t.Errorf("cursor after drop = %d, want 1", cursor)
	}
}
