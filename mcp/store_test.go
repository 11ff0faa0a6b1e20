// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestMemorySessionStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()

	if _, err := store.Load(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Load(absent): %v, want ErrSessionNotFound", err)
	}

	state := &SessionState{
		Phase:           PhaseReady,
		ProtocolVersion: "2025-11-25",
		ClientInfo:      &Implementation{Name: "c", Version: "2"},
		LogLevel:        LevelWarning,
		Subscriptions:   []string{"file:///a"},
	}
	if err := store.Save(ctx, "s1", state, 0); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(state, got, cmp.Comparer(timeEqual)); diff != "" {
		t.Errorf("Load mismatch (-want +got):\n%s", diff)
	}

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Load(ctx, "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Load after Delete: %v, want ErrSessionNotFound", err)
	}
	// Deleting an absent entry is not an error.
	if err := store.Delete(ctx, "s1"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestMemorySessionStoreTTL(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()
	if err := store.Save(ctx, "s1", &SessionState{Phase: PhaseReady}, time.Nanosecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := store.Load(ctx, "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Load after TTL: %v, want ErrSessionNotFound", err)
	}
}

func timeEqual(a, b time.Time) bool { return a.Equal(b) }
