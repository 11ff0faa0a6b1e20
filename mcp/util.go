// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"crypto/rand"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// randText returns a fresh opaque identifier for sessions.
func randText() string {
	return rand.Text()
}

func logError(logger log.Logger, msg string, kv ...any) {
	level.Error(logger).Log(append([]any{"msg", msg}, kv...)...)
}
