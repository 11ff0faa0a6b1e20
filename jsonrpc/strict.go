// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// StrictUnmarshal unmarshals data into v, rejecting unknown fields and
// case-variant duplicate keys.
//
// Go's encoding/json matches field names case-insensitively, which violates
// the protocol's case-sensitive field matching and allows smuggling
// unexpected values through round-tripped payloads. Results of
// server-to-client calls (sampling, elicitation, roots) are decoded with
// this function so that unknown fields are surfaced instead of silently
// forwarded.
func StrictUnmarshal(data []byte, v any) error {
	if err := checkDuplicateKeys(data); err != nil {
		return fmt.Errorf("strict unmarshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("strict unmarshal: %w", err)
	}
	return nil
}

// checkDuplicateKeys reports an error if the top-level object in data has
// two keys differing only in case.
func checkDuplicateKeys(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		// Not an object; nothing to check.
		return nil
	}
	seen := make(map[string]string, len(raw))
	for key := range raw {
		lower := strings.ToLower(key)
		if prev, ok := seen[lower]; ok && prev != key {
			return fmt.Errorf("duplicate key with different case: %q and %q", prev, key)
		}
		seen[lower] = key
	}
	return nil
}
