// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"encoding/json"
	"fmt"
)

// A Content is one block of tool, prompt, or sampling content, tagged by
// Type: "text", "image", "audio", or "resource".
type Content struct {
	Type string `json:"type"`
	// Text is set when Type is "text".
	Text string `json:"text,omitempty"`
	// Data holds base64-encoded payload for "image" and "audio".
	Data     []byte `json:"data,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
	// Resource is set when Type is "resource".
	Resource *ResourceContents `json:"resource,omitempty"`
}

// TextContent returns a text content block.
func TextContent(text string) *Content {
	return &Content{Type: "text", Text: text}
}

// ImageContent returns an image content block with base64 data.
func ImageContent(data []byte, mimeType string) *Content {
	return &Content{Type: "image", Data: data, MIMEType: mimeType}
}

// AudioContent returns an audio content block with base64 data.
func AudioContent(data []byte, mimeType string) *Content {
	return &Content{Type: "audio", Data: data, MIMEType: mimeType}
}

// ResourceContent returns an embedded-resource content block.
func ResourceContent(rc *ResourceContents) *Content {
	return &Content{Type: "resource", Resource: rc}
}

// UnmarshalJSON validates the type tag while decoding.
func (c *Content) UnmarshalJSON(data []byte) error {
	type content Content // avoid recursion
	var wire content
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch wire.Type {
	case "text", "image", "audio", "resource":
	default:
		return fmt.Errorf("unrecognized content type %q", wire.Type)
	}
	*c = Content(wire)
	return nil
}
