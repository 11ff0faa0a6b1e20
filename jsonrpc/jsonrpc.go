// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package jsonrpc implements the JSON-RPC 2.0 message layer used by the
// MCPGrid protocol server: typed messages, request identifiers, wire error
// values, and an encoder/decoder that distinguishes malformed JSON from
// structurally invalid frames.
package jsonrpc

import (
	"encoding/json"
	"fmt"
	"math"

	segjson "github.com/segmentio/encoding/json"
)

// Version is the JSON-RPC protocol version accepted on every frame.
const Version = "2.0"

// An ID is a request identifier: a string, an integer, or absent.
//
// The zero ID is invalid and marks a notification. IDs are comparable and may
// be used as map keys.
type ID struct {
	value any // string | int64 | nil
}

// StringID returns an ID carrying the given string.
func StringID(s string) ID { return ID{value: s} }

// Int64ID returns an ID carrying the given integer.
func Int64ID(n int64) ID { return ID{value: n} }

// IsValid reports whether the ID is set. Responses and requests require a
// valid ID; notifications must not carry one.
func (id ID) IsValid() bool { return id.value != nil }

// Raw returns the underlying value of the ID: a string, an int64, or nil.
func (id ID) Raw() any { return id.value }

// String returns a human-readable representation of the ID.
func (id ID) String() string {
	switch v := id.value.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case int64:
		return fmt.Sprintf("#%d", v)
	}
	return "<nil>"
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if !id.IsValid() {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler. A JSON null decodes to the
// invalid ID; fractional numbers are rejected, as the protocol requires
// integer numeric IDs.
func (id *ID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case nil:
		id.value = nil
	case string:
		id.value = v
	case float64:
		if v != math.Trunc(v) {
			return fmt.Errorf("request ID %v is not an integer", v)
		}
		id.value = int64(v)
	default:
		return fmt.Errorf("invalid request ID type %T", v)
	}
	return nil
}

// A Message is either a *Request or a *Response.
type Message interface {
	isMessage()
}

// A Request is a JSON-RPC call or notification. A Request with an invalid ID
// is a notification and must not be answered.
type Request struct {
	// ID of this request. Unset for notifications.
	ID ID
	// Method being invoked.
	Method string
	// Params for the method, or nil.
	Params json.RawMessage
}

// IsCall reports whether the request expects a response.
func (r *Request) IsCall() bool { return r.ID.IsValid() }

func (*Request) isMessage() {}

// A Response is a reply to a prior Request traveling in the opposite
// direction. Exactly one of Result and Error is set.
type Response struct {
	// ID of the request this response answers.
	ID ID
	// Result of a successful call.
	Result json.RawMessage
	// Error of a failed call.
	Error *Error
}

func (*Response) isMessage() {}

// wireCombined is the superset of all frame fields, used to sniff the
// message type on decode.
type wireCombined struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id,omitzero"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// DecodeMessage decodes a single JSON-RPC message from data.
//
// Malformed JSON yields an *Error with CodeParseError; a well-formed object
// that is not a valid JSON-RPC 2.0 frame yields CodeInvalidRequest.
func DecodeMessage(data []byte) (Message, error) {
	var wire wireCombined
	if err := json.Unmarshal(data, &wire); err != nil {
		if !json.Valid(data) {
			return nil, Errorf(CodeParseError, "parsing JSON-RPC message: %v", err)
		}
		return nil, Errorf(CodeInvalidRequest, "invalid JSON-RPC frame: %v", err)
	}
	if wire.JSONRPC != Version {
		return nil, Errorf(CodeInvalidRequest, "message does not declare jsonrpc %q", Version)
	}
	if wire.Method != "" {
		if wire.Result != nil || wire.Error != nil {
			return nil, Errorf(CodeInvalidRequest, "message has both method and result fields")
		}
		return &Request{ID: wire.ID, Method: wire.Method, Params: wire.Params}, nil
	}
	// No method: must be a response. A RawMessage distinguishes an absent
	// result (nil) from an explicit null (the bytes "null").
	if !wire.ID.IsValid() {
		return nil, Errorf(CodeInvalidRequest, "message has no method and no ID")
	}
	if wire.Result == nil && wire.Error == nil {
		return nil, Errorf(CodeInvalidRequest, "response carries neither result nor error")
	}
	if wire.Result != nil && wire.Error != nil {
		return nil, Errorf(CodeInvalidRequest, "response carries both result and error")
	}
	resp := &Response{ID: wire.ID, Result: wire.Result}
	if wire.Error != nil {
		resp.Error = wire.Error.toError()
	}
	return resp, nil
}

// EncodeMessage serializes msg to its wire form.
func EncodeMessage(msg Message) ([]byte, error) {
	wire := wireCombined{JSONRPC: Version}
	switch msg := msg.(type) {
	case *Request:
		wire.ID = msg.ID
		wire.Method = msg.Method
		wire.Params = msg.Params
	case *Response:
		wire.ID = msg.ID
		if msg.Error != nil {
			wire.Error = msg.Error.toWire()
		} else {
			wire.Result = msg.Result
			if wire.Result == nil {
				wire.Result = json.RawMessage("null")
			}
		}
	default:
		return nil, fmt.Errorf("unknown message type %T", msg)
	}
	return segjson.Marshal(&wire)
}

// MarshalJSON implements json.Marshaler for wireCombined so that an
// invalid ID is omitted from requests rather than encoded as null.
// Responses always carry their ID, as null when it is invalid.
func (w *wireCombined) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 5)
	m["jsonrpc"] = w.JSONRPC
	if w.ID.IsValid() {
		m["id"] = w.ID.Raw()
	} else if w.Method == "" {
		m["id"] = nil
	}
	if w.Method != "" {
		m["method"] = w.Method
		if w.Params != nil {
			m["params"] = w.Params
		}
	} else if w.Error != nil {
		m["error"] = w.Error
	} else {
		m["result"] = w.Result
	}
	return segjson.Marshal(m)
}
