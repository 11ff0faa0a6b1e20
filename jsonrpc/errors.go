// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error codes defined by JSON-RPC 2.0.
const (
	// CodeParseError indicates the message was not valid JSON.
	CodeParseError int64 = -32700
	// CodeInvalidRequest indicates the message was not a valid JSON-RPC frame.
	CodeInvalidRequest int64 = -32600
	// CodeMethodNotFound indicates the requested method is not known.
	CodeMethodNotFound int64 = -32601
	// CodeInvalidParams indicates the parameters failed validation.
	CodeInvalidParams int64 = -32602
	// CodeInternalError indicates an unexpected server-side failure.
	CodeInternalError int64 = -32603
)

// Error codes used by the MCP layer on top of JSON-RPC.
const (
	// CodeRequestTimeout indicates a server-to-client request was not
	// answered within the configured deadline.
	CodeRequestTimeout int64 = -32001
	// CodeServerNotInitialized indicates a method other than "initialize"
	// was called before the session completed initialization.
	CodeServerNotInitialized int64 = -32002
	// CodeCapabilityUnavailable indicates the peer did not advertise the
	// capability required by the attempted operation.
	CodeCapabilityUnavailable int64 = -32003
	// CodeStreamOverflow indicates the session's outbound buffer exceeded
	// its high-water mark and the session is being terminated.
	CodeStreamOverflow int64 = -32004
	// CodeSessionNotFound indicates the session referenced by the message
	// is unknown or terminated.
	CodeSessionNotFound int64 = -32005
	// CodeCancelled indicates the request was cancelled before completion.
	CodeCancelled int64 = -32800
)

// An Error is a protocol-visible failure carrying a JSON-RPC error code.
type Error struct {
	Code    int64
	Message string
	// Data holds optional structured information about the error.
	Data json.RawMessage
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Errorf formats a new *Error with the given code.
func Errorf(code int64, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorCode extracts the JSON-RPC error code from err, unwrapping as needed.
// It returns CodeInternalError for non-protocol errors, and 0 for nil.
func ErrorCode(err error) int64 {
	if err == nil {
		return 0
	}
	var wire *Error
	if errors.As(err, &wire) {
		return wire.Code
	}
	return CodeInternalError
}

// WireError is the JSON encoding of an Error.
type WireError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) toWire() *WireError {
	return &WireError{Code: e.Code, Message: e.Message, Data: e.Data}
}

func (w *WireError) toError() *Error {
	return &Error{Code: w.Code, Message: w.Message, Data: w.Data}
}
