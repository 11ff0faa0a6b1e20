// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mcpgrid/mcpgrid/jsonrpc"
)

// Sentinel errors surfaced by the session and stream layers.
var (
	// ErrSessionNotFound reports that a session ID refers to a terminated
	// or unknown session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrCursorTruncated reports that a replay cursor predates the earliest
	// buffered stream entry; the client must re-initialize.
	ErrCursorTruncated = errors.New("stream cursor no longer buffered")
	// ErrContextExpired reports use of a handler Context after the handler
	// returned.
	ErrContextExpired = errors.New("handler context used after return")
	// ErrStreamOverflow reports that a session's outbound buffer exceeded
	// its high-water mark.
	ErrStreamOverflow = errors.New("outbound stream overflow")
)

// CapabilityError reports that the peer did not advertise the capability a
// helper requires. Handlers are expected to detect it and fall back.
type CapabilityError struct {
	// Capability is the missing client feature: "sampling", "elicitation",
	// or "roots".
	Capability string
}

func (e *CapabilityError) Error() string {
	return "client does not support " + e.Capability
}

// errorData is attached to internal JSON-RPC errors so operators can match a
// client-visible failure to server logs.
type errorData struct {
	CorrelationID string `json:"correlationId,omitempty"`
}

// toJSONRPCError converts any handler or dispatch error into the *Error sent
// on the wire. Internal details are replaced by a correlation ID; protocol
// errors pass through verbatim.
func toJSONRPCError(err error, correlationID string) *jsonrpc.Error {
	var werr *jsonrpc.Error
	if errors.As(err, &werr) {
		return werr
	}
	var cerr *CapabilityError
	if errors.As(err, &cerr) {
		return jsonrpc.Errorf(jsonrpc.CodeCapabilityUnavailable, "%s", cerr.Error())
	}
	if errors.Is(err, ErrSessionNotFound) {
		return jsonrpc.Errorf(jsonrpc.CodeSessionNotFound, "session not found")
	}
	switch {
	case errors.Is(err, errCancelled):
		return jsonrpc.Errorf(jsonrpc.CodeCancelled, "request cancelled")
	}
	data, _ := json.Marshal(errorData{CorrelationID: correlationID})
	return &jsonrpc.Error{
		Code:    jsonrpc.CodeInternalError,
		Message: "internal server error",
		Data:    data,
	}
}

// errCancelled is the cause recorded when an inbound request is cancelled
// via notifications/cancelled or session eviction.
var errCancelled = errors.New("cancelled")

// httpStatusForCode maps a JSON-RPC error code to the HTTP status of the
// POST response that carries the error. ParseError and InvalidRequest map
// to 400 and SessionNotFound to 404; other codes travel as 200 with a
// JSON-RPC error body.
func httpStatusForCode(code int64) int {
	switch code {
	case jsonrpc.CodeParseError, jsonrpc.CodeInvalidRequest:
		return http.StatusBadRequest
	case jsonrpc.CodeSessionNotFound:
		return http.StatusNotFound
	default:
		return http.StatusOK
	}
}
