// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log/level"

	"github.com/mcpgrid/mcpgrid/jsonrpc"
)

// SessionHeader carries the session identifier on every message after
// initialize.
const SessionHeader = "Mcp-Session-Id"

// DefaultMaxBodyBytes caps HTTP request bodies accepted by the handler, so
// oversized requests cannot exhaust server memory.
const DefaultMaxBodyBytes int64 = 1_000_000

// StreamableHTTPOptions configures a StreamableHTTPHandler.
type StreamableHTTPOptions struct {
	// MaxBodyBytes caps POST bodies. Zero means DefaultMaxBodyBytes;
	// negative means no limit.
	MaxBodyBytes int64
}

// A StreamableHTTPHandler serves MCP sessions over the streamable HTTP
// transport: POST delivers client-to-server messages, GET attaches the
// long-lived server-to-client event stream, and DELETE terminates the
// session.
type StreamableHTTPHandler struct {
	server *Server
	opts   StreamableHTTPOptions
}

// NewStreamableHTTPHandler returns an http.Handler serving server at a
// single mount path.
func NewStreamableHTTPHandler(server *Server, opts *StreamableHTTPOptions) *StreamableHTTPHandler {
	h := &StreamableHTTPHandler{server: server}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *StreamableHTTPHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		h.servePOST(w, req)
	case http.MethodGet:
		h.serveGET(w, req)
	case http.MethodDelete:
		h.serveDELETE(w, req)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
	}
}

func (h *StreamableHTTPHandler) maxBodyBytes() int64 {
	switch {
	case h.opts.MaxBodyBytes == 0:
		return DefaultMaxBodyBytes
	case h.opts.MaxBodyBytes < 0:
		return 0
	}
	return h.opts.MaxBodyBytes
}

// servePOST handles one client-to-server message: a request, a
// notification, or a response to a server-initiated call. Request
// responses are returned in the POST body; everything the server initiates
// travels on the GET stream.
func (h *StreamableHTTPHandler) servePOST(w http.ResponseWriter, req *http.Request) {
	if limit := h.maxBodyBytes(); limit > 0 {
		req.Body = http.MaxBytesReader(w, req.Body, limit)
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			w.Header().Set("Connection", "close")
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		h.writeError(w, jsonrpc.ID{}, err)
		return
	}

	ctx := req.Context()
	sessionID := req.Header.Get(SessionHeader)

	var ss *ServerSession
	if r, ok := msg.(*jsonrpc.Request); ok && r.Method == methodInitialize {
		if sessionID != "" {
			h.writeError(w, r.ID, jsonrpc.Errorf(jsonrpc.CodeInvalidRequest,
				"initialize must not carry a session header"))
			return
		}
		ss, err = h.server.broker.create(ctx)
		if err != nil {
			http.Error(w, "failed to create session", http.StatusInternalServerError)
			return
		}
	} else {
		if sessionID == "" {
			h.writeError(w, requestID(msg), jsonrpc.Errorf(jsonrpc.CodeSessionNotFound,
				"missing %s header", SessionHeader))
			return
		}
		ss, err = h.server.broker.lookup(ctx, sessionID)
		if err != nil {
			// A repeated shutdown within the tombstone grace window is a
			// no-op success rather than a missing session.
			if r, ok := msg.(*jsonrpc.Request); ok && r.Method == methodShutdown && errors.Is(err, ErrSessionNotFound) {
				h.writeResponse(w, "", &jsonrpc.Response{ID: r.ID, Result: mustMarshal(emptyResult{})})
				return
			}
			h.writeError(w, requestID(msg), toJSONRPCError(err, ""))
			return
		}
	}

	resp, err := h.server.handleMessage(ctx, ss, msg)
	if err != nil {
		h.writeError(w, requestID(msg), err)
		return
	}
	if resp == nil {
		// Notification or response: accepted for asynchronous processing.
		w.Header().Set(SessionHeader, ss.ID())
		w.WriteHeader(http.StatusAccepted)
		return
	}
	h.writeResponse(w, ss.ID(), resp)
}

// serveGET attaches the session's outbound event stream to the response,
// replaying buffered events after Last-Event-ID and then tailing live
// publishes with heartbeat comments in between.
func (h *StreamableHTTPHandler) serveGET(w http.ResponseWriter, req *http.Request) {
	if !acceptsEventStream(req) {
		http.Error(w, "Accept must contain 'text/event-stream'", http.StatusBadRequest)
		return
	}
	sessionID := req.Header.Get(SessionHeader)
	if sessionID == "" {
		http.Error(w, "missing "+SessionHeader+" header", http.StatusBadRequest)
		return
	}
	ctx := req.Context()
	ss, err := h.server.broker.lookup(ctx, sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var fromCursor uint64
	if v := req.Header.Get("Last-Event-ID"); v != "" {
		fromCursor, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "malformed Last-Event-ID", http.StatusBadRequest)
			return
		}
	}

	sub, err := h.server.streams.Subscribe(ctx, ss.ID(), fromCursor)
	if err != nil {
		if errors.Is(err, ErrCursorTruncated) {
			// The buffer no longer covers the requested range; the client
			// must re-initialize.
			http.Error(w, "replay unavailable; re-initialize", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to subscribe", http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	// A resume cursor doubles as an acknowledgement of everything at or
	// before it.
	if fromCursor > 0 {
		if err := h.server.streams.Trim(ctx, ss.ID(), fromCursor); err != nil {
			level.Debug(h.server.logger).Log("msg", "trim stream", "session", ss.ID(), "err", err)
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set(SessionHeader, ss.ID())
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.server.metrics.streamsAttached.Inc()
	defer h.server.metrics.streamsAttached.Dec()

	heartbeat := time.NewTicker(h.server.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					level.Debug(h.server.logger).Log("msg", "stream ended", "session", ss.ID(), "err", err)
				}
				return
			}
			if err := writeSSEEvent(w, sseEvent{id: ev.Cursor, data: ev.Data}); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if err := writeSSEComment(w, "ping"); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// serveDELETE terminates the session explicitly.
func (h *StreamableHTTPHandler) serveDELETE(w http.ResponseWriter, req *http.Request) {
	sessionID := req.Header.Get(SessionHeader)
	if sessionID == "" {
		http.Error(w, "DELETE requires an "+SessionHeader+" header", http.StatusBadRequest)
		return
	}
	ctx := req.Context()
	ss, err := h.server.broker.lookup(ctx, sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	h.server.broker.terminate(ctx, ss, "client delete")
	w.WriteHeader(http.StatusNoContent)
}

// writeResponse writes a JSON-RPC response. A result is sent with a 200
// status; an error rides in the body with the status httpStatusForError
// assigns to its code.
func (h *StreamableHTTPHandler) writeResponse(w http.ResponseWriter, sessionID string, resp *jsonrpc.Response) {
	status := http.StatusOK
	if resp.Error != nil {
		status = httpStatusForError(resp.Error)
	}
	data, err := jsonrpc.EncodeMessage(resp)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	if sessionID != "" {
		w.Header().Set(SessionHeader, sessionID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError writes err as a JSON-RPC error response with the status the
// taxonomy assigns to its code.
func (h *StreamableHTTPHandler) writeError(w http.ResponseWriter, id jsonrpc.ID, err error) {
	werr := toJSONRPCError(err, "")
	h.writeResponse(w, "", &jsonrpc.Response{ID: id, Error: werr})
}

func httpStatusForError(werr *jsonrpc.Error) int {
	if werr.Code == CodeRateLimited {
		return http.StatusTooManyRequests
	}
	return httpStatusForCode(werr.Code)
}

func requestID(msg jsonrpc.Message) jsonrpc.ID {
	if r, ok := msg.(*jsonrpc.Request); ok {
		return r.ID
	}
	return jsonrpc.ID{}
}

func acceptsEventStream(req *http.Request) bool {
	accept := strings.Split(strings.Join(req.Header.Values("Accept"), ","), ",")
	for _, c := range accept {
		c = strings.TrimSpace(c)
		if c == "text/event-stream" || c == "*/*" {
			return true
		}
	}
	return false
}
