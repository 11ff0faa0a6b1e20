// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/mcpgrid/mcpgrid/jsonrpc"
)

// A Request is one decoded inbound call or notification, as seen by the
// middleware chain and the method dispatcher.
type Request struct {
	// Session owning the request.
	Session *ServerSession
	// ID of the request; invalid for notifications.
	ID jsonrpc.ID
	// Method being invoked.
	Method string
	// Params as received on the wire.
	Params json.RawMessage
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool { return !r.ID.IsValid() }

// A MethodHandler dispatches one request and returns its result, which must
// be JSON-serializable. Notifications return (nil, nil).
type MethodHandler func(ctx context.Context, req *Request) (any, error)

// A Middleware wraps a MethodHandler. Middleware may short-circuit with an
// error, attach data to the session's user context, or observe the
// response by wrapping next.
type Middleware func(next MethodHandler) MethodHandler

// handleMessage processes one client-to-server message for a session and
// returns the response to deliver, or nil for notifications and responses.
//
// Inbound requests and notifications of a session are admitted serially;
// responses to server-initiated calls bypass the queue so that a handler
// blocked in Sample can be completed.
func (s *Server) handleMessage(ctx context.Context, ss *ServerSession, msg jsonrpc.Message) (*jsonrpc.Response, error) {
	switch msg := msg.(type) {
	case *jsonrpc.Response:
		if !ss.resolvePending(msg) {
			level.Debug(s.logger).Log("msg", "response with no pending request", "session", ss.id, "id", msg.ID)
		}
		return nil, nil
	case *jsonrpc.Request:
		ss.touch(ctx)
		req := &Request{Session: ss, ID: msg.ID, Method: msg.Method, Params: msg.Params}
		if req.IsNotification() {
			ss.dispatchMu.Lock()
			_, err := s.dispatch(ctx, req)
			ss.dispatchMu.Unlock()
			if err != nil {
				// Notifications produce no response; the error is only
				// observable in logs.
				level.Debug(s.logger).Log("msg", "notification failed", "session", ss.id, "method", req.Method, "err", err)
			}
			return nil, nil
		}
		return s.handleRequest(ctx, ss, req), nil
	default:
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidRequest, "unknown message type %T", msg)
	}
}

// handleRequest runs the middleware chain and dispatcher for one call and
// always produces a response.
func (s *Server) handleRequest(ctx context.Context, ss *ServerSession, req *Request) *jsonrpc.Response {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if !ss.registerInflight(req.ID, cancel) {
		return &jsonrpc.Response{
			ID:    req.ID,
			Error: jsonrpc.Errorf(jsonrpc.CodeInvalidRequest, "request ID %s already in flight", req.ID),
		}
	}
	defer ss.unregisterInflight(req.ID)

	// Admit serially per session, then release the queue for the
	// (possibly long-running) handler.
	ss.dispatchMu.Lock()
	phaseErr := checkPhase(ss.Phase(), req.Method)
	ss.dispatchMu.Unlock()

	var result any
	var err error
	if phaseErr != nil {
		err = phaseErr
	} else {
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("handler panic: %v", r)
				}
			}()
			result, err = s.dispatch(ctx, req)
		}()
	}

	s.metrics.observeRequest(req.Method, jsonrpc.ErrorCode(err))

	if err != nil {
		correlationID := uuid.NewString()
		if jsonrpc.ErrorCode(err) == jsonrpc.CodeInternalError {
			logError(s.logger, "request failed", "session", ss.id, "method", req.Method,
				"correlation_id", correlationID, "err", err)
		}
		return &jsonrpc.Response{ID: req.ID, Error: toJSONRPCError(err, correlationID)}
	}
	data, merr := json.Marshal(result)
	if merr != nil {
		correlationID := uuid.NewString()
		logError(s.logger, "encode result", "session", ss.id, "method", req.Method,
			"correlation_id", correlationID, "err", merr)
		return &jsonrpc.Response{ID: req.ID, Error: toJSONRPCError(merr, correlationID)}
	}
	return &jsonrpc.Response{ID: req.ID, Result: data}
}

// checkPhase enforces the lifecycle state machine: before initialization
// only initialize is accepted; between the initialize response and the
// initialized notification only ping and shutdown pass; terminated sessions
// accept shutdown (a no-op) and nothing else.
func checkPhase(phase Phase, method string) error {
	switch phase {
	case PhaseUninitialized:
		if method != methodInitialize {
			return jsonrpc.Errorf(jsonrpc.CodeServerNotInitialized, "method %q called before initialize", method)
		}
	case PhaseInitializing:
		switch method {
		case methodPing, methodShutdown:
		default:
			return jsonrpc.Errorf(jsonrpc.CodeServerNotInitialized, "method %q called before the initialized notification", method)
		}
	case PhaseReady:
		if method == methodInitialize {
			return jsonrpc.Errorf(jsonrpc.CodeInvalidRequest, "session already initialized")
		}
	case PhaseTerminated:
		if method != methodShutdown {
			return jsonrpc.Errorf(jsonrpc.CodeSessionNotFound, "session terminated")
		}
	}
	return nil
}

// dispatchMethod is the innermost MethodHandler, running after the
// middleware chain.
func (s *Server) dispatchMethod(ctx context.Context, req *Request) (any, error) {
	switch req.Method {
	case methodInitialize:
		return s.handleInitialize(ctx, req)
	case methodPing:
		return emptyResult{}, nil
	case methodShutdown:
		s.broker.terminate(ctx, req.Session, "shutdown requested")
		return emptyResult{}, nil
	case methodSetLoggingLevel:
		return s.handleSetLoggingLevel(ctx, req)
	case methodListTools:
		params, err := decodeParams[ListToolsParams](req.Params)
		if err != nil {
			return nil, err
		}
		return s.registry.listTools(params.Cursor, s.opts.PageSize)
	case methodCallTool:
		return s.handleCallTool(ctx, req)
	case methodListResources:
		params, err := decodeParams[ListResourcesParams](req.Params)
		if err != nil {
			return nil, err
		}
		return s.registry.listResources(params.Cursor, s.opts.PageSize)
	case methodListResourceTemplates:
		params, err := decodeParams[ListResourceTemplatesParams](req.Params)
		if err != nil {
			return nil, err
		}
		return s.registry.listResourceTemplates(params.Cursor, s.opts.PageSize)
	case methodReadResource:
		return s.handleReadResource(ctx, req)
	case methodSubscribeResource:
		return s.handleSubscribe(ctx, req, true)
	case methodUnsubscribeResource:
		return s.handleSubscribe(ctx, req, false)
	case methodListPrompts:
		params, err := decodeParams[ListPromptsParams](req.Params)
		if err != nil {
			return nil, err
		}
		return s.registry.listPrompts(params.Cursor, s.opts.PageSize)
	case methodGetPrompt:
		return s.handleGetPrompt(ctx, req)
	case notificationInitialized:
		return nil, s.handleInitialized(ctx, req)
	case notificationCancelled:
		params, err := decodeParams[CancelledParams](req.Params)
		if err != nil {
			return nil, err
		}
		req.Session.cancelInflight(idFromWire(params.RequestID))
		return nil, nil
	case notificationProgress:
		// Client-side progress for server-initiated requests; accepted and
		// currently dropped.
		return nil, nil
	default:
		if req.IsNotification() {
			// Unknown notifications are fire-and-forget.
			return nil, nil
		}
		return nil, jsonrpc.Errorf(jsonrpc.CodeMethodNotFound, "method %q not found", req.Method)
	}
}

func (s *Server) handleInitialize(ctx context.Context, req *Request) (any, error) {
	params, err := decodeParams[InitializeParams](req.Params)
	if err != nil {
		return nil, err
	}
	version, err := s.negotiateVersion(params.ProtocolVersion)
	if err != nil {
		return nil, err
	}
	ss := req.Session
	ss.mu.Lock()
	ss.state.Phase = PhaseInitializing
	ss.state.ProtocolVersion = version
	ss.state.ClientInfo = params.ClientInfo
	ss.state.Capabilities = params.Capabilities
	ss.mu.Unlock()
	if err := ss.persist(ctx); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	return &InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      &Implementation{Name: s.opts.Name, Version: s.opts.Version},
		Capabilities:    s.capabilities(),
		Instructions:    s.opts.Instructions,
	}, nil
}

func (s *Server) handleInitialized(ctx context.Context, req *Request) error {
	ss := req.Session
	ss.mu.Lock()
	if ss.state.Phase != PhaseInitializing {
		phase := ss.state.Phase
		ss.mu.Unlock()
		return jsonrpc.Errorf(jsonrpc.CodeInvalidRequest, "initialized notification in phase %s", phase)
	}
	ss.state.Phase = PhaseReady
	ss.mu.Unlock()
	return ss.persist(ctx)
}

func (s *Server) handleSetLoggingLevel(ctx context.Context, req *Request) (any, error) {
	params, err := decodeParams[SetLoggingLevelParams](req.Params)
	if err != nil {
		return nil, err
	}
	if _, ok := loggingLevelRank[params.Level]; !ok {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "unknown logging level %q", params.Level)
	}
	ss := req.Session
	ss.mu.Lock()
	ss.state.LogLevel = params.Level
	ss.mu.Unlock()
	if err := ss.persist(ctx); err != nil {
		return nil, err
	}
	return emptyResult{}, nil
}

func (s *Server) handleCallTool(ctx context.Context, req *Request) (any, error) {
	params, err := decodeParams[CallToolParams](req.Params)
	if err != nil {
		return nil, err
	}
	st := s.registry.tool(params.Name)
	if st == nil {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "unknown tool %q", params.Name)
	}
	if err := st.validate(params.Arguments); err != nil {
		return nil, err
	}
	tc := s.newHandlerContext(ctx, req, params.ProgressToken())
	defer tc.expire()
	res, err := st.handler(ctx, tc, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, jsonrpc.Errorf(jsonrpc.CodeCancelled, "tool %q cancelled", params.Name)
		}
		// Tool-level failures are surfaced in-band so the model can see
		// them.
		return &CallToolResult{
			Content: []*Content{TextContent(err.Error())},
			IsError: true,
		}, nil
	}
	return res, nil
}

func (s *Server) handleReadResource(ctx context.Context, req *Request) (any, error) {
	params, err := decodeParams[ReadResourceParams](req.Params)
	if err != nil {
		return nil, err
	}
	h := s.registry.resourceHandler(params.URI)
	if h == nil {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "unknown resource %q", params.URI)
	}
	tc := s.newHandlerContext(ctx, req, params.ProgressToken())
	defer tc.expire()
	return h(ctx, tc, params)
}

func (s *Server) handleSubscribe(ctx context.Context, req *Request, subscribe bool) (any, error) {
	params, err := decodeParams[SubscribeParams](req.Params)
	if err != nil {
		return nil, err
	}
	ss := req.Session
	ss.mu.Lock()
	subs := ss.state.Subscriptions[:0:0]
	for _, uri := range ss.state.Subscriptions {
		if uri != params.URI {
			subs = append(subs, uri)
		}
	}
	if subscribe {
		subs = append(subs, params.URI)
	}
	ss.state.Subscriptions = subs
	ss.mu.Unlock()
	if err := ss.persist(ctx); err != nil {
		return nil, err
	}
	return emptyResult{}, nil
}

func (s *Server) handleGetPrompt(ctx context.Context, req *Request) (any, error) {
	params, err := decodeParams[GetPromptParams](req.Params)
	if err != nil {
		return nil, err
	}
	sp := s.registry.prompt(params.Name)
	if sp == nil {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "unknown prompt %q", params.Name)
	}
	if err := sp.checkArguments(params.Arguments); err != nil {
		return nil, err
	}
	tc := s.newHandlerContext(ctx, req, params.ProgressToken())
	defer tc.expire()
	return sp.handler(ctx, tc, params)
}

// decodeParams decodes raw params into T. Nil params decode to the zero
// value, as every method with optional params permits.
func decodeParams[T any](raw json.RawMessage) (*T, error) {
	var params T
	if len(raw) == 0 {
		return &params, nil
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "decoding params: %v", err)
	}
	return &params, nil
}

// idFromWire converts the loosely-typed requestId of a cancellation
// notification into a jsonrpc.ID.
func idFromWire(v any) jsonrpc.ID {
	switch v := v.(type) {
	case string:
		return jsonrpc.StringID(v)
	case float64:
		return jsonrpc.Int64ID(int64(v))
	case int64:
		return jsonrpc.Int64ID(v)
	case int:
		return jsonrpc.Int64ID(int64(v))
	}
	return jsonrpc.ID{}
}
