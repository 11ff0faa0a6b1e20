// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mcpgrid/mcpgrid/jsonrpc"
)

func testServer(t *testing.T, opts *ServerOptions) *Server {
	t.Helper()
	if opts == nil {
		opts = &ServerOptions{}
	}
	if opts.Name == "" {
		opts.Name = "testserver"
	}
	if opts.Version == "" {
		opts.Version = "0.1.0"
	}
	s := NewServer(opts)
	t.Cleanup(func() { s.Close() })
	return s
}

func addEchoTool(s *Server) {
	AddTool(s, &Tool{
		Name:        "echo",
		Description: "echo a message",
	}, func(ctx context.Context, tc *Context, args struct {
		Message string `json:"message"`
	}) (*CallToolResult, error) {
		return &CallToolResult{Content: []*Content{TextContent("Echo: " + args.Message)}}, nil
	})
}

// handle dispatches one message and fails the test on transport-level
// errors.
func handle(t *testing.T, s *Server, ss *ServerSession, msg jsonrpc.Message) *jsonrpc.Response {
	t.Helper()
	resp, err := s.handleMessage(context.Background(), ss, msg)
	if err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	return resp
}

func request(id int64, method string, params any) *jsonrpc.Request {
	req := &jsonrpc.Request{Method: method}
	if id != 0 {
		req.ID = jsonrpc.Int64ID(id)
	}
	if params != nil {
		req.Params = mustMarshal(params)
	}
	return req
}

// initSession creates a session and walks it to Ready.
func initSession(t *testing.T, s *Server, caps *ClientCapabilities) *ServerSession {
	t.Helper()
	ss, err := s.broker.create(context.Background())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	resp := handle(t, s, ss, request(1, methodInitialize, &InitializeParams{
		ProtocolVersion: "2025-11-25",
		ClientInfo:      &Implementation{Name: "t", Version: "1"},
		Capabilities:    caps,
	}))
	if resp.Error != nil {
		t.Fatalf("initialize failed: %v", resp.Error)
	}
	handle(t, s, ss, request(0, notificationInitialized, nil))
	if got := ss.Phase(); got != PhaseReady {
		t.Fatalf("phase after initialized = %v, want %v", got, PhaseReady)
	}
	return ss
}

func decodeResult[T any](t *testing.T, resp *jsonrpc.Response) *T {
	t.Helper()
	if resp == nil {
		t.Fatal("nil response")
	}
	if resp.Error != nil {
		t.Fatalf("response error: %v", resp.Error)
	}
	var out T
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return &out
}

func TestInitializeHappyPath(t *testing.T) {
	s := testServer(t, nil)
	addEchoTool(s)
	ss, err := s.broker.create(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	resp := handle(t, s, ss, request(1, methodInitialize, &InitializeParams{
		ProtocolVersion: "2025-11-25",
		ClientInfo:      &Implementation{Name: "t", Version: "1"},
		Capabilities:    &ClientCapabilities{},
	}))
	res := decodeResult[InitializeResult](t, resp)
	if res.ServerInfo.Name != "testserver" {
		t.Errorf("serverInfo.name = %q, want testserver", res.ServerInfo.Name)
	}
	if res.ProtocolVersion != "2025-11-25" {
		t.Errorf("protocolVersion = %q", res.ProtocolVersion)
	}
	if res.Capabilities.Tools == nil {
		t.Error("capabilities.tools missing despite registered tool")
	}
	if got := ss.Phase(); got != PhaseInitializing {
		t.Errorf("phase after initialize = %v, want %v", got, PhaseInitializing)
	}
	handle(t, s, ss, request(0, notificationInitialized, nil))
	if got := ss.Phase(); got != PhaseReady {
		t.Errorf("phase after initialized = %v, want %v", got, PhaseReady)
	}
}

func TestVersionNegotiation(t *testing.T) {
	tests := []struct {
		requested string
		want      string
		wantErr   bool
	}{
		{"2025-11-25", "2025-11-25", false},
		{"2025-03-26", "2025-03-26", false},
		{"2099-01-01", "2025-11-25", false}, // newer than we know: offer newest
		{"1999-01-01", "", true},            // older than we support: no intersection
	}
	s := testServer(t, nil)
	for _, tt := range tests {
		got, err := s.negotiateVersion(tt.requested)
		if tt.wantErr {
			if err == nil {
				t.Errorf("negotiateVersion(%q) succeeded with %q, want error", tt.requested, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("negotiateVersion(%q): %v", tt.requested, err)
		} else if got != tt.want {
			t.Errorf("negotiateVersion(%q) = %q, want %q", tt.requested, got, tt.want)
		}
	}
}

func TestMethodBeforeInitialize(t *testing.T) {
	s := testServer(t, nil)
	ss, err := s.broker.create(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	resp := handle(t, s, ss, request(1, methodListTools, nil))
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeServerNotInitialized {
		t.Errorf("tools/list before initialize: %v, want ServerNotInitialized", resp.Error)
	}
}

func TestMethodDuringInitializing(t *testing.T) {
	s := testServer(t, nil)
	ss, err := s.broker.create(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	handle(t, s, ss, request(1, methodInitialize, &InitializeParams{ProtocolVersion: "2025-11-25"}))

	if resp := handle(t, s, ss, request(2, methodListTools, nil)); resp.Error == nil || resp.Error.Code != jsonrpc.CodeServerNotInitialized {
		t.Errorf("tools/list during Initializing: %v, want ServerNotInitialized", resp.Error)
	}
	// ping is allowed before the initialized notification.
	if resp := handle(t, s, ss, request(3, methodPing, nil)); resp.Error != nil {
		t.Errorf("ping during Initializing: %v", resp.Error)
	}
}

func TestPing(t *testing.T) {
	s := testServer(t, nil)
	ss := initSession(t, s, nil)
	resp := handle(t, s, ss, request(2, methodPing, nil))
	if resp.Error != nil {
		t.Fatalf("ping: %v", resp.Error)
	}
	if diff := cmp.Diff(json.RawMessage(`{}`), resp.Result); diff != "" {
		t.Errorf("ping result (-want +got):\n%s", diff)
	}
}

func TestToolEcho(t *testing.T) {
	s := testServer(t, nil)
	addEchoTool(s)
	ss := initSession(t, s, nil)
	resp := handle(t, s, ss, request(2, methodCallTool, &CallToolParams{
		Name:      "echo",
		Arguments: json.RawMessage(`{"message":"hi"}`),
	}))
	res := decodeResult[CallToolResult](t, resp)
	want := []*Content{TextContent("Echo: hi")}
	if diff := cmp.Diff(want, res.Content); diff != "" {
		t.Errorf("tool content (-want +got):\n%s", diff)
	}
	if res.IsError {
		t.Error("IsError set on success")
	}
}

func TestToolInvalidArguments(t *testing.T) {
	s := testServer(t, nil)
	addEchoTool(s)
	ss := initSession(t, s, nil)
	resp := handle(t, s, ss, request(2, methodCallTool, &CallToolParams{
		Name:      "echo",
		Arguments: json.RawMessage(`{"message":42}`),
	}))
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeInvalidParams {
		t.Errorf("invalid arguments: %v, want InvalidParams", resp.Error)
	}
}

func TestUnknownMethod(t *testing.T) {
	s := testServer(t, nil)
	ss := initSession(t, s, nil)
	resp := handle(t, s, ss, request(2, "wat/isthis", nil))
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeMethodNotFound {
		t.Errorf("unknown method: %v, want MethodNotFound", resp.Error)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	s := testServer(t, nil)
	ss := initSession(t, s, nil)

	if resp := handle(t, s, ss, request(2, methodShutdown, nil)); resp.Error != nil {
		t.Fatalf("shutdown: %v", resp.Error)
	}
	if got := ss.Phase(); got != PhaseTerminated {
		t.Fatalf("phase after shutdown = %v", got)
	}
	// A second shutdown is a no-op success.
	if resp := handle(t, s, ss, request(3, methodShutdown, nil)); resp.Error != nil {
		t.Errorf("second shutdown: %v", resp.Error)
	}
	// Anything else on the terminated session fails.
	if resp := handle(t, s, ss, request(4, methodListTools, nil)); resp.Error == nil || resp.Error.Code != jsonrpc.CodeSessionNotFound {
		t.Errorf("tools/list after shutdown: %v, want SessionNotFound", resp.Error)
	}
	// The broker no longer resolves the session.
	if _, err := s.broker.lookup(context.Background(), ss.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("lookup after shutdown: %v, want ErrSessionNotFound", err)
	}
}

func TestIdleEviction(t *testing.T) {
	s := testServer(t, &ServerOptions{IdleTimeout: time.Nanosecond})
	ss := initSession(t, s, nil)
	time.Sleep(10 * time.Millisecond)
	s.broker.sweep(context.Background())
	if got := ss.Phase(); got != PhaseTerminated {
		t.Fatalf("phase after sweep = %v, want %v", got, PhaseTerminated)
	}
	// A second sweep leaves the evicted session terminated.
	terminated := ss.State().Phase
	s.broker.sweep(context.Background())
	if got := ss.State().Phase; got != terminated {
		t.Errorf("second sweep changed phase to %v", got)
	}
	if _, err := s.broker.lookup(context.Background(), ss.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("lookup after eviction: %v, want ErrSessionNotFound", err)
	}
}

func TestCapabilityGating(t *testing.T) {
	mgr := NewMemoryStreamManager(0)
	s := testServer(t, &ServerOptions{StreamManager: mgr})
	AddTool(s, &Tool{Name: "gated", Description: "needs sampling"},
		func(ctx context.Context, tc *Context, args struct{}) (*CallToolResult, error) {
			_, err := tc.Sample(ctx, &CreateMessageParams{MaxTokens: 10})
			var cerr *CapabilityError
			if errors.As(err, &cerr) {
				return &CallToolResult{Content: []*Content{TextContent("fallback: " + cerr.Capability)}}, nil
			}
			if err != nil {
				return nil, err
			}
			return &CallToolResult{Content: []*Content{TextContent("sampled")}}, nil
		})

	// No sampling capability advertised.
	ss := initSession(t, s, &ClientCapabilities{})
	resp := handle(t, s, ss, request(2, methodCallTool, &CallToolParams{Name: "gated"}))
	res := decodeResult[CallToolResult](t, resp)
	if got := res.Content[0].Text; got != "fallback: sampling" {
		t.Errorf("content = %q, want fallback", got)
	}
	// The client must never have seen a sampling/createMessage request.
	mgr.mu.Lock()
	st := mgr.streams[ss.ID()]
	var events int
	if st != nil {
		events = len(st.events)
	}
	mgr.mu.Unlock()
	if events != 0 {
		t.Errorf("outbound stream has %d events, want 0", events)
	}
}

func TestSamplingRoundTrip(t *testing.T) {
	mgr := NewMemoryStreamManager(0)
	s := testServer(t, &ServerOptions{StreamManager: mgr})
	AddTool(s, &Tool{Name: "asker", Description: "asks the model"},
		func(ctx context.Context, tc *Context, args struct{}) (*CallToolResult, error) {
			res, err := tc.Sample(ctx, &CreateMessageParams{MaxTokens: 16})
			if err != nil {
				return nil, err
			}
			return &CallToolResult{Content: []*Content{TextContent("model: " + res.Model)}}, nil
		})
	ss := initSession(t, s, &ClientCapabilities{Sampling: &SamplingCapability{}})

	// Play the client side of the stream: answer the sampling request.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := mgr.Subscribe(ctx, ss.ID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	go func() {
		ev, ok := <-sub.Events()
		if !ok {
			return
		}
		msg, err := jsonrpc.DecodeMessage(ev.Data)
		if err != nil {
			return
		}
		req, ok := msg.(*jsonrpc.Request)
		if !ok || req.Method != methodCreateMessage {
			return
		}
		s.handleMessage(ctx, ss, &jsonrpc.Response{
			ID: req.ID,
			Result: mustMarshal(&CreateMessageResult{
				Role:    RoleAssistant,
				Content: TextContent("sure"),
				Model:   "test-model-1",
			}),
		})
	}()

	resp := handle(t, s, ss, request(2, methodCallTool, &CallToolParams{Name: "asker"}))
	res := decodeResult[CallToolResult](t, resp)
	if got := res.Content[0].Text; got != "model: test-model-1" {
		t.Errorf("content = %q", got)
	}
	// The pending arena must be empty again.
	ss.mu.Lock()
	pending := len(ss.pending)
	ss.mu.Unlock()
	if pending != 0 {
		t.Errorf("pending outbound entries = %d, want 0", pending)
	}
}

func TestOutboundTimeout(t *testing.T) {
	s := testServer(t, &ServerOptions{OutboundTimeout: 30 * time.Millisecond})
	var sampleErr error
	AddTool(s, &Tool{Name: "slowclient", Description: "never answered"},
		func(ctx context.Context, tc *Context, args struct{}) (*CallToolResult, error) {
			_, sampleErr = tc.Sample(ctx, &CreateMessageParams{MaxTokens: 1})
			return &CallToolResult{Content: []*Content{TextContent("done")}}, nil
		})
	ss := initSession(t, s, &ClientCapabilities{Sampling: &SamplingCapability{}})

	handle(t, s, ss, request(2, methodCallTool, &CallToolParams{Name: "slowclient"}))
	if code := jsonrpc.ErrorCode(sampleErr); code != jsonrpc.CodeRequestTimeout {
		t.Errorf("sample error code = %d (%v), want RequestTimeout", code, sampleErr)
	}
	ss.mu.Lock()
	pending := len(ss.pending)
	ss.mu.Unlock()
	if pending != 0 {
		t.Errorf("pending outbound entries = %d, want 0 after timeout", pending)
	}
}

func TestCancellation(t *testing.T) {
	s := testServer(t, nil)
	started := make(chan struct{})
	AddTool(s, &Tool{Name: "slow", Description: "waits for cancellation"},
		func(ctx context.Context, tc *Context, args struct{}) (*CallToolResult, error) {
			close(started)
			select {
			case <-tc.Cancelled():
				return nil, fmt.Errorf("aborted")
			case <-time.After(5 * time.Second):
				return nil, fmt.Errorf("never cancelled")
			}
		})
	ss := initSession(t, s, nil)

	done := make(chan *jsonrpc.Response, 1)
	go func() {
		resp, _ := s.handleMessage(context.Background(), ss, request(7, methodCallTool, &CallToolParams{Name: "slow"}))
		done <- resp
	}()
	<-started
	handle(t, s, ss, request(0, notificationCancelled, &CancelledParams{RequestID: 7}))

	select {
	case resp := <-done:
		if resp.Error == nil || resp.Error.Code != jsonrpc.CodeCancelled {
			t.Errorf("cancelled request response: %v, want Cancelled", resp.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request 7 did not complete after cancellation")
	}
}

func TestContextExpiry(t *testing.T) {
	s := testServer(t, nil)
	var escaped *Context
	AddTool(s, &Tool{Name: "leaky", Description: "leaks its context"},
		func(ctx context.Context, tc *Context, args struct{}) (*CallToolResult, error) {
			escaped = tc
			return &CallToolResult{Content: []*Content{TextContent("ok")}}, nil
		})
	ss := initSession(t, s, &ClientCapabilities{Sampling: &SamplingCapability{}})
	handle(t, s, ss, request(2, methodCallTool, &CallToolParams{Name: "leaky"}))

	if _, err := escaped.Sample(context.Background(), &CreateMessageParams{}); !errors.Is(err, ErrContextExpired) {
		t.Errorf("Sample after handler return: %v, want ErrContextExpired", err)
	}
	if err := escaped.ReportProgress(context.Background(), 1, 0); !errors.Is(err, ErrContextExpired) {
		t.Errorf("ReportProgress after handler return: %v, want ErrContextExpired", err)
	}
}

func TestProgressNotification(t *testing.T) {
	mgr := NewMemoryStreamManager(0)
	s := testServer(t, &ServerOptions{StreamManager: mgr})
	AddTool(s, &Tool{Name: "worker", Description: "reports progress"},
		func(ctx context.Context, tc *Context, args struct{}) (*CallToolResult, error) {
			if err := tc.ReportProgress(ctx, 0.5, 1); err != nil {
				return nil, err
			}
			return &CallToolResult{Content: []*Content{TextContent("ok")}}, nil
		})
	ss := initSession(t, s, nil)

	resp := handle(t, s, ss, &jsonrpc.Request{
		ID:     jsonrpc.Int64ID(2),
		Method: methodCallTool,
		Params: mustMarshal(map[string]any{
			"name":  "worker",
			"_meta": map[string]any{"progressToken": "tok-1"},
		}),
	})
	if resp.Error != nil {
		t.Fatalf("tools/call: %v", resp.Error)
	}

	sub, err := mgr.Subscribe(context.Background(), ss.ID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	select {
	case ev := <-sub.Events():
		msg, err := jsonrpc.DecodeMessage(ev.Data)
		if err != nil {
			t.Fatal(err)
		}
		req := msg.(*jsonrpc.Request)
		if req.Method != notificationProgress {
			t.Fatalf("stream event method = %q", req.Method)
		}
		var params ProgressParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			t.Fatal(err)
		}
		if params.ProgressToken != "tok-1" || params.Progress != 0.5 {
			t.Errorf("progress params = %+v", params)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no progress notification on stream")
	}
}

func TestSetLoggingLevelFiltersLogs(t *testing.T) {
	mgr := NewMemoryStreamManager(0)
	s := testServer(t, &ServerOptions{StreamManager: mgr})
	AddTool(s, &Tool{Name: "chatty", Description: "logs twice"},
		func(ctx context.Context, tc *Context, args struct{}) (*CallToolResult, error) {
			tc.Log(ctx, LevelDebug, "noise", "")
			tc.Log(ctx, LevelError, "signal", "")
			return &CallToolResult{Content: []*Content{TextContent("ok")}}, nil
		})
	ss := initSession(t, s, nil)
	if resp := handle(t, s, ss, request(2, methodSetLoggingLevel, &SetLoggingLevelParams{Level: LevelWarning})); resp.Error != nil {
		t.Fatalf("logging/setLevel: %v", resp.Error)
	}
	handle(t, s, ss, request(3, methodCallTool, &CallToolParams{Name: "chatty"}))

	mgr.mu.Lock()
	st := mgr.streams[ss.ID()]
	var methods []string
	if st != nil {
		for _, ev := range st.events {
			msg, err := jsonrpc.DecodeMessage(ev.Data)
			if err == nil {
				if req, ok := msg.(*jsonrpc.Request); ok {
					var params LoggingMessageParams
					json.Unmarshal(req.Params, &params)
					methods = append(methods, fmt.Sprintf("%s/%v", req.Method, params.Data))
				}
			}
		}
	}
	mgr.mu.Unlock()
	want := []string{"notifications/message/signal"}
	if diff := cmp.Diff(want, methods); diff != "" {
		t.Errorf("logged stream events (-want +got):\n%s", diff)
	}
}

func TestListToolsPagination(t *testing.T) {
	s := testServer(t, &ServerOptions{PageSize: 2})
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		AddTool(s, &Tool{Name: name, Description: name},
			func(ctx context.Context, tc *Context, args struct{}) (*CallToolResult, error) {
				return &CallToolResult{}, nil
			})
	}
	ss := initSession(t, s, nil)

	var names []string
	cursor := ""
	for range 10 {
		resp := handle(t, s, ss, request(2, methodListTools, &ListToolsParams{Cursor: cursor}))
		res := decodeResult[ListToolsResult](t, resp)
		for _, tool := range res.Tools {
			names = append(names, tool.Name)
		}
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	want := []string{"a", "b", "c", "d", "e"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("paginated tools (-want +got):\n%s", diff)
	}

	// An unchanged registry returns the same first page.
	resp := handle(t, s, ss, request(3, methodListTools, nil))
	res := decodeResult[ListToolsResult](t, resp)
	if got := len(res.Tools); got != 2 {
		t.Errorf("first page size = %d, want 2", got)
	}
	if res.Tools[0].Name != "a" || res.Tools[1].Name != "b" {
		t.Errorf("first page = %v", []string{res.Tools[0].Name, res.Tools[1].Name})
	}
}

func TestUserContextVisibleToHandlers(t *testing.T) {
	inject := func(next MethodHandler) MethodHandler {
		return func(ctx context.Context, req *Request) (any, error) {
			if err := req.Session.SetUserValue("who", "alice"); err != nil {
				return nil, err
			}
			return next(ctx, req)
		}
	}
	s := testServer(t, &ServerOptions{Middleware: []Middleware{inject}})
	AddTool(s, &Tool{Name: "whoami", Description: "reads the principal"},
		func(ctx context.Context, tc *Context, args struct{}) (*CallToolResult, error) {
			var who string
			if _, err := tc.UserValue("who", &who); err != nil {
				return nil, err
			}
			return &CallToolResult{Content: []*Content{TextContent(who)}}, nil
		})
	ss := initSession(t, s, nil)
	resp := handle(t, s, ss, request(2, methodCallTool, &CallToolParams{Name: "whoami"}))
	res := decodeResult[CallToolResult](t, resp)
	if got := res.Content[0].Text; got != "alice" {
		t.Errorf("user context value = %q, want alice", got)
	}
}
