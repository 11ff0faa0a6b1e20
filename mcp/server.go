// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mcpgrid/mcpgrid/jsonrpc"
)

// Defaults for ServerOptions fields left zero.
const (
	DefaultIdleTimeout       = 30 * time.Minute
	DefaultEvictionInterval  = 30 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultOutboundTimeout   = 60 * time.Second
	DefaultTerminatedGrace   = time.Minute
	DefaultPageSize          = 100
)

// ServerOptions configures a Server. The zero value is usable: it yields an
// in-memory single-node server with the defaults above.
type ServerOptions struct {
	// Name and Version identify the server to clients.
	Name    string
	Version string
	// Instructions hint to clients how the server should be used.
	Instructions string

	// IdleTimeout evicts sessions with no activity for this long.
	IdleTimeout time.Duration
	// EvictionInterval is the period of the idle-eviction sweep.
	EvictionInterval time.Duration
	// HeartbeatInterval is the period of stream keep-alive comments.
	HeartbeatInterval time.Duration
	// OutboundTimeout bounds each server-to-client call.
	OutboundTimeout time.Duration
	// TerminatedGrace keeps terminated-session tombstones so a repeated
	// shutdown succeeds as a no-op.
	TerminatedGrace time.Duration

	// ProtocolVersions restricts the accepted protocol versions. Empty
	// means all versions this package supports.
	ProtocolVersions []string

	// SessionStore persists session state; nil means in-memory.
	SessionStore SessionStore
	// StreamManager buffers per-session outbound delivery; nil means
	// in-memory.
	StreamManager StreamManager
	// Middleware runs around every dispatched message, in registration
	// order inbound and reverse order outbound.
	Middleware []Middleware

	// PageSize bounds list results per page.
	PageSize int
	// Logger receives server diagnostics; nil discards them.
	Logger log.Logger
	// Registerer receives server metrics; nil disables registration.
	Registerer prometheus.Registerer
}

// A Server is an MCP protocol server: it holds the registry of tools,
// resources and prompts, brokers sessions, and dispatches JSON-RPC messages
// delivered by a transport.
//
// A single Server value serves many concurrent sessions. Connect it to HTTP
// with NewStreamableHTTPHandler.
type Server struct {
	opts     ServerOptions
	logger   log.Logger
	store    SessionStore
	streams  StreamManager
	registry *registry
	broker   *sessionBroker
	metrics  *serverMetrics

	// dispatch is the middleware-wrapped method dispatcher.
	dispatch MethodHandler

	stop context.CancelFunc
}

// NewServer returns a Server configured by opts (which may be nil) and
// starts its background eviction loop. Call Close to release it.
func NewServer(opts *ServerOptions) *Server {
	var o ServerOptions
	if opts != nil {
		o = *opts
	}
	if o.Name == "" {
		o.Name = "mcpgrid"
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.EvictionInterval <= 0 {
		o.EvictionInterval = DefaultEvictionInterval
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.OutboundTimeout <= 0 {
		o.OutboundTimeout = DefaultOutboundTimeout
	}
	if o.TerminatedGrace <= 0 {
		o.TerminatedGrace = DefaultTerminatedGrace
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if len(o.ProtocolVersions) == 0 {
		o.ProtocolVersions = supportedProtocolVersions
	}

	s := &Server{
		opts:     o,
		logger:   o.Logger,
		store:    o.SessionStore,
		streams:  o.StreamManager,
		registry: newRegistry(),
		metrics:  newServerMetrics(o.Registerer),
	}
	if s.logger == nil {
		s.logger = log.NewNopLogger()
	}
	if s.store == nil {
		s.store = NewMemorySessionStore()
	}
	if s.streams == nil {
		s.streams = NewMemoryStreamManager(0)
	}
	s.broker = newSessionBroker(s)
	s.registry.onChanged = s.notifyListChanged

	// Build the onion: middleware in registration order inbound, reverse
	// order outbound.
	h := s.dispatchMethod
	for i := len(o.Middleware) - 1; i >= 0; i-- {
		h = o.Middleware[i](h)
	}
	s.dispatch = h

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	go s.broker.run(ctx)
	return s
}

// Close stops the server's background work. Live sessions remain in the
// store and can be resumed by another server sharing it.
func (s *Server) Close() error {
	s.stop()
	return nil
}

// storeTTL is the store-level session lifetime: the idle timeout plus the
// grace window, so distributed eviction lags local eviction rather than
// racing it.
func (s *Server) storeTTL() time.Duration {
	return s.opts.IdleTimeout + s.opts.TerminatedGrace
}

// capabilities derives the advertised server capabilities from the registry
// contents.
func (s *Server) capabilities() *ServerCapabilities {
	caps := &ServerCapabilities{
		Logging: &LoggingCapability{},
	}
	if s.registry.countTools() > 0 {
		caps.Tools = &ToolCapabilities{ListChanged: true}
	}
	if s.registry.countResources() > 0 {
		caps.Resources = &ResourceCapabilities{Subscribe: true, ListChanged: true}
	}
	if s.registry.countPrompts() > 0 {
		caps.Prompts = &PromptCapabilities{ListChanged: true}
	}
	return caps
}

// negotiateVersion selects the protocol version for a session: the client's
// requested version when supported, otherwise the newest supported version
// if the requested one is newer than every supported version. An older
// unsupported version fails the initialize call.
func (s *Server) negotiateVersion(requested string) (string, error) {
	for _, v := range s.opts.ProtocolVersions {
		if v == requested {
			return v, nil
		}
	}
	// Downgrade offers are only meaningful when the client asked for
	// something newer than we know; an older unknown version has no
	// intersection with the supported set.
	if requested > s.opts.ProtocolVersions[0] {
		return s.opts.ProtocolVersions[0], nil
	}
	return "", jsonrpc.Errorf(jsonrpc.CodeInvalidParams,
		"unsupported protocol version %q (supported: %v)", requested, s.opts.ProtocolVersions)
}

// SendNotification publishes a notification on the identified session's
// outbound stream. The session need not be connected to this node: with a
// shared stream manager the event reaches whichever node holds the client's
// stream.
func (s *Server) SendNotification(ctx context.Context, sessionID, method string, params any) error {
	ss, err := s.broker.lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	return ss.notify(ctx, method, params)
}

// NotifyResourceUpdated publishes notifications/resources/updated to every
// locally-attached session subscribed to uri.
func (s *Server) NotifyResourceUpdated(ctx context.Context, uri string) {
	s.eachLocalSession(func(ss *ServerSession) {
		state := ss.State()
		for _, sub := range state.Subscriptions {
			if sub == uri {
				if err := ss.notify(ctx, notificationResourceUpdated, &ResourceUpdatedParams{URI: uri}); err != nil {
					logError(s.logger, "notify resource updated", "session", ss.id, "err", err)
				}
				return
			}
		}
	})
}

// notifyListChanged fans a */list_changed notification out to every
// locally-attached Ready session. It does not filter by negotiated protocol
// version or by capabilities.
func (s *Server) notifyListChanged(method string) {
	ctx := context.Background()
	s.eachLocalSession(func(ss *ServerSession) {
		if ss.Phase() != PhaseReady {
			return
		}
		if err := ss.notify(ctx, method, struct{}{}); err != nil {
			logError(s.logger, "notify list changed", "session", ss.id, "method", method, "err", err)
		}
	})
}

func (s *Server) eachLocalSession(f func(*ServerSession)) {
	s.broker.mu.Lock()
	sessions := make([]*ServerSession, 0, len(s.broker.local))
	for _, ss := range s.broker.local {
		sessions = append(sessions, ss)
	}
	s.broker.mu.Unlock()
	for _, ss := range sessions {
		f(ss)
	}
}

// AddTool registers a tool whose handler receives raw params. The tool must
// carry an input schema; arguments are validated against it before the
// handler runs. Registering a name twice panics.
func (s *Server) AddTool(t *Tool, h ToolHandler) {
	if err := s.registry.addTool(t, h); err != nil {
		panic(fmt.Sprintf("mcp: %v", err))
	}
}

// RemoveTool removes a registered tool. Removing an absent name is a no-op.
func (s *Server) RemoveTool(name string) { s.registry.removeTool(name) }

// AddResource registers a fixed resource.
func (s *Server) AddResource(r *Resource, h ResourceHandler) {
	if err := s.registry.addResource(r, h); err != nil {
		panic(fmt.Sprintf("mcp: %v", err))
	}
}

// AddResourceTemplate registers a parameterized resource family. The
// handler serves every URI matching the RFC 6570 template.
func (s *Server) AddResourceTemplate(t *ResourceTemplate, h ResourceHandler) {
	if err := s.registry.addResourceTemplate(t, h); err != nil {
		panic(fmt.Sprintf("mcp: %v", err))
	}
}

// RemoveResource removes a registered resource by URI.
func (s *Server) RemoveResource(uri string) { s.registry.removeResource(uri) }

// AddPrompt registers a prompt.
func (s *Server) AddPrompt(p *Prompt, h PromptHandler) {
	if err := s.registry.addPrompt(p, h); err != nil {
		panic(fmt.Sprintf("mcp: %v", err))
	}
}

// RemovePrompt removes a registered prompt.
func (s *Server) RemovePrompt(name string) { s.registry.removePrompt(name) }

// mustMarshal is for values the package controls, whose encoding cannot
// fail.
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
