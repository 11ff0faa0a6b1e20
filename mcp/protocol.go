// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package mcp implements the server side of the Model Context Protocol:
// a JSON-RPC 2.0 engine multiplexing many concurrent client sessions over a
// streamable HTTP transport, with pluggable session stores and stream
// managers for horizontally-scaled deployments.
package mcp

import (
	"encoding/json"
	"time"
)

// Protocol versions supported by this package, newest first.
var supportedProtocolVersions = []string{
	"2025-11-25",
	"2025-06-18",
	"2025-03-26",
	"2024-11-05",
}

// Method names of the protocol surface.
const (
	methodInitialize            = "initialize"
	methodPing                  = "ping"
	methodShutdown              = "shutdown"
	methodSetLoggingLevel       = "logging/setLevel"
	methodListTools             = "tools/list"
	methodCallTool              = "tools/call"
	methodListResources         = "resources/list"
	methodListResourceTemplates = "resources/templates/list"
	methodReadResource          = "resources/read"
	methodSubscribeResource     = "resources/subscribe"
	methodUnsubscribeResource   = "resources/unsubscribe"
	methodListPrompts           = "prompts/list"
	methodGetPrompt             = "prompts/get"

	// Server-to-client requests.
	methodCreateMessage = "sampling/createMessage"
	methodElicit        = "elicitation/create"
	methodListRoots     = "roots/list"

	notificationInitialized         = "notifications/initialized"
	notificationCancelled           = "notifications/cancelled"
	notificationProgress            = "notifications/progress"
	notificationLoggingMessage      = "notifications/message"
	notificationToolListChanged     = "notifications/tools/list_changed"
	notificationResourceListChanged = "notifications/resources/list_changed"
	notificationResourceUpdated     = "notifications/resources/updated"
	notificationPromptListChanged   = "notifications/prompts/list_changed"
)

// An Implementation describes the name and version of an MCP peer.
type Implementation struct {
	Name string `json:"name"`
	// Title is an optional human-readable display name.
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// RootsCapability describes a client's support for roots.
type RootsCapability struct {
	// ListChanged reports whether the client notifies the server when its
	// roots list changes.
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability is present when the client can service
// sampling/createMessage requests.
type SamplingCapability struct{}

// ElicitationCapability is present when the client can service
// elicitation/create requests.
type ElicitationCapability struct{}

// ClientCapabilities are the features a client advertises at initialize
// time. Known capabilities are enumerated here; clients may carry additional
// experimental ones.
type ClientCapabilities struct {
	Experimental map[string]any         `json:"experimental,omitempty"`
	Roots        *RootsCapability       `json:"roots,omitempty"`
	Sampling     *SamplingCapability    `json:"sampling,omitempty"`
	Elicitation  *ElicitationCapability `json:"elicitation,omitempty"`
}

// ToolCapabilities describes the server's tool support.
type ToolCapabilities struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourceCapabilities describes the server's resource support.
type ResourceCapabilities struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// PromptCapabilities describes the server's prompt support.
type PromptCapabilities struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability is present when the server emits notifications/message.
type LoggingCapability struct{}

// ServerCapabilities are the features the server advertises in the
// initialize result. They are derived from the registry contents and server
// policy, and once advertised to a peer they never shrink for the lifetime
// of the session.
type ServerCapabilities struct {
	Logging   *LoggingCapability    `json:"logging,omitempty"`
	Tools     *ToolCapabilities     `json:"tools,omitempty"`
	Resources *ResourceCapabilities `json:"resources,omitempty"`
	Prompts   *PromptCapabilities   `json:"prompts,omitempty"`
}

// InitializeParams is sent by the client to begin a session.
type InitializeParams struct {
	ProtocolVersion string              `json:"protocolVersion"`
	ClientInfo      *Implementation     `json:"clientInfo"`
	Capabilities    *ClientCapabilities `json:"capabilities"`
}

// InitializeResult is the server's reply to initialize.
type InitializeResult struct {
	ProtocolVersion string              `json:"protocolVersion"`
	ServerInfo      *Implementation     `json:"serverInfo"`
	Capabilities    *ServerCapabilities `json:"capabilities"`
	// Instructions hint to the client how the server should be used.
	Instructions string `json:"instructions,omitempty"`
}

// CancelledParams is the payload of notifications/cancelled.
type CancelledParams struct {
	// RequestID identifies the request to cancel. It must refer to a request
	// previously issued in the same direction.
	RequestID any `json:"requestId"`
	// Reason is optional human-readable context for logs.
	Reason string `json:"reason,omitempty"`
}

// ProgressParams is the payload of notifications/progress.
type ProgressParams struct {
	// ProgressToken associates the notification with the originating
	// request.
	ProgressToken any `json:"progressToken"`
	// Progress increases monotonically, even when Total is unknown.
	Progress float64 `json:"progress"`
	// Total is the expected final progress value; zero means unknown.
	Total float64 `json:"total,omitempty"`
	// Message optionally describes the current step.
	Message string `json:"message,omitempty"`
}

// A LoggingLevel is a syslog severity as defined by RFC 5424.
type LoggingLevel string

// Logging levels, least to most severe.
const (
	LevelDebug     LoggingLevel = "debug"
	LevelInfo      LoggingLevel = "info"
	LevelNotice    LoggingLevel = "notice"
	LevelWarning   LoggingLevel = "warning"
	LevelError     LoggingLevel = "error"
	LevelCritical  LoggingLevel = "critical"
	LevelAlert     LoggingLevel = "alert"
	LevelEmergency LoggingLevel = "emergency"
)

var loggingLevelRank = map[LoggingLevel]int{
	LevelDebug: 0, LevelInfo: 1, LevelNotice: 2, LevelWarning: 3,
	LevelError: 4, LevelCritical: 5, LevelAlert: 6, LevelEmergency: 7,
}

// compareLevels returns a negative number if a is less severe than b, zero
// if equal, and positive otherwise. Unknown levels rank lowest.
func compareLevels(a, b LoggingLevel) int {
	return loggingLevelRank[a] - loggingLevelRank[b]
}

// LoggingMessageParams is the payload of notifications/message.
type LoggingMessageParams struct {
	Level LoggingLevel `json:"level"`
	// Logger optionally names the emitting component.
	Logger string `json:"logger,omitempty"`
	// Data is any JSON-serializable payload.
	Data any `json:"data"`
}

// SetLoggingLevelParams is the payload of logging/setLevel.
type SetLoggingLevelParams struct {
	Level LoggingLevel `json:"level"`
}

// A Tool describes a callable tool exposed by the server.
type Tool struct {
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	// InputSchema is a JSON Schema object constraining the tool arguments.
	// Tools registered with AddTool must provide one; typed registration
	// infers it from the argument type.
	InputSchema any `json:"inputSchema"`
	// OutputSchema optionally constrains StructuredContent of the result.
	OutputSchema any `json:"outputSchema,omitempty"`
}

// CallToolParams is the payload of tools/call.
type CallToolParams struct {
	Meta      `json:"_meta,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the server's reply to tools/call.
//
// Tool-level failures are reported with IsError set and the failure text in
// Content, so the model can observe the error and self-correct. Protocol
// failures (unknown tool, invalid arguments) travel as JSON-RPC errors
// instead.
type CallToolResult struct {
	Content           []*Content `json:"content"`
	StructuredContent any        `json:"structuredContent,omitempty"`
	IsError           bool       `json:"isError,omitempty"`
}

// ListToolsParams is the payload of tools/list.
type ListToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult is the server's reply to tools/list.
type ListToolsResult struct {
	Tools      []*Tool `json:"tools"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

// A Resource is a readable item the server exposes.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// A ResourceTemplate describes a parameterized family of resources by an
// RFC 6570 URI template.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// ResourceContents is one chunk of a read resource: either Text or Blob is
// set.
type ResourceContents struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	// Blob holds base64-encoded binary content.
	Blob []byte `json:"blob,omitempty"`
}

// ReadResourceParams is the payload of resources/read.
type ReadResourceParams struct {
	Meta `json:"_meta,omitempty"`
	URI  string `json:"uri"`
}

// ReadResourceResult is the server's reply to resources/read.
type ReadResourceResult struct {
	Contents []*ResourceContents `json:"contents"`
}

// ListResourcesParams is the payload of resources/list.
type ListResourcesParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListResourcesResult is the server's reply to resources/list.
type ListResourcesResult struct {
	Resources  []*Resource `json:"resources"`
	NextCursor string      `json:"nextCursor,omitempty"`
}

// ListResourceTemplatesParams is the payload of resources/templates/list.
type ListResourceTemplatesParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListResourceTemplatesResult is the server's reply to
// resources/templates/list.
type ListResourceTemplatesResult struct {
	ResourceTemplates []*ResourceTemplate `json:"resourceTemplates"`
	NextCursor        string              `json:"nextCursor,omitempty"`
}

// SubscribeParams is the payload of resources/subscribe and
// resources/unsubscribe.
type SubscribeParams struct {
	URI string `json:"uri"`
}

// ResourceUpdatedParams is the payload of notifications/resources/updated.
type ResourceUpdatedParams struct {
	URI string `json:"uri"`
}

// A Prompt is a prompt or prompt template the server offers.
type Prompt struct {
	Name        string            `json:"name"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Arguments   []*PromptArgument `json:"arguments,omitempty"`
}

// A PromptArgument describes one templating argument of a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// A PromptMessage is one message of a rendered prompt.
type PromptMessage struct {
	Role    Role     `json:"role"`
	Content *Content `json:"content"`
}

// GetPromptParams is the payload of prompts/get.
type GetPromptParams struct {
	Meta      `json:"_meta,omitempty"`
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// GetPromptResult is the server's reply to prompts/get.
type GetPromptResult struct {
	Description string           `json:"description,omitempty"`
	Messages    []*PromptMessage `json:"messages"`
}

// ListPromptsParams is the payload of prompts/list.
type ListPromptsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListPromptsResult is the server's reply to prompts/list.
type ListPromptsResult struct {
	Prompts    []*Prompt `json:"prompts"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// A Role identifies the speaker of a sampling or prompt message.
type Role string

// Roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// A SamplingMessage is one turn of a sampling conversation.
type SamplingMessage struct {
	Role    Role     `json:"role"`
	Content *Content `json:"content"`
}

// A ModelHint suggests a model by substring match on its name.
type ModelHint struct {
	Name string `json:"name,omitempty"`
}

// ModelPreferences communicate advisory model-selection priorities for a
// sampling request. The client may ignore them.
type ModelPreferences struct {
	Hints                []*ModelHint `json:"hints,omitempty"`
	CostPriority         float64      `json:"costPriority,omitempty"`
	SpeedPriority        float64      `json:"speedPriority,omitempty"`
	IntelligencePriority float64      `json:"intelligencePriority,omitempty"`
}

// CreateMessageParams is the payload of the server-initiated
// sampling/createMessage request.
type CreateMessageParams struct {
	Messages         []*SamplingMessage `json:"messages"`
	ModelPreferences *ModelPreferences  `json:"modelPreferences,omitempty"`
	SystemPrompt     string             `json:"systemPrompt,omitempty"`
	MaxTokens        int64              `json:"maxTokens"`
	Temperature      float64            `json:"temperature,omitempty"`
	StopSequences    []string           `json:"stopSequences,omitempty"`
}

// CreateMessageResult is the client's reply to sampling/createMessage.
//
// It is decoded strictly: unknown fields are rejected rather than silently
// forwarded to handlers.
type CreateMessageResult struct {
	Role       Role     `json:"role"`
	Content    *Content `json:"content"`
	Model      string   `json:"model"`
	StopReason string   `json:"stopReason,omitempty"`
}

// ElicitParams is the payload of the server-initiated elicitation/create
// request.
type ElicitParams struct {
	// Message is shown to the user when collecting input.
	Message string `json:"message"`
	// RequestedSchema constrains the shape of the collected content.
	RequestedSchema any `json:"requestedSchema,omitempty"`
}

// ElicitResult is the client's reply to elicitation/create. Action is
// "accept", "decline", or "cancel"; Content is present only on accept.
type ElicitResult struct {
	Action  string                     `json:"action"`
	Content map[string]json.RawMessage `json:"content,omitempty"`
}

// A Root is a directory or file the client allows the server to operate on.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// ListRootsResult is the client's reply to roots/list.
type ListRootsResult struct {
	Roots []*Root `json:"roots"`
}

// Meta carries protocol-reserved metadata ("_meta") such as the progress
// token of a request.
type Meta map[string]any

// ProgressToken returns the progress token attached to the request, or nil.
func (m Meta) ProgressToken() any {
	if m == nil {
		return nil
	}
	return m["progressToken"]
}

// emptyResult is the reply to ping, shutdown and other fire-and-forget
// calls.
type emptyResult struct{}

// SessionState is the persistable portion of a session, stored by a
// SessionStore so that any node of a cluster can resume the session.
type SessionState struct {
	Phase           Phase               `json:"phase"`
	ProtocolVersion string              `json:"protocolVersion,omitempty"`
	ClientInfo      *Implementation     `json:"clientInfo,omitempty"`
	Capabilities    *ClientCapabilities `json:"capabilities,omitempty"`
	LogLevel        LoggingLevel        `json:"logLevel,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	LastActivityAt  time.Time           `json:"lastActivityAt"`
	// Subscriptions holds resource URIs subscribed via resources/subscribe.
	Subscriptions []string `json:"subscriptions,omitempty"`
	// UserContext is the bag populated by middleware, e.g. the
	// authenticated principal.
	UserContext map[string]json.RawMessage `json:"userContext,omitempty"`
}
