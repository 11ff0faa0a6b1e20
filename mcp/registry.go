// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/yosida95/uritemplate/v3"

	"github.com/mcpgrid/mcpgrid/jsonrpc"
)

// A ToolHandler serves tools/call for one tool. Arguments have been
// validated against the tool's input schema before the handler runs.
type ToolHandler func(ctx context.Context, tc *Context, params *CallToolParams) (*CallToolResult, error)

// A TypedToolHandler serves tools/call with arguments decoded into In.
type TypedToolHandler[In any] func(ctx context.Context, tc *Context, args In) (*CallToolResult, error)

// A ResourceHandler serves resources/read for one resource or template.
type ResourceHandler func(ctx context.Context, tc *Context, params *ReadResourceParams) (*ReadResourceResult, error)

// A PromptHandler serves prompts/get for one prompt.
type PromptHandler func(ctx context.Context, tc *Context, params *GetPromptParams) (*GetPromptResult, error)

type serverTool struct {
	tool     *Tool
	handler  ToolHandler
	resolved *jsonschema.Resolved
}

// validate checks raw arguments against the tool's resolved input schema.
func (st *serverTool) validate(args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "decoding arguments: %v", err)
	}
	if err := st.resolved.Validate(v); err != nil {
		return jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "invalid arguments: %v", err)
	}
	return nil
}

type serverResource struct {
	resource *Resource
	handler  ResourceHandler
}

type serverTemplate struct {
	template *ResourceTemplate
	compiled *uritemplate.Template
	handler  ResourceHandler
}

type serverPrompt struct {
	prompt  *Prompt
	handler PromptHandler
}

// checkArguments verifies that every required prompt argument is present.
func (sp *serverPrompt) checkArguments(args map[string]string) error {
	for _, arg := range sp.prompt.Arguments {
		if !arg.Required {
			continue
		}
		if _, ok := args[arg.Name]; !ok {
			return jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "missing required prompt argument %q", arg.Name)
		}
	}
	return nil
}

// The registry holds the server's published tools, resources, resource
// templates and prompts, uniquely keyed within each kind. Entries are
// immutable once published; adding or removing entries notifies sessions
// through onChanged.
type registry struct {
	mu        sync.RWMutex
	tools     map[string]*serverTool
	resources map[string]*serverResource
	templates map[string]*serverTemplate
	prompts   map[string]*serverPrompt

	// onChanged is invoked with the notification method to fan out after a
	// mutation. Set once at server construction.
	onChanged func(method string)
}

func newRegistry() *registry {
	return &registry{
		tools:     make(map[string]*serverTool),
		resources: make(map[string]*serverResource),
		templates: make(map[string]*serverTemplate),
		prompts:   make(map[string]*serverPrompt),
	}
}

func (r *registry) changed(method string) {
	if r.onChanged != nil {
		r.onChanged(method)
	}
}

func (r *registry) addTool(t *Tool, h ToolHandler) error {
	if t.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	if t.InputSchema == nil {
		// Requiring a schema here surfaces the omission at registration
		// time instead of on the first malformed call.
		return fmt.Errorf("tool %q has no input schema", t.Name)
	}
	schema, err := toSchema(t.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %q input schema: %w", t.Name, err)
	}
	resolved, err := schema.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
	if err != nil {
		return fmt.Errorf("tool %q input schema: %w", t.Name, err)
	}
	r.mu.Lock()
	if _, ok := r.tools[t.Name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	r.tools[t.Name] = &serverTool{tool: t, handler: h, resolved: resolved}
	r.mu.Unlock()
	r.changed(notificationToolListChanged)
	return nil
}

// AddTool registers a tool whose arguments are decoded into In. A missing
// input schema is inferred from In; a missing output schema stays absent.
func AddTool[In any](s *Server, t *Tool, h TypedToolHandler[In]) {
	if t.InputSchema == nil {
		schema, err := jsonschema.For[In](nil)
		if err != nil {
			panic(fmt.Sprintf("mcp: inferring schema for tool %q: %v", t.Name, err))
		}
		t.InputSchema = schema
	}
	s.AddTool(t, func(ctx context.Context, tc *Context, params *CallToolParams) (*CallToolResult, error) {
		var args In
		raw := params.Arguments
		if len(raw) == 0 {
			raw = json.RawMessage("{}")
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "decoding arguments: %v", err)
		}
		return h(ctx, tc, args)
	})
}

func (r *registry) removeTool(name string) {
	r.mu.Lock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	r.mu.Unlock()
	if ok {
		r.changed(notificationToolListChanged)
	}
}

func (r *registry) tool(name string) *serverTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

func (r *registry) countTools() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

func (r *registry) addResource(res *Resource, h ResourceHandler) error {
	if res.URI == "" {
		return fmt.Errorf("resource has no URI")
	}
	r.mu.Lock()
	if _, ok := r.resources[res.URI]; ok {
		r.mu.Unlock()
		return fmt.Errorf("resource %q already registered", res.URI)
	}
	r.resources[res.URI] = &serverResource{resource: res, handler: h}
	r.mu.Unlock()
	r.changed(notificationResourceListChanged)
	return nil
}

func (r *registry) addResourceTemplate(t *ResourceTemplate, h ResourceHandler) error {
	compiled, err := uritemplate.New(t.URITemplate)
	if err != nil {
		return fmt.Errorf("resource template %q: %w", t.URITemplate, err)
	}
	r.mu.Lock()
	if _, ok := r.templates[t.URITemplate]; ok {
		r.mu.Unlock()
		return fmt.Errorf("resource template %q already registered", t.URITemplate)
	}
	r.templates[t.URITemplate] = &serverTemplate{template: t, compiled: compiled, handler: h}
	r.mu.Unlock()
	r.changed(notificationResourceListChanged)
	return nil
}

func (r *registry) removeResource(uri string) {
	r.mu.Lock()
	_, ok := r.resources[uri]
	delete(r.resources, uri)
	if !ok {
		_, ok = r.templates[uri]
		delete(r.templates, uri)
	}
	r.mu.Unlock()
	if ok {
		r.changed(notificationResourceListChanged)
	}
}

// resourceHandler resolves uri to a handler: an exact resource first, then
// a template matching it. When several templates match, which one serves
// the read is not defined.
func (r *registry) resourceHandler(uri string) ResourceHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sr, ok := r.resources[uri]; ok {
		return sr.handler
	}
	for _, st := range r.templates {
		if st.compiled.Match(uri) != nil {
			return st.handler
		}
	}
	return nil
}

func (r *registry) countResources() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.resources) + len(r.templates)
}

func (r *registry) addPrompt(p *Prompt, h PromptHandler) error {
	if p.Name == "" {
		return fmt.Errorf("prompt has no name")
	}
	r.mu.Lock()
	if _, ok := r.prompts[p.Name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("prompt %q already registered", p.Name)
	}
	r.prompts[p.Name] = &serverPrompt{prompt: p, handler: h}
	r.mu.Unlock()
	r.changed(notificationPromptListChanged)
	return nil
}

func (r *registry) removePrompt(name string) {
	r.mu.Lock()
	_, ok := r.prompts[name]
	delete(r.prompts, name)
	r.mu.Unlock()
	if ok {
		r.changed(notificationPromptListChanged)
	}
}

func (r *registry) prompt(name string) *serverPrompt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prompts[name]
}

func (r *registry) countPrompts() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.prompts)
}

func (r *registry) listTools(cursor string, pageSize int) (*ListToolsResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names, next, err := paginate(keys(r.tools), cursor, pageSize)
	if err != nil {
		return nil, err
	}
	res := &ListToolsResult{Tools: []*Tool{}, NextCursor: next}
	for _, name := range names {
		res.Tools = append(res.Tools, r.tools[name].tool)
	}
	return res, nil
}

func (r *registry) listResources(cursor string, pageSize int) (*ListResourcesResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uris, next, err := paginate(keys(r.resources), cursor, pageSize)
	if err != nil {
		return nil, err
	}
	res := &ListResourcesResult{Resources: []*Resource{}, NextCursor: next}
	for _, uri := range uris {
		res.Resources = append(res.Resources, r.resources[uri].resource)
	}
	return res, nil
}

func (r *registry) listResourceTemplates(cursor string, pageSize int) (*ListResourceTemplatesResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uris, next, err := paginate(keys(r.templates), cursor, pageSize)
	if err != nil {
		return nil, err
	}
	res := &ListResourceTemplatesResult{ResourceTemplates: []*ResourceTemplate{}, NextCursor: next}
	for _, uri := range uris {
		res.ResourceTemplates = append(res.ResourceTemplates, r.templates[uri].template)
	}
	return res, nil
}

func (r *registry) listPrompts(cursor string, pageSize int) (*ListPromptsResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names, next, err := paginate(keys(r.prompts), cursor, pageSize)
	if err != nil {
		return nil, err
	}
	res := &ListPromptsResult{Prompts: []*Prompt{}, NextCursor: next}
	for _, name := range names {
		res.Prompts = append(res.Prompts, r.prompts[name].prompt)
	}
	return res, nil
}

// toSchema converts any JSON-marshalable schema value into a
// *jsonschema.Schema for resolution.
func toSchema(v any) (*jsonschema.Schema, error) {
	if schema, ok := v.(*jsonschema.Schema); ok {
		return schema, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

func keys[V any](m map[string]V) []string {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}

// paginate slices sorted into the page after cursor, returning the page and
// the cursor of the following page ("" when exhausted). List results are
// stable snapshots: an unchanged registry yields identical pages.
func paginate(sorted []string, cursor string, pageSize int) (page []string, next string, err error) {
	start := 0
	if cursor != "" {
		last, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		start, _ = slices.BinarySearch(sorted, last)
		if start < len(sorted) && sorted[start] == last {
			start++
		}
	}
	end := min(start+pageSize, len(sorted))
	page = sorted[start:end]
	if end < len(sorted) {
		next = encodeCursor(sorted[end-1])
	}
	return page, next, nil
}

func encodeCursor(key string) string {
	return base64.URLEncoding.EncodeToString([]byte(key))
}

func decodeCursor(cursor string) (string, error) {
	key, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return "", jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "malformed cursor")
	}
	return string(key), nil
}
