// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/mcpgrid/mcpgrid/mcp"
)

// echoArgs are the arguments of the demo echo tool.
type echoArgs struct {
	Message string `json:"message"`
}

// registerDemoFeatures publishes a small feature set exercising the whole
// registry: a tool, a resource, a resource template, and a prompt.
func registerDemoFeatures(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "echo",
		Description: "Echo the given message back to the caller.",
	}, func(ctx context.Context, tc *mcp.Context, args echoArgs) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{
			Content: []*mcp.Content{mcp.TextContent("Echo: " + args.Message)},
		}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "summarize",
		Description: "Summarize the given text using the client's model.",
	}, func(ctx context.Context, tc *mcp.Context, args struct {
		Text string `json:"text"`
	}) (*mcp.CallToolResult, error) {
		res, err := tc.Sample(ctx, &mcp.CreateMessageParams{
			Messages: []*mcp.SamplingMessage{{
				Role:    mcp.RoleUser,
				Content: mcp.TextContent("Summarize in one sentence:\n" + args.Text),
			}},
			MaxTokens: 256,
		})
		if err != nil {
			var cerr *mcp.CapabilityError
			if errors.As(err, &cerr) {
				// Client cannot sample; fall back to a trivial summary.
				return &mcp.CallToolResult{
					Content: []*mcp.Content{mcp.TextContent(truncate(args.Text, 120))},
				}, nil
			}
			return nil, err
		}
		return &mcp.CallToolResult{Content: []*mcp.Content{res.Content}}, nil
	})

	server.AddResource(&mcp.Resource{
		URI:         "mcpgrid://readme",
		Name:        "readme",
		Description: "About this server.",
		MIMEType:    "text/plain",
	}, func(ctx context.Context, tc *mcp.Context, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error) {
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{
				URI:      params.URI,
				MIMEType: "text/plain",
				Text:     "mcpgrid reference server",
			}},
		}, nil
	})

	server.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: "mcpgrid://sessions/{id}",
		Name:        "session-info",
		Description: "Live information about the calling session.",
		MIMEType:    "application/json",
	}, func(ctx context.Context, tc *mcp.Context, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error) {
		state := tc.Session().State()
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{
				URI:      params.URI,
				MIMEType: "application/json",
				Text: fmt.Sprintf(`{"phase":%q,"protocolVersion":%q}`,
					state.Phase, state.ProtocolVersion),
			}},
		}, nil
	})

	server.AddPrompt(&mcp.Prompt{
		Name:        "greeting",
		Description: "Greet someone by name.",
		Arguments: []*mcp.PromptArgument{
			{Name: "name", Description: "who to greet", Required: true},
		},
	}, func(ctx context.Context, tc *mcp.Context, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error) {
		return &mcp.GetPromptResult{
			Description: "A friendly greeting",
			Messages: []*mcp.PromptMessage{{
				Role:    mcp.RoleUser,
				Content: mcp.TextContent("Say hello to " + params.Arguments["name"] + "."),
			}},
		}, nil
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
