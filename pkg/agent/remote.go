// Copyright 2025 The Relay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

const mcpProtocolVersion = "2024-11-05"

// RemoteToolAdapter invokes a named tool on an external MCP server. The
// session is established lazily on the first call and pooled for reuse.
// Connection establishment is retried with the same backoff policy as calls
// (the executor retries KindTransient failures).
type RemoteToolAdapter struct {
	desc *Descriptor

	mu        sync.Mutex
	mcpClient *client.Client
	connected bool
	schema    map[string]any
}

// NewRemoteToolAdapter creates an adapter for a remote_tool descriptor.
func NewRemoteToolAdapter(desc *Descriptor) (*RemoteToolAdapter, error) {
	if desc.Connection.URL == "" && desc.Connection.Command == "" {
		return nil, fmt.Errorf("agent %s: remote tool requires connection.url or connection.command", desc.Name)
	}
	return &RemoteToolAdapter{desc: desc}, nil
}

func (a *RemoteToolAdapter) Name() string { return a.desc.Name }

func (a *RemoteToolAdapter) Schema() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.schema
}

// connect establishes and initializes the MCP session. Caller holds a.mu.
func (a *RemoteToolAdapter) connect(ctx context.Context) error {
	if a.connected {
		return nil
	}

	var (
		mcpClient *client.Client
		err       error
	)
	conn := a.desc.Connection
	switch {
	case conn.Command != "" || conn.Transport == "stdio":
		mcpClient, err = client.NewStdioMCPClient(conn.Command, nil, conn.Args...)
	case conn.Transport == "sse":
		mcpClient, err = client.NewSSEMCPClient(conn.URL)
	default:
		mcpClient, err = client.NewStreamableHttpClient(conn.URL)
	}
	if err != nil {
		return NewError(a.desc.Name, KindTransient, "failed to create MCP client", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		mcpClient.Close()
		return NewError(a.desc.Name, KindTransient, "failed to start MCP client", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "relay", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = mcpProtocolVersion
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return NewError(a.desc.Name, KindTransient, "failed to initialize MCP session", err)
	}

	// Resolve the tool's input schema while the session is fresh.
	listReq := mcp.ListToolsRequest{}
	if listResp, err := mcpClient.ListTools(ctx, listReq); err == nil {
		for _, t := range listResp.Tools {
			if t.Name == a.desc.Connection.Tool {
				if data, err := json.Marshal(t.InputSchema); err == nil {
					var m map[string]any
					if json.Unmarshal(data, &m) == nil {
						a.schema = m
					}
				}
				break
			}
		}
	}

	a.mcpClient = mcpClient
	a.connected = true
	slog.Info("Connected to MCP tool server",
		"agent", a.desc.Name,
		"url", conn.URL,
		"tool", a.desc.Connection.Tool,
	)
	return nil
}

// Call filters the input, ensures the session, and invokes the remote tool
// under the per-call deadline.
func (a *RemoteToolAdapter) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	filtered, err := a.desc.FilterInput(input)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, a.desc.Limits.Timeout)
	defer cancel()

	a.mu.Lock()
	if err := a.connect(callCtx); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	mcpClient := a.mcpClient
	a.mu.Unlock()

	req := mcp.CallToolRequest{}
	req.Params.Name = a.desc.Connection.Tool
	req.Params.Arguments = filtered

	start := time.Now()
	resp, err := mcpClient.CallTool(callCtx, req)
	if err != nil {
		// Drop the session; the next call re-establishes it.
		a.disconnect()
		if callCtx.Err() != nil && ctx.Err() == nil {
			return nil, NewError(a.desc.Name, KindTimeout,
				fmt.Sprintf("tool call exceeded %s", a.desc.Limits.Timeout), callCtx.Err())
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewError(a.desc.Name, KindTransient, "MCP tool call failed", err)
	}

	data, err := a.parseResult(resp)
	if err != nil {
		return nil, err
	}
	slog.Debug("Remote tool call complete",
		"agent", a.desc.Name,
		"tool", a.desc.Connection.Tool,
		"duration", time.Since(start),
	)
	return data, nil
}

// parseResult converts the structured MCP result. Text content that parses
// as a JSON object becomes the data map; otherwise it lands under "result".
func (a *RemoteToolAdapter) parseResult(resp *mcp.CallToolResult) (map[string]any, error) {
	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}

	if resp.IsError {
		msg := "unknown tool error"
		if len(texts) > 0 {
			msg = texts[0]
		}
		return nil, NewError(a.desc.Name, KindPermanent, msg, nil)
	}

	switch len(texts) {
	case 0:
		return nil, NewError(a.desc.Name, KindInvalidResponse, "tool returned no content", nil)
	case 1:
		var m map[string]any
		if err := json.Unmarshal([]byte(texts[0]), &m); err == nil {
			return m, nil
		}
		return map[string]any{"result": texts[0]}, nil
	default:
		results := make([]any, len(texts))
		for i, t := range texts {
			results[i] = t
		}
		return map[string]any{"results": results}, nil
	}
}

func (a *RemoteToolAdapter) disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mcpClient != nil {
		_ = a.mcpClient.Close()
		a.mcpClient = nil
	}
	a.connected = false
}

// Close tears down the pooled session.
func (a *RemoteToolAdapter) Close() error {
	a.disconnect()
	return nil
}
