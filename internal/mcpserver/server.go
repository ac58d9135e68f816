// Package mcpserver exposes a running bridge to agents as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agentic-research/rulebridge/internal/bridge"
	"github.com/agentic-research/rulebridge/internal/graph"
	"github.com/agentic-research/rulebridge/internal/registry"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Bridge is the part of bridge.Synchronizer the tools drive.
type Bridge interface {
	Refresh(ctx context.Context) error
	Status() bridge.Status
	Registry() *registry.Registry
}

// Tools holds the tool handlers.
type Tools struct {
	bridge Bridge
	rules  graph.RuleStore
	log    *zap.Logger
}

func NewTools(b Bridge, rules graph.RuleStore, log *zap.Logger) *Tools {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tools{bridge: b, rules: rules, log: log}
}

// New builds an MCP server with the refresh, status and list_rules tools.
func New(t *Tools) *server.MCPServer {
	s := server.NewMCPServer(
		"rulebridge",
		Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	s.AddTool(mcp.NewTool("refresh",
		mcp.WithDescription("Rebuild the rule mirror from the active document. Edits saved during the rebuild are dropped."),
	), t.Refresh)

	s.AddTool(mcp.NewTool("status",
		mcp.WithDescription("Report the mirror root, mirrored assemblies, assemblies edited since the last rebuild and event counters."),
	), t.Status)

	s.AddTool(mcp.NewTool("list_rules",
		mcp.WithDescription("List the rules of a mirrored assembly with their sizes."),
		mcp.WithString("assembly",
			mcp.Required(),
			mcp.Description("Display name of the assembly, as it appears as a directory in the mirror"),
		),
	), t.ListRules)

	return s
}

// Serve runs the server over stdio until the client disconnects.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func (t *Tools) Refresh(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := t.bridge.Refresh(ctx); err != nil {
		if errors.Is(err, bridge.ErrReentrantRefresh) {
			return mcp.NewToolResultError("a refresh is already running, try again shortly"), nil
		}
		t.log.Warn("refresh tool failed", zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("refresh failed: %v", err)), nil
	}
	return jsonResult(t.bridge.Status())
}

func (t *Tools) Status(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(t.bridge.Status())
}

// RuleInfo is one entry of the list_rules result.
type RuleInfo struct {
	Name  string `json:"name"`
	Bytes int    `json:"bytes"`
}

func (t *Tools) ListRules(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("assembly", "")
	if name == "" {
		return mcp.NewToolResultError("assembly is required"), nil
	}
	doc, err := t.bridge.Registry().Lookup(name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("assembly %q is not mirrored", name)), nil
	}
	rules, err := t.rules.ListRules(doc)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list rules: %v", err)), nil
	}
	out := make([]RuleInfo, 0, len(rules))
	for _, r := range rules {
		out = append(out, RuleInfo{Name: r.Name(), Bytes: len(r.Text())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return jsonResult(out)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
