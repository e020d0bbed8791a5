// Package mcp bridges Model Context Protocol servers into the dispatch
// pipeline. Each connected server's tools surface as command descriptors on
// syntax events and execute over the MCP connection on execute events.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpprotocol "github.com/mark3labs/mcp-go/mcp"
	"gopkg.in/yaml.v3"

	"github.com/convoke-ai/convoke/internal/domain/command"
	"github.com/convoke-ai/convoke/internal/domain/event"
	mcpdef "github.com/convoke-ai/convoke/internal/domain/mcp"
	"github.com/convoke-ai/convoke/internal/domain/toolcall"
)

// toolClient is the subset of the MCP client used by the plugin. The
// concrete mcp-go clients satisfy it regardless of transport.
type toolClient interface {
	Initialize(ctx context.Context, req mcpprotocol.InitializeRequest) (*mcpprotocol.InitializeResult, error)
	ListTools(ctx context.Context, req mcpprotocol.ListToolsRequest) (*mcpprotocol.ListToolsResult, error)
	CallTool(ctx context.Context, req mcpprotocol.CallToolRequest) (*mcpprotocol.CallToolResult, error)
	Close() error
}

// server is one connected MCP server and the tools it exposes.
type server struct {
	def    mcpdef.ServerDef
	client toolClient
	tools  []command.Descriptor
}

// Plugin exposes MCP server tools as pipeline commands.
type Plugin struct {
	mu      sync.RWMutex
	servers []*server
	byCmd   map[string]*server
	logger  *slog.Logger
}

// NewPlugin creates an MCP plugin with no connected servers.
func NewPlugin(logger *slog.Logger) *Plugin {
	return &Plugin{
		byCmd:  make(map[string]*server),
		logger: logger.With("component", "mcp"),
	}
}

// LoadDefinitions reads MCP server definitions from YAML files in dir.
func LoadDefinitions(dir string) ([]mcpdef.ServerDef, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read mcp servers dir %s: %w", dir, err)
	}

	var defs []mcpdef.ServerDef
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, e.Name())) //nolint:gosec // G304: admin-provided directory
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}

		var def mcpdef.ServerDef
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("invalid server def in %s: %w", e.Name(), err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Start connects to every enabled server definition, performs the MCP
// handshake and discovers tools. A server that fails to connect is logged
// and skipped so one broken definition does not take the plugin down.
func (p *Plugin) Start(ctx context.Context, defs []mcpdef.ServerDef) {
	for i := range defs {
		if !defs[i].Enabled {
			continue
		}
		if err := p.connect(ctx, defs[i]); err != nil {
			p.logger.Error("mcp server connection failed",
				"server", defs[i].ID, "error", err)
		}
	}
}

func (p *Plugin) connect(ctx context.Context, def mcpdef.ServerDef) error {
	client, err := newClient(&def)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	initReq := mcpprotocol.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpprotocol.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpprotocol.Implementation{
		Name:    "convoke",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	toolsResult, err := client.ListTools(ctx, mcpprotocol.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	srv := &server{def: def, client: client}
	for i := range toolsResult.Tools {
		srv.tools = append(srv.tools, descriptorFromTool(&toolsResult.Tools[i]))
	}
	p.register(srv)

	p.logger.Info("mcp server connected",
		"server", def.ID, "transport", def.Transport, "tools", len(srv.tools))
	return nil
}

func (p *Plugin) register(srv *server) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.servers = append(p.servers, srv)
	for i := range srv.tools {
		cmd := srv.tools[i].Cmd
		// First registration wins: a later server cannot shadow an
		// already-routed tool name.
		if prev, ok := p.byCmd[cmd]; ok {
			p.logger.Warn("duplicate mcp tool name ignored",
				"cmd", cmd, "server", srv.def.ID, "kept", prev.def.ID)
			continue
		}
		p.byCmd[cmd] = srv
	}
}

// Stop closes all server connections.
func (p *Plugin) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, srv := range p.servers {
		if err := srv.client.Close(); err != nil {
			p.logger.Warn("mcp client close failed", "server", srv.def.ID, "error", err)
		}
	}
	p.servers = nil
	p.byCmd = make(map[string]*server)
}

// newClient builds an mcp-go client for the given server definition.
func newClient(def *mcpdef.ServerDef) (mcpclient.MCPClient, error) {
	switch def.Transport {
	case mcpdef.TransportStdio:
		env := envMapToSlice(def.Env)
		return mcpclient.NewStdioMCPClient(def.Command, env, def.Args...)

	case mcpdef.TransportSSE:
		var opts []transport.ClientOption
		if len(def.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(def.Headers))
		}
		return mcpclient.NewSSEMCPClient(def.URL, opts...)

	case mcpdef.TransportStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(def.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(def.Headers))
		}
		return mcpclient.NewStreamableHttpClient(def.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %s", def.Transport)
	}
}

// envMapToSlice converts a map to the KEY=VALUE slice format expected by exec.Cmd.
func envMapToSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// ID returns the plugin identifier.
func (p *Plugin) ID() string { return "mcp" }

// Enabled reports whether any server contributed tools.
func (p *Plugin) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byCmd) > 0
}

// Handle contributes tool descriptors on syntax events and executes
// matching commands on execute events.
func (p *Plugin) Handle(ctx context.Context, ev *event.Event) error {
	switch ev.Name {
	case event.CmdSyntax:
		data, ok := ev.Data.(*event.Syntax)
		if !ok {
			return nil
		}
		data.Cmds = append(data.Cmds, p.descriptors()...)
		return nil

	case event.CmdExecute:
		data, ok := ev.Data.(*event.Execute)
		if !ok {
			return nil
		}
		return p.execute(ctx, data)

	default:
		return nil
	}
}

func (p *Plugin) descriptors() []command.Descriptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []command.Descriptor
	for _, srv := range p.servers {
		out = append(out, srv.tools...)
	}
	return out
}

func (p *Plugin) execute(ctx context.Context, data *event.Execute) error {
	for i := range data.Cmds {
		p.mu.RLock()
		srv, ok := p.byCmd[data.Cmds[i].Cmd]
		p.mu.RUnlock()
		if !ok {
			continue
		}

		result := p.callTool(ctx, srv, &data.Cmds[i])
		data.Results = append(data.Results, toolcall.Result{
			Request: data.Cmds[i],
			Result:  result,
		})
	}
	return nil
}

func (p *Plugin) callTool(ctx context.Context, srv *server, cmd *toolcall.Cmd) any {
	req := mcpprotocol.CallToolRequest{}
	req.Params.Name = cmd.Cmd
	req.Params.Arguments = cmd.Params

	res, err := srv.client.CallTool(ctx, req)
	if err != nil {
		p.logger.Error("mcp tool call failed",
			"server", srv.def.ID, "tool", cmd.Cmd, "error", err)
		return map[string]any{"error": err.Error()}
	}

	text := textContent(res)
	if res.IsError {
		return map[string]any{"error": text}
	}
	return text
}

// textContent joins the text parts of a tool result. Non-text content is
// skipped; MCP servers used for command execution return text.
func textContent(res *mcpprotocol.CallToolResult) string {
	var parts []string
	for _, item := range res.Content {
		switch tc := item.(type) {
		case mcpprotocol.TextContent:
			parts = append(parts, tc.Text)
		case *mcpprotocol.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// paramTypes maps JSON-schema type names onto declared param types.
var paramTypes = map[string]string{
	"string":  "str",
	"integer": "int",
	"number":  "float",
	"boolean": "bool",
	"array":   "list",
	"object":  "dict",
}

// descriptorFromTool converts a discovered MCP tool into a command
// descriptor so the command service can render it as syntax or a function
// definition.
func descriptorFromTool(tool *mcpprotocol.Tool) command.Descriptor {
	required := make(map[string]bool, len(tool.InputSchema.Required))
	for _, name := range tool.InputSchema.Required {
		required[name] = true
	}

	var params []command.Param
	for name, raw := range tool.InputSchema.Properties {
		prop, _ := raw.(map[string]any)

		p := command.Param{
			Name:     name,
			Type:     "str",
			Required: required[name],
		}
		if t, ok := prop["type"].(string); ok {
			if mapped, ok := paramTypes[t]; ok {
				p.Type = mapped
			}
		}
		if desc, ok := prop["description"].(string); ok {
			p.Description = desc
		}
		if enum, ok := prop["enum"]; ok {
			p.Type = "enum"
			p.Enum = enum
		}
		params = append(params, p)
	}

	// Map iteration order is random; keep descriptors deterministic.
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })

	return command.Descriptor{
		Cmd:         tool.Name,
		Instruction: tool.Description,
		Enabled:     true,
		Params:      params,
	}
}
