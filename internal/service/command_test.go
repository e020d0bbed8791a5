package service

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/convoke-ai/convoke/internal/config"
	"github.com/convoke-ai/convoke/internal/domain/command"
	"github.com/convoke-ai/convoke/internal/domain/event"
	"github.com/convoke-ai/convoke/internal/domain/mode"
	"github.com/convoke-ai/convoke/internal/domain/model"
	"github.com/convoke-ai/convoke/internal/domain/turn"
)

// memCache is a minimal in-memory cache for tests.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
	hits int
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if ok {
		c.hits++
	}
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	c.sets++
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// syntaxPlugin contributes fixed command descriptors on cmd.syntax events.
type syntaxPlugin struct {
	id    string
	descs []command.Descriptor
}

func (p *syntaxPlugin) ID() string    { return p.id }
func (p *syntaxPlugin) Enabled() bool { return true }
func (p *syntaxPlugin) Handle(_ context.Context, ev *event.Event) error {
	if data, ok := ev.Data.(*event.Syntax); ok {
		data.Cmds = append(data.Cmds, p.descs...)
	}
	return nil
}

func fileDescriptors() []command.Descriptor {
	return []command.Descriptor{
		{
			Cmd:         "read_file",
			Instruction: "read a file from disk",
			Enabled:     true,
			Params: []command.Param{
				{Name: "path", Type: "list", Description: "paths to read", Required: true},
			},
		},
		{
			Cmd:         "disabled_cmd",
			Instruction: "never offered",
			Enabled:     false,
		},
	}
}

func testCommandService(t *testing.T, cache *memCache, modify func(*config.Config)) (*CommandService, *ModelRegistry) {
	t.Helper()

	cfg := config.Defaults()
	if modify != nil {
		modify(&cfg)
	}
	logger := slog.New(slog.DiscardHandler)

	d := NewDispatcher(&cfg, logger)
	if err := d.Register(&syntaxPlugin{id: "files", descs: fileDescriptors()}); err != nil {
		t.Fatal(err)
	}

	models := NewModelRegistry()
	if err := models.Register(model.Model{
		ID:            "gpt-4o",
		ToolCallModes: []mode.Mode{mode.ModeChat, mode.ModeAssistant},
	}); err != nil {
		t.Fatal(err)
	}

	var c *CommandService
	if cache != nil {
		c = NewCommandService(d, models, cache, &cfg, logger)
	} else {
		c = NewCommandService(d, models, nil, &cfg, logger)
	}
	return c, models
}

func TestCollectGathersPluginDescriptors(t *testing.T) {
	s, _ := testCommandService(t, nil, nil)

	descs := s.Collect(context.Background(), turn.New("meta", mode.ModeChat), "")
	if len(descs) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(descs))
	}
	if descs[0].Cmd != "read_file" {
		t.Errorf("expected read_file first, got %s", descs[0].Cmd)
	}
}

func TestAppendSyntaxEmbedsCompactSchema(t *testing.T) {
	s, _ := testCommandService(t, nil, nil)

	tr := turn.New("meta", mode.ModeChat)
	prompt, err := s.AppendSyntax(context.Background(), tr, "You are helpful.")
	if err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(prompt, "You are helpful.") {
		t.Error("original prompt must be preserved")
	}
	if !strings.Contains(prompt, `"read_file"`) {
		t.Error("syntax block must list enabled commands")
	}
	if strings.Contains(prompt, "disabled_cmd") {
		t.Error("disabled commands must not appear in the prompt")
	}
	if !strings.Contains(prompt, "~###~") {
		t.Error("legacy delimiter instructions missing")
	}
	if strings.Contains(prompt, "assistant thread") {
		t.Error("general mode must not use the assistant fragment")
	}
}

func TestAppendSyntaxAssistantFragment(t *testing.T) {
	s, _ := testCommandService(t, nil, nil)

	tr := turn.New("meta", mode.ModeAssistant)
	prompt, err := s.AppendSyntax(context.Background(), tr, "base")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(prompt, "assistant thread") {
		t.Error("assistant mode must use the assistant-specific fragment")
	}
}

func TestAppendSyntaxNoCommandsLeavesPromptUntouched(t *testing.T) {
	cfg := config.Defaults()
	logger := slog.New(slog.DiscardHandler)
	d := NewDispatcher(&cfg, logger)
	s := NewCommandService(d, NewModelRegistry(), nil, &cfg, logger)

	prompt, err := s.AppendSyntax(context.Background(), turn.New("meta", mode.ModeChat), "base")
	if err != nil {
		t.Fatal(err)
	}
	if prompt != "base" {
		t.Errorf("expected untouched prompt, got %q", prompt)
	}
}

func TestAppendSyntaxCachesCompactForm(t *testing.T) {
	cache := newMemCache()
	s, _ := testCommandService(t, cache, nil)

	tr := turn.New("meta", mode.ModeChat)
	first, err := s.AppendSyntax(context.Background(), tr, "base")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.AppendSyntax(context.Background(), tr, "base")
	if err != nil {
		t.Fatal(err)
	}

	if first != second {
		t.Error("cached syntax must render identically")
	}
	if cache.sets != 1 {
		t.Errorf("expected one cache store, got %d", cache.sets)
	}
	if cache.hits != 1 {
		t.Errorf("expected one cache hit, got %d", cache.hits)
	}
}

func TestFunctionDefsSkipDisabled(t *testing.T) {
	s, _ := testCommandService(t, nil, nil)

	defs := s.FunctionDefs(context.Background(), turn.New("meta", mode.ModeChat))
	if len(defs) != 1 {
		t.Fatalf("expected 1 function def, got %d", len(defs))
	}
	if defs[0].Name != "read_file" {
		t.Errorf("expected read_file, got %s", defs[0].Name)
	}
	if len(defs[0].Parameters.Required) != 1 || defs[0].Parameters.Required[0] != "path" {
		t.Errorf("expected required path param, got %v", defs[0].Parameters.Required)
	}
}

func TestNativeEnabled(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
		mode   mode.Mode
		model  string
		want   bool
	}{
		{name: "chat with capable model", mode: mode.ModeChat, model: "gpt-4o", want: true},
		{name: "completion mode", mode: mode.ModeCompletion, model: "gpt-4o", want: false},
		{name: "model lacks capability for mode", mode: mode.ModeAgent, model: "gpt-4o", want: false},
		{name: "unknown model", mode: mode.ModeChat, model: "mystery", want: false},
		{
			name:   "native off in config",
			modify: func(c *config.Config) { c.Commands.Native = false },
			mode:   mode.ModeChat, model: "gpt-4o", want: false,
		},
		{
			name:   "legacy agent controller",
			modify: func(c *config.Config) { c.Experts.LegacyAgent = true },
			mode:   mode.ModeChat, model: "gpt-4o", want: false,
		},
		{
			name:   "orchestration controller",
			modify: func(c *config.Config) { c.Experts.Orchestrate = true },
			mode:   mode.ModeChat, model: "gpt-4o", want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := testCommandService(t, nil, tt.modify)
			if got := s.NativeEnabled(tt.mode, tt.model); got != tt.want {
				t.Errorf("NativeEnabled(%s, %s) = %v, want %v", tt.mode, tt.model, got, tt.want)
			}
		})
	}
}

func TestModelRegistry(t *testing.T) {
	r := NewModelRegistry()
	if err := r.Register(model.Model{ID: "m1", ToolCallModes: []mode.Mode{mode.ModeChat}}); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Get("m1"); err != nil {
		t.Fatalf("expected m1 found, got %v", err)
	}
	if _, err := r.Get("missing"); err == nil {
		t.Fatal("expected not-found error")
	}
	if !r.AllowsToolCalls("m1", mode.ModeChat) {
		t.Error("m1 should allow tool calls in chat")
	}
	if r.AllowsToolCalls("m1", mode.ModeAgent) {
		t.Error("m1 should not allow tool calls in agent mode")
	}
	if err := r.Register(model.Model{}); err == nil {
		t.Fatal("expected validation error for empty model")
	}
}
