package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/convoke-ai/convoke/internal/config"
	"github.com/convoke-ai/convoke/internal/domain/command"
	"github.com/convoke-ai/convoke/internal/domain/event"
	"github.com/convoke-ai/convoke/internal/domain/mode"
	"github.com/convoke-ai/convoke/internal/domain/turn"
	"github.com/convoke-ai/convoke/internal/port/cache"
)

// Prompt fragments appended around the compact command schema. The wording
// is part of the model-facing contract: it tells the model how to emit the
// legacy delimiter syntax when native tool calls are off.
const (
	syntaxHeader = "\n\nYOU CAN EXECUTE COMMANDS. " +
		"To run a command, reply with a JSON object wrapped in ~###~ delimiters: " +
		"~###~{\"cmd\": \"<name>\", \"params\": {...}}~###~. " +
		"Available commands are described below as {name: {help, params}}:\n"

	syntaxExtraGeneral = "\nOnly use commands listed above. " +
		"Put the command JSON on its own line and keep any explanation outside the delimiters."

	syntaxExtraAssistant = "\nOnly use commands listed above. " +
		"You are running inside a managed assistant thread: tool outputs are " +
		"submitted back to the run for you, so never fabricate a command result."
)

// CommandService builds the command surface for a turn: it collects plugin
// command descriptors, renders the system-prompt syntax block, emits provider
// function definitions, and decides per turn whether native tool calls apply.
type CommandService struct {
	dispatcher *Dispatcher
	models     *ModelRegistry
	cache      cache.Cache
	cfg        config.Commands
	flags      config.Experts
	logger     *slog.Logger
}

// NewCommandService creates a CommandService. cache may be nil, which
// disables syntax caching.
func NewCommandService(d *Dispatcher, models *ModelRegistry, c cache.Cache, cfg *config.Config, logger *slog.Logger) *CommandService {
	return &CommandService{
		dispatcher: d,
		models:     models,
		cache:      c,
		cfg:        cfg.Commands,
		flags:      cfg.Experts,
		logger:     logger.With("component", "command"),
	}
}

// Collect dispatches a syntax event so every enabled plugin can contribute
// its command descriptors for the turn.
func (s *CommandService) Collect(ctx context.Context, t *turn.Turn, prompt string) []command.Descriptor {
	ev := event.New(event.CmdSyntax, t).WithSyntax(prompt, nil)
	s.dispatcher.Dispatch(ctx, ev, false)

	data, ok := ev.Data.(*event.Syntax)
	if !ok {
		return nil
	}
	return data.Cmds
}

// AppendSyntax appends the command-usage block to the system prompt. The
// trailing instructions differ for assistant mode, where tool outputs are
// submitted to the provider-managed run instead of a local reply turn.
func (s *CommandService) AppendSyntax(ctx context.Context, t *turn.Turn, prompt string) (string, error) {
	descs := s.Collect(ctx, t, prompt)
	if len(descs) == 0 {
		return prompt, nil
	}

	syntax, err := s.compactSyntax(ctx, descs)
	if err != nil {
		return prompt, err
	}

	extra := syntaxExtraGeneral
	if t.Mode == mode.ModeAssistant {
		extra = syntaxExtraAssistant
	}
	return prompt + syntaxHeader + syntax + extra, nil
}

// FunctionDefs returns provider function definitions for every enabled
// command descriptor contributed by plugins.
func (s *CommandService) FunctionDefs(ctx context.Context, t *turn.Turn) []command.FunctionDef {
	return command.Schemas(s.Collect(ctx, t, ""))
}

// NativeEnabled decides per turn whether tool calls use the provider's
// native function-calling API instead of the legacy text syntax. False for
// completion mode, active controller loops, models without tool-call support
// in the current mode, and when the feature is off in config.
func (s *CommandService) NativeEnabled(md mode.Mode, modelID string) bool {
	if !s.cfg.Native {
		return false
	}
	if md == mode.ModeCompletion {
		return false
	}
	if s.flags.LegacyAgent || s.flags.Orchestrate {
		return false
	}
	return s.models.AllowsToolCalls(modelID, md)
}

// compactSyntax renders descriptors in the compact prompt form, memoized by
// descriptor content so repeated turns with an unchanged plugin set skip the
// re-rendering.
func (s *CommandService) compactSyntax(ctx context.Context, descs []command.Descriptor) (string, error) {
	if s.cache == nil {
		return command.CompactSyntax(descs)
	}

	key := syntaxCacheKey(descs)
	if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		return string(data), nil
	}

	syntax, err := command.CompactSyntax(descs)
	if err != nil {
		return "", err
	}

	if err := s.cache.Set(ctx, key, []byte(syntax), s.cfg.SyntaxCacheTTL); err != nil {
		s.logger.Warn("syntax cache store failed", "error", err)
	}
	return syntax, nil
}

// syntaxCacheKey hashes the full descriptor set, so any change to a command's
// name, instruction, params, or enablement produces a new key.
func syntaxCacheKey(descs []command.Descriptor) string {
	h := sha256.New()
	for i := range descs {
		d := &descs[i]
		h.Write([]byte(d.Cmd))
		h.Write([]byte{0})
		h.Write([]byte(d.Instruction))
		h.Write([]byte{0})
		if d.Enabled {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
		for j := range d.Params {
			p := &d.Params[j]
			h.Write([]byte(p.Name))
			h.Write([]byte{0})
			h.Write([]byte(p.Type))
			h.Write([]byte{0})
			h.Write([]byte(p.Description))
			h.Write([]byte{0})
			if p.Required {
				h.Write([]byte{1})
			} else {
				h.Write([]byte{0})
			}
		}
	}
	// Dot-separated so the key is valid in NATS KV buckets.
	return "cmd.syntax." + hex.EncodeToString(h.Sum(nil))
}
