package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/convoke-ai/convoke/internal/config"
	"github.com/convoke-ai/convoke/internal/domain/event"
	"github.com/convoke-ai/convoke/internal/domain/mode"
	"github.com/convoke-ai/convoke/internal/domain/toolcall"
	"github.com/convoke-ai/convoke/internal/domain/turn"
	"github.com/convoke-ai/convoke/internal/port/broadcast"
	"github.com/convoke-ai/convoke/internal/port/provider"
	"github.com/convoke-ai/convoke/internal/port/trajectory"
	"github.com/convoke-ai/convoke/internal/port/turnstore"
)

// historyLimit caps how many prior turns are replayed to the provider.
const historyLimit = 50

// TurnService drives a turn through the full pipeline: pre-model events,
// prompt assembly, the provider call, output normalization, command
// execution, and reply re-entry. It is the SendFunc behind the dispatcher's
// reply flush and the experts' reply injection.
type TurnService struct {
	dispatcher *Dispatcher
	commands   *CommandService
	experts    *ExpertsService
	runner     *RunnerService

	bridge     provider.Bridge
	assistants provider.AssistantAPI

	store       turnstore.Store
	trajectory  trajectory.Store
	broadcaster broadcast.Broadcaster
	pool        *WorkerPool

	basePrompt string
	logger     *slog.Logger
}

// TurnDeps bundles the collaborators of a TurnService.
type TurnDeps struct {
	Dispatcher  *Dispatcher
	Commands    *CommandService
	Experts     *ExpertsService
	Runner      *RunnerService
	Bridge      provider.Bridge
	Assistants  provider.AssistantAPI
	Store       turnstore.Store
	Trajectory  trajectory.Store
	Broadcaster broadcast.Broadcaster
	Pool        *WorkerPool
}

// NewTurnService creates a TurnService and wires itself into the dispatcher
// reply flush, the experts' reply injection, and the runner's callbacks.
func NewTurnService(deps TurnDeps, cfg *config.Config, logger *slog.Logger) *TurnService {
	s := &TurnService{
		dispatcher:  deps.Dispatcher,
		commands:    deps.Commands,
		experts:     deps.Experts,
		runner:      deps.Runner,
		bridge:      deps.Bridge,
		assistants:  deps.Assistants,
		store:       deps.Store,
		trajectory:  deps.Trajectory,
		broadcaster: deps.Broadcaster,
		pool:        deps.Pool,
		basePrompt:  cfg.Prompt.System,
		logger:      logger.With("component", "turns"),
	}

	s.dispatcher.SetSend(s.Send)
	if s.experts != nil {
		s.experts.SetSend(s.Send)
	}
	if s.runner != nil {
		s.runner.SetHandlers(s.execForRunner, s.HandleOutput)
	}
	return s
}

// Send drives one turn through the pipeline. It blocks until the model call
// resolves and synchronous command execution settles; async-allowed command
// batches continue on the worker pool after Send returns.
func (s *TurnService) Send(ctx context.Context, t *turn.Turn) error {
	if err := t.Validate(); err != nil {
		return err
	}

	s.record(ctx, t, trajectory.KindTurnStarted, map[string]any{
		"mode":  string(t.Mode),
		"reply": t.Reply,
	})
	s.persist(ctx, t)

	s.preModelEvents(ctx, t)

	native := s.commands.NativeEnabled(t.Mode, t.Model)
	prompt := s.systemPrompt(ctx, t, native)

	var err error
	if t.Mode == mode.ModeAssistant {
		err = s.sendAssistant(ctx, t, prompt)
	} else {
		err = s.sendChat(ctx, t, prompt, native)
	}
	if err != nil {
		s.alert(ctx, t, err)
		return err
	}

	s.persist(ctx, t)
	return nil
}

// preModelEvents runs the mutation hooks that may rewrite input, mode, and
// model before the prompt is assembled.
func (s *TurnService) preModelEvents(ctx context.Context, t *turn.Turn) {
	if !t.Reply && !t.SubCall {
		ev := event.New(event.UserSend, t).WithText(t.Input)
		ev.Internal = t.Internal
		s.dispatcher.Dispatch(ctx, ev, false)
		t.Input = ev.Data.(*event.Text).Value
	}

	ev := event.New(event.InputBefore, t).WithText(t.Input)
	ev.Internal = t.Internal
	s.dispatcher.Dispatch(ctx, ev, false)
	t.Input = ev.Data.(*event.Text).Value

	me := event.New(event.ModeBefore, t).WithText(string(t.Mode))
	s.dispatcher.Dispatch(ctx, me, false)
	if m := mode.Mode(me.Data.(*event.Text).Value); mode.Valid(m) {
		t.Mode = m
	}

	mo := event.New(event.ModelBefore, t).WithText(t.Model)
	s.dispatcher.Dispatch(ctx, mo, false)
	t.Model = mo.Data.(*event.Text).Value

	s.dispatcher.Dispatch(ctx, event.New(event.CtxBefore, t), false)
}

// systemPrompt assembles the system prompt: the configured base, handler
// rewrites, the expert roster, and the legacy command syntax block when
// native tool calls are off.
func (s *TurnService) systemPrompt(ctx context.Context, t *turn.Turn, native bool) string {
	ev := event.New(event.SystemPrompt, t).WithText(s.basePrompt)
	s.dispatcher.Dispatch(ctx, ev, false)
	prompt := ev.Data.(*event.Text).Value

	if s.experts != nil {
		prompt += s.experts.Prompt(native)
	}

	if !native {
		appended, err := s.commands.AppendSyntax(ctx, t, prompt)
		if err != nil {
			s.logger.Error("command syntax append failed", "turn_id", t.ID, "error", err)
		} else {
			prompt = appended
		}
	}
	return prompt
}

// sendChat performs the synchronous bridge round-trip and hands the output
// to the normalization pipeline.
func (s *TurnService) sendChat(ctx context.Context, t *turn.Turn, prompt string, native bool) error {
	req := &provider.Request{
		MetaID:       t.MetaID,
		Mode:         t.Mode,
		Model:        t.Model,
		SystemPrompt: prompt,
		Input:        t.Input,
		History:      s.history(ctx, t),
	}
	if native {
		req.Tools = s.commands.FunctionDefs(ctx, t)
	}

	resp, err := s.bridge.Call(ctx, req)
	if err != nil {
		return fmt.Errorf("model call: %w", err)
	}

	t.Output = resp.Output
	t.ToolCalls = toolcall.UnpackNative(resp.ToolCalls)
	t.TokensIn, t.TokensOut = resp.TokensIn, resp.TokensOut

	s.dispatcher.Dispatch(ctx, event.New(event.CtxAfter, t), false)

	return s.HandleOutput(ctx, t)
}

// sendAssistant starts a provider-side run and polls it to completion. The
// runner feeds requires_action tool calls back through execForRunner and
// completed output through HandleOutput.
func (s *TurnService) sendAssistant(ctx context.Context, t *turn.Turn, prompt string) error {
	if s.assistants == nil || s.runner == nil {
		return fmt.Errorf("assistant mode is not configured")
	}

	threadID, err := s.assistants.EnsureThread(ctx, t.ThreadID)
	if err != nil {
		return fmt.Errorf("ensure thread: %w", err)
	}
	t.ThreadID = threadID

	runID, err := s.assistants.StartRun(ctx, threadID, t.Input, prompt)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	t.RunID = runID
	s.persist(ctx, t)

	r, err := s.runner.Poll(ctx, t)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	if r.Status.Failure() {
		// Already surfaced by the runner; input stays unlocked, no retry.
		s.logger.Warn("run ended in failure state", "run_id", r.ID, "status", r.Status)
	}
	return nil
}

// HandleOutput normalizes the turn's output into commands and executes them.
// Expert delegations take precedence: a delegating turn is consumed by the
// delegation round-trips and never also executes commands.
func (s *TurnService) HandleOutput(ctx context.Context, t *turn.Turn) error {
	if t.Stopped {
		s.finish(ctx, t)
		return nil
	}

	if s.experts != nil && s.experts.HasCalls(t) {
		return s.delegate(ctx, t)
	}

	switch {
	case len(t.ToolCalls) > 0:
		t.Cmds = toolcall.ToCmds(t.ToolCalls)
	case toolcall.HasCmds(t.Output):
		t.Cmds = toolcall.ExtractCmds(t.Output)
	}

	if !t.HasCmds() {
		s.finish(ctx, t)
		return nil
	}

	s.record(ctx, t, trajectory.KindToolCalled, t.Cmds)

	if s.dispatcher.AsyncAllowed(t) {
		// Detached context: the request that triggered the turn may finish
		// before background execution does. Completion requests an explicit
		// flush, since the async rule alone would leave the stack pinned.
		bg := context.WithoutCancel(ctx)
		s.pool.Go(bg, "cmd-execute:"+t.ID, func() error {
			return s.executeAndReply(bg, t, true)
		})
		return nil
	}
	return s.executeAndReply(ctx, t, false)
}

// delegate runs every extracted expert call sequentially, in stable order.
func (s *TurnService) delegate(ctx context.Context, t *turn.Turn) error {
	calls := s.experts.ExtractCalls(t)
	ids := make([]string, 0, len(calls))
	for id := range calls {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := s.experts.Call(ctx, t, id, calls[id]); err != nil {
			s.logger.Error("expert delegation failed", "turn_id", t.ID, "expert", id, "error", err)
		}
	}
	return nil
}

// ExecuteCmds dispatches the command batch to plugins and returns the
// accumulated results. Used directly by the assistant runner, which submits
// the results to the provider instead of a reply turn.
func (s *TurnService) ExecuteCmds(ctx context.Context, t *turn.Turn) ([]toolcall.Result, error) {
	ev := event.New(event.CmdExecute, t).WithExecute(t.Cmds)
	ev.Internal = t.Internal
	s.dispatcher.Dispatch(ctx, ev, false)

	data, ok := ev.Data.(*event.Execute)
	if !ok {
		return nil, fmt.Errorf("turn %s: execute payload lost during dispatch", t.ID)
	}

	s.record(ctx, t, trajectory.KindToolResult, data.Results)
	return data.Results, nil
}

// executeAndReply executes the batch and feeds the results into the reply
// stack, which flushes into a follow-up send per the async rules.
func (s *TurnService) executeAndReply(ctx context.Context, t *turn.Turn, flush bool) error {
	results, err := s.ExecuteCmds(ctx, t)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		s.finish(ctx, t)
		return nil
	}

	s.record(ctx, t, trajectory.KindReplyFlushed, map[string]int{"results": len(results)})
	return s.dispatcher.AddReply(ctx, t, results, flush)
}

// execForRunner adapts ExecuteCmds to the runner's callback: results land on
// the turn so the runner can serialize them for tool-output submission.
func (s *TurnService) execForRunner(ctx context.Context, t *turn.Turn) error {
	results, err := s.ExecuteCmds(ctx, t)
	if err != nil {
		return err
	}
	t.AppendResults(results)
	return nil
}

// Stop requests cooperative cancellation of the turn: the force-stop event
// reaches every plugin, pending replies are dropped, and an active run poll
// is signalled.
func (s *TurnService) Stop(ctx context.Context, t *turn.Turn) {
	t.Stopped = true

	ev := event.New(event.ForceStop, t)
	ev.Internal = true
	s.dispatcher.Dispatch(ctx, ev, false)

	s.dispatcher.ClearReplyStack()
	if s.runner != nil && t.RunID != "" {
		s.runner.Stop(t.RunID)
	}
	s.persist(ctx, t)
}

// finish settles the turn: the end event fires, the turn is persisted, and
// clients are notified.
func (s *TurnService) finish(ctx context.Context, t *turn.Turn) {
	s.dispatcher.Dispatch(ctx, event.New(event.CtxEnd, t), false)
	s.persist(ctx, t)
	s.record(ctx, t, trajectory.KindTurnFinished, map[string]any{
		"stopped": t.Stopped,
		"cmds":    len(t.Cmds),
	})
	if s.broadcaster != nil && !t.Hidden {
		s.broadcaster.BroadcastEvent(ctx, "turn.finished", map[string]any{
			"turn_id": t.ID,
			"meta_id": t.MetaID,
			"stopped": t.Stopped,
		})
	}
}

// history replays prior visible turns of the conversation as provider
// messages, oldest first.
func (s *TurnService) history(ctx context.Context, t *turn.Turn) []provider.Message {
	if s.store == nil {
		return nil
	}
	turns, err := s.store.ListByMeta(ctx, t.MetaID, historyLimit)
	if err != nil {
		s.logger.Warn("history load failed", "meta_id", t.MetaID, "error", err)
		return nil
	}

	var msgs []provider.Message
	for i := range turns {
		prev := &turns[i]
		if prev.ID == t.ID || prev.Hidden || prev.Internal {
			continue
		}
		if prev.Input != "" {
			msgs = append(msgs, provider.Message{Role: "user", Content: prev.Input})
		}
		if prev.Output != "" {
			msgs = append(msgs, provider.Message{Role: "assistant", Content: prev.Output})
		}
	}
	return msgs
}

func (s *TurnService) persist(ctx context.Context, t *turn.Turn) {
	if s.store == nil {
		return
	}
	t.UpdatedAt = time.Now().UTC()
	if err := s.store.Save(ctx, t); err != nil {
		s.logger.Error("turn persist failed", "turn_id", t.ID, "error", err)
	}
}

func (s *TurnService) alert(ctx context.Context, t *turn.Turn, err error) {
	s.logger.Error("turn failed", "turn_id", t.ID, "error", err)
	if s.broadcaster != nil {
		s.broadcaster.BroadcastEvent(ctx, "turn.error", map[string]any{
			"turn_id": t.ID,
			"meta_id": t.MetaID,
			"error":   err.Error(),
		})
	}
	s.persist(ctx, t)
}

func (s *TurnService) record(ctx context.Context, t *turn.Turn, kind trajectory.Kind, payload any) {
	if s.trajectory == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	rec := &trajectory.Record{
		ID:        uuid.NewString(),
		TurnID:    t.ID,
		MetaID:    t.MetaID,
		Kind:      kind,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.trajectory.Append(ctx, rec); err != nil {
		s.logger.Warn("trajectory append failed", "kind", kind, "error", err)
	}
}
