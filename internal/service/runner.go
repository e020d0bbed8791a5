package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convoke-ai/convoke/internal/config"
	"github.com/convoke-ai/convoke/internal/domain/run"
	"github.com/convoke-ai/convoke/internal/domain/toolcall"
	"github.com/convoke-ai/convoke/internal/domain/turn"
	"github.com/convoke-ai/convoke/internal/port/broadcast"
	"github.com/convoke-ai/convoke/internal/port/provider"
	"github.com/convoke-ai/convoke/internal/port/trajectory"
)

// ExecFunc executes the turn's queued commands synchronously and populates
// t.Results. The runner wires it to the turn pipeline's command execution.
type ExecFunc func(ctx context.Context, t *turn.Turn) error

// OutputFunc handles a completed run's final assistant message, already set
// on t.Output. Wired to the turn pipeline's output handling.
type OutputFunc func(ctx context.Context, t *turn.Turn) error

// RunnerService polls provider-side assistant runs until a terminal state,
// bridging requires_action tool calls into the command pipeline and
// submitting the outputs back to continue the run.
type RunnerService struct {
	api         provider.AssistantAPI
	broadcaster broadcast.Broadcaster
	trajectory  trajectory.Store

	exec   ExecFunc
	output OutputFunc

	interval time.Duration
	timeout  time.Duration

	mu    sync.Mutex
	stops map[string]chan struct{} // run ID -> cooperative stop signal

	logger *slog.Logger
}

// NewRunnerService creates a RunnerService. broadcaster and store may be nil.
func NewRunnerService(api provider.AssistantAPI, b broadcast.Broadcaster, store trajectory.Store, cfg *config.Config, logger *slog.Logger) *RunnerService {
	return &RunnerService{
		api:         api,
		broadcaster: b,
		trajectory:  store,
		interval:    cfg.Runner.PollInterval,
		timeout:     cfg.Runner.Timeout,
		stops:       make(map[string]chan struct{}),
		logger:      logger.With("component", "runner"),
	}
}

// SetHandlers wires the command execution and output pipeline callbacks.
// Separate from the constructor because the turn service and runner
// reference each other.
func (s *RunnerService) SetHandlers(exec ExecFunc, output OutputFunc) {
	s.exec = exec
	s.output = output
}

// Stop requests cooperative cancellation of an active run. The polling loop
// observes the signal at its next iteration boundary, asks the provider to
// cancel, and marks the turn as stopped.
func (s *RunnerService) Stop(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.stops[runID]; ok {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
}

// Poll drives one run to a terminal state. The turn must carry RunID and
// ThreadID. Returns the final run snapshot; failure-class terminal states
// are reported on the snapshot, not as an error, so the caller can unlock
// input and surface an alert without a retry.
func (s *RunnerService) Poll(ctx context.Context, t *turn.Turn) (*run.Run, error) {
	if t.RunID == "" || t.ThreadID == "" {
		return nil, fmt.Errorf("turn %s: run polling requires run_id and thread_id", t.ID)
	}

	stop := s.registerStop(t.RunID)
	defer s.unregisterStop(t.RunID)

	r := &run.Run{
		ID:        t.RunID,
		ThreadID:  t.ThreadID,
		TurnID:    t.ID,
		Status:    run.StatusQueued,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	deadline := time.NewTimer(s.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.cancel(t, r)
			return r, ctx.Err()
		case <-stop:
			s.cancel(t, r)
			return r, nil
		case <-deadline.C:
			s.logger.Warn("run polling deadline exceeded", "run_id", r.ID)
			s.cancel(t, r)
			s.transition(ctx, t, r, run.StatusExpired, "polling deadline exceeded")
			return r, nil
		case <-ticker.C:
		}

		state, err := s.api.RetrieveRun(ctx, t.ThreadID, t.RunID)
		if err != nil {
			s.logger.Error("run retrieve failed", "run_id", r.ID, "error", err)
			continue
		}

		s.transition(ctx, t, r, state.Status, state.LastError)
		t.TokensIn, t.TokensOut = state.TokensIn, state.TokensOut

		switch {
		case state.Status == run.StatusRequiresAction:
			if err := s.resolveAction(ctx, t, r, state.RequiredAction); err != nil {
				s.logger.Error("tool output submission failed", "run_id", r.ID, "error", err)
				s.transition(ctx, t, r, run.StatusFailed, err.Error())
				return r, nil
			}
		case state.Status == run.StatusCompleted:
			return r, s.complete(ctx, t)
		case state.Status.Failure():
			s.alert(ctx, r)
			return r, nil
		}
	}
}

// resolveAction unpacks the run's pending tool calls, executes them through
// the command pipeline, and acknowledges every call with an output.
func (s *RunnerService) resolveAction(ctx context.Context, t *turn.Turn, r *run.Run, action *run.RequiredAction) error {
	if action == nil || len(action.ToolCalls) == 0 {
		return fmt.Errorf("run %s: requires_action with no tool calls", r.ID)
	}

	calls := toolcall.UnpackNative(action.ToolCalls)
	t.ToolCalls = calls
	t.Cmds = toolcall.ToCmds(calls)
	t.Results = nil

	s.record(ctx, t, trajectory.KindToolCalled, calls)

	if s.exec == nil {
		return fmt.Errorf("run %s: no command executor wired", r.ID)
	}
	if err := s.exec(ctx, t); err != nil {
		return fmt.Errorf("execute run commands: %w", err)
	}

	resultsJSON, err := t.ResultsJSON()
	if err != nil {
		s.logger.Error("run results not serializable", "run_id", r.ID, "error", err)
		resultsJSON = ""
	}
	outputs := toolcall.OutputsFor(calls, resultsJSON)

	s.record(ctx, t, trajectory.KindToolResult, outputs)

	if err := s.api.SubmitToolOutputs(ctx, t.ThreadID, t.RunID, outputs); err != nil {
		return fmt.Errorf("submit tool outputs: %w", err)
	}

	// The run resumes server-side; the next poll observes the new status.
	t.Cmds = nil
	t.ToolCalls = nil
	t.Results = nil
	return nil
}

// complete fetches the final assistant message and hands it to the output
// pipeline, where tool-call extraction runs exactly as for any other output.
func (s *RunnerService) complete(ctx context.Context, t *turn.Turn) error {
	msg, err := s.api.LatestMessage(ctx, t.ThreadID)
	if err != nil {
		return fmt.Errorf("fetch final message: %w", err)
	}
	t.Output = msg

	if s.output == nil {
		return nil
	}
	return s.output(ctx, t)
}

// cancel asks the provider to cancel the run and marks the turn stopped so
// downstream flows treat the output as partial rather than erroring.
func (s *RunnerService) cancel(t *turn.Turn, r *run.Run) {
	t.Stopped = true

	// Detached context: the caller's context may already be cancelled.
	cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.api.CancelRun(cancelCtx, t.ThreadID, t.RunID); err != nil {
		s.logger.Warn("run cancel request failed", "run_id", r.ID, "error", err)
	}
	s.transition(cancelCtx, t, r, run.StatusCancelling, "")
}

// transition applies a status change, logging lifecycle violations without
// halting the loop; the provider is authoritative about its own runs.
func (s *RunnerService) transition(ctx context.Context, t *turn.Turn, r *run.Run, to run.Status, lastError string) {
	if r.Status == to {
		return
	}
	if !run.CanTransition(r.Status, to) {
		s.logger.Warn("unexpected run status transition", "run_id", r.ID, "from", r.Status, "to", to)
	}

	s.logger.Info("run status", "run_id", r.ID, "from", r.Status, "to", to)
	r.Status = to
	r.LastError = lastError
	r.UpdatedAt = time.Now().UTC()

	if s.broadcaster != nil {
		s.broadcaster.BroadcastEvent(ctx, "run.status", map[string]any{
			"run_id":  r.ID,
			"turn_id": r.TurnID,
			"status":  string(to),
			"error":   lastError,
		})
	}
	s.record(ctx, t, trajectory.KindRunStatus, map[string]string{
		"run_id": r.ID,
		"status": string(to),
		"error":  lastError,
	})
}

// alert surfaces a failure-class terminal state to connected clients.
func (s *RunnerService) alert(ctx context.Context, r *run.Run) {
	s.logger.Error("run failed", "run_id", r.ID, "status", r.Status, "error", r.LastError)
	if s.broadcaster != nil {
		s.broadcaster.BroadcastEvent(ctx, "run.alert", map[string]any{
			"run_id": r.ID,
			"status": string(r.Status),
			"error":  r.LastError,
		})
	}
}

func (s *RunnerService) record(ctx context.Context, t *turn.Turn, kind trajectory.Kind, payload any) {
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

func (s *RunnerService) registerStop(runID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.stops[runID] = ch
	return ch
}

func (s *RunnerService) unregisterStop(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stops, runID)
}
