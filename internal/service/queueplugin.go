package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/convoke-ai/convoke/internal/domain/event"
	"github.com/convoke-ai/convoke/internal/domain/toolcall"
	"github.com/convoke-ai/convoke/internal/port/messagequeue"
)

// queueExecTimeout bounds how long one command batch may stay in flight on
// the queue before the dispatch pass moves on.
const queueExecTimeout = 5 * time.Minute

// QueuePlugin bridges command execution to out-of-process workers over the
// message queue. On cmd.execute it publishes the batch and blocks until a
// worker publishes the correlated result; on force.stop it broadcasts the
// stop so workers can abandon in-flight batches.
type QueuePlugin struct {
	queue   messagequeue.Queue
	waiter  *syncWaiter[[]toolcall.Result]
	timeout time.Duration
	enabled bool
	cancel  func()
	logger  *slog.Logger
}

// NewQueuePlugin creates the queue-backed execution plugin. It is disabled
// until Start succeeds, so a missing queue never blocks local plugins.
func NewQueuePlugin(q messagequeue.Queue, logger *slog.Logger) *QueuePlugin {
	return &QueuePlugin{
		queue:   q,
		waiter:  newSyncWaiter[[]toolcall.Result](),
		timeout: queueExecTimeout,
		logger:  logger.With("component", "queue-plugin"),
	}
}

// Start subscribes to worker results and enables the plugin.
func (p *QueuePlugin) Start(ctx context.Context) error {
	cancel, err := p.queue.Subscribe(ctx, messagequeue.SubjectCmdResult, p.onResult)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", messagequeue.SubjectCmdResult, err)
	}
	p.cancel = cancel
	p.enabled = true
	return nil
}

// Stop cancels the result subscription and disables the plugin.
func (p *QueuePlugin) Stop() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.enabled = false
}

func (p *QueuePlugin) ID() string    { return "queue-workers" }
func (p *QueuePlugin) Enabled() bool { return p.enabled && p.queue.IsConnected() }

// Handle publishes cmd.execute batches to workers and relays force.stop.
func (p *QueuePlugin) Handle(ctx context.Context, ev *event.Event) error {
	switch ev.Name {
	case event.CmdExecute:
		data, ok := ev.Data.(*event.Execute)
		if !ok || len(data.Cmds) == 0 {
			return nil
		}
		results, err := p.execute(ctx, ev.Ctx.ID, data.Cmds)
		if err != nil {
			return err
		}
		data.Results = append(data.Results, results...)
		return nil
	case event.ForceStop:
		payload, err := json.Marshal(map[string]string{"turn_id": ev.Ctx.ID})
		if err != nil {
			return err
		}
		return p.queue.Publish(ctx, messagequeue.SubjectTurnStop, payload)
	default:
		return nil
	}
}

// execute publishes one batch and blocks until the correlated result arrives
// or the timeout elapses.
func (p *QueuePlugin) execute(ctx context.Context, turnID string, cmds []toolcall.Cmd) ([]toolcall.Result, error) {
	raw, err := json.Marshal(cmds)
	if err != nil {
		return nil, fmt.Errorf("marshal command batch: %w", err)
	}

	batchID := uuid.NewString()
	payload, err := json.Marshal(messagequeue.CmdExecutePayload{
		TurnID:  turnID,
		BatchID: batchID,
		Cmds:    raw,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal execute payload: %w", err)
	}

	ch := p.waiter.register(batchID)
	defer p.waiter.unregister(batchID)

	if err := p.queue.Publish(ctx, messagequeue.SubjectCmdExecute, payload); err != nil {
		return nil, err
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case results := <-ch:
		if results == nil {
			return nil, nil
		}
		return *results, nil
	case <-timer.C:
		return nil, fmt.Errorf("batch %s: no worker result within %s", batchID, p.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// onResult delivers a worker result to the registered waiter.
func (p *QueuePlugin) onResult(_ context.Context, _ string, data []byte) error {
	var msg messagequeue.CmdResultPayload
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode result payload: %w", err)
	}

	var results []toolcall.Result
	if len(msg.Results) > 0 {
		if err := json.Unmarshal(msg.Results, &results); err != nil {
			return fmt.Errorf("decode results for batch %s: %w", msg.BatchID, err)
		}
	}

	if !p.waiter.deliver(msg.BatchID, &results) {
		p.logger.Debug("late worker result discarded", "batch_id", msg.BatchID)
	}
	return nil
}
