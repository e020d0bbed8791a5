package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/convoke-ai/convoke/internal/config"
	"github.com/convoke-ai/convoke/internal/domain/event"
	"github.com/convoke-ai/convoke/internal/domain/mode"
	"github.com/convoke-ai/convoke/internal/domain/toolcall"
	"github.com/convoke-ai/convoke/internal/domain/turn"
)

// Plugin is the capability interface every registered plugin must satisfy.
// Registration-time typing replaces duck-typed handler lookup: a value that
// does not implement Plugin cannot be registered at all.
type Plugin interface {
	// ID returns the plugin's unique identifier.
	ID() string
	// Enabled reports whether the plugin participates in normal dispatch.
	Enabled() bool
	// Handle processes one event. Errors are logged by the dispatcher and
	// never abort the dispatch pass.
	Handle(ctx context.Context, ev *event.Event) error
}

// SendFunc re-enters the turn pipeline with a reply turn. The dispatcher
// calls it when a flushed reply stack produces a follow-up model send.
type SendFunc func(ctx context.Context, t *turn.Turn) error

// Dispatcher is the process-wide event bus. It fans events out to registered
// plugins in registration order and reconciles tool-execution results through
// a single-flight reply stack.
type Dispatcher struct {
	mu      sync.Mutex
	plugins []Plugin

	// replyStack accumulates result batches for the pinned reply turn.
	// At most one reply chain is in flight at a time; a second AddReply
	// before a flush appends to the same stack.
	replyStack [][]toolcall.Result
	replyTurn  *turn.Turn

	send  SendFunc
	cfg   config.Dispatcher
	flags config.Experts
	extra bool // replace JSON list with raw extra content on single-batch flush
	nolog map[event.Name]struct{}

	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher. send may be nil until wired via SetSend;
// flushing without a send function drops the reply with a logged error.
func NewDispatcher(cfg *config.Config, logger *slog.Logger) *Dispatcher {
	nolog := make(map[event.Name]struct{}, len(cfg.Dispatcher.NoLogEvents))
	for _, name := range cfg.Dispatcher.NoLogEvents {
		nolog[event.Name(name)] = struct{}{}
	}
	return &Dispatcher{
		cfg:    cfg.Dispatcher,
		flags:  cfg.Experts,
		extra:  cfg.Commands.ReplyExtra,
		nolog:  nolog,
		logger: logger.With("component", "dispatcher"),
	}
}

// SetSend wires the pipeline re-entry used by FlushReplyStack. Separate from
// the constructor because the turn service and dispatcher reference each other.
func (d *Dispatcher) SetSend(send SendFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.send = send
}

// Register appends a plugin to the dispatch order. Returns an error if the
// plugin ID is already registered.
func (d *Dispatcher) Register(p Plugin) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, existing := range d.plugins {
		if existing.ID() == p.ID() {
			return fmt.Errorf("plugin %q already registered", p.ID())
		}
	}
	d.plugins = append(d.plugins, p)
	return nil
}

// Plugins returns the registered plugin IDs in dispatch order.
func (d *Dispatcher) Plugins() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]string, len(d.plugins))
	for i, p := range d.plugins {
		ids[i] = p.ID()
	}
	return ids
}

// Dispatch fans the event out to registered plugins in registration order.
// Disabled plugins are skipped unless all is true. The pass halts the moment
// any handler sets ev.Stop. Handler errors are logged and never abort the
// pass. Returns the IDs of the plugins actually invoked.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *event.Event, all bool) []string {
	d.mu.Lock()
	plugins := make([]Plugin, len(d.plugins))
	copy(plugins, d.plugins)
	d.mu.Unlock()

	log := d.shouldLog(ev)
	if log {
		d.logger.Debug("dispatch begin", "event", ev.Name, "plugins", len(plugins))
	}

	var invoked []string
	for _, p := range plugins {
		if ev.Stop {
			break
		}
		if !all && !p.Enabled() {
			continue
		}
		invoked = append(invoked, p.ID())
		if err := d.invoke(ctx, p, ev); err != nil {
			d.logger.Error("plugin handler failed", "event", ev.Name, "plugin", p.ID(), "error", err)
		}
	}

	if log {
		d.logger.Debug("dispatch end", "event", ev.Name, "invoked", invoked, "stop", ev.Stop)
	}
	return invoked
}

// invoke runs one handler, converting a panic into an error so a misbehaving
// plugin cannot take down the dispatch pass.
func (d *Dispatcher) invoke(ctx context.Context, p Plugin, ev *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin %q panicked: %v", p.ID(), r)
		}
	}()
	return p.Handle(ctx, ev)
}

func (d *Dispatcher) shouldLog(ev *event.Event) bool {
	if ev.Silent || !d.cfg.LogEvents {
		return false
	}
	_, muted := d.nolog[ev.Name]
	return !muted
}

// AsyncAllowed reports whether command execution for the turn may run on the
// worker pool. False when the turn is internal, the mode resolves work
// synchronously, a controller loop is active, or more than one command is
// queued. Multiple simultaneous commands always serialize to avoid
// interleaved side effects.
func (d *Dispatcher) AsyncAllowed(t *turn.Turn) bool {
	if t.Internal {
		return false
	}
	if len(t.Cmds) > 1 {
		return false
	}
	if mode.Synchronous(t.Mode) {
		return false
	}
	if d.flags.LegacyAgent || d.flags.Orchestrate {
		return false
	}
	return true
}

// AddReply appends a result batch to the reply stack, pinning the turn as the
// current reply chain if none is pinned yet. When flush is true, or the turn
// must resolve synchronously, the stack is flushed immediately.
func (d *Dispatcher) AddReply(ctx context.Context, t *turn.Turn, results []toolcall.Result, flush bool) error {
	if len(results) == 0 {
		return nil
	}

	d.mu.Lock()
	if d.replyTurn == nil {
		d.replyTurn = t
	}
	d.replyStack = append(d.replyStack, results)
	depth := len(d.replyStack)
	d.mu.Unlock()

	d.logger.Debug("reply accumulated", "turn_id", t.ID, "batch", len(results), "depth", depth)

	if flush || !d.AsyncAllowed(t) {
		return d.FlushReplyStack(ctx)
	}
	return nil
}

// FlushReplyStack concatenates every pending batch into one ordered result
// list, builds the reply payload, and re-enters the pipeline as a reply turn.
// The stack and pinned turn are cleared unconditionally, even when there is
// nothing to flush or the send fails.
func (d *Dispatcher) FlushReplyStack(ctx context.Context) error {
	d.mu.Lock()
	stack := d.replyStack
	t := d.replyTurn
	send := d.send
	d.replyStack = nil
	d.replyTurn = nil
	d.mu.Unlock()

	if len(stack) == 0 || t == nil {
		return nil
	}

	var results []toolcall.Result
	for _, batch := range stack {
		results = append(results, batch...)
	}
	t.AppendResults(results)

	input, err := t.ResultsJSON()
	if err != nil {
		d.logger.Error("reply results not serializable", "turn_id", t.ID, "error", err)
		input = "[]"
	}
	if d.extra && len(stack) == 1 && t.Extra != "" {
		input = t.Extra
	}

	if send == nil {
		d.logger.Error("reply flush dropped, no send wired", "turn_id", t.ID)
		return nil
	}

	d.logger.Info("reply flush", "turn_id", t.ID, "batches", len(stack), "results", len(results))

	reply := t.ReplyChild(input)
	if err := send(ctx, reply); err != nil {
		d.logger.Error("reply send failed", "turn_id", t.ID, "error", err)
		return err
	}
	return nil
}

// ClearReplyStack drops any pending batches without sending a reply.
// Used on stop and on turn teardown.
func (d *Dispatcher) ClearReplyStack() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replyStack = nil
	d.replyTurn = nil
}

// PendingReplies returns the number of accumulated batches, for diagnostics.
func (d *Dispatcher) PendingReplies() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.replyStack)
}
