package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/convoke-ai/convoke/internal/config"
	"github.com/convoke-ai/convoke/internal/domain/event"
	"github.com/convoke-ai/convoke/internal/domain/mode"
	"github.com/convoke-ai/convoke/internal/domain/toolcall"
	"github.com/convoke-ai/convoke/internal/domain/turn"
)

type fakePlugin struct {
	id      string
	enabled bool
	handle  func(ctx context.Context, ev *event.Event) error
	calls   int
}

func (p *fakePlugin) ID() string    { return p.id }
func (p *fakePlugin) Enabled() bool { return p.enabled }
func (p *fakePlugin) Handle(ctx context.Context, ev *event.Event) error {
	p.calls++
	if p.handle != nil {
		return p.handle(ctx, ev)
	}
	return nil
}

func testDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	cfg := config.Defaults()
	return NewDispatcher(&cfg, slog.New(slog.DiscardHandler))
}

func TestDispatchOrderAndIDs(t *testing.T) {
	d := testDispatcher(t)

	var order []string
	mk := func(id string) *fakePlugin {
		return &fakePlugin{id: id, enabled: true, handle: func(context.Context, *event.Event) error {
			order = append(order, id)
			return nil
		}}
	}
	for _, id := range []string{"a", "b", "c"} {
		if err := d.Register(mk(id)); err != nil {
			t.Fatal(err)
		}
	}

	ev := event.New(event.CmdExecute, turn.New("meta", mode.ModeChat))
	invoked := d.Dispatch(context.Background(), ev, false)

	if len(invoked) != 3 {
		t.Fatalf("expected 3 invoked, got %v", invoked)
	}
	for i, id := range []string{"a", "b", "c"} {
		if order[i] != id || invoked[i] != id {
			t.Fatalf("expected registration order a,b,c, got order=%v invoked=%v", order, invoked)
		}
	}
}

func TestDispatchStopShortCircuits(t *testing.T) {
	d := testDispatcher(t)

	stopper := &fakePlugin{id: "stopper", enabled: true, handle: func(_ context.Context, ev *event.Event) error {
		ev.Stop = true
		return nil
	}}
	after := &fakePlugin{id: "after", enabled: true}

	_ = d.Register(stopper)
	_ = d.Register(after)

	ev := event.New(event.CmdExecute, nil)
	invoked := d.Dispatch(context.Background(), ev, false)

	if len(invoked) != 1 || invoked[0] != "stopper" {
		t.Fatalf("expected only stopper invoked, got %v", invoked)
	}
	if after.calls != 0 {
		t.Fatal("handler after stop must not be invoked")
	}
}

func TestDispatchSkipsDisabledUnlessAll(t *testing.T) {
	d := testDispatcher(t)

	disabled := &fakePlugin{id: "off", enabled: false}
	_ = d.Register(disabled)

	ev := event.New(event.CmdSyntax, nil)
	if invoked := d.Dispatch(context.Background(), ev, false); len(invoked) != 0 {
		t.Fatalf("disabled plugin invoked: %v", invoked)
	}
	if invoked := d.Dispatch(context.Background(), ev, true); len(invoked) != 1 {
		t.Fatalf("all=true should force disabled plugin, got %v", invoked)
	}
}

func TestDispatchHandlerErrorDoesNotAbortPass(t *testing.T) {
	d := testDispatcher(t)

	_ = d.Register(&fakePlugin{id: "bad", enabled: true, handle: func(context.Context, *event.Event) error {
		return errors.New("boom")
	}})
	second := &fakePlugin{id: "good", enabled: true}
	_ = d.Register(second)

	invoked := d.Dispatch(context.Background(), event.New(event.CmdExecute, nil), false)
	if len(invoked) != 2 {
		t.Fatalf("expected both plugins invoked, got %v", invoked)
	}
	if second.calls != 1 {
		t.Fatal("second plugin should still run after first errors")
	}
}

func TestDispatchHandlerPanicIsContained(t *testing.T) {
	d := testDispatcher(t)

	_ = d.Register(&fakePlugin{id: "panicky", enabled: true, handle: func(context.Context, *event.Event) error {
		panic("handler bug")
	}})
	second := &fakePlugin{id: "good", enabled: true}
	_ = d.Register(second)

	invoked := d.Dispatch(context.Background(), event.New(event.CmdExecute, nil), false)
	if len(invoked) != 2 || second.calls != 1 {
		t.Fatalf("panic must not abort the pass, got %v", invoked)
	}
}

func TestRegisterDuplicateID(t *testing.T) {
	d := testDispatcher(t)
	_ = d.Register(&fakePlugin{id: "dup", enabled: true})
	if err := d.Register(&fakePlugin{id: "dup", enabled: true}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestAsyncAllowed(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*turn.Turn)
		flags  config.Experts
		want   bool
	}{
		{
			name:   "chat single cmd",
			modify: func(tr *turn.Turn) { tr.Cmds = []toolcall.Cmd{{Cmd: "one"}} },
			want:   true,
		},
		{
			name:   "internal turn",
			modify: func(tr *turn.Turn) { tr.Internal = true },
			want:   false,
		},
		{
			name: "multiple cmds force sync regardless of mode",
			modify: func(tr *turn.Turn) {
				tr.Cmds = []toolcall.Cmd{{Cmd: "one"}, {Cmd: "two"}}
			},
			want: false,
		},
		{
			name:   "assistant mode",
			modify: func(tr *turn.Turn) { tr.Mode = mode.ModeAssistant },
			want:   false,
		},
		{
			name:   "agent mode",
			modify: func(tr *turn.Turn) { tr.Mode = mode.ModeAgent },
			want:   false,
		},
		{
			name:   "expert mode",
			modify: func(tr *turn.Turn) { tr.Mode = mode.ModeExpert },
			want:   false,
		},
		{
			name:   "legacy agent controller active",
			modify: func(*turn.Turn) {},
			flags:  config.Experts{LegacyAgent: true},
			want:   false,
		},
		{
			name:   "orchestration controller active",
			modify: func(*turn.Turn) {},
			flags:  config.Experts{Orchestrate: true},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			cfg.Experts = tt.flags
			d := NewDispatcher(&cfg, slog.New(slog.DiscardHandler))

			tr := turn.New("meta", mode.ModeChat)
			tt.modify(tr)

			if got := d.AsyncAllowed(tr); got != tt.want {
				t.Errorf("AsyncAllowed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAddReplyAccumulates(t *testing.T) {
	d := testDispatcher(t)

	tr := turn.New("meta", mode.ModeChat)
	tr.Cmds = []toolcall.Cmd{{Cmd: "read_file"}}

	batch1 := []toolcall.Result{{Request: toolcall.Cmd{Cmd: "read_file"}, Result: "a"}}
	batch2 := []toolcall.Result{{Request: toolcall.Cmd{Cmd: "read_file"}, Result: "b"}}

	if err := d.AddReply(context.Background(), tr, batch1, false); err != nil {
		t.Fatal(err)
	}
	if err := d.AddReply(context.Background(), tr, batch2, false); err != nil {
		t.Fatal(err)
	}

	if got := d.PendingReplies(); got != 2 {
		t.Fatalf("expected 2 accumulated batches, got %d", got)
	}
}

func TestFlushEmptyStackIsNoOp(t *testing.T) {
	d := testDispatcher(t)
	d.SetSend(func(context.Context, *turn.Turn) error {
		t.Fatal("send must not be called on empty flush")
		return nil
	})
	if err := d.FlushReplyStack(context.Background()); err != nil {
		t.Fatalf("empty flush should be a no-op, got %v", err)
	}
}

func TestFlushConcatenatesInOrder(t *testing.T) {
	d := testDispatcher(t)

	var sent *turn.Turn
	d.SetSend(func(_ context.Context, reply *turn.Turn) error {
		sent = reply
		return nil
	})

	tr := turn.New("meta", mode.ModeChat)
	tr.Cmds = []toolcall.Cmd{{Cmd: "first"}}

	_ = d.AddReply(context.Background(), tr, []toolcall.Result{
		{Request: toolcall.Cmd{Cmd: "first"}, Result: 1},
	}, false)
	_ = d.AddReply(context.Background(), tr, []toolcall.Result{
		{Request: toolcall.Cmd{Cmd: "second"}, Result: 2},
	}, false)

	if err := d.FlushReplyStack(context.Background()); err != nil {
		t.Fatal(err)
	}

	if sent == nil {
		t.Fatal("expected a reply send")
	}
	if !sent.Reply {
		t.Error("reply turn must carry the reply flag")
	}
	if sent.PrevID != tr.ID {
		t.Errorf("reply turn must chain to the parent, got prev %q", sent.PrevID)
	}

	var results []toolcall.Result
	if err := json.Unmarshal([]byte(sent.Input), &results); err != nil {
		t.Fatalf("reply input is not a result list: %v", err)
	}
	if len(results) != 2 || results[0].Request.Cmd != "first" || results[1].Request.Cmd != "second" {
		t.Fatalf("expected ordered concatenation, got %+v", results)
	}

	// Stack and pin cleared after flush.
	if d.PendingReplies() != 0 {
		t.Error("stack must be cleared after flush")
	}
}

func TestFlushUsesExtraForSingleBatch(t *testing.T) {
	cfg := config.Defaults()
	cfg.Commands.ReplyExtra = true
	d := NewDispatcher(&cfg, slog.New(slog.DiscardHandler))

	var sent *turn.Turn
	d.SetSend(func(_ context.Context, reply *turn.Turn) error {
		sent = reply
		return nil
	})

	tr := turn.New("meta", mode.ModeChat)
	tr.Extra = "raw tool transcript"

	_ = d.AddReply(context.Background(), tr, []toolcall.Result{
		{Request: toolcall.Cmd{Cmd: "x"}, Result: "y"},
	}, false)
	if err := d.FlushReplyStack(context.Background()); err != nil {
		t.Fatal(err)
	}

	if sent == nil || sent.Input != "raw tool transcript" {
		t.Fatalf("expected raw extra content as reply input, got %+v", sent)
	}
}

func TestFlushClearsStackOnSendFailure(t *testing.T) {
	d := testDispatcher(t)
	d.SetSend(func(context.Context, *turn.Turn) error {
		return errors.New("pipeline down")
	})

	tr := turn.New("meta", mode.ModeChat)
	_ = d.AddReply(context.Background(), tr, []toolcall.Result{
		{Request: toolcall.Cmd{Cmd: "x"}, Result: "y"},
	}, false)

	if err := d.FlushReplyStack(context.Background()); err == nil {
		t.Fatal("expected send error to propagate")
	}
	if d.PendingReplies() != 0 {
		t.Error("stack must be cleared even when send fails")
	}
}

func TestAddReplySyncModeFlushesImmediately(t *testing.T) {
	d := testDispatcher(t)

	sent := 0
	d.SetSend(func(context.Context, *turn.Turn) error {
		sent++
		return nil
	})

	tr := turn.New("meta", mode.ModeAgent)
	if err := d.AddReply(context.Background(), tr, []toolcall.Result{
		{Request: toolcall.Cmd{Cmd: "x"}, Result: "y"},
	}, false); err != nil {
		t.Fatal(err)
	}

	if sent != 1 {
		t.Fatalf("synchronous mode must flush immediately, sends=%d", sent)
	}
}

func TestClearReplyStack(t *testing.T) {
	d := testDispatcher(t)

	tr := turn.New("meta", mode.ModeChat)
	tr.Cmds = []toolcall.Cmd{{Cmd: "one"}}
	_ = d.AddReply(context.Background(), tr, []toolcall.Result{
		{Request: toolcall.Cmd{Cmd: "one"}, Result: "r"},
	}, false)

	d.ClearReplyStack()
	if d.PendingReplies() != 0 {
		t.Error("expected cleared stack")
	}
}
