package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/convoke-ai/convoke/internal/domain/event"
	"github.com/convoke-ai/convoke/internal/domain/mode"
	"github.com/convoke-ai/convoke/internal/domain/toolcall"
	"github.com/convoke-ai/convoke/internal/domain/turn"
	"github.com/convoke-ai/convoke/internal/port/messagequeue"
)

// fakeQueue captures publishes and lets tests drive subscriptions by hand.
type fakeQueue struct {
	mu        sync.Mutex
	published map[string][][]byte
	handlers  map[string]messagequeue.Handler
	connected bool
	pubErr    error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		published: make(map[string][][]byte),
		handlers:  make(map[string]messagequeue.Handler),
		connected: true,
	}
}

func (q *fakeQueue) Publish(_ context.Context, subject string, data []byte) error {
	if q.pubErr != nil {
		return q.pubErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published[subject] = append(q.published[subject], data)
	return nil
}

func (q *fakeQueue) Subscribe(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[subject] = h
	return func() {}, nil
}

func (q *fakeQueue) Drain() error      { return nil }
func (q *fakeQueue) Close() error      { return nil }
func (q *fakeQueue) IsConnected() bool { return q.connected }

func (q *fakeQueue) lastPublished(t *testing.T, subject string) []byte {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.published[subject]
	if len(msgs) == 0 {
		t.Fatalf("nothing published on %s", subject)
	}
	return msgs[len(msgs)-1]
}

func startedQueuePlugin(t *testing.T, q *fakeQueue) *QueuePlugin {
	t.Helper()
	p := NewQueuePlugin(q, slog.New(slog.DiscardHandler))
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestQueuePluginExecuteRoundTrip(t *testing.T) {
	q := newFakeQueue()
	p := startedQueuePlugin(t, q)

	tr := turn.New("meta", mode.ModeChat)
	ev := event.New(event.CmdExecute, tr).WithExecute([]toolcall.Cmd{
		{Cmd: "read_file", Params: map[string]any{"path": "a.txt"}},
	})

	done := make(chan error, 1)
	go func() { done <- p.Handle(context.Background(), ev) }()

	// Wait for the batch to be published, then answer it like a worker.
	var req messagequeue.CmdExecutePayload
	deadline := time.After(time.Second)
	for {
		q.mu.Lock()
		n := len(q.published[messagequeue.SubjectCmdExecute])
		q.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("batch never published")
		case <-time.After(time.Millisecond):
		}
	}
	if err := json.Unmarshal(q.lastPublished(t, messagequeue.SubjectCmdExecute), &req); err != nil {
		t.Fatal(err)
	}
	if req.TurnID != tr.ID || req.BatchID == "" {
		t.Fatalf("unexpected batch payload: %+v", req)
	}

	results, _ := json.Marshal([]toolcall.Result{
		{Request: toolcall.Cmd{Cmd: "read_file"}, Result: "worker output"},
	})
	reply, _ := json.Marshal(messagequeue.CmdResultPayload{
		TurnID:  req.TurnID,
		BatchID: req.BatchID,
		Results: results,
	})
	handler := q.handlers[messagequeue.SubjectCmdResult]
	if handler == nil {
		t.Fatal("result subscription missing")
	}
	if err := handler(context.Background(), messagequeue.SubjectCmdResult, reply); err != nil {
		t.Fatal(err)
	}

	if err := <-done; err != nil {
		t.Fatal(err)
	}
	data := ev.Data.(*event.Execute)
	if len(data.Results) != 1 || data.Results[0].Result != "worker output" {
		t.Fatalf("results not appended: %+v", data.Results)
	}
}

func TestQueuePluginTimeout(t *testing.T) {
	q := newFakeQueue()
	p := startedQueuePlugin(t, q)
	p.timeout = 10 * time.Millisecond

	tr := turn.New("meta", mode.ModeChat)
	ev := event.New(event.CmdExecute, tr).WithExecute([]toolcall.Cmd{{Cmd: "read_file"}})

	if err := p.Handle(context.Background(), ev); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestQueuePluginContextCancel(t *testing.T) {
	q := newFakeQueue()
	p := startedQueuePlugin(t, q)

	ctx, cancel := context.WithCancel(context.Background())
	tr := turn.New("meta", mode.ModeChat)
	ev := event.New(event.CmdExecute, tr).WithExecute([]toolcall.Cmd{{Cmd: "read_file"}})

	done := make(chan error, 1)
	go func() { done <- p.Handle(ctx, ev) }()
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestQueuePluginForceStopBroadcast(t *testing.T) {
	q := newFakeQueue()
	p := startedQueuePlugin(t, q)

	tr := turn.New("meta", mode.ModeChat)
	if err := p.Handle(context.Background(), event.New(event.ForceStop, tr)); err != nil {
		t.Fatal(err)
	}

	var msg map[string]string
	if err := json.Unmarshal(q.lastPublished(t, messagequeue.SubjectTurnStop), &msg); err != nil {
		t.Fatal(err)
	}
	if msg["turn_id"] != tr.ID {
		t.Fatalf("unexpected stop payload: %v", msg)
	}
}

func TestQueuePluginDisabledStates(t *testing.T) {
	q := newFakeQueue()
	p := NewQueuePlugin(q, slog.New(slog.DiscardHandler))

	if p.Enabled() {
		t.Error("plugin must be disabled before Start")
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !p.Enabled() {
		t.Error("plugin must be enabled after Start")
	}

	q.connected = false
	if p.Enabled() {
		t.Error("plugin must report disabled while disconnected")
	}

	q.connected = true
	p.Stop()
	if p.Enabled() {
		t.Error("plugin must be disabled after Stop")
	}
}

func TestQueuePluginIgnoresUnrelatedEvents(t *testing.T) {
	q := newFakeQueue()
	p := startedQueuePlugin(t, q)

	tr := turn.New("meta", mode.ModeChat)
	if err := p.Handle(context.Background(), event.New(event.SystemPrompt, tr).WithText("x")); err != nil {
		t.Fatal(err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.published) != 0 {
		t.Fatalf("unexpected publishes: %v", q.published)
	}
}
