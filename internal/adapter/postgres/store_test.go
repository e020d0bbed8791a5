package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convoke-ai/convoke/internal/adapter/postgres"
	"github.com/convoke-ai/convoke/internal/config"
	"github.com/convoke-ai/convoke/internal/domain"
	"github.com/convoke-ai/convoke/internal/domain/mode"
	"github.com/convoke-ai/convoke/internal/domain/toolcall"
	"github.com/convoke-ai/convoke/internal/domain/turn"
	"github.com/convoke-ai/convoke/internal/port/trajectory"
)

// setupPool connects, runs migrations, and returns a ready pool. Skips the
// test when DATABASE_URL is not set.
func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	cfg := config.Defaults().Postgres
	cfg.DSN = dsn
	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestTurnStoreSaveGetRoundTrip(t *testing.T) {
	store := postgres.NewTurnStore(setupPool(t))
	ctx := context.Background()

	tr := turn.New("meta-"+uuid.NewString(), mode.ModeChat)
	tr.Model = "gpt-4o"
	tr.Input = "read a.txt"
	tr.Output = "done"
	tr.Cmds = []toolcall.Cmd{{Cmd: "read_file", Params: map[string]any{"path": "a.txt"}}}
	tr.Results = []toolcall.Result{{Request: toolcall.Cmd{Cmd: "read_file"}, Result: "contents"}}
	tr.TokensIn, tr.TokensOut = 10, 4

	if err := store.Save(ctx, tr); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Input != tr.Input || got.Output != tr.Output || got.Model != tr.Model {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.Cmds) != 1 || got.Cmds[0].Cmd != "read_file" {
		t.Errorf("cmds lost: %+v", got.Cmds)
	}
	if len(got.Results) != 1 {
		t.Errorf("results lost: %+v", got.Results)
	}

	// Upsert: mutate and save again.
	tr.Output = "updated"
	tr.Stopped = true
	tr.UpdatedAt = time.Now().UTC()
	if err := store.Save(ctx, tr); err != nil {
		t.Fatalf("second save: %v", err)
	}
	got, err = store.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Output != "updated" || !got.Stopped {
		t.Errorf("update lost: %+v", got)
	}
}

func TestTurnStoreGetNotFound(t *testing.T) {
	store := postgres.NewTurnStore(setupPool(t))

	_, err := store.Get(context.Background(), uuid.NewString())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTurnStoreListByMetaOrderAndLimit(t *testing.T) {
	store := postgres.NewTurnStore(setupPool(t))
	ctx := context.Background()
	metaID := "meta-" + uuid.NewString()

	base := time.Now().UTC().Add(-time.Hour)
	for i := range 5 {
		tr := turn.New(metaID, mode.ModeChat)
		tr.Input = string(rune('a' + i))
		tr.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		tr.UpdatedAt = tr.CreatedAt
		if err := store.Save(ctx, tr); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	all, err := store.ListByMeta(ctx, metaID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 5 || all[0].Input != "a" || all[4].Input != "e" {
		t.Fatalf("expected 5 oldest-first, got %d", len(all))
	}

	// Limit keeps the newest N but still returns oldest first.
	latest, err := store.ListByMeta(ctx, metaID, 2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(latest) != 2 || latest[0].Input != "d" || latest[1].Input != "e" {
		t.Fatalf("expected newest two oldest-first, got %+v", latest)
	}
}

func TestTrajectoryStoreAppendAndList(t *testing.T) {
	store := postgres.NewTrajectoryStore(setupPool(t))
	ctx := context.Background()

	turnID := uuid.NewString()
	metaID := "meta-" + uuid.NewString()
	kinds := []trajectory.Kind{trajectory.KindTurnStarted, trajectory.KindToolCalled, trajectory.KindTurnFinished}

	base := time.Now().UTC()
	for i, kind := range kinds {
		rec := &trajectory.Record{
			ID:        uuid.NewString(),
			TurnID:    turnID,
			MetaID:    metaID,
			Kind:      kind,
			Payload:   []byte(`{"step": ` + string(rune('0'+i)) + `}`),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("append %s: %v", kind, err)
		}
	}

	byTurn, err := store.ListByTurn(ctx, turnID)
	if err != nil {
		t.Fatalf("list by turn: %v", err)
	}
	if len(byTurn) != 3 || byTurn[0].Kind != trajectory.KindTurnStarted || byTurn[2].Kind != trajectory.KindTurnFinished {
		t.Fatalf("unexpected trajectory order: %+v", byTurn)
	}

	byMeta, err := store.ListByMeta(ctx, metaID)
	if err != nil {
		t.Fatalf("list by meta: %v", err)
	}
	if len(byMeta) != 3 {
		t.Fatalf("expected 3 records by meta, got %d", len(byMeta))
	}
}
