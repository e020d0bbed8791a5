package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convoke-ai/convoke/internal/domain"
	"github.com/convoke-ai/convoke/internal/domain/mode"
	"github.com/convoke-ai/convoke/internal/domain/toolcall"
	"github.com/convoke-ai/convoke/internal/domain/turn"
)

// TurnStore implements the turnstore port on PostgreSQL.
type TurnStore struct {
	pool *pgxpool.Pool
}

// NewTurnStore creates a TurnStore backed by the given connection pool.
func NewTurnStore(pool *pgxpool.Pool) *TurnStore {
	return &TurnStore{pool: pool}
}

const turnColumns = `id, meta_id, mode, model, input, output, cmds, tool_calls, results, extra,
	reply, internal, sub_call, hidden, stopped, run_id, thread_id, prev_id,
	tokens_in, tokens_out, created_at, updated_at`

// Save inserts or updates a turn. The turn is the unit of persistence; the
// pipeline saves at every boundary, so upsert keeps the write path simple.
func (s *TurnStore) Save(ctx context.Context, t *turn.Turn) error {
	cmds, err := json.Marshal(t.Cmds)
	if err != nil {
		return fmt.Errorf("marshal cmds: %w", err)
	}
	calls, err := json.Marshal(t.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}
	results, err := json.Marshal(t.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO turns (`+turnColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		 ON CONFLICT (id) DO UPDATE SET
			mode = EXCLUDED.mode,
			model = EXCLUDED.model,
			input = EXCLUDED.input,
			output = EXCLUDED.output,
			cmds = EXCLUDED.cmds,
			tool_calls = EXCLUDED.tool_calls,
			results = EXCLUDED.results,
			extra = EXCLUDED.extra,
			reply = EXCLUDED.reply,
			internal = EXCLUDED.internal,
			sub_call = EXCLUDED.sub_call,
			hidden = EXCLUDED.hidden,
			stopped = EXCLUDED.stopped,
			run_id = EXCLUDED.run_id,
			thread_id = EXCLUDED.thread_id,
			prev_id = EXCLUDED.prev_id,
			tokens_in = EXCLUDED.tokens_in,
			tokens_out = EXCLUDED.tokens_out,
			updated_at = EXCLUDED.updated_at`,
		t.ID, t.MetaID, string(t.Mode), t.Model, t.Input, t.Output, cmds, calls, results, t.Extra,
		t.Reply, t.Internal, t.SubCall, t.Hidden, t.Stopped, t.RunID, t.ThreadID, t.PrevID,
		t.TokensIn, t.TokensOut, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn %s: %w", t.ID, err)
	}
	return nil
}

// Get returns a turn by ID.
func (s *TurnStore) Get(ctx context.Context, id string) (*turn.Turn, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+turnColumns+` FROM turns WHERE id = $1`, id)
	t, err := scanTurn(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get turn %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get turn %s: %w", id, err)
	}
	return t, nil
}

// ListByMeta returns the most recent turns of a conversation, oldest first,
// capped at limit (0 means no cap).
func (s *TurnStore) ListByMeta(ctx context.Context, metaID string, limit int) ([]turn.Turn, error) {
	q := `SELECT ` + turnColumns + ` FROM turns WHERE meta_id = $1 ORDER BY created_at`
	args := []any{metaID}
	if limit > 0 {
		// Newest N, then reversed so callers always see oldest first.
		q = `SELECT ` + turnColumns + ` FROM (
			SELECT ` + turnColumns + ` FROM turns WHERE meta_id = $1 ORDER BY created_at DESC LIMIT $2
		) latest ORDER BY created_at`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list turns for %s: %w", metaID, err)
	}
	defer rows.Close()

	var turns []turn.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, *t)
	}
	return turns, rows.Err()
}

func scanTurn(row pgx.Row) (*turn.Turn, error) {
	var t turn.Turn
	var m string
	var cmds, calls, results []byte

	err := row.Scan(
		&t.ID, &t.MetaID, &m, &t.Model, &t.Input, &t.Output, &cmds, &calls, &results, &t.Extra,
		&t.Reply, &t.Internal, &t.SubCall, &t.Hidden, &t.Stopped, &t.RunID, &t.ThreadID, &t.PrevID,
		&t.TokensIn, &t.TokensOut, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Mode = mode.Mode(m)

	if len(cmds) > 0 {
		if err := json.Unmarshal(cmds, &t.Cmds); err != nil {
			return nil, fmt.Errorf("unmarshal cmds: %w", err)
		}
	}
	if len(calls) > 0 {
		if err := json.Unmarshal(calls, &t.ToolCalls); err != nil {
			return nil, fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	if len(results) > 0 {
		var rs []toolcall.Result
		if err := json.Unmarshal(results, &rs); err != nil {
			return nil, fmt.Errorf("unmarshal results: %w", err)
		}
		t.Results = rs
	}
	return &t, nil
}
