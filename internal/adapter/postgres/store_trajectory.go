package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convoke-ai/convoke/internal/port/trajectory"
)

// TrajectoryStore implements the trajectory port on PostgreSQL.
type TrajectoryStore struct {
	pool *pgxpool.Pool
}

// NewTrajectoryStore creates a TrajectoryStore backed by the given pool.
func NewTrajectoryStore(pool *pgxpool.Pool) *TrajectoryStore {
	return &TrajectoryStore{pool: pool}
}

// Append persists a new record. Records are immutable; there is no update.
func (s *TrajectoryStore) Append(ctx context.Context, rec *trajectory.Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trajectory_records (id, turn_id, meta_id, kind, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.TurnID, rec.MetaID, string(rec.Kind), []byte(rec.Payload), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append trajectory record %s: %w", rec.ID, err)
	}
	return nil
}

// ListByTurn returns all records for a turn, oldest first.
func (s *TrajectoryStore) ListByTurn(ctx context.Context, turnID string) ([]trajectory.Record, error) {
	return s.list(ctx, "turn_id", turnID)
}

// ListByMeta returns all records for a conversation, oldest first.
func (s *TrajectoryStore) ListByMeta(ctx context.Context, metaID string) ([]trajectory.Record, error) {
	return s.list(ctx, "meta_id", metaID)
}

func (s *TrajectoryStore) list(ctx context.Context, column, value string) ([]trajectory.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, turn_id, meta_id, kind, payload, created_at
		 FROM trajectory_records WHERE `+column+` = $1 ORDER BY created_at`,
		value,
	)
	if err != nil {
		return nil, fmt.Errorf("list trajectory by %s: %w", column, err)
	}
	defer rows.Close()

	var records []trajectory.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trajectory record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanRecord(row pgx.Row) (*trajectory.Record, error) {
	var rec trajectory.Record
	var kind string
	var payload []byte
	if err := row.Scan(&rec.ID, &rec.TurnID, &rec.MetaID, &kind, &payload, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Kind = trajectory.Kind(kind)
	rec.Payload = payload
	return &rec, nil
}
