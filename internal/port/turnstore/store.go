// Package turnstore defines the port for turn persistence at pipeline
// boundaries.
package turnstore

import (
	"context"

	"github.com/convoke-ai/convoke/internal/domain/turn"
)

// Store is the port interface for persisting conversation turns.
type Store interface {
	// Save inserts or updates a turn.
	Save(ctx context.Context, t *turn.Turn) error

	// Get returns a turn by ID.
	Get(ctx context.Context, id string) (*turn.Turn, error)

	// ListByMeta returns the most recent turns of a conversation, oldest
	// first, capped at limit (0 means no cap).
	ListByMeta(ctx context.Context, metaID string, limit int) ([]turn.Turn, error)
}
