// Package local implements the local vector-similarity memory provider:
// embeddings plus relational similarity search, with full CRUD fidelity.
// It has no external account or session model, which makes it the only
// provider eligible as the router's fallback.
package local

import (
	"context"

	"github.com/talk2me/talk2me/internal/memory"
)

// Store abstracts the backing row store. Two implementations exist: a
// Postgres store using a pgvector column, and an in-process store for
// development and tests.
type Store interface {
	Insert(ctx context.Context, m *memory.Memory) error

	// Search returns memories for userID ranked by cosine similarity to
	// queryVec, dropping hits below threshold, capped at limit.
	Search(ctx context.Context, userID string, queryVec []float32, limit int, threshold float64) ([]*memory.Memory, error)

	List(ctx context.Context, userID string, filter memory.ListFilter) ([]*memory.Memory, error)
	Get(ctx context.Context, id string) (*memory.Memory, error)
	Update(ctx context.Context, id string, upd memory.Update) (*memory.Memory, error)
	UpdateEmbedding(ctx context.Context, id string, vec []float32) error
	Delete(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close() error
}
