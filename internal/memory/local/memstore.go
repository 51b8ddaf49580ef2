package local

import (
	"context"
	"database/sql"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/talk2me/talk2me/internal/memory"
)

// MemStore is a thread-safe in-process Store performing brute-force cosine
// similarity search. Used for development and tests; behavior matches the
// Postgres store (threshold filtering, user scoping, newest-first listing).
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]*memory.Memory
}

// NewMemStore creates an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]*memory.Memory)}
}

// Insert stores a copy of m.
func (s *MemStore) Insert(ctx context.Context, m *memory.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.entries[m.ID] = &cp
	return nil
}

// Search ranks the user's memories by cosine similarity to queryVec.
func (s *MemStore) Search(ctx context.Context, userID string, queryVec []float32, limit int, threshold float64) ([]*memory.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []*memory.Memory
	for _, entry := range s.entries {
		if entry.UserID != userID {
			continue
		}
		if len(entry.Embedding) != len(queryVec) {
			continue
		}
		sim := cosineSimilarity(queryVec, entry.Embedding)
		if float64(sim) < threshold {
			continue
		}
		cp := *entry
		cp.Similarity = float64(sim)
		hits = append(hits, &cp)
	}

	sort.Slice(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// List returns the user's memories matching the filter, newest first.
func (s *MemStore) List(ctx context.Context, userID string, filter memory.ListFilter) ([]*memory.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*memory.Memory
	for _, entry := range s.entries {
		if entry.UserID != userID {
			continue
		}
		if filter.Type != "" && string(entry.Type) != filter.Type {
			continue
		}
		if filter.ImportanceMin > 0 && entry.Importance < filter.ImportanceMin {
			continue
		}
		cp := *entry
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// Get fetches one memory by ID. Returns sql.ErrNoRows when absent, matching
// the Postgres store's contract.
func (s *MemStore) Get(ctx context.Context, id string) (*memory.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *entry
	return &cp, nil
}

// Update applies summary/importance/type changes.
func (s *MemStore) Update(ctx context.Context, id string, upd memory.Update) (*memory.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, sql.ErrNoRows
	}

	if upd.Summary != nil {
		entry.Summary = *upd.Summary
	}
	if upd.Importance != nil {
		entry.Importance = memory.ClampImportance(*upd.Importance)
	}
	if upd.Type != nil {
		t, _ := memory.NormalizeType(*upd.Type)
		entry.Type = t
	}
	entry.UpdatedAt = time.Now()

	cp := *entry
	return &cp, nil
}

// UpdateEmbedding replaces the stored vector for id.
func (s *MemStore) UpdateEmbedding(ctx context.Context, id string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return sql.ErrNoRows
	}
	entry.Embedding = vec
	entry.UpdatedAt = time.Now()
	return nil
}

// Delete removes a memory by ID.
func (s *MemStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return sql.ErrNoRows
	}
	delete(s.entries, id)
	return nil
}

// Ping always succeeds for the in-process store.
func (s *MemStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-process store.
func (s *MemStore) Close() error {
	return nil
}

func cosineSimilarity(a, b []float32) float32 {
	var dotProduct, normA, normB float32
	for i := 0; i < len(a); i++ {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}
