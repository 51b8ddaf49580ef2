package local

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/talk2me/talk2me/internal/config"
	"github.com/talk2me/talk2me/internal/memory"
)

// PostgresStore implements Store on PostgreSQL with a pgvector column.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool and verifies connectivity.
func NewPostgresStore(cfg config.PostgresConfig) (*PostgresStore, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// EnsureSchema creates the memories table and pgvector extension if absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context, dimension int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id          UUID PRIMARY KEY,
			user_id     UUID NOT NULL,
			content     TEXT NOT NULL,
			summary     TEXT NOT NULL,
			importance  INTEGER NOT NULL DEFAULT 5,
			memory_type TEXT NOT NULL DEFAULT 'personal',
			entities    JSONB,
			embedding   vector(%d),
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, dimension),
		`CREATE INDEX IF NOT EXISTS memories_user_id_idx ON memories (user_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Insert stores a memory row.
func (s *PostgresStore) Insert(ctx context.Context, m *memory.Memory) error {
	entities, err := json.Marshal(m.Entities)
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}

	query := `
		INSERT INTO memories (id, user_id, content, summary, importance, memory_type, entities, embedding, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::vector, $9, $10)`

	_, err = s.db.ExecContext(ctx, query,
		m.ID, m.UserID, m.Content, m.Summary, m.Importance, string(m.Type),
		entities, vectorLiteral(m.Embedding), m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// Search performs a cosine-similarity search scoped to userID. pgvector's
// <=> operator is cosine distance, so similarity is 1 - distance.
func (s *PostgresStore) Search(ctx context.Context, userID string, queryVec []float32, limit int, threshold float64) ([]*memory.Memory, error) {
	query := `
		SELECT id, user_id, content, summary, importance, memory_type, entities,
		       created_at, updated_at, 1 - (embedding <=> $2::vector) AS similarity
		FROM memories
		WHERE user_id = $1 AND 1 - (embedding <=> $2::vector) >= $3
		ORDER BY embedding <=> $2::vector
		LIMIT $4`

	rows, err := s.db.QueryContext(ctx, query, userID, vectorLiteral(queryVec), threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanMemories(rows, true)
}

// List returns memories for userID matching the filter, newest first.
func (s *PostgresStore) List(ctx context.Context, userID string, filter memory.ListFilter) ([]*memory.Memory, error) {
	query := `
		SELECT id, user_id, content, summary, importance, memory_type, entities,
		       created_at, updated_at
		FROM memories
		WHERE user_id = $1`
	args := []any{userID}

	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(" AND memory_type = $%d", len(args))
	}
	if filter.ImportanceMin > 0 {
		args = append(args, filter.ImportanceMin)
		query += fmt.Sprintf(" AND importance >= $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanMemories(rows, false)
}

// Get fetches one memory by ID. Returns sql.ErrNoRows when absent.
func (s *PostgresStore) Get(ctx context.Context, id string) (*memory.Memory, error) {
	query := `
		SELECT id, user_id, content, summary, importance, memory_type, entities,
		       created_at, updated_at
		FROM memories
		WHERE id = $1`

	row := s.db.QueryRowContext(ctx, query, id)
	m, err := scanMemory(row.Scan, false)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get memory: %w", err)
	}
	return m, nil
}

// Update applies summary/importance/type changes and bumps updated_at.
func (s *PostgresStore) Update(ctx context.Context, id string, upd memory.Update) (*memory.Memory, error) {
	sets := []string{"updated_at = now()"}
	args := []any{id}

	if upd.Summary != nil {
		args = append(args, *upd.Summary)
		sets = append(sets, fmt.Sprintf("summary = $%d", len(args)))
	}
	if upd.Importance != nil {
		args = append(args, memory.ClampImportance(*upd.Importance))
		sets = append(sets, fmt.Sprintf("importance = $%d", len(args)))
	}
	if upd.Type != nil {
		t, _ := memory.NormalizeType(*upd.Type)
		args = append(args, string(t))
		sets = append(sets, fmt.Sprintf("memory_type = $%d", len(args)))
	}

	query := fmt.Sprintf("UPDATE memories SET %s WHERE id = $1", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, sql.ErrNoRows
	}

	return s.Get(ctx, id)
}

// UpdateEmbedding replaces the stored vector for id.
func (s *PostgresStore) UpdateEmbedding(ctx context.Context, id string, vec []float32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET embedding = $2::vector, updated_at = now() WHERE id = $1`,
		id, vectorLiteral(vec),
	)
	if err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete removes a memory by ID.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// vectorLiteral renders a float slice as a pgvector input literal.
func vectorLiteral(vec []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

func scanMemories(rows *sql.Rows, withSimilarity bool) ([]*memory.Memory, error) {
	var result []*memory.Memory
	for rows.Next() {
		m, err := scanMemory(rows.Scan, withSimilarity)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return result, nil
}

func scanMemory(scan func(...any) error, withSimilarity bool) (*memory.Memory, error) {
	var m memory.Memory
	var memType string
	var entities sql.NullString

	dest := []any{
		&m.ID, &m.UserID, &m.Content, &m.Summary, &m.Importance, &memType,
		&entities, &m.CreatedAt, &m.UpdatedAt,
	}
	if withSimilarity {
		dest = append(dest, &m.Similarity)
	}

	if err := scan(dest...); err != nil {
		return nil, err
	}

	m.Type = memory.Type(memType)
	if entities.Valid && entities.String != "" {
		if err := json.Unmarshal([]byte(entities.String), &m.Entities); err != nil {
			return nil, fmt.Errorf("unmarshal entities: %w", err)
		}
	}
	return &m, nil
}
