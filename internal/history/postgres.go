// Package history persists answered question/SQL pairs per project. The
// conversation service writes on success; the ask handler reads recent
// pairs to seed a request that arrives without histories.
package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/querypilot/querypilot/internal/pipeline"
)

// Store is backed by Postgres via pgx.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// TestConnection pings the database.
func (s *Store) TestConnection(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping history db: %w", err)
	}
	return nil
}

// Migrate creates the history table if missing. Safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS ask_history (
    query_id   TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    question   TEXT NOT NULL,
    sql        TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS ask_history_project_idx
    ON ask_history (project_id, created_at DESC)`)
	if err != nil {
		return fmt.Errorf("migrate history: %w", err)
	}
	return nil
}

// Save records one answered turn. A replayed query_id overwrites its row.
func (s *Store) Save(ctx context.Context, queryID, projectID, question, sql string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO ask_history (query_id, project_id, question, sql)
VALUES ($1, $2, $3, $4)
ON CONFLICT (query_id) DO UPDATE SET question = EXCLUDED.question, sql = EXCLUDED.sql`,
		queryID, projectID, question, sql)
	if err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

// Recent returns up to limit pairs for the project, most recent last, the
// order the conversation state machine expects.
func (s *Store) Recent(ctx context.Context, projectID string, limit int) ([]pipeline.History, error) {
	rows, err := s.pool.Query(ctx, `
SELECT question, sql
FROM ask_history
WHERE project_id = $1
ORDER BY created_at DESC
LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var newestFirst []pipeline.History
	for rows.Next() {
		var h pipeline.History
		if err := rows.Scan(&h.Question, &h.SQL); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		newestFirst = append(newestFirst, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	// Reverse to most-recent-last.
	out := make([]pipeline.History, len(newestFirst))
	for i, h := range newestFirst {
		out[len(newestFirst)-1-i] = h
	}
	return out, nil
}
