package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// ChunkEmbeddingRow is one embedded code chunk as persisted. The ID doubles
// as the vector point ID in the search index, so upserts preserve it.
type ChunkEmbeddingRow struct {
	ID         uuid.UUID
	ProjectID  string
	CommitSHA  string
	FilePath   string
	StartLine  int
	EndLine    int
	Language   string
	SymbolName string
	ChunkHash  string
	Snippet    string
	Embedding  pgvector.Vector
}

// ReplaceChunkEmbeddings reconciles a project's stored embeddings with the
// given set in one transaction: chunks absent from the new set are deleted,
// survivors are upserted keyed on (project_id, chunk_hash), and matching
// outbox entries are queued so the search index converges. An empty set
// clears the project.
func (db *DB) ReplaceChunkEmbeddings(ctx context.Context, projectID string, rows []ChunkEmbeddingRow) error {
	hashes := make([]string, len(rows))
	for i, r := range rows {
		hashes[i] = r.ChunkHash
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin embeddings tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Queue index deletions for vanished chunks before removing the rows
	// that carry their point IDs.
	if _, err = tx.Exec(ctx,
		`INSERT INTO search_outbox (chunk_id, project_id, operation)
		 SELECT id, $1, 'delete' FROM chunk_embeddings
		 WHERE project_id = $1 AND chunk_hash <> ALL($2)
		 ON CONFLICT (chunk_id, operation) DO UPDATE SET created_at = now(), attempts = 0, locked_until = NULL`,
		projectID, hashes,
	); err != nil {
		return fmt.Errorf("storage: queue outbox deletes: %w", err)
	}

	if _, err = tx.Exec(ctx,
		`DELETE FROM chunk_embeddings WHERE project_id = $1 AND chunk_hash <> ALL($2)`,
		projectID, hashes,
	); err != nil {
		return fmt.Errorf("storage: delete vanished chunks: %w", err)
	}

	if len(rows) > 0 {
		if err := copyChunkEmbeddingsTx(ctx, tx, projectID, rows); err != nil {
			return err
		}
	}

	// Queue index upserts for everything in the new set.
	if _, err = tx.Exec(ctx,
		`INSERT INTO search_outbox (chunk_id, project_id, operation)
		 SELECT id, $1, 'upsert' FROM chunk_embeddings
		 WHERE project_id = $1 AND chunk_hash = ANY($2)
		 ON CONFLICT (chunk_id, operation) DO UPDATE SET created_at = now(), attempts = 0, locked_until = NULL`,
		projectID, hashes,
	); err != nil {
		return fmt.Errorf("storage: queue outbox upserts: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit embeddings tx: %w", err)
	}
	return nil
}

// copyChunkEmbeddingsTx bulk-loads rows through a temp table so re-embedded
// chunks update in place, keeping their row ID (and thus their search index
// point) stable across runs.
func copyChunkEmbeddingsTx(ctx context.Context, tx pgx.Tx, projectID string, rows []ChunkEmbeddingRow) error {
	if _, err := tx.Exec(ctx,
		`CREATE TEMP TABLE _incoming_chunks (LIKE chunk_embeddings INCLUDING DEFAULTS) ON COMMIT DROP`,
	); err != nil {
		return fmt.Errorf("storage: create chunk temp table: %w", err)
	}

	now := time.Now().UTC()
	columns := []string{"id", "project_id", "commit_sha", "file_path", "start_line", "end_line",
		"language", "symbol_name", "chunk_hash", "snippet", "embedding", "created_at"}
	copyRows := make([][]any, len(rows))
	for i, r := range rows {
		id := r.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		copyRows[i] = []any{id, projectID, r.CommitSHA, r.FilePath, r.StartLine, r.EndLine,
			r.Language, r.SymbolName, r.ChunkHash, r.Snippet, r.Embedding, now}
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"_incoming_chunks"}, columns, pgx.CopyFromRows(copyRows)); err != nil {
		return fmt.Errorf("storage: copy into chunk temp table: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO chunk_embeddings SELECT * FROM _incoming_chunks
		 ON CONFLICT (project_id, chunk_hash) DO UPDATE SET
		   commit_sha = EXCLUDED.commit_sha,
		   file_path = EXCLUDED.file_path,
		   start_line = EXCLUDED.start_line,
		   end_line = EXCLUDED.end_line,
		   language = EXCLUDED.language,
		   symbol_name = EXCLUDED.symbol_name,
		   snippet = EXCLUDED.snippet,
		   embedding = EXCLUDED.embedding,
		   created_at = EXCLUDED.created_at`,
	); err != nil {
		return fmt.Errorf("storage: insert from chunk temp table: %w", err)
	}
	return nil
}

// SimilarChunk is one nearest-neighbor match from the pgvector fallback
// search. Score is cosine similarity in [0, 1], higher is closer.
type SimilarChunk struct {
	ID         uuid.UUID `json:"id"`
	FilePath   string    `json:"file_path"`
	StartLine  int       `json:"start_line"`
	EndLine    int       `json:"end_line"`
	Language   string    `json:"language"`
	SymbolName string    `json:"symbol_name,omitempty"`
	Snippet    string    `json:"snippet"`
	Score      float64   `json:"score"`
}

// SimilarChunks runs a cosine nearest-neighbor query over a project's
// embeddings. This is the Postgres fallback used when the dedicated vector
// index is unavailable. If limit <= 0, it defaults to 10.
func (db *DB) SimilarChunks(ctx context.Context, projectID string, query pgvector.Vector, limit int) ([]SimilarChunk, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, file_path, start_line, end_line, language, symbol_name, snippet,
		        1 - (embedding <=> $2) AS score
		 FROM chunk_embeddings
		 WHERE project_id = $1
		 ORDER BY embedding <=> $2
		 LIMIT $3`, projectID, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: similar chunks: %w", err)
	}
	defer rows.Close()

	var matches []SimilarChunk
	for rows.Next() {
		var m SimilarChunk
		if err := rows.Scan(&m.ID, &m.FilePath, &m.StartLine, &m.EndLine,
			&m.Language, &m.SymbolName, &m.Snippet, &m.Score); err != nil {
			return nil, fmt.Errorf("storage: scan similar chunk: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// ChunksByIDs fetches chunks by row ID for hydrating vector index matches.
// Missing IDs are simply absent from the map. Score is left zero; the caller
// carries the index's similarity score.
func (db *DB) ChunksByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]SimilarChunk, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]SimilarChunk{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, file_path, start_line, end_line, language, symbol_name, snippet
		 FROM chunk_embeddings
		 WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: chunks by ids: %w", err)
	}
	defer rows.Close()

	chunks := make(map[uuid.UUID]SimilarChunk, len(ids))
	for rows.Next() {
		var m SimilarChunk
		if err := rows.Scan(&m.ID, &m.FilePath, &m.StartLine, &m.EndLine,
			&m.Language, &m.SymbolName, &m.Snippet); err != nil {
			return nil, fmt.Errorf("storage: scan chunk: %w", err)
		}
		chunks[m.ID] = m
	}
	return chunks, rows.Err()
}

// CountChunkEmbeddings reports how many embedded chunks a project has.
func (db *DB) CountChunkEmbeddings(ctx context.Context, projectID string) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM chunk_embeddings WHERE project_id = $1`, projectID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count chunk embeddings: %w", err)
	}
	return n, nil
}
