package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// GetCheckpoint looks up a cached chunk analysis by (project, chunk hash).
// The boolean reports whether a checkpoint exists; a miss is not an error.
func (db *DB) GetCheckpoint(ctx context.Context, projectID, chunkHash string) (model.Checkpoint, bool, error) {
	var cp model.Checkpoint
	err := db.pool.QueryRow(ctx,
		`SELECT project_id, commit_sha, chunk_hash, file_path, result_json, created_at
		 FROM checkpoints WHERE project_id = $1 AND chunk_hash = $2`,
		projectID, chunkHash,
	).Scan(&cp.ProjectID, &cp.CommitSHA, &cp.ChunkHash, &cp.FilePath, &cp.ResultJSON, &cp.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Checkpoint{}, false, nil
		}
		return model.Checkpoint{}, false, fmt.Errorf("storage: get checkpoint: %w", err)
	}
	return cp, true, nil
}

// PutCheckpoint stores a chunk analysis result, replacing any previous
// result for the same (project, chunk hash).
func (db *DB) PutCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO checkpoints (project_id, commit_sha, chunk_hash, file_path, result_json)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (project_id, chunk_hash)
		 DO UPDATE SET commit_sha = EXCLUDED.commit_sha,
		               file_path = EXCLUDED.file_path,
		               result_json = EXCLUDED.result_json,
		               created_at = now()`,
		cp.ProjectID, cp.CommitSHA, cp.ChunkHash, cp.FilePath, cp.ResultJSON,
	)
	if err != nil {
		return fmt.Errorf("storage: put checkpoint: %w", err)
	}
	return nil
}

// CountCheckpoints returns how many checkpoints exist for a project at the
// given commit.
func (db *DB) CountCheckpoints(ctx context.Context, projectID, commitSHA string) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM checkpoints WHERE project_id = $1 AND commit_sha = $2`,
		projectID, commitSHA,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count checkpoints: %w", err)
	}
	return n, nil
}

// InvalidateCheckpoints deletes a project's checkpoints. A non-empty
// keepCommitSHA preserves checkpoints for that commit (the usual call when
// a project moves to a new commit); empty wipes everything.
func (db *DB) InvalidateCheckpoints(ctx context.Context, projectID, keepCommitSHA string) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM checkpoints
		 WHERE project_id = $1 AND ($2 = '' OR commit_sha <> $2)`,
		projectID, keepCommitSHA,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: invalidate checkpoints: %w", err)
	}
	return tag.RowsAffected(), nil
}
