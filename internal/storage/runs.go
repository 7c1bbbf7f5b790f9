package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// CreateRun inserts a new analysis run in the analyzing state and returns it.
func (db *DB) CreateRun(ctx context.Context, projectID, commitSHA, branch string) (model.Run, error) {
	run := model.Run{
		ID:        model.NewID(),
		ProjectID: projectID,
		Status:    model.RunAnalyzing,
		CommitSHA: commitSHA,
		Branch:    branch,
		StartedAt: time.Now().UTC(),
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, project_id, status, commit_sha, branch, partial, error, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.ProjectID, string(run.Status), run.CommitSHA, run.Branch,
		run.Partial, run.Error, run.StartedAt,
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// SetRunCommit records the resolved commit once ingestion has pinned it.
// Runs are created before the repository is resolved, so the commit is
// unknown at insert time.
func (db *DB) SetRunCommit(ctx context.Context, id, commitSHA, branch string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE runs SET commit_sha = $1, branch = $2 WHERE id = $3`,
		commitSHA, branch, id,
	)
	if err != nil {
		return fmt.Errorf("storage: set run commit: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id string) (model.Run, error) {
	var run model.Run
	err := db.pool.QueryRow(ctx,
		`SELECT id, project_id, status, commit_sha, branch, partial, error, started_at, completed_at
		 FROM runs WHERE id = $1`, id,
	).Scan(
		&run.ID, &run.ProjectID, &run.Status, &run.CommitSHA, &run.Branch,
		&run.Partial, &run.Error, &run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// CompleteRun moves a run out of the analyzing state exactly once.
func (db *DB) CompleteRun(ctx context.Context, id string, status model.RunStatus, errMsg string, partial bool) error {
	now := time.Now().UTC()
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error = $2, partial = $3, completed_at = $4
		 WHERE id = $5 AND status = 'analyzing'`,
		string(status), errMsg, partial, now, id,
	)
	if err != nil {
		return fmt.Errorf("storage: complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run not found or already completed: %s", id)
	}
	return nil
}

// LatestRunByProject returns the most recently started run for a project.
func (db *DB) LatestRunByProject(ctx context.Context, projectID string) (model.Run, error) {
	var run model.Run
	err := db.pool.QueryRow(ctx,
		`SELECT id, project_id, status, commit_sha, branch, partial, error, started_at, completed_at
		 FROM runs WHERE project_id = $1
		 ORDER BY started_at DESC
		 LIMIT 1`, projectID,
	).Scan(
		&run.ID, &run.ProjectID, &run.Status, &run.CommitSHA, &run.Branch,
		&run.Partial, &run.Error, &run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: no runs for project %s: %w", projectID, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: latest run: %w", err)
	}
	return run, nil
}

// ListRunsByProject returns runs for a project ordered by started_at DESC,
// along with the total count for pagination.
func (db *DB) ListRunsByProject(ctx context.Context, projectID string, limit, offset int) ([]model.Run, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE project_id = $1`, projectID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, project_id, status, commit_sha, branch, partial, error, started_at, completed_at
		 FROM runs WHERE project_id = $1
		 ORDER BY started_at DESC
		 LIMIT $2 OFFSET $3`,
		projectID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		if err := rows.Scan(
			&r.ID, &r.ProjectID, &r.Status, &r.CommitSHA, &r.Branch,
			&r.Partial, &r.Error, &r.StartedAt, &r.CompletedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

// RecentRuns returns the most recently started runs across all projects.
func (db *DB) RecentRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, project_id, status, commit_sha, branch, partial, error, started_at, completed_at
		 FROM runs
		 ORDER BY started_at DESC
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		if err := rows.Scan(
			&r.ID, &r.ProjectID, &r.Status, &r.CommitSHA, &r.Branch,
			&r.Partial, &r.Error, &r.StartedAt, &r.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// MarkInterruptedRuns fails every run still marked analyzing. Called on
// boot: any run in that state belonged to a process that no longer exists.
func (db *DB) MarkInterruptedRuns(ctx context.Context, reason string) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'error', error = $1, completed_at = now()
		 WHERE status = 'analyzing'`,
		reason,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: mark interrupted runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkStaleRuns fails analyzing runs older than maxAge. Catches runs whose
// pipeline goroutine died without completing the row.
func (db *DB) MarkStaleRuns(ctx context.Context, maxAge time.Duration, reason string) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'error', error = $1, completed_at = now()
		 WHERE status = 'analyzing'
		   AND started_at < now() - ($2 * interval '1 microsecond')`,
		reason, maxAge.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: mark stale runs: %w", err)
	}
	return tag.RowsAffected(), nil
}
