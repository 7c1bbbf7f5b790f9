package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// replaceFindingsTx swaps a run's findings for the given set inside an
// open transaction. Confidence is flattened into three columns so the
// read path can rebuild the score without a JSON round trip.
func replaceFindingsTx(ctx context.Context, tx pgx.Tx, runID, projectID string, findings []model.Finding) error {
	if _, err := tx.Exec(ctx, `DELETE FROM findings WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("storage: clear run findings: %w", err)
	}
	if len(findings) == 0 {
		return nil
	}

	now := time.Now().UTC()
	columns := []string{"id", "run_id", "project_id", "position", "kind", "name",
		"file_path", "line_start", "line_end", "detail", "source",
		"confidence", "confidence_source", "explanation", "created_at"}
	rows := make([][]any, len(findings))
	for i, f := range findings {
		rows[i] = []any{uuid.New(), runID, projectID, i, f.Kind, f.Name,
			f.FilePath, f.LineStart, f.LineEnd, f.Detail, f.Source,
			f.Confidence.Value, f.Confidence.Source, f.Confidence.Explanation, now}
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"findings"}, columns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("storage: copy findings: %w", err)
	}
	return nil
}

// FindingsByRun retrieves a run's findings in their original order.
func (db *DB) FindingsByRun(ctx context.Context, runID string) ([]model.Finding, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT kind, name, file_path, line_start, line_end, detail, source,
		        confidence, confidence_source, explanation
		 FROM findings WHERE run_id = $1
		 ORDER BY position ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: findings by run: %w", err)
	}
	defer rows.Close()

	var findings []model.Finding
	for rows.Next() {
		var f model.Finding
		if err := rows.Scan(&f.Kind, &f.Name, &f.FilePath, &f.LineStart, &f.LineEnd,
			&f.Detail, &f.Source,
			&f.Confidence.Value, &f.Confidence.Source, &f.Confidence.Explanation); err != nil {
			return nil, fmt.Errorf("storage: scan finding: %w", err)
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// CountFindingsByProject counts findings attached to the project's most
// recent analyzed run, grouped by kind.
func (db *DB) CountFindingsByProject(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT f.kind, COUNT(*)
		 FROM findings f
		 JOIN runs r ON r.id = f.run_id
		 WHERE f.project_id = $1
		   AND r.id = (SELECT id FROM runs WHERE project_id = $1 AND status = 'analyzed'
		               ORDER BY started_at DESC LIMIT 1)
		 GROUP BY f.kind`, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: count findings: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("storage: scan finding count: %w", err)
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}
