package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// replaceSectionsTx swaps a run's sections for the given set inside an
// open transaction. Position preserves presentation order on read-back.
func replaceSectionsTx(ctx context.Context, tx pgx.Tx, runID, projectID string, sections []model.Section) error {
	if _, err := tx.Exec(ctx, `DELETE FROM sections WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("storage: clear run sections: %w", err)
	}
	if len(sections) == 0 {
		return nil
	}

	now := time.Now().UTC()
	columns := []string{"run_id", "project_id", "position", "kind", "title", "content",
		"citations", "confidence", "degraded", "gated", "created_at"}
	rows := make([][]any, len(sections))
	for i, s := range sections {
		var citations []byte
		if len(s.Citations) > 0 {
			var err error
			if citations, err = json.Marshal(s.Citations); err != nil {
				return fmt.Errorf("storage: marshal citations for %s: %w", s.Kind, err)
			}
		}
		rows[i] = []any{runID, projectID, i, string(s.Kind), s.Title, s.Content,
			citations, s.Confidence, s.Degraded, s.Gated, now}
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"sections"}, columns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("storage: copy sections: %w", err)
	}
	return nil
}

// SectionsByRun retrieves a run's sections in presentation order.
func (db *DB) SectionsByRun(ctx context.Context, runID string) ([]model.Section, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT kind, title, content, citations, confidence, degraded, gated
		 FROM sections WHERE run_id = $1
		 ORDER BY position ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: sections by run: %w", err)
	}
	defer rows.Close()

	var sections []model.Section
	for rows.Next() {
		var s model.Section
		var citations []byte
		if err := rows.Scan(&s.Kind, &s.Title, &s.Content, &citations,
			&s.Confidence, &s.Degraded, &s.Gated); err != nil {
			return nil, fmt.Errorf("storage: scan section: %w", err)
		}
		if len(citations) > 0 {
			if err := json.Unmarshal(citations, &s.Citations); err != nil {
				return nil, fmt.Errorf("storage: decode citations: %w", err)
			}
		}
		sections = append(sections, s)
	}
	return sections, rows.Err()
}

// LatestSectionsByProject returns the sections of the project's most
// recent successfully analyzed run, along with that run's ID.
func (db *DB) LatestSectionsByProject(ctx context.Context, projectID string) (string, []model.Section, error) {
	var runID string
	err := db.pool.QueryRow(ctx,
		`SELECT id FROM runs
		 WHERE project_id = $1 AND status = 'analyzed'
		 ORDER BY started_at DESC
		 LIMIT 1`, projectID,
	).Scan(&runID)
	if err != nil {
		return "", nil, fmt.Errorf("storage: no analyzed runs for project %s: %w", projectID, mapNoRows(err))
	}

	sections, err := db.SectionsByRun(ctx, runID)
	if err != nil {
		return "", nil, err
	}
	return runID, sections, nil
}
