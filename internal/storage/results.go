package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// RunResults holds everything one pipeline execution persists when it
// finishes, written atomically within a single database transaction.
type RunResults struct {
	RunID        string
	ProjectID    string
	Status       model.RunStatus
	Error        string
	Partial      bool
	DurationMs   float64
	Stages       []model.StageStatus
	Quality      *model.QualityReport
	Intelligence *model.Intelligence
	Findings     []model.Finding
	Sections     []model.Section
}

// SaveRunResults completes the run row and replaces its findings and
// sections in one transaction. Partial writes would leave a run marked
// analyzed with half its sections missing, so everything commits together.
//
// Intelligence is stored without its findings; the findings table is the
// source of truth and RunResultByID rehydrates them.
func (db *DB) SaveRunResults(ctx context.Context, p RunResults) error {
	stagesJSON, err := json.Marshal(p.Stages)
	if err != nil {
		return fmt.Errorf("storage: marshal stages: %w", err)
	}

	var qualityJSON []byte
	if p.Quality != nil {
		if qualityJSON, err = json.Marshal(p.Quality); err != nil {
			return fmt.Errorf("storage: marshal quality report: %w", err)
		}
	}

	var intelJSON []byte
	if p.Intelligence != nil {
		intel := *p.Intelligence
		intel.Findings = nil
		if intelJSON, err = json.Marshal(intel); err != nil {
			return fmt.Errorf("storage: marshal intelligence: %w", err)
		}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin results tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE runs
		 SET status = $1, error = $2, partial = $3, duration_ms = $4,
		     stages = $5, quality = $6, intelligence = $7, completed_at = now()
		 WHERE id = $8 AND status = 'analyzing'`,
		string(p.Status), p.Error, p.Partial, p.DurationMs,
		stagesJSON, qualityJSON, intelJSON, p.RunID,
	)
	if err != nil {
		return fmt.Errorf("storage: complete run in results tx: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run not found or already completed: %s", p.RunID)
	}

	if err := replaceFindingsTx(ctx, tx, p.RunID, p.ProjectID, p.Findings); err != nil {
		return err
	}
	if err := replaceSectionsTx(ctx, tx, p.RunID, p.ProjectID, p.Sections); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit results tx: %w", err)
	}
	return nil
}

// RunResultByID assembles the full result of a completed run from the run
// row plus its persisted findings and sections.
func (db *DB) RunResultByID(ctx context.Context, runID string) (model.RunResult, error) {
	var res model.RunResult
	var stagesJSON, qualityJSON, intelJSON []byte
	err := db.pool.QueryRow(ctx,
		`SELECT project_id, partial, duration_ms, stages, quality, intelligence
		 FROM runs WHERE id = $1`, runID,
	).Scan(&res.ProjectID, &res.Partial, &res.TotalDurationMs, &stagesJSON, &qualityJSON, &intelJSON)
	if err != nil {
		return model.RunResult{}, fmt.Errorf("storage: run result %s: %w", runID, mapNoRows(err))
	}
	res.RunID = runID

	if len(stagesJSON) > 0 {
		if err := json.Unmarshal(stagesJSON, &res.Stages); err != nil {
			return model.RunResult{}, fmt.Errorf("storage: decode stages: %w", err)
		}
	}
	if len(qualityJSON) > 0 {
		res.Quality = &model.QualityReport{}
		if err := json.Unmarshal(qualityJSON, res.Quality); err != nil {
			return model.RunResult{}, fmt.Errorf("storage: decode quality report: %w", err)
		}
	}
	if len(intelJSON) > 0 {
		res.Intelligence = &model.Intelligence{}
		if err := json.Unmarshal(intelJSON, res.Intelligence); err != nil {
			return model.RunResult{}, fmt.Errorf("storage: decode intelligence: %w", err)
		}
	}

	if res.Sections, err = db.SectionsByRun(ctx, runID); err != nil {
		return model.RunResult{}, err
	}
	if res.Intelligence != nil {
		findings, err := db.FindingsByRun(ctx, runID)
		if err != nil {
			return model.RunResult{}, err
		}
		res.Intelligence.Findings = findings
	}
	return res, nil
}
