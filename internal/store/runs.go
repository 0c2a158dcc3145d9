package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"consistency-checker/internal/models"
)

// ErrRunNotFound is returned when no validation run has the requested ID
var ErrRunNotFound = errors.New("validation run not found")

type runRow struct {
	ID              string       `db:"id"`
	TestID          string       `db:"test_id"`
	Status          string       `db:"status"`
	Consistent      bool         `db:"consistent"`
	HandledRequests []byte       `db:"handled_requests"`
	Error           string       `db:"error"`
	StartedAt       time.Time    `db:"started_at"`
	FinishedAt      sql.NullTime `db:"finished_at"`
}

type entityRow struct {
	RunID         string `db:"run_id"`
	EntityType    string `db:"entity_type"`
	EntityID      string `db:"entity_id"`
	Status        string `db:"status"`
	Attempts      int    `db:"attempts"`
	Discrepancies []byte `db:"discrepancies"`
	Error         string `db:"error"`
}

// CreateRun records a run that has just started
func (s *Store) CreateRun(ctx context.Context, report *models.Report) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO validation_runs (id, test_id, status, started_at) VALUES ($1, $2, $3, $4)",
		report.RunID, report.TestID, report.Status, report.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// CompleteRun stores the final status of a run
func (s *Store) CompleteRun(ctx context.Context, report *models.Report) error {
	var handled interface{}
	if report.HandledRequests != nil {
		b, err := json.Marshal(report.HandledRequests)
		if err != nil {
			return fmt.Errorf("failed to marshal handled requests: %w", err)
		}
		handled = string(b)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE validation_runs
		SET status = $1, consistent = $2, handled_requests = $3, error = $4, finished_at = $5
		WHERE id = $6`,
		report.Status, report.Consistent(), handled, report.Error, report.FinishedAt, report.RunID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// SaveEntityResults stores the per-entity verdicts of a run in one transaction
func (s *Store) SaveEntityResults(ctx context.Context, runID string, entries []models.EntityReport) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO entity_results (run_id, entity_type, entity_id, status, attempts, discrepancies, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, entity_type, entity_id) DO UPDATE
		SET status = EXCLUDED.status, attempts = EXCLUDED.attempts,
		    discrepancies = EXCLUDED.discrepancies, error = EXCLUDED.error`)
	if err != nil {
		return fmt.Errorf("failed to prepare entity insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		var discrepancies interface{}
		if !e.Discrepancies.Consistent() {
			b, err := json.Marshal(e.Discrepancies)
			if err != nil {
				return fmt.Errorf("failed to marshal discrepancies of %s %s: %w", e.EntityType, e.EntityID, err)
			}
			discrepancies = string(b)
		}

		if _, err := stmt.ExecContext(ctx,
			runID, e.EntityType, e.EntityID, string(e.Status), e.Attempts, discrepancies, e.Error); err != nil {
			return fmt.Errorf("failed to save %s %s: %w", e.EntityType, e.EntityID, err)
		}
	}

	return tx.Commit()
}

// GetRun retrieves a run without its entity results
func (s *Store) GetRun(ctx context.Context, runID string) (*models.Report, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM validation_runs WHERE id = $1", runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	report := &models.Report{
		RunID:     row.ID,
		TestID:    row.TestID,
		Status:    row.Status,
		StartedAt: row.StartedAt,
		Error:     row.Error,
		Carts:     map[string]models.EntityReport{},
		Products:  map[string]models.EntityReport{},
	}
	if row.FinishedAt.Valid {
		report.FinishedAt = row.FinishedAt.Time
	}
	if len(row.HandledRequests) > 0 {
		var handled models.HandledRequestsSummary
		if err := json.Unmarshal(row.HandledRequests, &handled); err != nil {
			return nil, fmt.Errorf("failed to decode handled requests: %w", err)
		}
		report.HandledRequests = &handled
	}

	return report, nil
}

// GetEntityResults retrieves every entity verdict of a run
func (s *Store) GetEntityResults(ctx context.Context, runID string) ([]models.EntityReport, error) {
	var rows []entityRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM entity_results WHERE run_id = $1 ORDER BY entity_type, entity_id", runID)
	if err != nil {
		return nil, err
	}

	entries := make([]models.EntityReport, 0, len(rows))
	for _, r := range rows {
		e := models.EntityReport{
			EntityID:   r.EntityID,
			EntityType: r.EntityType,
			Status:     models.EntityStatus(r.Status),
			Attempts:   r.Attempts,
			Error:      r.Error,
		}
		if len(r.Discrepancies) > 0 {
			if err := json.Unmarshal(r.Discrepancies, &e.Discrepancies); err != nil {
				return nil, fmt.Errorf("failed to decode discrepancies of %s %s: %w", r.EntityType, r.EntityID, err)
			}
		}
		entries = append(entries, e)
	}

	return entries, nil
}

// LoadReport rebuilds a full report from the run and its entity results
func (s *Store) LoadReport(ctx context.Context, runID string) (*models.Report, error) {
	report, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	entries, err := s.GetEntityResults(ctx, runID)
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		switch e.EntityType {
		case models.EntityTypeCart:
			report.Carts[e.EntityID] = e
		case models.EntityTypeProduct:
			report.Products[e.EntityID] = e
		}
	}

	return report, nil
}
