package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/taxbracket/backend/internal/domain"
)

const runColumns = `user_id, tax_year, status, file_id, job_id, error, created_at, updated_at`

// StartStage upserts the run into its in-progress status. A run without a
// file id keeps the file id it already had.
func (s *Store) StartStage(ctx context.Context, run *domain.PipelineRun) error {
	if !run.Status.InProgress() && run.Status != domain.RunUploaded {
		return fmt.Errorf("%w: cannot start in %s", domain.ErrInvalidTransition, run.Status)
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO pipeline_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, '', ?, ?)
		ON CONFLICT (user_id, tax_year) DO UPDATE SET
			status = excluded.status,
			file_id = CASE WHEN excluded.file_id <> '' THEN excluded.file_id ELSE pipeline_runs.file_id END,
			job_id = excluded.job_id,
			error = '',
			updated_at = excluded.updated_at`),
		run.UserID, run.TaxYear, string(run.Status), run.FileID, run.JobID,
		millis(run.CreatedAt), millis(run.UpdatedAt),
	)
	return err
}

// SettleStage moves the run from expected to run.Status.
func (s *Store) SettleStage(ctx context.Context, run *domain.PipelineRun, expected domain.RunStatus) (bool, error) {
	if !domain.CanTransition(expected, run.Status) {
		return false, fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, expected, run.Status)
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE pipeline_runs SET status = ?, error = ?, job_id = ?, updated_at = ?
		WHERE user_id = ? AND tax_year = ? AND status = ?`),
		string(run.Status), run.Error, run.JobID, millis(run.UpdatedAt),
		run.UserID, run.TaxYear, string(expected),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetRun loads the run of a (user, tax year).
func (s *Store) GetRun(ctx context.Context, userID string, taxYear int) (*domain.PipelineRun, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+runColumns+` FROM pipeline_runs WHERE user_id = ? AND tax_year = ?`), userID, taxYear)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRunNotFound
	}
	return run, err
}

// ListRuns returns runs in any of statuses, or every run when statuses is empty.
func (s *Store) ListRuns(ctx context.Context, statuses []domain.RunStatus) ([]domain.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY updated_at`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanRun(row scanner) (*domain.PipelineRun, error) {
	var (
		run              domain.PipelineRun
		status           string
		created, updated int64
	)
	if err := row.Scan(&run.UserID, &run.TaxYear, &status, &run.FileID, &run.JobID, &run.Error, &created, &updated); err != nil {
		return nil, err
	}
	run.Status = domain.RunStatus(status)
	run.CreatedAt = fromMillis(created)
	run.UpdatedAt = fromMillis(updated)
	return &run, nil
}
