package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/taxbracket/backend/internal/domain"
)

const jobColumns = `id, queue, payload, state, retry_count, retry_limit,
	COALESCE(singleton_key, ''), COALESCE(lock_token, ''), run_at, created_at,
	started_at, completed_at, heartbeat_at, output, error`

// Insert stores a new job. A job whose singleton key is taken is not stored and
// the id of the existing job is returned instead.
func (s *Store) Insert(ctx context.Context, job *domain.Job) (string, bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO jobs (id, queue, payload, state, retry_count, retry_limit, singleton_key, run_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (singleton_key) DO NOTHING`),
		job.ID, string(job.Queue), string(job.Payload), string(job.State), job.RetryCount, job.RetryLimit,
		nullString(job.SingletonKey), millis(job.RunAt), millis(job.CreatedAt),
	)
	if err != nil {
		return "", false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if n == 1 {
		return job.ID, true, nil
	}

	var id string
	err = s.db.QueryRowContext(ctx, s.q(`SELECT id FROM jobs WHERE singleton_key = ?`), job.SingletonKey).Scan(&id)
	if err != nil {
		return "", false, err
	}
	return id, false, nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	return scanJob(row)
}

// List returns jobs matching filter, newest first.
func (s *Store) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.Queue != "" {
		where = append(where, "queue = ?")
		args = append(args, string(filter.Queue))
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// Claim atomically moves up to limit due jobs of queue into active, stamping
// them with token.
func (s *Store) Claim(ctx context.Context, queue domain.QueueName, limit int, token string, now time.Time) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		UPDATE jobs SET state = ?, lock_token = ?, started_at = ?, heartbeat_at = ?
		WHERE id IN (
			SELECT id FROM jobs
			WHERE queue = ? AND state IN (?, ?) AND run_at <= ?
			ORDER BY run_at, created_at
			LIMIT ?`+s.skipLocked()+`
		)
		RETURNING `+jobColumns),
		string(domain.StateActive), token, millis(now), millis(now),
		string(queue), string(domain.StateCreated), string(domain.StateRetrying), millis(now), limit,
	)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// Heartbeat refreshes the liveness of active jobs still owned by token.
func (s *Store) Heartbeat(ctx context.Context, ids []string, token string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{millis(now), string(domain.StateActive), token}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE jobs SET heartbeat_at = ?
		WHERE state = ? AND lock_token = ? AND id IN (`+placeholders(len(ids))+`)`), args...)
	return err
}

// Complete marks a job as completed.
func (s *Store) Complete(ctx context.Context, id, token, output string, now time.Time) error {
	return s.settle(ctx, `state = ?, completed_at = ?, output = ?`, id, token,
		string(domain.StateCompleted), millis(now), output)
}

// Retry schedules another delivery of a job at runAt.
func (s *Store) Retry(ctx context.Context, id, token, reason string, runAt time.Time) error {
	return s.settle(ctx, `state = ?, retry_count = retry_count + 1, error = ?, run_at = ?`, id, token,
		string(domain.StateRetrying), reason, millis(runAt))
}

// Fail dead-letters a job.
func (s *Store) Fail(ctx context.Context, id, token, reason string, now time.Time) error {
	return s.settle(ctx, `state = ?, error = ?, completed_at = ?`, id, token,
		string(domain.StateFailed), reason, millis(now))
}

// settle applies set to an active job still owned by token.
func (s *Store) settle(ctx context.Context, set, id, token string, args ...any) error {
	args = append(args, id, string(domain.StateActive), token)
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE jobs SET `+set+`, lock_token = NULL
		WHERE id = ? AND state = ? AND lock_token = ?`), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrLostClaim
	}
	return nil
}

// FindStalled returns active jobs whose last heartbeat precedes before.
func (s *Store) FindStalled(ctx context.Context, before time.Time, limit int) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+jobColumns+` FROM jobs
		WHERE state = ? AND heartbeat_at < ?
		ORDER BY heartbeat_at LIMIT ?`),
		string(domain.StateActive), millis(before), limit,
	)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]domain.Job, error) {
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		job                                          domain.Job
		queue, payload, state                        string
		runAt, createdAt, startedAt, done, heartbeat int64
	)
	err := row.Scan(&job.ID, &queue, &payload, &state, &job.RetryCount, &job.RetryLimit,
		&job.SingletonKey, &job.LockToken, &runAt, &createdAt, &startedAt, &done, &heartbeat,
		&job.Output, &job.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Queue = domain.QueueName(queue)
	job.Payload = []byte(payload)
	job.State = domain.JobState(state)
	job.RunAt = fromMillis(runAt)
	job.CreatedAt = fromMillis(createdAt)
	job.StartedAt = fromMillis(startedAt)
	job.CompletedAt = fromMillis(done)
	job.HeartbeatAt = fromMillis(heartbeat)
	return &job, nil
}
