package sqlstore

import (
	"context"
	"time"

	"github.com/taxbracket/backend/internal/domain"
)

// UpsertSchedule registers or replaces the schedule of a queue. The creation
// time and last firing of an existing schedule are kept.
func (s *Store) UpsertSchedule(ctx context.Context, sched *domain.Schedule) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO schedules (queue, cron, timezone, payload, last_fired_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (queue) DO UPDATE SET
			cron = excluded.cron,
			timezone = excluded.timezone,
			payload = excluded.payload,
			updated_at = excluded.updated_at`),
		string(sched.Queue), sched.Cron, sched.Timezone, string(sched.Payload),
		millis(sched.CreatedAt), millis(sched.UpdatedAt),
	)
	return err
}

// DeleteSchedule removes the schedule of queue.
func (s *Store) DeleteSchedule(ctx context.Context, queue domain.QueueName) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM schedules WHERE queue = ?`), string(queue))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}

// ListSchedules returns every schedule ordered by queue.
func (s *Store) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT queue, cron, timezone, payload, last_fired_at, created_at, updated_at
		FROM schedules ORDER BY queue`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scheds []domain.Schedule
	for rows.Next() {
		var (
			sched                   domain.Schedule
			queue, payload          string
			fired, created, updated int64
		)
		if err := rows.Scan(&queue, &sched.Cron, &sched.Timezone, &payload, &fired, &created, &updated); err != nil {
			return nil, err
		}
		sched.Queue = domain.QueueName(queue)
		sched.Payload = []byte(payload)
		sched.LastFiredAt = fromMillis(fired)
		sched.CreatedAt = fromMillis(created)
		sched.UpdatedAt = fromMillis(updated)
		scheds = append(scheds, sched)
	}
	return scheds, rows.Err()
}

// AdvanceSchedule compares-and-sets last_fired_at.
func (s *Store) AdvanceSchedule(ctx context.Context, queue domain.QueueName, prev, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE schedules SET last_fired_at = ?
		WHERE queue = ? AND last_fired_at = ?`),
		millis(next), string(queue), millis(prev),
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
