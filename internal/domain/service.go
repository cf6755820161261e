package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueueConfig holds the delivery policy shared by every queue.
type QueueConfig struct {
	RetryLimit int
	RetryDelay time.Duration
	// RetryBackoff doubles RetryDelay for each previous retry.
	RetryBackoff bool
}

// DefaultQueueConfig mirrors the defaults of the config file.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{RetryLimit: 3, RetryDelay: 5 * time.Second, RetryBackoff: true}
}

// QueueService orchestrates job and schedule operations.
type QueueService struct {
	jobs      JobRepository
	schedules ScheduleRepository
	notifier  Notifier
	cfg       QueueConfig
	now       func() time.Time
}

// NewQueueService creates a new QueueService. notifier may be nil.
func NewQueueService(jobs JobRepository, schedules ScheduleRepository, notifier Notifier, cfg QueueConfig) *QueueService {
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = 0
	}
	return &QueueService{
		jobs:      jobs,
		schedules: schedules,
		notifier:  notifier,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Enqueue validates p against its queue schema and stores a new job.
// With a singleton key that already exists, the existing job id is returned.
func (s *QueueService) Enqueue(ctx context.Context, p Payload, opts ...EnqueueOption) (string, error) {
	raw, err := EncodePayload(p)
	if err != nil {
		return "", err
	}

	o := EnqueueOptions{RetryLimit: s.cfg.RetryLimit}
	for _, opt := range opts {
		opt(&o)
	}

	now := s.now().UTC()
	job := &Job{
		ID:           uuid.NewString(),
		Queue:        p.Queue(),
		Payload:      raw,
		State:        StateCreated,
		RetryLimit:   o.RetryLimit,
		SingletonKey: o.SingletonKey,
		RunAt:        now.Add(o.StartAfter),
		CreatedAt:    now,
	}
	id, inserted, err := s.jobs.Insert(ctx, job)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", job.Queue, err)
	}
	if inserted && s.notifier != nil && o.StartAfter == 0 {
		// Wake-ups are an optimization; pollers pick the job up regardless.
		_ = s.notifier.Notify(ctx, job.Queue)
	}
	return id, nil
}

// Schedule upserts the recurring schedule for queue. Re-registering an
// identical schedule changes nothing.
func (s *QueueService) Schedule(ctx context.Context, queue QueueName, cronExpr string, p Payload, timezone string) error {
	if p == nil || p.Queue() != queue {
		return fmt.Errorf("%w: payload does not belong to %q", ErrInvalidPayload, queue)
	}
	raw, err := EncodePayload(p)
	if err != nil {
		return err
	}
	if timezone == "" {
		timezone = "UTC"
	}
	now := s.now().UTC()
	sched := &Schedule{
		Queue:     queue,
		Cron:      cronExpr,
		Timezone:  timezone,
		Payload:   raw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := sched.Validate(); err != nil {
		return err
	}
	return s.schedules.UpsertSchedule(ctx, sched)
}

// Unschedule removes the schedule bound to queue.
func (s *QueueService) Unschedule(ctx context.Context, queue QueueName) error {
	return s.schedules.DeleteSchedule(ctx, queue)
}

// Schedules lists registered schedules.
func (s *QueueService) Schedules(ctx context.Context) ([]Schedule, error) {
	return s.schedules.ListSchedules(ctx)
}

// FireDueSchedules materializes one job per due schedule firing and returns the
// number of jobs created.
func (s *QueueService) FireDueSchedules(ctx context.Context) (int, error) {
	scheds, err := s.schedules.ListSchedules(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	fired := 0
	var errs []error
	for i := range scheds {
		sched := &scheds[i]
		due, ok, err := sched.Due(now)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", sched.Queue, err))
			continue
		}
		if !ok {
			continue
		}
		p, err := DecodePayload(sched.Queue, sched.Payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", sched.Queue, err))
			continue
		}
		if _, err := s.Enqueue(ctx, p, WithSingletonKey(sched.SingletonKey(due))); err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", sched.Queue, err))
			continue
		}
		advanced, err := s.schedules.AdvanceSchedule(ctx, sched.Queue, sched.LastFiredAt, due)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", sched.Queue, err))
			continue
		}
		if advanced {
			fired++
		}
	}
	return fired, errors.Join(errs...)
}

// Get retrieves a job by ID.
func (s *QueueService) Get(ctx context.Context, id string) (*Job, error) {
	return s.jobs.Get(ctx, id)
}

// List returns jobs matching filter, newest first.
func (s *QueueService) List(ctx context.Context, filter JobFilter) ([]Job, error) {
	return s.jobs.List(ctx, filter)
}

// ListFailed returns dead-lettered jobs.
func (s *QueueService) ListFailed(ctx context.Context, limit int) ([]Job, error) {
	return s.jobs.List(ctx, JobFilter{State: StateFailed, Limit: limit})
}

// RetryFailed re-enqueues the payload of a dead-lettered job as a fresh job and
// returns the new job id. The failed job itself stays terminal.
func (s *QueueService) RetryFailed(ctx context.Context, id string) (string, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if job.State != StateFailed {
		return "", fmt.Errorf("%w: job %s is %s", ErrNotFailed, id, job.State)
	}
	p, err := job.DecodePayload()
	if err != nil {
		return "", err
	}
	return s.Enqueue(ctx, p)
}

// Claim hands out up to limit due deliveries of queue, all sharing one lock token.
func (s *QueueService) Claim(ctx context.Context, queue QueueName, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 1
	}
	return s.jobs.Claim(ctx, queue, limit, uuid.NewString(), s.now().UTC())
}

// Heartbeat extends the liveness of active deliveries.
func (s *QueueService) Heartbeat(ctx context.Context, jobs []Job) error {
	if len(jobs) == 0 {
		return nil
	}
	ids := make([]string, len(jobs))
	for i := range jobs {
		ids[i] = jobs[i].ID
	}
	return s.jobs.Heartbeat(ctx, ids, jobs[0].LockToken, s.now().UTC())
}

// Complete acknowledges a successful delivery.
func (s *QueueService) Complete(ctx context.Context, job *Job, output string) error {
	return s.jobs.Complete(ctx, job.ID, job.LockToken, output, s.now().UTC())
}

// FailDelivery records a failed delivery. The job is scheduled for another
// delivery after a backoff while retries remain, and dead-lettered otherwise.
// It reports whether the job was dead-lettered.
func (s *QueueService) FailDelivery(ctx context.Context, job *Job, cause error) (bool, error) {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	now := s.now().UTC()
	if job.CanRetry() {
		delay := s.cfg.RetryDelay
		if s.cfg.RetryBackoff {
			delay = RetryBackoff(s.cfg.RetryDelay, job.RetryCount)
		}
		return false, s.jobs.Retry(ctx, job.ID, job.LockToken, reason, now.Add(delay))
	}
	return true, s.jobs.Fail(ctx, job.ID, job.LockToken, reason, now)
}

// FindStalled returns active jobs whose last heartbeat is older than timeout.
func (s *QueueService) FindStalled(ctx context.Context, timeout time.Duration, limit int) ([]Job, error) {
	return s.jobs.FindStalled(ctx, s.now().UTC().Add(-timeout), limit)
}
