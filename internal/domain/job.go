package domain

import (
	"encoding/json"
	"time"
)

// JobState represents the delivery state of a job.
type JobState string

const (
	StateCreated   JobState = "created"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateRetrying  JobState = "retrying"
)

// MaxRetryBackoff caps the delay between two deliveries of the same job.
const MaxRetryBackoff = time.Hour

// Job is a durable unit of work bound to one queue.
type Job struct {
	ID           string
	Queue        QueueName
	Payload      json.RawMessage
	State        JobState
	RetryCount   int
	RetryLimit   int
	SingletonKey string
	// LockToken identifies the delivery that currently owns an active job.
	LockToken   string
	RunAt       time.Time
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	HeartbeatAt time.Time
	Output      string
	Error       string
}

// CanRetry returns true if another delivery is allowed after a failure.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.RetryLimit && j.State != StateCompleted && j.State != StateFailed
}

// DecodePayload validates and decodes the payload for the job's queue.
func (j *Job) DecodePayload() (Payload, error) {
	return DecodePayload(j.Queue, j.Payload)
}

// RetryBackoff returns base * 2^retryCount, capped at MaxRetryBackoff.
func RetryBackoff(base time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= MaxRetryBackoff {
			return MaxRetryBackoff
		}
	}
	return d
}

// JobFilter narrows ListJobs results. Zero values match everything.
type JobFilter struct {
	Queue QueueName
	State JobState
	Limit int
}

// EnqueueOptions tune a single enqueue call.
type EnqueueOptions struct {
	RetryLimit   int
	StartAfter   time.Duration
	SingletonKey string
}

// EnqueueOption mutates EnqueueOptions.
type EnqueueOption func(*EnqueueOptions)

// WithRetryLimit overrides the queue default retry limit.
func WithRetryLimit(n int) EnqueueOption {
	return func(o *EnqueueOptions) {
		if n >= 0 {
			o.RetryLimit = n
		}
	}
}

// WithStartAfter delays the first delivery.
func WithStartAfter(d time.Duration) EnqueueOption {
	return func(o *EnqueueOptions) {
		if d > 0 {
			o.StartAfter = d
		}
	}
}

// WithSingletonKey makes the enqueue a no-op when a job with the same key exists.
func WithSingletonKey(key string) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.SingletonKey = key
	}
}
