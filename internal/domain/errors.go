package domain

import "errors"

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrUnknownQueue        = errors.New("unknown queue")
	ErrInvalidPayload      = errors.New("invalid payload")
	ErrNotFailed           = errors.New("job is not dead-lettered")
	ErrLostClaim           = errors.New("job no longer owned by this delivery")
	ErrScheduleNotFound    = errors.New("schedule not found")
	ErrInvalidSchedule     = errors.New("invalid schedule")
	ErrAccountNotFound     = errors.New("credit account not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrDuplicateReference  = errors.New("duplicate idempotency reference")
	ErrConcurrentUpdate    = errors.New("concurrent update")
	ErrRunNotFound         = errors.New("pipeline run not found")
	ErrInvalidTransition   = errors.New("invalid pipeline status transition")
	ErrAggregateNotFound   = errors.New("aggregate not found")
	ErrContextNotFound     = errors.New("tax context not found")
	ErrFileNotFound        = errors.New("file not found")
	ErrUnsupportedFile     = errors.New("unsupported file type")
)
