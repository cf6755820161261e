// Package worker runs registered queue handlers: a fixed pool of pollers per
// queue, heartbeats while a batch runs, a reaper for stalled deliveries and
// the loop that materializes recurring schedules.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taxbracket/backend/internal/domain"
)

// errStalled is recorded on deliveries whose heartbeat stopped.
var errStalled = errors.New("delivery stalled: no heartbeat within stall timeout")

// Queue is the part of domain.QueueService the pool drives.
type Queue interface {
	Claim(ctx context.Context, queue domain.QueueName, limit int) ([]domain.Job, error)
	Heartbeat(ctx context.Context, jobs []domain.Job) error
	Complete(ctx context.Context, job *domain.Job, output string) error
	FailDelivery(ctx context.Context, job *domain.Job, cause error) (bool, error)
	FindStalled(ctx context.Context, timeout time.Duration, limit int) ([]domain.Job, error)
	FireDueSchedules(ctx context.Context) (int, error)
}

// Config tunes the pool.
type Config struct {
	// Workers is the number of concurrent pollers per registered queue.
	Workers           int
	PollInterval      time.Duration
	PollMaxInterval   time.Duration
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	StallTimeout      time.Duration
	ReapInterval      time.Duration
	ScheduleInterval  time.Duration
}

// DefaultConfig mirrors the defaults of the config file.
func DefaultConfig() Config {
	return Config{
		Workers:           2,
		PollInterval:      time.Second,
		PollMaxInterval:   30 * time.Second,
		JobTimeout:        10 * time.Minute,
		HeartbeatInterval: 15 * time.Second,
		StallTimeout:      2 * time.Minute,
		ReapInterval:      time.Minute,
		ScheduleInterval:  15 * time.Second,
	}
}

type registration struct {
	queue     domain.QueueName
	batchSize int
	handler   domain.JobHandler
}

// Pool polls for deliveries and dispatches them to handlers.
type Pool struct {
	queue    Queue
	notifier domain.Notifier
	cfg      Config
	logger   *zap.Logger

	mu   sync.Mutex
	regs []registration
}

// New creates a pool. notifier may be nil, in which case idle pollers sleep.
func New(queue Queue, notifier domain.Notifier, cfg Config, logger *zap.Logger) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollMaxInterval < cfg.PollInterval {
		cfg.PollMaxInterval = cfg.PollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = def.StallTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}
	if cfg.ScheduleInterval <= 0 {
		cfg.ScheduleInterval = def.ScheduleInterval
	}
	return &Pool{
		queue:    queue,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.Named("worker"),
	}
}

// Register binds handler to queue. Handlers receive up to batchSize
// deliveries at once. Register before Run.
func (p *Pool) Register(queue domain.QueueName, batchSize int, handler domain.JobHandler) {
	if batchSize <= 0 {
		batchSize = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs = append(p.regs, registration{queue: queue, batchSize: batchSize, handler: handler})
}

// Run starts every poller, the reaper and the scheduler, and blocks until ctx
// is cancelled and in-flight batches have settled.
func (p *Pool) Run(ctx context.Context) {
	p.mu.Lock()
	regs := append([]registration(nil), p.regs...)
	p.mu.Unlock()

	p.logger.Info("worker pool started",
		zap.Int("queues", len(regs)),
		zap.Int("workers_per_queue", p.cfg.Workers),
		zap.Duration("poll_interval", p.cfg.PollInterval))

	// Deliveries orphaned by a crash are recovered before new work starts.
	p.reap(ctx)

	var wg sync.WaitGroup
	for _, reg := range regs {
		for range p.cfg.Workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.loop(ctx, reg)
			}()
		}
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.every(ctx, p.cfg.ReapInterval, p.reap)
	}()
	go func() {
		defer wg.Done()
		p.every(ctx, p.cfg.ScheduleInterval, p.fireSchedules)
	}()

	wg.Wait()
	p.logger.Info("worker pool shutting down")
}

func (p *Pool) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// loop polls one queue, backing off while it is idle.
func (p *Pool) loop(ctx context.Context, reg registration) {
	backoff := p.cfg.PollInterval
	for ctx.Err() == nil {
		if n := p.poll(ctx, reg); n > 0 {
			backoff = p.cfg.PollInterval
			continue
		}
		if p.wait(ctx, reg.queue, backoff) {
			backoff = p.cfg.PollInterval
			continue
		}
		backoff = min(backoff*2, p.cfg.PollMaxInterval)
	}
}

func (p *Pool) wait(ctx context.Context, queue domain.QueueName, d time.Duration) bool {
	if p.notifier != nil {
		return p.notifier.Wait(ctx, queue, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return false
}

// poll claims one batch and processes it. It returns the batch size.
func (p *Pool) poll(ctx context.Context, reg registration) int {
	jobs, err := p.queue.Claim(ctx, reg.queue, reg.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("claim failed", zap.String("queue", string(reg.queue)), zap.Error(err))
		}
		return 0
	}
	if len(jobs) == 0 {
		return 0
	}
	p.process(ctx, reg, jobs)
	return len(jobs)
}

func (p *Pool) process(ctx context.Context, reg registration, jobs []domain.Job) {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.cfg.JobTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
	}
	defer cancel()

	stop := p.heartbeat(runCtx, jobs)
	output, err := p.invoke(runCtx, reg.handler, jobs)
	stop()
	if err == nil && runCtx.Err() != nil {
		err = fmt.Errorf("job exceeded %s: %w", p.cfg.JobTimeout, runCtx.Err())
	}

	// Settle even when shutting down, so finished work is not redelivered.
	settleCtx := context.WithoutCancel(ctx)
	for i := range jobs {
		job := &jobs[i]
		logger := p.logger.With(
			zap.String("job_id", job.ID),
			zap.String("queue", string(job.Queue)),
			zap.Int("retry_count", job.RetryCount),
		)
		if err == nil {
			if cerr := p.queue.Complete(settleCtx, job, output); cerr != nil {
				logger.Warn("complete failed", zap.Error(cerr))
				continue
			}
			logger.Debug("job completed")
			continue
		}

		dead, ferr := p.queue.FailDelivery(settleCtx, job, err)
		switch {
		case ferr != nil:
			logger.Warn("recording failure failed", zap.Error(ferr), zap.NamedError("cause", err))
		case dead:
			logger.Error("job dead-lettered", zap.Error(err))
		default:
			logger.Warn("job failed, will retry", zap.Error(err))
		}
	}
}

// invoke runs handler, turning a panic into an error.
func (p *Pool) invoke(ctx context.Context, handler domain.JobHandler, jobs []domain.Job) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, jobs)
}

// heartbeat keeps jobs alive until the returned stop func is called.
func (p *Pool) heartbeat(ctx context.Context, jobs []domain.Job) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.Heartbeat(ctx, jobs); err != nil && ctx.Err() == nil {
					p.logger.Warn("heartbeat failed", zap.String("queue", string(jobs[0].Queue)), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// reap fails deliveries whose heartbeat is older than the stall timeout, which
// puts them back through the retry policy.
func (p *Pool) reap(ctx context.Context) {
	stalled, err := p.queue.FindStalled(ctx, p.cfg.StallTimeout, 100)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("find stalled failed", zap.Error(err))
		}
		return
	}
	for i := range stalled {
		job := &stalled[i]
		logger := p.logger.With(zap.String("job_id", job.ID), zap.String("queue", string(job.Queue)))
		dead, err := p.queue.FailDelivery(ctx, job, errStalled)
		switch {
		case errors.Is(err, domain.ErrLostClaim):
			// Settled by its owner in the meantime.
		case err != nil:
			logger.Warn("reaping stalled job failed", zap.Error(err))
		case dead:
			logger.Error("stalled job dead-lettered")
		default:
			logger.Warn("stalled job requeued")
		}
	}
}

func (p *Pool) fireSchedules(ctx context.Context) {
	n, err := p.queue.FireDueSchedules(ctx)
	if err != nil && ctx.Err() == nil {
		p.logger.Warn("firing schedules failed", zap.Error(err))
	}
	if n > 0 {
		p.logger.Info("scheduled jobs enqueued", zap.Int("count", n))
	}
}
