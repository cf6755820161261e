// Package pipeline turns uploaded statements into AI-ready context through
// three chained, individually retryable stages: parse-file, compute-aggregates
// and build-context. Each stage enqueues the next only after its own writes
// have committed, and records its progress per (user, tax year).
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taxbracket/backend/internal/credits"
	"github.com/taxbracket/backend/internal/domain"
)

// Enqueuer creates jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, p domain.Payload, opts ...domain.EnqueueOption) (string, error)
}

// ExtractorLookup picks the extractor for a mime type.
type ExtractorLookup interface {
	Lookup(mimeType string) (domain.StatementExtractor, error)
}

// CreditResetter runs the weekly credit reset.
type CreditResetter interface {
	ResetAllUsersCredits(ctx context.Context) (credits.ResetResult, error)
}

// Registrar binds handlers to queues.
type Registrar interface {
	Register(queue domain.QueueName, batchSize int, handler domain.JobHandler)
}

// Config tunes the stages.
type Config struct {
	MaxContextTokens int
	// BatchSizes overrides the default batch size of one per queue.
	BatchSizes map[domain.QueueName]int
	Mail       MailConfig
}

// DefaultConfig returns the defaults of the config file.
func DefaultConfig() Config {
	return Config{MaxContextTokens: DefaultMaxContextTokens, Mail: DefaultMailConfig()}
}

// Deps are the collaborators of the pipeline.
type Deps struct {
	Queue      Enqueuer
	Runs       domain.PipelineRepository
	Finance    domain.FinanceRepository
	Files      domain.FileSource
	Extractors ExtractorLookup
	Credits    CreditResetter
	Mailer     domain.Mailer
}

// Pipeline implements the stage, maintenance and email handlers.
type Pipeline struct {
	queue      Enqueuer
	runs       domain.PipelineRepository
	finance    domain.FinanceRepository
	files      domain.FileSource
	extractors ExtractorLookup
	credits    CreditResetter
	mailer     domain.Mailer
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a pipeline.
func New(d Deps, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.MaxContextTokens == 0 {
		cfg.MaxContextTokens = DefaultMaxContextTokens
	}
	return &Pipeline{
		queue:      d.Queue,
		runs:       d.Runs,
		finance:    d.Finance,
		files:      d.Files,
		extractors: d.Extractors,
		credits:    d.Credits,
		mailer:     d.Mailer,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Register binds every handler to its queue.
func (p *Pipeline) Register(r Registrar) {
	handlers := map[domain.QueueName]domain.JobHandler{
		domain.QueueParseFile:          p.HandleParseFile,
		domain.QueueComputeAggregates:  p.HandleComputeAggregates,
		domain.QueueBuildContext:       p.HandleBuildContext,
		domain.QueueResetCredits:       p.HandleResetCredits,
		domain.QueueSendAuthEmail:      p.HandleEmail,
		domain.QueueSendSupportEmail:   p.HandleEmail,
		domain.QueueSendProductUpdates: p.HandleEmail,
	}
	for _, q := range domain.Queues {
		h, ok := handlers[q]
		if !ok {
			continue
		}
		size := p.cfg.BatchSizes[q]
		if size <= 0 {
			size = 1
		}
		r.Register(q, size, h)
	}
}

// Upload records an uploaded file and enqueues its parse job.
func (p *Pipeline) Upload(ctx context.Context, userID string, taxYear int, fileID string) (string, error) {
	payload := domain.ParseFilePayload{FileID: fileID, UserID: userID, TaxYear: taxYear}
	if _, err := domain.EncodePayload(payload); err != nil {
		return "", err
	}
	now := p.now().UTC()
	run := &domain.PipelineRun{
		UserID:    userID,
		TaxYear:   taxYear,
		Status:    domain.RunUploaded,
		FileID:    fileID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.runs.StartStage(ctx, run); err != nil {
		return "", fmt.Errorf("record upload: %w", err)
	}
	return p.queue.Enqueue(ctx, payload)
}

// Recompute enqueues a fresh aggregate recompute, and through it a context
// rebuild, without re-parsing any file.
func (p *Pipeline) Recompute(ctx context.Context, userID string, taxYear int) (string, error) {
	return p.queue.Enqueue(ctx, domain.ComputeAggregatesPayload{UserID: userID, TaxYear: taxYear})
}

// Status returns the run of a (user, tax year).
func (p *Pipeline) Status(ctx context.Context, userID string, taxYear int) (*domain.PipelineRun, error) {
	return p.runs.GetRun(ctx, userID, taxYear)
}

// ListStuck returns runs that failed or have made no progress for olderThan.
func (p *Pipeline) ListStuck(ctx context.Context, olderThan time.Duration) ([]domain.PipelineRun, error) {
	runs, err := p.runs.ListRuns(ctx, []domain.RunStatus{
		domain.RunParsing, domain.RunAggregating, domain.RunContextBuilding,
		domain.RunParseFailed, domain.RunAggregateFailed, domain.RunContextFailed,
	})
	if err != nil {
		return nil, err
	}
	cutoff := p.now().Add(-olderThan)
	stuck := runs[:0]
	for _, r := range runs {
		if r.Stuck(cutoff) {
			stuck = append(stuck, r)
		}
	}
	return stuck, nil
}

// HandleParseFile extracts the transactions of an uploaded statement and
// chains compute-aggregates.
func (p *Pipeline) HandleParseFile(ctx context.Context, jobs []domain.Job) (string, error) {
	return p.each(ctx, jobs, func(ctx context.Context, job *domain.Job, payload domain.Payload) (string, error) {
		pl, ok := payload.(domain.ParseFilePayload)
		if !ok {
			return "", fmt.Errorf("%w: %T on %s", domain.ErrInvalidPayload, payload, job.Queue)
		}
		return p.runStage(ctx, job, domain.StageParse, pl.UserID, pl.TaxYear, pl.FileID, func(ctx context.Context) (any, error) {
			return p.parse(ctx, job, pl)
		})
	})
}

func (p *Pipeline) parse(ctx context.Context, job *domain.Job, pl domain.ParseFilePayload) (any, error) {
	rc, meta, err := p.files.Open(ctx, pl.FileID)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	ext, err := p.extractors.Lookup(meta.MimeType)
	if err != nil {
		return nil, err
	}
	extracted, err := ext.Extract(ctx, rc, meta)
	if err != nil {
		return nil, fmt.Errorf("%s extractor: %w", ext.Name(), err)
	}

	txns := extracted[:0]
	for _, t := range extracted {
		if t.Date.Year() != pl.TaxYear {
			continue
		}
		t.FileID, t.UserID, t.TaxYear = pl.FileID, pl.UserID, pl.TaxYear
		txns = append(txns, t)
	}
	if dropped := len(extracted) - len(txns); dropped > 0 {
		p.logger.Info("skipped transactions outside tax year",
			zap.String("job_id", job.ID), zap.Int("tax_year", pl.TaxYear), zap.Int("skipped", dropped))
	}

	if err := p.finance.ReplaceFileTransactions(ctx, pl.FileID, txns); err != nil {
		return nil, fmt.Errorf("store transactions: %w", err)
	}
	next, err := p.queue.Enqueue(ctx,
		domain.ComputeAggregatesPayload{UserID: pl.UserID, TaxYear: pl.TaxYear},
		domain.WithSingletonKey("compute-aggregates:"+job.ID))
	if err != nil {
		return nil, err
	}
	return map[string]any{"extractor": ext.Name(), "transactions": len(txns), "next": next}, nil
}

// HandleComputeAggregates recomputes a user's tax-year aggregate from scratch
// and chains build-context.
func (p *Pipeline) HandleComputeAggregates(ctx context.Context, jobs []domain.Job) (string, error) {
	return p.each(ctx, jobs, func(ctx context.Context, job *domain.Job, payload domain.Payload) (string, error) {
		pl, ok := payload.(domain.ComputeAggregatesPayload)
		if !ok {
			return "", fmt.Errorf("%w: %T on %s", domain.ErrInvalidPayload, payload, job.Queue)
		}
		return p.runStage(ctx, job, domain.StageAggregate, pl.UserID, pl.TaxYear, "", func(ctx context.Context) (any, error) {
			return p.aggregate(ctx, job, pl)
		})
	})
}

func (p *Pipeline) aggregate(ctx context.Context, job *domain.Job, pl domain.ComputeAggregatesPayload) (any, error) {
	txns, err := p.finance.ListTransactions(ctx, pl.UserID, pl.TaxYear)
	if err != nil {
		return nil, err
	}

	version, err := p.finance.SaveAggregate(ctx, ComputeAggregate(pl.UserID, pl.TaxYear, txns, p.now()))
	if err != nil {
		return nil, fmt.Errorf("store aggregate: %w", err)
	}
	out := map[string]any{"transactions": len(txns), "version": version}

	next, err := p.queue.Enqueue(ctx,
		domain.BuildContextPayload{UserID: pl.UserID, TaxYear: pl.TaxYear},
		domain.WithSingletonKey("build-context:"+job.ID))
	if err != nil {
		return nil, err
	}
	out["next"] = next
	return out, nil
}

// HandleBuildContext regenerates the compact, versioned AI context.
func (p *Pipeline) HandleBuildContext(ctx context.Context, jobs []domain.Job) (string, error) {
	return p.each(ctx, jobs, func(ctx context.Context, job *domain.Job, payload domain.Payload) (string, error) {
		pl, ok := payload.(domain.BuildContextPayload)
		if !ok {
			return "", fmt.Errorf("%w: %T on %s", domain.ErrInvalidPayload, payload, job.Queue)
		}
		return p.runStage(ctx, job, domain.StageContext, pl.UserID, pl.TaxYear, "", func(ctx context.Context) (any, error) {
			return p.buildContext(ctx, pl)
		})
	})
}

func (p *Pipeline) buildContext(ctx context.Context, pl domain.BuildContextPayload) (any, error) {
	agg, err := p.finance.GetAggregate(ctx, pl.UserID, pl.TaxYear)
	if errors.Is(err, domain.ErrAggregateNotFound) {
		return map[string]any{"skipped": true}, nil
	}
	if err != nil {
		return nil, err
	}

	raw, tokens, err := FitContext(BuildCompactContext(agg), p.cfg.MaxContextTokens)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}
	version, err := p.finance.SaveContext(ctx, &domain.TaxContext{
		UserID:        pl.UserID,
		TaxYear:       pl.TaxYear,
		Context:       raw,
		TokenEstimate: tokens,
		BuiltAt:       p.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("store context: %w", err)
	}
	return map[string]any{"version": version, "tokens": tokens, "aggregateVersion": agg.Version}, nil
}

// HandleResetCredits runs the weekly credit reset. A policy skip completes
// the job and is reported in its output.
func (p *Pipeline) HandleResetCredits(ctx context.Context, jobs []domain.Job) (string, error) {
	res, err := p.credits.ResetAllUsersCredits(ctx)
	if err != nil {
		return "", err
	}
	out, _ := json.Marshal(map[string]any{"skipped": res.Skipped, "usersReset": res.Count})
	return string(out), nil
}

type stageFunc func(ctx context.Context, job *domain.Job, payload domain.Payload) (string, error)

// each decodes and runs every delivery of a batch, stopping at the first error.
func (p *Pipeline) each(ctx context.Context, jobs []domain.Job, fn stageFunc) (string, error) {
	var out string
	for i := range jobs {
		job := &jobs[i]
		payload, err := job.DecodePayload()
		if err != nil {
			return "", err
		}
		if out, err = fn(ctx, job, payload); err != nil {
			return "", err
		}
	}
	return out, nil
}

// runStage records st as running, does the work and settles the run. When a
// newer delivery has already moved the run on, settling is a no-op.
func (p *Pipeline) runStage(ctx context.Context, job *domain.Job, st domain.Stage, userID string, taxYear int, fileID string, work func(context.Context) (any, error)) (string, error) {
	logger := p.logger.With(
		zap.String("job_id", job.ID),
		zap.String("queue", string(job.Queue)),
		zap.String("user_id", userID),
		zap.Int("tax_year", taxYear),
	)

	now := p.now().UTC()
	run := &domain.PipelineRun{
		UserID:    userID,
		TaxYear:   taxYear,
		Status:    st.Running,
		FileID:    fileID,
		JobID:     job.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.runs.StartStage(ctx, run); err != nil {
		return "", fmt.Errorf("start %s: %w", st.Running, err)
	}

	result, err := work(ctx)
	run.UpdatedAt = p.now().UTC()
	if err != nil {
		run.Status, run.Error = st.Failed, err.Error()
		if _, serr := p.runs.SettleStage(ctx, run, st.Running); serr != nil {
			logger.Warn("failed to record stage failure", zap.Error(serr))
		}
		return "", err
	}

	run.Status = st.Succeeded
	settled, err := p.runs.SettleStage(ctx, run, st.Running)
	if err != nil {
		return "", fmt.Errorf("settle %s: %w", st.Succeeded, err)
	}
	if !settled {
		logger.Debug("run moved on before settling", zap.String("status", string(st.Succeeded)))
	}
	logger.Info("stage complete", zap.String("status", string(st.Succeeded)))

	out, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
