package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/taxbracket/backend/internal/adapter/extractor"
	"github.com/taxbracket/backend/internal/adapter/filesource"
	"github.com/taxbracket/backend/internal/adapter/llm"
	"github.com/taxbracket/backend/internal/adapter/mailer"
	"github.com/taxbracket/backend/internal/adapter/notify"
	"github.com/taxbracket/backend/internal/adapter/sqlstore"
	"github.com/taxbracket/backend/internal/cache"
	"github.com/taxbracket/backend/internal/chat"
	"github.com/taxbracket/backend/internal/config"
	"github.com/taxbracket/backend/internal/credits"
	"github.com/taxbracket/backend/internal/domain"
	"github.com/taxbracket/backend/internal/pipeline"
	"github.com/taxbracket/backend/internal/worker"
)

// app is the wired object graph shared by every command.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *sqlstore.Store
	notifier domain.Notifier
	queue    *domain.QueueService
	ledger   *credits.Ledger
	files    *filesource.Local
	pipeline *pipeline.Pipeline

	closers []func()
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zc.Level = level
	}
	return zc.Build()
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func() { _ = logger.Sync() })

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openNotifier(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.queue = domain.NewQueueService(a.store, a.store, a.notifier, domain.QueueConfig{
		RetryLimit:   cfg.Queue.RetryLimit,
		RetryDelay:   cfg.Queue.RetryDelay,
		RetryBackoff: cfg.Queue.RetryBackoff,
	})
	a.ledger = credits.NewLedger(a.store, credits.Config{
		WeeklyLimit:      cfg.Credits.WeeklyLimit,
		CreditsPerToken:  cfg.Credits.CreditsPerToken,
		CreditsPerDollar: cfg.Credits.CreditsPerDollar,
		Policy:           cfg.Credits.Policy(),
	}, logger.Named("credits"))

	a.files, err = filesource.NewLocal(cfg.Pipeline.FilesDir)
	if err != nil {
		a.Close()
		return nil, err
	}
	registry, err := a.extractors()
	if err != nil {
		a.Close()
		return nil, err
	}
	mail, err := a.mailer()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.pipeline = pipeline.New(pipeline.Deps{
		Queue:      a.queue,
		Runs:       a.store,
		Finance:    a.store,
		Files:      a.files,
		Extractors: registry,
		Credits:    a.ledger,
		Mailer:     mail,
	}, pipeline.Config{
		MaxContextTokens: cfg.Pipeline.MaxContextTokens,
		BatchSizes:       cfg.Queue.BatchSize,
		Mail: pipeline.MailConfig{
			AppURL:      cfg.Mail.AppURL,
			NoReplyFrom: cfg.Mail.NoReplyFrom,
			SupportFrom: cfg.Mail.SupportFrom,
			UpdatesFrom: cfg.Mail.UpdatesFrom,
		},
	}, logger.Named("pipeline"))
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	db := a.cfg.Database
	var err error
	switch db.Driver {
	case "postgres":
		a.store, err = sqlstore.OpenPostgres(ctx, sqlstore.PostgresConfig{
			DSN:             db.DSN,
			MaxConns:        db.MaxConns,
			MinConns:        db.MinConns,
			MaxConnLifetime: db.MaxConnLifetime,
			MaxConnIdleTime: db.MaxConnIdleTime,
		}, a.logger.Named("postgres"))
	default:
		a.store, err = sqlstore.OpenSQLite(ctx, db.Path)
	}
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.store.Close() })
	a.logger.Debug("database open", zap.String("driver", db.Driver))
	return nil
}

func (a *app) openNotifier(ctx context.Context) error {
	rc := a.cfg.Redis
	if rc.Addr == "" {
		a.notifier = notify.NewLocal()
		return nil
	}
	r := notify.NewRedis(rc.Addr, rc.Password, rc.DB, rc.Key)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.Ping(pingCtx); err != nil {
		_ = r.Close()
		return fmt.Errorf("connect redis %s: %w", rc.Addr, err)
	}
	a.notifier = r
	a.closers = append(a.closers, func() { _ = r.Close() })
	return nil
}

func (a *app) extractors() (*extractor.Registry, error) {
	var configured []domain.StatementExtractor
	for _, ec := range a.cfg.Extractors {
		cmd, err := extractor.NewCommand(extractor.CommandConfig{
			Name:      ec.Name,
			MimeTypes: ec.MimeTypes,
			Command:   ec.Command,
			Args:      ec.Args,
		}, a.logger.Named("extractor"))
		if err != nil {
			return nil, err
		}
		configured = append(configured, cmd)
	}
	registry := extractor.NewDefaultRegistry(configured...)
	names := make([]string, 0, len(registry.Extractors()))
	for _, e := range registry.Extractors() {
		names = append(names, e.Name())
	}
	a.logger.Info("statement extractors registered", zap.Strings("extractors", names))
	return registry, nil
}

func (a *app) mailer() (domain.Mailer, error) {
	mc := a.cfg.Mail
	if mc.Driver != "smtp" {
		return mailer.NewLog(a.logger.Named("mail")), nil
	}
	return mailer.NewSMTP(mailer.SMTPConfig{
		Host:     mc.SMTPHost,
		Port:     mc.SMTPPort,
		Username: mc.SMTPUsername,
		Password: mc.SMTPPassword,
	})
}

// chatService wires admission, the model client and the optional cache.
func (a *app) chatService() (*chat.Service, error) {
	lc := a.cfg.LLM
	responder, err := llm.New(llm.Config{
		BaseURL:     lc.BaseURL,
		APIKey:      lc.APIKey,
		Model:       lc.Model,
		Temperature: lc.Temperature,
		MaxTokens:   lc.MaxTokens,
		Timeout:     lc.Timeout,
	}, a.logger.Named("llm"))
	if err != nil {
		return nil, err
	}

	var answers chat.Cache
	if cc := a.cfg.Cache; cc.Enabled {
		rc := cache.NewResponseCache(cache.Config{
			Capacity:      cc.Capacity,
			TTL:           cc.TTL,
			SweepInterval: cc.SweepInterval,
		})
		a.closers = append(a.closers, rc.Close)
		answers = rc
	}
	return chat.New(credits.NewAdmission(a.ledger), a.ledger, a.store, responder, answers, a.logger.Named("chat")), nil
}

// newPool registers every queue handler and the weekly reset schedule.
func (a *app) newPool(ctx context.Context) (*worker.Pool, error) {
	q := a.cfg.Queue
	pool := worker.New(a.queue, a.notifier, worker.Config{
		Workers:           q.Workers,
		PollInterval:      q.PollInterval,
		PollMaxInterval:   q.PollMaxInterval,
		JobTimeout:        q.JobTimeout,
		HeartbeatInterval: q.HeartbeatInterval,
		StallTimeout:      q.StallTimeout,
		ReapInterval:      q.ReapInterval,
		ScheduleInterval:  q.ScheduleInterval,
	}, a.logger)
	a.pipeline.Register(pool)

	cr := a.cfg.Credits
	if err := a.queue.Schedule(ctx, domain.QueueResetCredits, cr.ResetCron, domain.ResetCreditsPayload{}, cr.ResetTimezone); err != nil {
		return nil, fmt.Errorf("schedule credit reset: %w", err)
	}
	a.logger.Info("credit reset scheduled",
		zap.String("cron", cr.ResetCron),
		zap.String("timezone", cr.ResetTimezone),
		zap.Bool("enabled", cr.Policy().WeeklyResetEnabled))
	return pool, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
