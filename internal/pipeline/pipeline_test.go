package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/taxbracket/backend/internal/adapter/sqlstore"
	"github.com/taxbracket/backend/internal/credits"
	"github.com/taxbracket/backend/internal/domain"
)

type mockFiles struct{}

func (mockFiles) Open(_ context.Context, fileID string) (io.ReadCloser, domain.FileMeta, error) {
	if fileID == "missing" {
		return nil, domain.FileMeta{}, domain.ErrFileNotFound
	}
	return io.NopCloser(strings.NewReader("")), domain.FileMeta{FileID: fileID, Name: "stmt.csv", MimeType: "text/csv"}, nil
}

type mockExtractor struct {
	mu    sync.Mutex
	txns  []domain.Transaction
	err   error
	calls int
}

func (e *mockExtractor) Name() string      { return "mock" }
func (e *mockExtractor) Match(string) bool { return true }
func (e *mockExtractor) Lookup(string) (domain.StatementExtractor, error) {
	return e, nil
}

func (e *mockExtractor) Extract(context.Context, io.Reader, domain.FileMeta) ([]domain.Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([]domain.Transaction, len(e.txns))
	copy(out, e.txns)
	return out, nil
}

type mockMailer struct {
	mu   sync.Mutex
	sent []domain.Mail
	err  error
}

func (m *mockMailer) Send(_ context.Context, mail domain.Mail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, mail)
	return nil
}

type mockResetter struct {
	res credits.ResetResult
}

func (r mockResetter) ResetAllUsersCredits(context.Context) (credits.ResetResult, error) {
	return r.res, nil
}

type harness struct {
	store  *sqlstore.Store
	queue  *domain.QueueService
	ext    *mockExtractor
	mailer *mockMailer
	p      *Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := sqlstore.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := &harness{
		store:  store,
		queue:  domain.NewQueueService(store, store, nil, domain.DefaultQueueConfig()),
		ext:    &mockExtractor{txns: sampleTransactions()},
		mailer: &mockMailer{},
	}
	h.p = New(Deps{
		Queue:      h.queue,
		Runs:       store,
		Finance:    store,
		Files:      mockFiles{},
		Extractors: h.ext,
		Credits:    mockResetter{res: credits.ResetResult{Count: 3}},
		Mailer:     h.mailer,
	}, DefaultConfig(), zap.NewNop())
	return h
}

func (h *harness) claim(t *testing.T, queue domain.QueueName) []domain.Job {
	t.Helper()
	jobs, err := h.queue.Claim(context.Background(), queue, 10)
	if err != nil {
		t.Fatalf("Claim(%s) error = %v", queue, err)
	}
	return jobs
}

func (h *harness) count(t *testing.T, queue domain.QueueName) int {
	t.Helper()
	jobs, err := h.queue.List(context.Background(), domain.JobFilter{Queue: queue})
	if err != nil {
		t.Fatalf("List(%s) error = %v", queue, err)
	}
	return len(jobs)
}

func (h *harness) status(t *testing.T) domain.RunStatus {
	t.Helper()
	run, err := h.p.Status(context.Background(), "u1", 2026)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	return run.Status
}

func TestPipeline_FullChain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.p.Upload(ctx, "u1", 2026, "f1"); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if got := h.status(t); got != domain.RunUploaded {
		t.Errorf("status after upload = %s", got)
	}

	parse := h.claim(t, domain.QueueParseFile)
	if len(parse) != 1 {
		t.Fatalf("claimed %d parse jobs", len(parse))
	}
	out, err := h.p.HandleParseFile(ctx, parse)
	if err != nil {
		t.Fatalf("HandleParseFile() error = %v", err)
	}
	if !strings.Contains(out, `"transactions":6`) {
		t.Errorf("parse output = %s", out)
	}
	if got := h.status(t); got != domain.RunParsed {
		t.Errorf("status after parse = %s", got)
	}
	if n := h.count(t, domain.QueueBuildContext); n != 0 {
		t.Errorf("build-context enqueued before aggregate: %d", n)
	}

	agg := h.claim(t, domain.QueueComputeAggregates)
	if len(agg) != 1 {
		t.Fatalf("claimed %d aggregate jobs", len(agg))
	}
	if _, err := h.p.HandleComputeAggregates(ctx, agg); err != nil {
		t.Fatalf("HandleComputeAggregates() error = %v", err)
	}
	stored, err := h.store.GetAggregate(ctx, "u1", 2026)
	if err != nil {
		t.Fatalf("GetAggregate() error = %v", err)
	}
	if stored.TotalIncome != 1_000_000 || stored.Version != 1 {
		t.Errorf("aggregate = %v v%d", stored.TotalIncome, stored.Version)
	}

	build := h.claim(t, domain.QueueBuildContext)
	if len(build) != 1 {
		t.Fatalf("claimed %d build-context jobs", len(build))
	}
	if _, err := h.p.HandleBuildContext(ctx, build); err != nil {
		t.Fatalf("HandleBuildContext() error = %v", err)
	}
	if got := h.status(t); got != domain.RunReady {
		t.Errorf("final status = %s", got)
	}
	tc, err := h.store.GetContext(ctx, "u1", 2026)
	if err != nil {
		t.Fatalf("GetContext() error = %v", err)
	}
	if tc.Version != 1 || tc.TokenEstimate == 0 || tc.TokenEstimate > DefaultMaxContextTokens {
		t.Errorf("context v%d, %d tokens", tc.Version, tc.TokenEstimate)
	}
}

func TestPipeline_RedeliveredParseChainsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.p.Upload(ctx, "u1", 2026, "f1"); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	parse := h.claim(t, domain.QueueParseFile)
	for range 3 {
		if _, err := h.p.HandleParseFile(ctx, parse); err != nil {
			t.Fatalf("HandleParseFile() error = %v", err)
		}
	}

	if n := h.count(t, domain.QueueComputeAggregates); n != 1 {
		t.Errorf("compute-aggregates jobs = %d, want 1", n)
	}
	txns, err := h.store.ListTransactions(ctx, "u1", 2026)
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 6 {
		t.Errorf("stored %d transactions, want 6", len(txns))
	}
}

func TestPipeline_ParseDropsOtherYears(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ext.txns = append(h.ext.txns, domain.Transaction{
		Date: time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC), Amount: 5, Direction: domain.DirectionCredit,
	})

	if _, err := h.p.Upload(ctx, "u1", 2026, "f1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.p.HandleParseFile(ctx, h.claim(t, domain.QueueParseFile)); err != nil {
		t.Fatalf("HandleParseFile() error = %v", err)
	}
	txns, err := h.store.ListTransactions(ctx, "u1", 2026)
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 6 {
		t.Errorf("stored %d transactions, want 6", len(txns))
	}
	for _, tx := range txns {
		if tx.UserID != "u1" || tx.FileID != "f1" || tx.TaxYear != 2026 {
			t.Errorf("transaction not attributed: %+v", tx)
		}
	}
}

func TestPipeline_ParseFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ext.err = errors.New("corrupt file")

	if _, err := h.p.Upload(ctx, "u1", 2026, "f1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.p.HandleParseFile(ctx, h.claim(t, domain.QueueParseFile)); err == nil {
		t.Fatal("HandleParseFile() error = nil")
	}

	run, err := h.p.Status(ctx, "u1", 2026)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunParseFailed || !strings.Contains(run.Error, "corrupt file") {
		t.Errorf("run = %s %q", run.Status, run.Error)
	}
	if n := h.count(t, domain.QueueComputeAggregates); n != 0 {
		t.Errorf("compute-aggregates enqueued after failure: %d", n)
	}
}

func TestPipeline_BuildContextWithoutAggregate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.queue.Enqueue(ctx, domain.BuildContextPayload{UserID: "u1", TaxYear: 2026}); err != nil {
		t.Fatal(err)
	}
	out, err := h.p.HandleBuildContext(ctx, h.claim(t, domain.QueueBuildContext))
	if err != nil {
		t.Fatalf("HandleBuildContext() error = %v", err)
	}
	if out != `{"skipped":true}` {
		t.Errorf("output = %s", out)
	}
	if got := h.status(t); got != domain.RunReady {
		t.Errorf("status = %s", got)
	}
}

func TestPipeline_RecomputeSkipsParsing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.p.Recompute(ctx, "u1", 2026); err != nil {
		t.Fatalf("Recompute() error = %v", err)
	}
	if _, err := h.p.HandleComputeAggregates(ctx, h.claim(t, domain.QueueComputeAggregates)); err != nil {
		t.Fatalf("HandleComputeAggregates() error = %v", err)
	}
	agg, err := h.store.GetAggregate(ctx, "u1", 2026)
	if err != nil {
		t.Fatalf("GetAggregate() error = %v", err)
	}
	if agg.TransactionCount != 0 || agg.TotalIncome != 0 {
		t.Errorf("aggregate = %+v, want zero figures", agg)
	}
	if n := h.count(t, domain.QueueBuildContext); n != 1 {
		t.Errorf("build-context jobs = %d, want 1", n)
	}
	if n := h.count(t, domain.QueueParseFile); n != 0 {
		t.Errorf("parse-file jobs = %d, want 0", n)
	}
}

func TestPipeline_ReparseToEmptyReplacesAggregate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run := func() {
		t.Helper()
		if _, err := h.p.Upload(ctx, "u1", 2026, "f1"); err != nil {
			t.Fatalf("Upload() error = %v", err)
		}
		if _, err := h.p.HandleParseFile(ctx, h.claim(t, domain.QueueParseFile)); err != nil {
			t.Fatalf("HandleParseFile() error = %v", err)
		}
		if _, err := h.p.HandleComputeAggregates(ctx, h.claim(t, domain.QueueComputeAggregates)); err != nil {
			t.Fatalf("HandleComputeAggregates() error = %v", err)
		}
		if _, err := h.p.HandleBuildContext(ctx, h.claim(t, domain.QueueBuildContext)); err != nil {
			t.Fatalf("HandleBuildContext() error = %v", err)
		}
	}

	run()
	h.ext.mu.Lock()
	h.ext.txns = nil
	h.ext.mu.Unlock()
	run()

	agg, err := h.store.GetAggregate(ctx, "u1", 2026)
	if err != nil {
		t.Fatalf("GetAggregate() error = %v", err)
	}
	if agg.Version != 2 || agg.TransactionCount != 0 || agg.TotalIncome != 0 || agg.Liability.TotalTax != 0 {
		t.Errorf("aggregate after empty re-parse = v%d %+v", agg.Version, agg)
	}
	tc, err := h.store.GetContext(ctx, "u1", 2026)
	if err != nil {
		t.Fatalf("GetContext() error = %v", err)
	}
	var compact domain.CompactContext
	if err := json.Unmarshal(tc.Context, &compact); err != nil {
		t.Fatalf("decode context: %v", err)
	}
	if tc.Version != 2 || compact.TotalIncome != 0 || compact.DataMonths != "No data" {
		t.Errorf("context v%d still carries stale figures: %s", tc.Version, tc.Context)
	}
}

func TestPipeline_ListStuck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	h.p.now = func() time.Time { return now }

	runs := []domain.PipelineRun{
		{UserID: "old", TaxYear: 2026, Status: domain.RunParsing, UpdatedAt: now.Add(-2 * time.Hour)},
		{UserID: "fresh", TaxYear: 2026, Status: domain.RunAggregating, UpdatedAt: now.Add(-time.Minute)},
		{UserID: "failed", TaxYear: 2026, Status: domain.RunParsing, UpdatedAt: now},
	}
	for i := range runs {
		runs[i].CreatedAt = runs[i].UpdatedAt
		if err := h.store.StartStage(ctx, &runs[i]); err != nil {
			t.Fatal(err)
		}
	}
	failed := runs[2]
	failed.Status = domain.RunParseFailed
	if _, err := h.store.SettleStage(ctx, &failed, domain.RunParsing); err != nil {
		t.Fatal(err)
	}

	stuck, err := h.p.ListStuck(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("ListStuck() error = %v", err)
	}
	got := map[string]bool{}
	for _, r := range stuck {
		got[r.UserID] = true
	}
	if len(stuck) != 2 || !got["old"] || !got["failed"] {
		t.Errorf("ListStuck() = %+v", stuck)
	}
}

func TestPipeline_HandleResetCredits(t *testing.T) {
	h := newHarness(t)
	out, err := h.p.HandleResetCredits(context.Background(), nil)
	if err != nil {
		t.Fatalf("HandleResetCredits() error = %v", err)
	}
	if out != `{"skipped":false,"usersReset":3}` {
		t.Errorf("output = %s", out)
	}
}

type registration struct {
	queue domain.QueueName
	size  int
}

type mockRegistrar struct {
	regs []registration
}

func (r *mockRegistrar) Register(q domain.QueueName, size int, _ domain.JobHandler) {
	r.regs = append(r.regs, registration{q, size})
}

func TestPipeline_Register(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSizes = map[domain.QueueName]int{domain.QueueSendAuthEmail: 10}
	p := New(Deps{}, cfg, zap.NewNop())

	var r mockRegistrar
	p.Register(&r)
	if len(r.regs) != len(domain.Queues) {
		t.Fatalf("registered %d queues, want %d", len(r.regs), len(domain.Queues))
	}
	for _, reg := range r.regs {
		want := 1
		if reg.queue == domain.QueueSendAuthEmail {
			want = 10
		}
		if reg.size != want {
			t.Errorf("%s batch size = %d, want %d", reg.queue, reg.size, want)
		}
	}
}
