package chat

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/taxbracket/backend/internal/adapter/sqlstore"
	"github.com/taxbracket/backend/internal/cache"
	"github.com/taxbracket/backend/internal/credits"
	"github.com/taxbracket/backend/internal/domain"
)

type mockResponder struct {
	mu      sync.Mutex
	calls   int
	systems []string
	err     error
}

func (r *mockResponder) Complete(_ context.Context, system string, msgs []domain.ChatMessage) (domain.Completion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.systems = append(r.systems, system)
	if r.err != nil {
		return domain.Completion{}, r.err
	}
	return domain.Completion{
		Content:          "answer to " + msgs[len(msgs)-1].Content,
		Model:            "test-model",
		PromptTokens:     2000,
		CompletionTokens: 500,
	}, nil
}

func (r *mockResponder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fixture struct {
	store     *sqlstore.Store
	ledger    *credits.Ledger
	responder *mockResponder
	cache     *cache.ResponseCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlstore.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	c := cache.NewResponseCache(cache.Config{})
	t.Cleanup(c.Close)

	return &fixture{
		store:     store,
		ledger:    credits.NewLedger(store, credits.DefaultConfig(), zap.NewNop()),
		responder: &mockResponder{},
		cache:     c,
	}
}

func (f *fixture) service(withCache bool) *Service {
	var answers Cache
	if withCache {
		answers = f.cache
	}
	return New(credits.NewAdmission(f.ledger), f.ledger, f.store, f.responder, answers, zap.NewNop())
}

func ask(id, content string) Request {
	return Request{
		UserID:    "u1",
		TaxYear:   2026,
		RequestID: id,
		Messages:  []domain.ChatMessage{{Role: "user", Content: content}},
	}
}

func TestService_ReplyChargesThenCaches(t *testing.T) {
	f := newFixture(t)
	svc := f.service(true)
	ctx := context.Background()

	res, err := svc.Reply(ctx, ask("r1", "How much tax do I owe?"))
	if err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	if res.Cached || res.Tokens != 2500 || res.Charged != 250 || res.Model != "test-model" {
		t.Errorf("first reply = %+v", res)
	}
	if res.Decision.Remaining != 750 {
		t.Errorf("Remaining = %d, want 750", res.Decision.Remaining)
	}

	res, err = svc.Reply(ctx, ask("r2", "  how much TAX   do i owe? "))
	if err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	if !res.Cached || res.Charged != 0 || res.Reply != "answer to How much tax do I owe?" {
		t.Errorf("second reply = %+v", res)
	}
	if n := f.responder.count(); n != 1 {
		t.Errorf("responder calls = %d, want 1", n)
	}

	stats, err := f.ledger.Stats(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Used != 250 {
		t.Errorf("Used = %d, want 250", stats.Used)
	}
}

func TestService_NewContextVersionMissesCache(t *testing.T) {
	f := newFixture(t)
	svc := f.service(true)
	ctx := context.Background()

	if _, err := svc.Reply(ctx, ask("r1", "hello")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.SaveContext(ctx, &domain.TaxContext{
		UserID: "u1", TaxYear: 2026, Context: json.RawMessage(`{"taxYear":2026}`), TokenEstimate: 4, BuiltAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Reply(ctx, ask("r2", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Cached || res.ContextVersion != 1 {
		t.Errorf("reply after rebuild = %+v", res)
	}
	if n := f.responder.count(); n != 2 {
		t.Errorf("responder calls = %d, want 2", n)
	}
}

func TestService_RejectsWhenExhausted(t *testing.T) {
	f := newFixture(t)
	svc := f.service(true)
	ctx := context.Background()

	if _, err := f.ledger.Debit(ctx, "u1", 1000, ""); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Reply(ctx, ask("r1", "hello"))
	if err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	if res.Rejection == nil || res.Decision.Allowed {
		t.Fatalf("reply = %+v, want rejection", res)
	}
	if res.Rejection.Error != "Insufficient credits" {
		t.Errorf("Rejection = %+v", res.Rejection)
	}
	if n := f.responder.count(); n != 0 {
		t.Errorf("responder called %d times for a rejected turn", n)
	}
}

func TestService_ReusedRequestIDNotAnswered(t *testing.T) {
	f := newFixture(t)
	svc := f.service(false)
	ctx := context.Background()

	first, err := svc.Reply(ctx, ask("same", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if first.Charged != 250 {
		t.Errorf("first turn charged %d, want 250", first.Charged)
	}
	for i, q := range []string{"hello", "a different question", "one more"} {
		res, err := svc.Reply(ctx, ask("same", q))
		if !errors.Is(err, ErrRequestReused) {
			t.Fatalf("reply %d error = %v, want ErrRequestReused", i, err)
		}
		if res.Reply != "" {
			t.Errorf("reply %d leaked an answer: %q", i, res.Reply)
		}
	}
	if n := f.responder.count(); n != 1 {
		t.Errorf("responder calls = %d, want 1", n)
	}
	stats, err := f.ledger.Stats(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Used != 250 {
		t.Errorf("Used = %d, want 250", stats.Used)
	}
}

func TestService_RequestIDScopedToUser(t *testing.T) {
	f := newFixture(t)
	svc := f.service(false)
	ctx := context.Background()

	if _, err := svc.Reply(ctx, ask("shared", "hello")); err != nil {
		t.Fatal(err)
	}
	req := ask("shared", "hello")
	req.UserID = "u2"
	res, err := svc.Reply(ctx, req)
	if err != nil {
		t.Fatalf("Reply(u2) error = %v", err)
	}
	if res.Charged != 250 {
		t.Errorf("u2 charged %d, want 250", res.Charged)
	}
	for _, user := range []string{"u1", "u2"} {
		stats, err := f.ledger.Stats(ctx, user)
		if err != nil {
			t.Fatal(err)
		}
		if stats.Used != 250 {
			t.Errorf("%s Used = %d, want 250", user, stats.Used)
		}
	}
}

func TestService_ConcurrentSameRequestIDAnsweredOnce(t *testing.T) {
	f := newFixture(t)
	svc := f.service(false)
	ctx := context.Background()

	const n = 6
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		ok     int
		reused int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Reply(ctx, ask("same", "hello"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrRequestReused):
				reused++
			default:
				t.Errorf("Reply() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || reused != n-1 {
		t.Errorf("answered %d, reused %d", ok, reused)
	}
	if got := f.responder.count(); got != 1 {
		t.Errorf("responder calls = %d, want 1", got)
	}
	stats, err := f.ledger.Stats(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Used != 250 {
		t.Errorf("Used = %d, want 250", stats.Used)
	}
}

func TestService_CacheSeparatesTaxYears(t *testing.T) {
	f := newFixture(t)
	svc := f.service(true)
	ctx := context.Background()

	for _, year := range []int{2025, 2026} {
		if _, err := f.store.SaveContext(ctx, &domain.TaxContext{
			UserID: "u1", TaxYear: year, Context: json.RawMessage(`{}`), TokenEstimate: 1, BuiltAt: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	for i, year := range []int{2025, 2026} {
		req := ask("y"+strconv.Itoa(year), "What is my effective rate?")
		req.TaxYear = year
		res, err := svc.Reply(ctx, req)
		if err != nil {
			t.Fatalf("Reply(%d) error = %v", year, err)
		}
		if res.Cached || res.ContextVersion != 1 {
			t.Errorf("reply %d for %d = %+v", i, year, res)
		}
	}
	if n := f.responder.count(); n != 2 {
		t.Errorf("responder calls = %d, want 2", n)
	}
}

func TestService_ResponderError(t *testing.T) {
	f := newFixture(t)
	f.responder.err = errors.New("upstream 502")
	svc := f.service(true)
	ctx := context.Background()

	if _, err := svc.Reply(ctx, ask("r1", "hello")); err == nil {
		t.Fatal("Reply() error = nil")
	}
	stats, err := f.ledger.Stats(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Used != 0 {
		t.Errorf("failed turn charged %d credits", stats.Used)
	}
	if f.cache.Len() != 0 {
		t.Error("failed turn was cached")
	}
}

func TestService_NoUserMessage(t *testing.T) {
	f := newFixture(t)
	_, err := f.service(true).Reply(context.Background(), Request{
		UserID:   "u1",
		Messages: []domain.ChatMessage{{Role: "assistant", Content: "hi"}},
	})
	if !errors.Is(err, ErrNoUserMessage) {
		t.Errorf("Reply() error = %v, want ErrNoUserMessage", err)
	}
}

func TestSystemPrompt(t *testing.T) {
	if got := SystemPrompt(nil); !strings.Contains(got, "No aggregated summary") {
		t.Errorf("prompt without context:\n%s", got)
	}
	got := SystemPrompt(&domain.TaxContext{Context: json.RawMessage(`{"taxYear":2026,"effectiveRate":"7.5%"}`)})
	if !strings.Contains(got, `"effectiveRate": "7.5%"`) || !strings.Contains(got, "AUTHORITATIVE") {
		t.Errorf("prompt with context:\n%s", got)
	}
}
