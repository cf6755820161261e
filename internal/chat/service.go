// Package chat runs one metered AI chat turn: admission, cached answer lookup,
// model call and the credit debit for the tokens it used.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taxbracket/backend/internal/cache"
	"github.com/taxbracket/backend/internal/credits"
	"github.com/taxbracket/backend/internal/domain"
)

var (
	// ErrNoUserMessage is returned for a conversation without a user turn to answer.
	ErrNoUserMessage = errors.New("conversation has no user message")
	// ErrRequestReused is returned for a request id that was already charged
	// or is still being answered.
	ErrRequestReused = errors.New("request id already used")
)

// Admitter decides whether a user may start a metered request.
type Admitter interface {
	Admit(ctx context.Context, userID string) (credits.Decision, error)
}

// Charger debits the credits worth of model tokens.
type Charger interface {
	Charged(ctx context.Context, userID, reference string) (bool, error)
	DebitTokens(ctx context.Context, userID string, tokens int, reference string) (credits.DebitResult, error)
}

// ContextSource returns the latest compact tax context.
type ContextSource interface {
	GetContext(ctx context.Context, userID string, taxYear int) (*domain.TaxContext, error)
}

// Cache stores answers by key.
type Cache interface {
	Get(key string) (string, bool)
	Set(key, value string, ttl time.Duration)
}

// Request is one chat turn.
type Request struct {
	UserID  string
	TaxYear int
	// RequestID identifies the turn. An id is answered at most once per user.
	RequestID string
	Messages  []domain.ChatMessage
}

// Result is the outcome of a chat turn. When Rejection is set the model was
// not called and Reply is empty.
type Result struct {
	Reply          string
	Cached         bool
	Model          string
	Tokens         int
	Charged        int64
	ContextVersion int
	Decision       credits.Decision
	Rejection      *credits.Rejection
}

// Service orchestrates chat turns.
type Service struct {
	admission Admitter
	ledger    Charger
	contexts  ContextSource
	responder domain.Responder
	cache     Cache
	logger    *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a chat service. A nil cache disables answer caching.
func New(admission Admitter, ledger Charger, contexts ContextSource, responder domain.Responder, answers Cache, logger *zap.Logger) *Service {
	return &Service{
		admission: admission,
		ledger:    ledger,
		contexts:  contexts,
		responder: responder,
		cache:     answers,
		logger:    logger.Named("chat"),
		inflight:  make(map[string]struct{}),
	}
}

// Reply answers the last user message of req.
func (s *Service) Reply(ctx context.Context, req Request) (Result, error) {
	last := lastUserMessage(req.Messages)
	if last == "" {
		return Result{}, ErrNoUserMessage
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	logger := s.logger.With(zap.String("user_id", req.UserID), zap.Int("tax_year", req.TaxYear))

	reference := "chat-" + req.UserID + "-" + req.RequestID
	if !s.claim(reference) {
		return Result{}, ErrRequestReused
	}
	defer s.release(reference)
	charged, err := s.ledger.Charged(ctx, req.UserID, reference)
	if err != nil {
		return Result{}, fmt.Errorf("check request: %w", err)
	}
	if charged {
		logger.Info("chat request id reused", zap.String("request_id", req.RequestID))
		return Result{}, ErrRequestReused
	}

	decision, err := s.admission.Admit(ctx, req.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("admission: %w", err)
	}
	res := Result{Decision: decision}
	if !decision.Allowed {
		res.Rejection = decision.Rejection
		logger.Info("chat rejected, out of credits")
		return res, nil
	}

	tc, err := s.contexts.GetContext(ctx, req.UserID, req.TaxYear)
	switch {
	case errors.Is(err, domain.ErrContextNotFound):
		tc = nil
	case err != nil:
		return Result{}, fmt.Errorf("load context: %w", err)
	}
	version := fmt.Sprintf("%d-no-context", req.TaxYear)
	if tc != nil {
		res.ContextVersion = tc.Version
		version = fmt.Sprintf("%d-v%d", req.TaxYear, tc.Version)
	}

	key := cache.GenerateKey(req.UserID, last, version)
	if s.cache != nil {
		if reply, ok := s.cache.Get(key); ok {
			logger.Debug("chat cache hit")
			res.Reply, res.Cached = reply, true
			return res, nil
		}
	}

	completion, err := s.responder.Complete(ctx, SystemPrompt(tc), req.Messages)
	if err != nil {
		return Result{}, fmt.Errorf("complete: %w", err)
	}
	res.Reply = completion.Content
	res.Model = completion.Model
	res.Tokens = completion.TotalTokens()

	if res.Tokens > 0 {
		debit, err := s.ledger.DebitTokens(ctx, req.UserID, res.Tokens, reference)
		switch {
		case err == nil && debit.AlreadyApplied:
			// Another process answered the same id first.
			logger.Warn("chat request id charged concurrently", zap.String("request_id", req.RequestID))
			return Result{}, ErrRequestReused
		case errors.Is(err, domain.ErrInsufficientCredits), errors.Is(err, domain.ErrInvalidAmount):
			logger.Warn("nothing left to charge for chat turn", zap.Int("tokens", res.Tokens))
		case err != nil:
			// The answer was produced; losing the charge is logged, not surfaced.
			logger.Error("charging chat turn failed", zap.Int("tokens", res.Tokens), zap.Error(err))
		default:
			res.Charged = debit.Deducted
			res.Decision.Remaining = debit.Remaining
		}
	}

	if s.cache != nil && res.Reply != "" {
		s.cache.Set(key, res.Reply, 0)
	}
	return res, nil
}

func (s *Service) claim(reference string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[reference]; ok {
		return false
	}
	s.inflight[reference] = struct{}{}
	return true
}

func (s *Service) release(reference string) {
	s.mu.Lock()
	delete(s.inflight, reference)
	s.mu.Unlock()
}

func lastUserMessage(msgs []domain.ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" && strings.TrimSpace(msgs[i].Content) != "" {
			return msgs[i].Content
		}
	}
	return ""
}
