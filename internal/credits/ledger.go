// Package credits meters AI usage against a per-user weekly credit budget.
package credits

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taxbracket/backend/internal/domain"
)

// maxAttempts bounds optimistic retries of a contended account update.
const maxAttempts = 16

// Config holds the credit economics and the resolved billing policy.
type Config struct {
	WeeklyLimit      int64
	CreditsPerToken  float64
	CreditsPerDollar int64
	Policy           domain.BillingPolicy
}

// DefaultConfig matches the defaults of the config file.
func DefaultConfig() Config {
	return Config{
		WeeklyLimit:      1000,
		CreditsPerToken:  0.1,
		CreditsPerDollar: 1000,
		Policy:           domain.NewBillingPolicy(true, false, nil),
	}
}

// TokensToCredits converts model tokens to credits, rounding up.
func (c Config) TokensToCredits(tokens int) int64 {
	if tokens <= 0 {
		return 0
	}
	// The epsilon keeps 30 * 0.1 from rounding up to 4.
	return int64(math.Ceil(float64(tokens)*c.CreditsPerToken - 1e-9))
}

// CreditsToTokens converts credits to the tokens they buy, rounding down.
func (c Config) CreditsToTokens(credits int64) int64 {
	if c.CreditsPerToken <= 0 {
		return 0
	}
	return int64(math.Floor(float64(credits)/c.CreditsPerToken + 1e-9))
}

// DollarsToCredits converts a payment in cents to credits, rounding down.
func (c Config) DollarsToCredits(cents int64) int64 {
	if cents <= 0 {
		return 0
	}
	return cents * c.CreditsPerDollar / 100
}

// Check is the admission view of an account.
type Check struct {
	Sufficient bool
	Remaining  int64
	Limit      int64
	ResetAt    time.Time
}

// DebitResult reports what a debit applied.
type DebitResult struct {
	Requested int64
	Deducted  int64
	Remaining int64
	// AlreadyApplied is set when the reference was charged before.
	AlreadyApplied bool
}

// CreditResult reports what a purchase or refund applied.
type CreditResult struct {
	Amount           int64
	PurchasedBalance int64
	AlreadyApplied   bool
}

// ResetResult is the outcome of a weekly reset run.
type ResetResult struct {
	Count   int64
	Skipped bool
}

// Stats is the account summary returned to clients.
type Stats struct {
	Remaining          int64     `json:"remaining"`
	Limit              int64     `json:"limit"`
	Used               int64     `json:"used"`
	PercentageUsed     float64   `json:"percentageUsed"`
	ResetAt            time.Time `json:"resetAt"`
	DaysUntilReset     int       `json:"daysUntilReset"`
	HoursUntilReset    int       `json:"hoursUntilReset"`
	PurchasedCredits   int64     `json:"purchasedCredits"`
	EffectiveLimit     int64     `json:"effectiveLimit"`
	TokensRemaining    int64     `json:"tokensRemaining"`
	BetaMode           bool      `json:"betaMode"`
	PurchaseEnabled    bool      `json:"purchaseEnabled"`
	WeeklyResetEnabled bool      `json:"weeklyResetEnabled"`
}

// Ledger applies credit mutations through a LedgerRepository. Every mutation
// is an optimistic compare-and-swap on the account version, so concurrent
// debits for one user serialize without a process-wide lock.
type Ledger struct {
	repo   domain.LedgerRepository
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewLedger creates a ledger service.
func NewLedger(repo domain.LedgerRepository, cfg Config, logger *zap.Logger) *Ledger {
	return &Ledger{repo: repo, cfg: cfg, logger: logger, now: time.Now}
}

// Config returns the ledger configuration.
func (l *Ledger) Config() Config {
	return l.cfg
}

// EnsureAccount returns the user's account, provisioning it on first use.
func (l *Ledger) EnsureAccount(ctx context.Context, userID string) (*domain.CreditAccount, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", domain.ErrAccountNotFound)
	}
	acct, err := l.repo.GetAccount(ctx, userID)
	if !errors.Is(err, domain.ErrAccountNotFound) {
		return acct, err
	}

	now := l.now().UTC()
	err = l.repo.CreateAccount(ctx, &domain.CreditAccount{
		UserID:      userID,
		WeeklyLimit: l.cfg.WeeklyLimit,
		WindowStart: WeekStart(now),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, fmt.Errorf("provision account %s: %w", userID, err)
	}
	l.logger.Info("provisioned credit account", zap.String("user_id", userID), zap.Int64("weekly_limit", l.cfg.WeeklyLimit))
	return l.repo.GetAccount(ctx, userID)
}

// CheckSufficientCredits reports whether the user may start a metered request.
func (l *Ledger) CheckSufficientCredits(ctx context.Context, userID string) (Check, error) {
	acct, err := l.EnsureAccount(ctx, userID)
	if err != nil {
		return Check{}, err
	}
	p := l.cfg.Policy
	return Check{
		Sufficient: acct.Sufficient(p),
		Remaining:  acct.Remaining(p),
		Limit:      acct.EffectiveLimit(p),
		ResetAt:    NextReset(l.now()),
	}, nil
}

// Debit charges amount credits, clamped to what remains. A non-empty
// reference makes the debit idempotent. With nothing left to charge it
// returns ErrInsufficientCredits.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64, reference string) (DebitResult, error) {
	if amount <= 0 {
		return DebitResult{}, domain.ErrInvalidAmount
	}
	if reference != "" {
		if ok, err := l.Charged(ctx, userID, reference); ok || err != nil {
			return DebitResult{Requested: amount, Remaining: l.remaining(ctx, userID), AlreadyApplied: ok}, err
		}
	} else {
		reference = "usage-" + uuid.NewString()
	}

	p := l.cfg.Policy
	for range maxAttempts {
		acct, err := l.EnsureAccount(ctx, userID)
		if err != nil {
			return DebitResult{}, err
		}
		weekly, purchased := acct.Spend(amount, p)
		deducted := weekly + purchased
		if deducted == 0 {
			return DebitResult{Requested: amount}, domain.ErrInsufficientCredits
		}

		now := l.now().UTC()
		acct.UpdatedAt = now
		err = l.repo.UpdateAccount(ctx, acct, &domain.CreditTransaction{
			ID:        uuid.NewString(),
			UserID:    userID,
			Type:      domain.TxUsage,
			Amount:    -deducted,
			Reference: reference,
			CreatedAt: now,
		})
		switch {
		case errors.Is(err, domain.ErrConcurrentUpdate):
			continue
		case errors.Is(err, domain.ErrDuplicateReference):
			if _, err := l.Charged(ctx, userID, reference); err != nil {
				return DebitResult{Requested: amount}, err
			}
			return DebitResult{Requested: amount, Remaining: l.remaining(ctx, userID), AlreadyApplied: true}, nil
		case err != nil:
			return DebitResult{}, fmt.Errorf("debit %s: %w", userID, err)
		}
		if deducted < amount {
			l.logger.Warn("debit clamped to remaining credits",
				zap.String("user_id", userID), zap.Int64("requested", amount), zap.Int64("deducted", deducted))
		}
		return DebitResult{Requested: amount, Deducted: deducted, Remaining: acct.Remaining(p)}, nil
	}
	return DebitResult{}, fmt.Errorf("debit %s: %w", userID, domain.ErrConcurrentUpdate)
}

// DebitTokens charges the credits worth of tokens.
func (l *Ledger) DebitTokens(ctx context.Context, userID string, tokens int, reference string) (DebitResult, error) {
	return l.Debit(ctx, userID, l.cfg.TokensToCredits(tokens), reference)
}

// Credit adds amount purchased credits. The reference, typically the payment
// provider's checkout id, makes redelivered notifications a no-op.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, reference string) (CreditResult, error) {
	if amount <= 0 {
		return CreditResult{}, domain.ErrInvalidAmount
	}
	if reference == "" {
		return CreditResult{}, errors.New("credit reference is required")
	}
	return l.adjustPurchased(ctx, userID, reference, domain.TxPurchase, func(acct *domain.CreditAccount) int64 {
		acct.PurchasedBalance += amount
		return amount
	})
}

// Purchase credits a payment of cents.
func (l *Ledger) Purchase(ctx context.Context, userID string, cents int64, reference string) (CreditResult, error) {
	return l.Credit(ctx, userID, l.cfg.DollarsToCredits(cents), reference)
}

// Refund removes up to amount purchased credits. The reference is namespaced
// so a refund never collides with the purchase it reverses.
func (l *Ledger) Refund(ctx context.Context, userID string, amount int64, reference string) (CreditResult, error) {
	if amount <= 0 {
		return CreditResult{}, domain.ErrInvalidAmount
	}
	if reference == "" {
		return CreditResult{}, errors.New("refund reference is required")
	}
	res, err := l.adjustPurchased(ctx, userID, "refund-"+reference, domain.TxRefund, func(acct *domain.CreditAccount) int64 {
		removed := min(amount, max(acct.PurchasedBalance, 0))
		acct.PurchasedBalance -= removed
		return -removed
	})
	res.Amount = -res.Amount
	return res, err
}

func (l *Ledger) adjustPurchased(ctx context.Context, userID, reference string, typ domain.TransactionType, apply func(*domain.CreditAccount) int64) (CreditResult, error) {
	applied, err := l.Charged(ctx, userID, reference)
	if err != nil {
		return CreditResult{}, err
	}
	if applied {
		acct, err := l.EnsureAccount(ctx, userID)
		if err != nil {
			return CreditResult{}, err
		}
		return CreditResult{PurchasedBalance: acct.PurchasedBalance, AlreadyApplied: true}, nil
	}

	for range maxAttempts {
		acct, err := l.EnsureAccount(ctx, userID)
		if err != nil {
			return CreditResult{}, err
		}
		delta := apply(acct)
		now := l.now().UTC()
		acct.UpdatedAt = now
		err = l.repo.UpdateAccount(ctx, acct, &domain.CreditTransaction{
			ID:        uuid.NewString(),
			UserID:    userID,
			Type:      typ,
			Amount:    delta,
			Reference: reference,
			CreatedAt: now,
		})
		switch {
		case errors.Is(err, domain.ErrConcurrentUpdate):
			continue
		case errors.Is(err, domain.ErrDuplicateReference):
			if _, err := l.Charged(ctx, userID, reference); err != nil {
				return CreditResult{}, err
			}
			cur, err := l.repo.GetAccount(ctx, userID)
			if err != nil {
				return CreditResult{}, err
			}
			return CreditResult{PurchasedBalance: cur.PurchasedBalance, AlreadyApplied: true}, nil
		case err != nil:
			return CreditResult{}, fmt.Errorf("%s %s: %w", typ, userID, err)
		}
		l.logger.Info("credits adjusted",
			zap.String("user_id", userID), zap.String("type", string(typ)),
			zap.Int64("amount", delta), zap.String("reference", reference))
		return CreditResult{Amount: delta, PurchasedBalance: acct.PurchasedBalance}, nil
	}
	return CreditResult{}, fmt.Errorf("%s %s: %w", typ, userID, domain.ErrConcurrentUpdate)
}

// ResetAllUsersCredits starts a fresh weekly window for every account. It is
// skipped, changing nothing, unless the policy enables weekly resets.
func (l *Ledger) ResetAllUsersCredits(ctx context.Context) (ResetResult, error) {
	if !l.cfg.Policy.WeeklyResetEnabled {
		l.logger.Info("weekly credit reset skipped",
			zap.Bool("beta_mode", l.cfg.Policy.BetaMode),
			zap.Bool("purchase_enabled", l.cfg.Policy.PurchaseEnabled))
		return ResetResult{Skipped: true}, nil
	}
	week := WeekStart(l.now())
	n, err := l.repo.ResetWindows(ctx, week)
	if err != nil {
		return ResetResult{}, fmt.Errorf("reset credit windows: %w", err)
	}
	l.logger.Info("weekly credit reset", zap.Int64("accounts", n), zap.Time("week", week))
	return ResetResult{Count: n}, nil
}

// SetWeeklyLimit changes a user's weekly allowance.
func (l *Ledger) SetWeeklyLimit(ctx context.Context, userID string, limit int64) error {
	if limit < 0 {
		return domain.ErrInvalidAmount
	}
	for range maxAttempts {
		acct, err := l.EnsureAccount(ctx, userID)
		if err != nil {
			return err
		}
		acct.WeeklyLimit = limit
		acct.UpdatedAt = l.now().UTC()
		err = l.repo.UpdateAccount(ctx, acct, nil)
		if errors.Is(err, domain.ErrConcurrentUpdate) {
			continue
		}
		return err
	}
	return fmt.Errorf("set limit %s: %w", userID, domain.ErrConcurrentUpdate)
}

// Stats summarizes the user's account for display.
func (l *Ledger) Stats(ctx context.Context, userID string) (Stats, error) {
	acct, err := l.EnsureAccount(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	p := l.cfg.Policy
	now := l.now()
	_, days, hours := untilReset(now)

	s := Stats{
		Remaining:          acct.Remaining(p),
		Limit:              acct.WeeklyLimit,
		Used:               acct.Used(),
		ResetAt:            NextReset(now),
		DaysUntilReset:     days,
		HoursUntilReset:    hours,
		PurchasedCredits:   acct.PurchasedBalance,
		EffectiveLimit:     acct.EffectiveLimit(p),
		BetaMode:           p.BetaMode,
		PurchaseEnabled:    p.PurchaseEnabled,
		WeeklyResetEnabled: p.WeeklyResetEnabled,
	}
	s.TokensRemaining = l.cfg.CreditsToTokens(s.Remaining)
	if s.EffectiveLimit > 0 {
		s.PercentageUsed = math.Round(float64(s.Used)/float64(s.EffectiveLimit)*1000) / 10
	}
	return s, nil
}

// History returns the user's ledger entries, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	return l.repo.ListCreditTransactions(ctx, userID, limit)
}

// Charged reports whether a transaction with reference was already recorded
// for userID. A reference held by another account is ErrDuplicateReference.
func (l *Ledger) Charged(ctx context.Context, userID, reference string) (bool, error) {
	txn, err := l.repo.FindCreditTransaction(ctx, reference)
	if err != nil || txn == nil {
		return false, err
	}
	if txn.UserID != userID {
		return false, fmt.Errorf("%w: %s belongs to another account", domain.ErrDuplicateReference, reference)
	}
	return true, nil
}

func (l *Ledger) remaining(ctx context.Context, userID string) int64 {
	acct, err := l.repo.GetAccount(ctx, userID)
	if err != nil {
		return 0
	}
	return acct.Remaining(l.cfg.Policy)
}
