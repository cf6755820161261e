package domain

import "time"

// BillingPolicy is the resolved combination of credit feature flags.
//
// Precedence: PurchaseEnabled decides whether purchased balance stacks on top of
// the weekly allowance, and it also supersedes weekly resets. WeeklyResetEnabled is
// therefore never true while PurchaseEnabled is.
type BillingPolicy struct {
	BetaMode           bool
	PurchaseEnabled    bool
	WeeklyResetEnabled bool
}

// NewBillingPolicy resolves the flags. weeklyReset overrides the default of
// "reset weekly while in beta", but purchases still supersede it.
func NewBillingPolicy(betaMode, purchaseEnabled bool, weeklyReset *bool) BillingPolicy {
	reset := betaMode
	if weeklyReset != nil {
		reset = *weeklyReset
	}
	return BillingPolicy{
		BetaMode:           betaMode,
		PurchaseEnabled:    purchaseEnabled,
		WeeklyResetEnabled: reset && !purchaseEnabled,
	}
}

// TransactionType classifies ledger entries.
type TransactionType string

const (
	TxPurchase    TransactionType = "purchase"
	TxUsage       TransactionType = "usage"
	TxRefund      TransactionType = "refund"
	TxWeeklyReset TransactionType = "weekly_reset"
)

// CreditTransaction is one immutable ledger entry. Amount is signed: positive
// adds spendable credits, negative removes them.
type CreditTransaction struct {
	ID        string
	UserID    string
	Type      TransactionType
	Amount    int64
	Reference string
	CreatedAt time.Time
}

// CreditAccount is the per-user ledger summary for the current weekly window.
type CreditAccount struct {
	UserID      string
	WeeklyLimit int64
	// WeeklyUsed is the part of the weekly allowance spent in this window.
	WeeklyUsed int64
	// PurchasedBalance never expires and is spent once the allowance is exhausted.
	PurchasedBalance int64
	// PurchasedUsed is the purchased balance spent in this window.
	PurchasedUsed int64
	WindowStart   time.Time
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Used returns everything consumed in the current window.
func (a *CreditAccount) Used() int64 {
	return a.WeeklyUsed + a.PurchasedUsed
}

func (a *CreditAccount) weeklyRemaining() int64 {
	if r := a.WeeklyLimit - a.WeeklyUsed; r > 0 {
		return r
	}
	return 0
}

// Remaining returns the credits still spendable under policy p.
func (a *CreditAccount) Remaining(p BillingPolicy) int64 {
	r := a.weeklyRemaining()
	if p.PurchaseEnabled && a.PurchasedBalance > 0 {
		r += a.PurchasedBalance
	}
	return r
}

// EffectiveLimit is the window budget: weekly limit plus purchased credits when
// purchases stack, the weekly limit alone otherwise.
func (a *CreditAccount) EffectiveLimit(p BillingPolicy) int64 {
	return a.Used() + a.Remaining(p)
}

// Sufficient reports consumed < effective limit.
func (a *CreditAccount) Sufficient(p BillingPolicy) bool {
	return a.Remaining(p) > 0
}

// Spend splits amount between the weekly allowance and the purchased balance,
// clamped to what is available. It returns the applied parts.
func (a *CreditAccount) Spend(amount int64, p BillingPolicy) (weekly, purchased int64) {
	if amount <= 0 {
		return 0, 0
	}
	weekly = min(amount, a.weeklyRemaining())
	if p.PurchaseEnabled {
		purchased = min(amount-weekly, max(a.PurchasedBalance, 0))
	}
	a.WeeklyUsed += weekly
	a.PurchasedUsed += purchased
	a.PurchasedBalance -= purchased
	return weekly, purchased
}
