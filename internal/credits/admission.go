package credits

import (
	"context"
	"math"
	"strconv"
	"time"
)

// Rejection is the structured "out of credits" answer. It is a business
// decision, not an error.
type Rejection struct {
	Error           string    `json:"error"`
	Message         string    `json:"message"`
	ResetAt         time.Time `json:"resetAt"`
	HoursUntilReset int       `json:"hoursUntilReset"`
	// RetryAfter is the wait until credits are restored.
	RetryAfter time.Duration `json:"-"`
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (r *Rejection) RetryAfterSeconds() int64 {
	return int64(math.Ceil(r.RetryAfter.Seconds()))
}

// Decision is the admission outcome for one metered request.
type Decision struct {
	Allowed   bool
	Remaining int64
	Limit     int64
	ResetAt   time.Time
	// Rejection is set when Allowed is false.
	Rejection *Rejection
}

// Headers returns the rate-limit headers for the decision.
func (d Decision) Headers() map[string]string {
	h := map[string]string{
		"X-RateLimit-Limit":     strconv.FormatInt(d.Limit, 10),
		"X-RateLimit-Remaining": strconv.FormatInt(d.Remaining, 10),
		"X-RateLimit-Reset":     strconv.FormatInt(d.ResetAt.Unix(), 10),
	}
	if d.Rejection != nil {
		h["Retry-After"] = strconv.FormatInt(d.Rejection.RetryAfterSeconds(), 10)
	}
	return h
}

// Admission decides whether a user may start an AI request. It only reads the
// ledger; charging happens after the request completes.
type Admission struct {
	ledger *Ledger
	now    func() time.Time
}

// NewAdmission creates an admission controller over ledger.
func NewAdmission(ledger *Ledger) *Admission {
	return &Admission{ledger: ledger, now: time.Now}
}

// Admit returns the decision for userID. Running out of credits is reported
// in the decision; errors mean the ledger could not be read.
func (a *Admission) Admit(ctx context.Context, userID string) (Decision, error) {
	check, err := a.ledger.CheckSufficientCredits(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{
		Allowed:   check.Sufficient,
		Remaining: check.Remaining,
		Limit:     check.Limit,
		ResetAt:   check.ResetAt,
	}
	if !d.Allowed {
		d.Rejection = a.reject()
		d.ResetAt = d.Rejection.ResetAt
	}
	return d, nil
}

func (a *Admission) reject() *Rejection {
	now := a.now()
	wait, _, hours := untilReset(now)
	return &Rejection{
		Error:           "Insufficient credits",
		Message:         rejectionMessage(a.ledger.cfg),
		ResetAt:         NextReset(now),
		HoursUntilReset: hours,
		RetryAfter:      wait,
	}
}

func rejectionMessage(cfg Config) string {
	switch {
	case cfg.Policy.WeeklyResetEnabled:
		return "You've used all your weekly credits. Credits reset every Monday at 00:00 UTC."
	case cfg.Policy.PurchaseEnabled:
		return "You've used all your credits. Purchase more credits to continue."
	default:
		return "You've used all your credits."
	}
}
