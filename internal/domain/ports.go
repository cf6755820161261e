package domain

import (
	"context"
	"io"
	"time"
)

// JobRepository is the driven port for durable job storage. Claim, Complete,
// Retry and Fail are fenced by the lock token handed out at claim time.
type JobRepository interface {
	// Insert stores job; with a singleton key already present it returns the
	// existing id and inserted=false.
	Insert(ctx context.Context, job *Job) (id string, inserted bool, err error)
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, filter JobFilter) ([]Job, error)
	Claim(ctx context.Context, queue QueueName, limit int, token string, now time.Time) ([]Job, error)
	Heartbeat(ctx context.Context, ids []string, token string, now time.Time) error
	Complete(ctx context.Context, id, token, output string, now time.Time) error
	Retry(ctx context.Context, id, token, reason string, runAt time.Time) error
	Fail(ctx context.Context, id, token, reason string, now time.Time) error
	FindStalled(ctx context.Context, heartbeatBefore time.Time, limit int) ([]Job, error)
}

// ScheduleRepository stores recurring schedules, one per queue.
type ScheduleRepository interface {
	UpsertSchedule(ctx context.Context, s *Schedule) error
	DeleteSchedule(ctx context.Context, queue QueueName) error
	ListSchedules(ctx context.Context) ([]Schedule, error)
	// AdvanceSchedule moves last_fired_at from prev to next; false when another
	// scheduler advanced it first.
	AdvanceSchedule(ctx context.Context, queue QueueName, prev, next time.Time) (bool, error)
}

// LedgerRepository is the durable credit ledger.
type LedgerRepository interface {
	GetAccount(ctx context.Context, userID string) (*CreditAccount, error)
	// CreateAccount inserts acct unless the user already has one.
	CreateAccount(ctx context.Context, acct *CreditAccount) error
	// UpdateAccount writes acct if its stored version still equals acct.Version
	// (ErrConcurrentUpdate otherwise) and records txn in the same transaction.
	// A txn whose reference already exists yields ErrDuplicateReference and no write.
	UpdateAccount(ctx context.Context, acct *CreditAccount, txn *CreditTransaction) error
	// ResetWindows zeroes consumption for every account whose window started
	// before windowStart and returns how many accounts were reset.
	ResetWindows(ctx context.Context, windowStart time.Time) (int64, error)
	// FindCreditTransaction returns nil when no entry carries reference.
	FindCreditTransaction(ctx context.Context, reference string) (*CreditTransaction, error)
	ListCreditTransactions(ctx context.Context, userID string, limit int) ([]CreditTransaction, error)
}

// PipelineRepository persists stage status per (user, tax year).
type PipelineRepository interface {
	// StartStage upserts the run into an in-progress or uploaded status. Any
	// other status is ErrInvalidTransition.
	StartStage(ctx context.Context, run *PipelineRun) error
	// SettleStage moves the run from expected to run.Status; false when the run
	// is no longer in expected. A move CanTransition refuses is ErrInvalidTransition.
	SettleStage(ctx context.Context, run *PipelineRun, expected RunStatus) (bool, error)
	GetRun(ctx context.Context, userID string, taxYear int) (*PipelineRun, error)
	ListRuns(ctx context.Context, statuses []RunStatus) ([]PipelineRun, error)
}

// FinanceRepository stores parsed transactions and their derived data.
type FinanceRepository interface {
	// ReplaceFileTransactions atomically swaps every transaction of fileID.
	ReplaceFileTransactions(ctx context.Context, fileID string, txns []Transaction) error
	ListTransactions(ctx context.Context, userID string, taxYear int) ([]Transaction, error)
	// SaveAggregate upserts agg and returns its new version.
	SaveAggregate(ctx context.Context, agg *Aggregate) (int, error)
	GetAggregate(ctx context.Context, userID string, taxYear int) (*Aggregate, error)
	// SaveContext upserts c and returns its new version.
	SaveContext(ctx context.Context, c *TaxContext) (int, error)
	GetContext(ctx context.Context, userID string, taxYear int) (*TaxContext, error)
}

// FileMeta describes an uploaded file owned by the storage layer.
type FileMeta struct {
	FileID   string
	Name     string
	MimeType string
	Size     int64
}

// FileSource is the driven port for uploaded file contents.
type FileSource interface {
	Open(ctx context.Context, fileID string) (io.ReadCloser, FileMeta, error)
}

// StatementExtractor turns a statement file into transactions.
type StatementExtractor interface {
	Name() string
	Match(mimeType string) bool
	Extract(ctx context.Context, r io.Reader, meta FileMeta) ([]Transaction, error)
}

// Notifier wakes idle workers when jobs become available.
type Notifier interface {
	Notify(ctx context.Context, queue QueueName) error
	// Wait blocks until a notification for queue arrives, timeout elapses or
	// ctx ends.
	Wait(ctx context.Context, queue QueueName, timeout time.Duration) bool
}

// Mail is one outgoing email.
type Mail struct {
	From    string
	To      string
	ReplyTo string
	Subject string
	HTML    string
}

// Mailer delivers email.
type Mailer interface {
	Send(ctx context.Context, m Mail) error
}

// JobHandler processes a batch of deliveries from one queue. The output is
// recorded on every completed job; an error fails every job in the batch.
type JobHandler func(ctx context.Context, jobs []Job) (output string, err error)

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completion is a model reply and what it cost.
type Completion struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// TotalTokens is the metered size of the completion.
func (c Completion) TotalTokens() int {
	return c.PromptTokens + c.CompletionTokens
}

// Responder generates assistant replies.
type Responder interface {
	Complete(ctx context.Context, system string, messages []ChatMessage) (Completion, error)
}
