// Package http is the gin HTTP surface: job operations, pipeline status,
// credit accounts, signed purchase notifications and metered chat.
package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taxbracket/backend/internal/adapter/filesource"
	"github.com/taxbracket/backend/internal/chat"
	"github.com/taxbracket/backend/internal/credits"
	"github.com/taxbracket/backend/internal/domain"
)

// Queue is the job surface the server exposes.
type Queue interface {
	Get(ctx context.Context, id string) (*domain.Job, error)
	List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error)
	RetryFailed(ctx context.Context, id string) (string, error)
}

// Pipeline registers uploads and reports chain status.
type Pipeline interface {
	Upload(ctx context.Context, userID string, taxYear int, fileID string) (string, error)
	Recompute(ctx context.Context, userID string, taxYear int) (string, error)
	Status(ctx context.Context, userID string, taxYear int) (*domain.PipelineRun, error)
	ListStuck(ctx context.Context, olderThan time.Duration) ([]domain.PipelineRun, error)
}

// Credits reads and tops up credit accounts.
type Credits interface {
	Stats(ctx context.Context, userID string) (credits.Stats, error)
	History(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error)
	Purchase(ctx context.Context, userID string, cents int64, reference string) (credits.CreditResult, error)
}

// Chat answers metered chat turns.
type Chat interface {
	Reply(ctx context.Context, req chat.Request) (chat.Result, error)
}

// FileStore stores uploaded statements.
type FileStore interface {
	Save(ctx context.Context, name, mimeType string, r io.Reader) (domain.FileMeta, error)
}

// Deps are the collaborators of the server. Files and Chat may be nil, which
// disables direct uploads and chat.
type Deps struct {
	Queue    Queue
	Pipeline Pipeline
	Credits  Credits
	Chat     Chat
	Files    FileStore
}

// Options tune the server.
type Options struct {
	Addr string
	// Secret signs purchase notifications. Empty disables verification.
	Secret     string
	StuckAfter time.Duration
	// MaxUploadBytes bounds multipart uploads.
	MaxUploadBytes int64
}

// Server is the HTTP adapter.
type Server struct {
	deps   Deps
	opts   Options
	router *gin.Engine
	server *http.Server
	logger *zap.Logger
	now    func() time.Time
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = 30 * time.Minute
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 20 << 20
	}
	s := &Server{
		deps:   deps,
		opts:   opts,
		router: gin.New(),
		logger: logger.Named("http"),
		now:    time.Now,
	}
	s.router.Use(gin.Recovery(), s.accessLog)
	s.routes()
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := s.router
	r.GET("/health", s.handleHealth)

	r.POST("/uploads", s.handleUpload)

	r.GET("/jobs", s.handleListJobs)
	r.GET("/jobs/:id", s.handleGetJob)
	r.POST("/jobs/:id/retry", s.handleRetryJob)

	r.GET("/pipelines/stuck", s.handleStuck)
	r.GET("/pipelines/:userId/:taxYear", s.handlePipelineStatus)
	r.POST("/pipelines/:userId/:taxYear/recompute", s.handleRecompute)

	r.GET("/credits/:userId", s.handleCredits)
	r.GET("/credits/:userId/history", s.handleHistory)
	r.POST("/credits/:userId/purchases", s.handlePurchase)

	r.POST("/chat", s.handleChat)
}

func (s *Server) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	status := c.Writer.Status()
	fields := []zap.Field{
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Int("status", status),
		zap.Duration("duration", time.Since(start)),
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request", fields...)
		return
	}
	s.logger.Debug("request", fields...)
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: msg})
}

// fail maps err to a status; unexpected errors are logged and hidden.
func (s *Server) fail(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrRunNotFound),
		errors.Is(err, domain.ErrFileNotFound):
		s.writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidPayload),
		errors.Is(err, domain.ErrUnknownQueue),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrUnsupportedFile),
		errors.Is(err, chat.ErrNoUserMessage):
		s.writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFailed),
		errors.Is(err, domain.ErrDuplicateReference),
		errors.Is(err, chat.ErrRequestReused):
		s.writeError(c, http.StatusConflict, err.Error())
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		s.writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// uploadRequest registers a file that is already in storage.
type uploadRequest struct {
	UserID  string `json:"userId"`
	TaxYear int    `json:"taxYear"`
	FileID  string `json:"fileId"`
}

// handleUpload accepts either a multipart statement upload (fields userId,
// taxYear and file) or a JSON registration of a stored file.
func (s *Server) handleUpload(c *gin.Context) {
	var req uploadRequest
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if s.deps.Files == nil {
			s.writeError(c, http.StatusNotImplemented, "direct uploads are disabled")
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadBytes)
		fh, err := c.FormFile("file")
		if err != nil {
			s.writeError(c, http.StatusBadRequest, "file is required")
			return
		}
		year, err := strconv.Atoi(c.PostForm("taxYear"))
		if err != nil {
			s.writeError(c, http.StatusBadRequest, "taxYear must be a number")
			return
		}
		f, err := fh.Open()
		if err != nil {
			s.writeError(c, http.StatusBadRequest, "unreadable file")
			return
		}
		defer f.Close()
		meta, err := s.deps.Files.Save(c.Request.Context(), fh.Filename, filesource.MediaType(fh.Filename, fh.Header.Get("Content-Type")), f)
		if err != nil {
			s.fail(c, "save upload", err)
			return
		}
		req = uploadRequest{UserID: c.PostForm("userId"), TaxYear: year, FileID: meta.FileID}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, http.StatusBadRequest, "invalid JSON")
		return
	}

	if req.UserID == "" || req.FileID == "" {
		s.writeError(c, http.StatusBadRequest, "userId and fileId are required")
		return
	}
	jobID, err := s.deps.Pipeline.Upload(c.Request.Context(), req.UserID, req.TaxYear, req.FileID)
	if err != nil {
		s.fail(c, "register upload", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"fileId": req.FileID, "jobId": jobID})
}

// jobResponse is the JSON response for job endpoints.
type jobResponse struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	State       string          `json:"state"`
	Payload     json.RawMessage `json:"payload"`
	RetryCount  int             `json:"retryCount"`
	RetryLimit  int             `json:"retryLimit"`
	Output      string          `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	RunAt       string          `json:"runAt"`
	CreatedAt   string          `json:"createdAt"`
	StartedAt   string          `json:"startedAt,omitempty"`
	CompletedAt string          `json:"completedAt,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func jobToResponse(job *domain.Job) jobResponse {
	return jobResponse{
		ID:          job.ID,
		Queue:       string(job.Queue),
		State:       string(job.State),
		Payload:     job.Payload,
		RetryCount:  job.RetryCount,
		RetryLimit:  job.RetryLimit,
		Output:      job.Output,
		Error:       job.Error,
		RunAt:       formatTime(job.RunAt),
		CreatedAt:   formatTime(job.CreatedAt),
		StartedAt:   formatTime(job.StartedAt),
		CompletedAt: formatTime(job.CompletedAt),
	}
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.deps.Queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, "get job", err)
		return
	}
	c.JSON(http.StatusOK, jobToResponse(job))
}

func (s *Server) handleListJobs(c *gin.Context) {
	filter := domain.JobFilter{
		Queue: domain.QueueName(c.Query("queue")),
		State: domain.JobState(c.Query("state")),
		Limit: 100,
	}
	if filter.Queue != "" && !filter.Queue.Valid() {
		s.writeError(c, http.StatusBadRequest, "unknown queue")
		return
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(c, http.StatusBadRequest, "limit must be a positive number")
			return
		}
		filter.Limit = n
	}
	jobs, err := s.deps.Queue.List(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, "list jobs", err)
		return
	}
	out := make([]jobResponse, len(jobs))
	for i := range jobs {
		out[i] = jobToResponse(&jobs[i])
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleRetryJob(c *gin.Context) {
	id, err := s.deps.Queue.RetryFailed(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, "retry job", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": id, "retriedFrom": c.Param("id")})
}

// runResponse is the JSON response for pipeline runs.
type runResponse struct {
	UserID    string `json:"userId"`
	TaxYear   int    `json:"taxYear"`
	Status    string `json:"status"`
	FileID    string `json:"fileId,omitempty"`
	JobID     string `json:"jobId,omitempty"`
	Error     string `json:"error,omitempty"`
	UpdatedAt string `json:"updatedAt"`
}

func runToResponse(r *domain.PipelineRun) runResponse {
	return runResponse{
		UserID:    r.UserID,
		TaxYear:   r.TaxYear,
		Status:    string(r.Status),
		FileID:    r.FileID,
		JobID:     r.JobID,
		Error:     r.Error,
		UpdatedAt: formatTime(r.UpdatedAt),
	}
}

func (s *Server) userYear(c *gin.Context) (string, int, bool) {
	year, err := strconv.Atoi(c.Param("taxYear"))
	if err != nil {
		s.writeError(c, http.StatusBadRequest, "invalid tax year")
		return "", 0, false
	}
	return c.Param("userId"), year, true
}

func (s *Server) handlePipelineStatus(c *gin.Context) {
	user, year, ok := s.userYear(c)
	if !ok {
		return
	}
	run, err := s.deps.Pipeline.Status(c.Request.Context(), user, year)
	if err != nil {
		s.fail(c, "pipeline status", err)
		return
	}
	c.JSON(http.StatusOK, runToResponse(run))
}

func (s *Server) handleRecompute(c *gin.Context) {
	user, year, ok := s.userYear(c)
	if !ok {
		return
	}
	id, err := s.deps.Pipeline.Recompute(c.Request.Context(), user, year)
	if err != nil {
		s.fail(c, "recompute", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": id})
}

func (s *Server) handleStuck(c *gin.Context) {
	olderThan := s.opts.StuckAfter
	if v := c.Query("olderThan"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			s.writeError(c, http.StatusBadRequest, "olderThan must be a duration")
			return
		}
		olderThan = d
	}
	runs, err := s.deps.Pipeline.ListStuck(c.Request.Context(), olderThan)
	if err != nil {
		s.fail(c, "list stuck", err)
		return
	}
	out := make([]runResponse, len(runs))
	for i := range runs {
		out[i] = runToResponse(&runs[i])
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleCredits(c *gin.Context) {
	stats, err := s.deps.Credits.Stats(c.Request.Context(), c.Param("userId"))
	if err != nil {
		s.fail(c, "credit stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// transactionResponse is one ledger entry.
type transactionResponse struct {
	Type      string `json:"type"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
	CreatedAt string `json:"createdAt"`
}

func (s *Server) handleHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	txns, err := s.deps.Credits.History(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		s.fail(c, "credit history", err)
		return
	}
	out := make([]transactionResponse, len(txns))
	for i, t := range txns {
		out[i] = transactionResponse{Type: string(t.Type), Amount: t.Amount, Reference: t.Reference, CreatedAt: formatTime(t.CreatedAt)}
	}
	c.JSON(http.StatusOK, out)
}

// purchaseRequest is a payment provider notification.
type purchaseRequest struct {
	AmountCents int64  `json:"amountCents"`
	Reference   string `json:"reference"`
}

func (s *Server) handlePurchase(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.writeError(c, http.StatusBadRequest, "failed to read request body")
		return
	}

	if s.opts.Secret != "" {
		if err := s.verifySignature(c.Request, body); err != nil {
			s.logger.Warn("purchase verification failed", zap.Error(err))
			s.writeError(c, http.StatusUnauthorized, err.Error())
			return
		}
	}

	var req purchaseRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(c, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Reference == "" {
		s.writeError(c, http.StatusBadRequest, "reference is required")
		return
	}

	res, err := s.deps.Credits.Purchase(c.Request.Context(), c.Param("userId"), req.AmountCents, req.Reference)
	if err != nil {
		s.fail(c, "purchase", err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyApplied {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"credits":          res.Amount,
		"purchasedBalance": res.PurchasedBalance,
		"alreadyApplied":   res.AlreadyApplied,
	})
}

const maxTimestampSkew = 5 * time.Minute

// verifySignature checks X-Signature = hex(HMAC-SHA256(secret, timestamp + "\n" + body))
// and that X-Timestamp is within maxTimestampSkew of now.
func (s *Server) verifySignature(r *http.Request, body []byte) error {
	timestamp := r.Header.Get("X-Timestamp")
	if timestamp == "" {
		return fmt.Errorf("missing X-Timestamp header")
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("invalid X-Timestamp: must be ISO8601/RFC3339 format")
	}

	skew := s.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		return fmt.Errorf("X-Timestamp too far from current time (skew: %v, max: %v)", skew.Truncate(time.Second), maxTimestampSkew)
	}

	signature := r.Header.Get("X-Signature")
	if signature == "" {
		return fmt.Errorf("missing X-Signature header")
	}
	got, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(got, sign(s.opts.Secret, timestamp, body)) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

func sign(secret, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return mac.Sum(nil)
}

// chatRequest is one chat turn.
type chatRequest struct {
	UserID    string               `json:"userId"`
	TaxYear   int                  `json:"taxYear"`
	RequestID string               `json:"requestId"`
	Messages  []domain.ChatMessage `json:"messages"`
}

func (s *Server) handleChat(c *gin.Context) {
	if s.deps.Chat == nil {
		s.writeError(c, http.StatusNotImplemented, "chat is disabled")
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.UserID == "" {
		s.writeError(c, http.StatusBadRequest, "userId is required")
		return
	}
	if req.TaxYear == 0 {
		req.TaxYear = s.now().Year()
	}

	res, err := s.deps.Chat.Reply(c.Request.Context(), chat.Request{
		UserID:    req.UserID,
		TaxYear:   req.TaxYear,
		RequestID: req.RequestID,
		Messages:  req.Messages,
	})
	if err != nil {
		s.fail(c, "chat", err)
		return
	}
	for k, v := range res.Decision.Headers() {
		c.Header(k, v)
	}
	if res.Rejection != nil {
		c.JSON(http.StatusTooManyRequests, res.Rejection)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reply":          res.Reply,
		"cached":         res.Cached,
		"model":          res.Model,
		"tokens":         res.Tokens,
		"creditsCharged": res.Charged,
		"contextVersion": res.ContextVersion,
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}
