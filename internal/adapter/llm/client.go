// Package llm talks to an OpenAI-compatible chat completions endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taxbracket/backend/internal/domain"
)

// Config selects the endpoint and model.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Client implements domain.Responder.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a client. BaseURL defaults to the OpenAI API.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Model == "" {
		return nil, errors.New("llm model is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}, nil
}

type completionRequest struct {
	Model       string               `json:"model"`
	Messages    []domain.ChatMessage `json:"messages"`
	Temperature float64              `json:"temperature"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete sends the system prompt and conversation and returns the first choice.
func (c *Client) Complete(ctx context.Context, system string, messages []domain.ChatMessage) (domain.Completion, error) {
	rid := uuid.NewString()
	start := time.Now()

	msgs := make([]domain.ChatMessage, 0, len(messages)+1)
	if system != "" {
		msgs = append(msgs, domain.ChatMessage{Role: "system", Content: system})
	}
	msgs = append(msgs, messages...)

	raw, err := c.post(ctx, completionRequest{
		Model:       c.cfg.Model,
		Messages:    msgs,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		c.logger.Error("completion failed", zap.String("req_id", rid), zap.Error(err),
			zap.Duration("elapsed", time.Since(start)))
		return domain.Completion{}, err
	}

	var resp completionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.Completion{}, fmt.Errorf("decode completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return domain.Completion{}, errors.New("no choices in completion response")
	}

	out := domain.Completion{
		Content:          strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	if out.TotalTokens() == 0 {
		// Some compatible servers omit usage; fall back to a length estimate.
		out.PromptTokens = estimateTokens(msgs)
		out.CompletionTokens = (len(out.Content) + 3) / 4
	}
	c.logger.Debug("completion",
		zap.String("req_id", rid),
		zap.String("model", out.Model),
		zap.Int("tokens", out.TotalTokens()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

func (c *Client) post(ctx context.Context, body completionRequest) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read completion: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("completion status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}

func estimateTokens(msgs []domain.ChatMessage) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
	}
	return (n + 3) / 4
}
