// Package reasoning talks to the external OpenAI-compatible completion
// service: it builds prompts, retries transient failures with exponential
// backoff and hands analysis replies to the interpreter.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"

	"github.com/pbaille/agrolog/internal/config"
	"github.com/pbaille/agrolog/internal/domain"
	"github.com/pbaille/agrolog/internal/interpret"
	"github.com/pbaille/agrolog/internal/logging"
	"github.com/pbaille/agrolog/internal/metrics"
)

var errNoChoices = errors.New("response contained no choices")

// Client is the reasoning service client. It is safe for concurrent use.
type Client struct {
	api         openai.Client
	model       string
	maxTokens   int
	temperature float64
	maxRetries  int
	backoff     func(retry int) time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithBackoff replaces the wait computed before retry n (1-based).
func WithBackoff(f func(retry int) time.Duration) Option {
	return func(c *Client) { c.backoff = f }
}

// WithClock replaces the clock used to stamp analyses.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a Client from the reasoning configuration.
func New(cfg config.ReasoningConfig, logger *zap.Logger, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("reasoning: model is required")
	}

	baseURL := cfg.BaseURL
	if baseURL != "" && !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0), // retries are ours, see complete
		option.WithHTTPClient(&http.Client{Timeout: cfg.GetTimeout()}),
	}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}

	base := cfg.GetBackoffBase()
	c := &Client{
		api:         openai.NewClient(reqOpts...),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		maxRetries:  cfg.MaxRetries,
		backoff:     exponentialBackoff(base),
		now:         domain.Now,
		logger:      logging.OrNop(logger).With(zap.String("component", "reasoning")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Analyze asks for a structured analysis of a report. Replies that cannot be
// interpreted yield the fallback analysis, never an error.
func (c *Client) Analyze(ctx context.Context, content string) (*domain.Analysis, error) {
	raw, err := c.complete(ctx, "analyze", buildAnalysisPrompt(content))
	if err != nil {
		return nil, err
	}

	res := interpret.Parse(raw, c.now())
	if res.Fallback {
		metrics.InterpreterFallbackTotal.Inc()
		c.logger.Warn("analysis reply not interpretable, using fallback",
			zap.Error(res.Reason),
			zap.Int("reply_len", len(raw)))
	}
	return &res.Analysis, nil
}

// Converse answers a follow-up question about a report, given the previous
// turns of the conversation in order.
func (c *Client) Converse(ctx context.Context, query, reportContent string, history []domain.Interaction) (string, error) {
	return c.complete(ctx, "converse", buildMentionPrompt(query, reportContent, history))
}

// Ping reports whether the service answers a minimal prompt. It never
// retries and never returns an error.
func (c *Client) Ping(ctx context.Context) bool {
	text, err := c.call(ctx, pingPrompt)
	ok := err == nil && strings.TrimSpace(text) != ""
	if !ok {
		c.logger.Debug("reasoning ping failed", zap.Error(err))
		metrics.ReasoningRequestsTotal.WithLabelValues("ping", "error").Inc()
	} else {
		metrics.ReasoningRequestsTotal.WithLabelValues("ping", "ok").Inc()
	}
	return ok
}

// complete issues the prompt, retrying transient failures up to maxRetries
// times. Every failure is returned as a *domain.ServiceError.
func (c *Client) complete(ctx context.Context, op, prompt string) (string, error) {
	start := time.Now()
	defer func() {
		metrics.ReasoningDurationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	log := c.logger.With(zap.String("op", op))

	var lastErr error
	attempts := 0
	for {
		attempts++
		text, err := c.call(ctx, prompt)
		if err == nil {
			metrics.ReasoningRequestsTotal.WithLabelValues(op, "ok").Inc()
			log.Debug("reasoning call succeeded", zap.Int("attempts", attempts))
			return text, nil
		}
		lastErr = err

		if ctx.Err() != nil || !isTransient(err) || attempts > c.maxRetries {
			break
		}

		wait := c.backoff(attempts)
		log.Warn("reasoning call failed, retrying",
			zap.Int("retry", attempts),
			zap.Duration("wait", wait),
			zap.Error(err))
		metrics.ReasoningRetriesTotal.WithLabelValues(op).Inc()

		if err := sleep(ctx, wait); err != nil {
			lastErr = err
			break
		}
	}

	metrics.ReasoningRequestsTotal.WithLabelValues(op, "error").Inc()
	log.Error("reasoning call failed", zap.Int("attempts", attempts), zap.Error(lastErr))

	return "", &domain.ServiceError{
		Op:         op,
		Attempts:   attempts,
		StatusCode: statusCode(lastErr),
		Err:        lastErr,
	}
}

// call performs a single chat completion: fixed system message, one user message.
func (c *Client) call(ctx context.Context, prompt string) (string, error) {
	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.model),
		MaxTokens:   openai.Int(int64(c.maxTokens)),
		Temperature: openai.Float(c.temperature),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errNoChoices
	}
	return resp.Choices[0].Message.Content, nil
}
