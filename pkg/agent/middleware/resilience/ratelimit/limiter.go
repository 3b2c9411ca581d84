// Package ratelimit provides token-bucket rate limiting for LLM clients.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"appbuilder/pkg/agent/llm"
	"appbuilder/pkg/logx"
	"appbuilder/pkg/utils"
)

const (
	// bufferFactor keeps headroom for token estimation error.
	bufferFactor = 0.9

	refillInterval = 6 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// TokenEstimator estimates the number of tokens needed for a request.
type TokenEstimator interface {
	EstimatePrompt(req llm.CompletionRequest) int
}

// Config defines rate limiting configuration for a model.
type Config struct {
	TokensPerMinute int `json:"tokens_per_minute"`
	MaxConcurrency  int `json:"max_concurrency"` // 0 = unlimited
}

// DefaultTokenEstimator counts prompt tokens with tiktoken.
type DefaultTokenEstimator struct{}

// NewDefaultTokenEstimator creates a new default token estimator.
func NewDefaultTokenEstimator() TokenEstimator {
	return &DefaultTokenEstimator{}
}

// EstimatePrompt estimates prompt tokens over message text, tool calls and tool results.
//
//nolint:gocritic // 80 bytes is reasonable for token estimation
func (e *DefaultTokenEstimator) EstimatePrompt(req llm.CompletionRequest) int {
	total := 0
	for i := range req.Messages {
		msg := &req.Messages[i]
		total += utils.CountTokens(msg.Content)
		for j := range msg.ToolResults {
			total += utils.CountTokens(msg.ToolResults[j].Content)
		}
	}
	return total
}

// TokenBucketLimiter limits token throughput and concurrent requests for one model.
//
//nolint:govet // fieldalignment: Struct layout optimized for readability over memory
type TokenBucketLimiter struct {
	mu sync.Mutex

	model string

	availableTokens int
	tokensPerRefill int // tokens_per_minute / 10
	maxCapacity     int // tokens_per_minute * bufferFactor

	activeRequests int
	maxConcurrency int

	tokenLimitHits  int64
	concurrencyHits int64
}

// LimiterStats represents current rate limiter statistics.
type LimiterStats struct {
	Model           string `json:"model"`
	AvailableTokens int    `json:"available_tokens"`
	MaxCapacity     int    `json:"max_capacity"`
	ActiveRequests  int    `json:"active_requests"`
	MaxConcurrency  int    `json:"max_concurrency"`
	TokenLimitHits  int64  `json:"token_limit_hits"`
	ConcurrencyHits int64  `json:"concurrency_hits"`
}

// NewTokenBucketLimiter creates a limiter with a full bucket. Call Start to refill it.
func NewTokenBucketLimiter(model string, cfg Config) *TokenBucketLimiter {
	maxCapacity := int(float64(cfg.TokensPerMinute) * bufferFactor)
	return &TokenBucketLimiter{
		model:           model,
		availableTokens: maxCapacity,
		tokensPerRefill: cfg.TokensPerMinute / 10,
		maxCapacity:     maxCapacity,
		maxConcurrency:  cfg.MaxConcurrency,
	}
}

// Start refills the bucket every six seconds until ctx is cancelled.
func (l *TokenBucketLimiter) Start(ctx context.Context) {
	ticker := time.NewTicker(refillInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.refill()
			}
		}
	}()
}

// Acquire takes tokens and a concurrency slot, blocking until both are available or ctx ends.
// Requests larger than the bucket are clamped to its capacity so they can eventually run.
// The returned release function gives back the slot; consumed tokens are not refunded.
func (l *TokenBucketLimiter) Acquire(ctx context.Context, tokens int) (release func(), waited bool, err error) {
	if tokens > l.maxCapacity {
		tokens = l.maxCapacity
	}
	firstAttempt := true

	for {
		l.mu.Lock()
		hasTokens := l.availableTokens >= tokens
		hasSlot := l.maxConcurrency <= 0 || l.activeRequests < l.maxConcurrency

		if hasTokens && hasSlot {
			l.availableTokens -= tokens
			l.activeRequests++
			l.mu.Unlock()

			var once sync.Once
			return func() { once.Do(l.release) }, !firstAttempt, nil
		}

		if firstAttempt {
			if !hasTokens {
				l.tokenLimitHits++
				logx.Infof("RATELIMIT: %s token limit hit, waiting for refill (need %d, have %d)",
					l.model, tokens, l.availableTokens)
			}
			if !hasSlot {
				l.concurrencyHits++
				logx.Infof("RATELIMIT: %s concurrency limit hit, waiting for slot (active: %d/%d)",
					l.model, l.activeRequests, l.maxConcurrency)
			}
			firstAttempt = false
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, true, ctx.Err() //nolint:wrapcheck // Context error propagated as-is
		case <-time.After(pollInterval):
		}
	}
}

func (l *TokenBucketLimiter) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activeRequests--
}

// refill adds tokens to the bucket up to max capacity.
func (l *TokenBucketLimiter) refill() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.availableTokens += l.tokensPerRefill
	if l.availableTokens > l.maxCapacity {
		l.availableTokens = l.maxCapacity
	}
}

// GetStats returns current limiter statistics.
func (l *TokenBucketLimiter) GetStats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return LimiterStats{
		Model:           l.model,
		AvailableTokens: l.availableTokens,
		MaxCapacity:     l.maxCapacity,
		ActiveRequests:  l.activeRequests,
		MaxConcurrency:  l.maxConcurrency,
		TokenLimitHits:  l.tokenLimitHits,
		ConcurrencyHits: l.concurrencyHits,
	}
}
