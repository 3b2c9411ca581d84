package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"appbuilder/internal/mocks"
	"appbuilder/pkg/agent/llm"
)

// TestTokenBucketRefill verifies that tokens refill at the correct rate.
func TestTokenBucketRefill(t *testing.T) {
	limiter := NewTokenBucketLimiter("test-model", Config{TokensPerMinute: 6000, MaxConcurrency: 5})

	// Start with 90% capacity = 5400 tokens
	if got := limiter.GetStats().AvailableTokens; got != 5400 {
		t.Errorf("Initial tokens = %d, want 5400", got)
	}

	release, waited, err := limiter.Acquire(context.Background(), 3000)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer release()
	if waited {
		t.Error("Acquire() should not wait with a full bucket")
	}

	if got := limiter.GetStats().AvailableTokens; got != 2400 {
		t.Errorf("After acquire, tokens = %d, want 2400", got)
	}

	limiter.refill()
	if got := limiter.GetStats().AvailableTokens; got != 3000 {
		t.Errorf("After refill, tokens = %d, want 3000", got)
	}
}

// TestTokenBucketCapacity verifies that tokens don't exceed max capacity.
func TestTokenBucketCapacity(t *testing.T) {
	limiter := NewTokenBucketLimiter("test-model", Config{TokensPerMinute: 1000})
	limiter.refill()
	if got := limiter.GetStats().AvailableTokens; got != 900 {
		t.Errorf("After refill at capacity, tokens = %d, want 900", got)
	}
}

// TestOversizedRequestIsClamped verifies a request larger than the bucket still runs.
func TestOversizedRequestIsClamped(t *testing.T) {
	limiter := NewTokenBucketLimiter("test-model", Config{TokensPerMinute: 1000})
	release, _, err := limiter.Acquire(context.Background(), 50000)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	release()
	if got := limiter.GetStats().AvailableTokens; got != 0 {
		t.Errorf("tokens = %d, want 0", got)
	}
}

// TestConcurrencyLimit verifies that at most MaxConcurrency requests hold a slot.
func TestConcurrencyLimit(t *testing.T) {
	limiter := NewTokenBucketLimiter("test-model", Config{TokensPerMinute: 100000, MaxConcurrency: 2})

	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, _, err := limiter.Acquire(context.Background(), 10)
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			release()
		}()
	}
	wg.Wait()

	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
	if got := limiter.GetStats().ActiveRequests; got != 0 {
		t.Errorf("active requests after release = %d, want 0", got)
	}
}

// TestAcquireRespectsContext verifies that waiting stops when the context ends.
func TestAcquireRespectsContext(t *testing.T) {
	limiter := NewTokenBucketLimiter("test-model", Config{TokensPerMinute: 1000})
	release, _, err := limiter.Acquire(context.Background(), 900)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, waited, err := limiter.Acquire(ctx, 100)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !waited {
		t.Error("expected waited = true")
	}
	if got := limiter.GetStats().TokenLimitHits; got != 1 {
		t.Errorf("TokenLimitHits = %d, want 1", got)
	}
}

// TestMiddlewareConsumesEstimate verifies the middleware charges prompt plus output budget.
func TestMiddlewareConsumesEstimate(t *testing.T) {
	limiter := NewTokenBucketLimiter("test-model", Config{TokensPerMinute: 100000})
	before := limiter.GetStats().AvailableTokens

	client := Middleware(limiter, nil, nil)(mocks.NewMockLLMClient())
	req := llm.CompletionRequest{
		Messages:  []llm.CompletionMessage{llm.NewUserMessage("build a todo app")},
		MaxTokens: 100,
	}
	if _, err := client.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	used := before - limiter.GetStats().AvailableTokens
	if used <= 100 {
		t.Errorf("used %d tokens, want more than the output budget", used)
	}
	if got := limiter.GetStats().ActiveRequests; got != 0 {
		t.Errorf("slot not released: %d active", got)
	}
}
