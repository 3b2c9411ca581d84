package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status    int
		want      ErrorType
		retryable bool
	}{
		{401, ErrorTypeAuth, false},
		{403, ErrorTypeAuth, false},
		{429, ErrorTypeRateLimit, true},
		{503, ErrorTypeTransient, true},
		{400, ErrorTypeBadPrompt, false},
	}
	for _, tt := range tests {
		e := FromStatus(tt.status, errors.New("boom"))
		assert.Equal(t, tt.want, e.Type, "status %d", tt.status)
		assert.Equal(t, tt.retryable, e.IsRetryable(), "status %d", tt.status)
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTypeTransient, Classify(errors.New("read: connection reset by peer")).Type)
	assert.Equal(t, ErrorTypeRateLimit, Classify(errors.New("Error 429, RESOURCE_EXHAUSTED")).Type)
	assert.Equal(t, ErrorTypeAuth, Classify(errors.New("API key not valid")).Type)
	assert.Equal(t, ErrorTypeTransient, Classify(context.DeadlineExceeded).Type)

	classified := NewError(ErrorTypeEmptyResponse, "empty")
	assert.Same(t, classified, Classify(fmt.Errorf("wrapped: %w", classified)))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewError(ErrorTypeRateLimit, "slow down")))
	assert.False(t, IsRetryable(NewError(ErrorTypeAuth, "bad key")))
	assert.False(t, IsRetryable(NewErrorWithCause(ErrorTypeTransient, context.Canceled, "stopped")))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestServiceUnavailable(t *testing.T) {
	cause := NewError(ErrorTypeTransient, "503")
	err := NewServiceUnavailableError(cause, 3)
	assert.True(t, Is(err, ErrorTypeServiceUnavailable))
	assert.False(t, err.IsRetryable())
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestSanitizePrompt(t *testing.T) {
	assert.Equal(t, "short", SanitizePrompt("short", 50))

	long := strings.Repeat("a", 300) + strings.Repeat("b", 300)
	out := SanitizePrompt(long, 200)
	assert.True(t, strings.HasPrefix(out, strings.Repeat("a", 100)))
	assert.True(t, strings.HasSuffix(out, strings.Repeat("b", 100)))
	assert.Contains(t, out, "[600 chars, hash:")
}
