package errs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyErrorCancellation(t *testing.T) {
	assert.Equal(t, ClassCanceled, ClassifyError(context.Canceled))
	assert.Equal(t, ClassCanceled, ClassifyError(context.DeadlineExceeded))
}

func TestClassifyErrorWrapped(t *testing.T) {
	base := New(ClassServer, "upstream 503", nil)
	wrapped := fmt.Errorf("dispatch failed: %w", base)
	assert.Equal(t, ClassServer, ClassifyError(wrapped))
	assert.True(t, IsRetryable(wrapped))
}

func TestRetryableClasses(t *testing.T) {
	assert.True(t, ClassTransientNetwork.Retryable())
	assert.True(t, ClassRateLimitRetry.Retryable())
	assert.True(t, ClassServer.Retryable())
	assert.False(t, ClassAuth.Retryable())
	assert.False(t, ClassClient.Retryable())
}

func TestRetryAfterHint(t *testing.T) {
	err := New(ClassRateLimitRetry, "slow down", nil).WithRetryAfter(2 * time.Second)
	d, ok := RetryAfter(err)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, d)

	_, ok = RetryAfter(New(ClassServer, "oops", nil))
	assert.False(t, ok)
}

func TestUnknownErrorIsNotRetryable(t *testing.T) {
	assert.False(t, IsRetryable(fmt.Errorf("plain error")))
	assert.Equal(t, ClassUnknown, ClassOf(fmt.Errorf("plain error")))
}
