package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenBucketDefaults(t *testing.T) {
	tb := NewTokenBucket(60, 0)
	assert.InDelta(t, 1.0, tb.rate, 1e-9, "60QPM应该折算为每秒1个令牌")
	assert.InDelta(t, 30.0, tb.capacity, 1e-9, "未指定容量时应该取QPM的一半")

	tiny := NewTokenBucket(1, 0)
	assert.InDelta(t, 1.0, tiny.capacity, 1e-9, "容量至少为1")

	explicit := NewTokenBucket(60, 10)
	assert.InDelta(t, 10.0, explicit.capacity, 1e-9)
	assert.InDelta(t, 10.0, explicit.tokens, 1e-9, "初始应该填满")
}

func TestTokenBucketAllow(t *testing.T) {
	// 速率极低，容量2，耗尽后短期内不会补充
	tb := NewTokenBucket(1, 2)

	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow(), "令牌耗尽后应该拒绝")
}

func TestTokenBucketWaitRefill(t *testing.T) {
	// 每秒1000个令牌，容量1：耗尽后等待约1毫秒即可恢复
	tb := NewTokenBucket(60000, 1)
	require.True(t, tb.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, tb.Wait(ctx), "短暂等待后应该取到令牌")
	assert.Less(t, time.Since(start), time.Second)
}

func TestTokenBucketWaitCanceled(t *testing.T) {
	// 速率极低，令牌耗尽后基本等不到补充
	tb := NewTokenBucket(1, 1)
	require.True(t, tb.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tb.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryWithBackoffSuccess(t *testing.T) {
	tb := NewTokenBucket(60000, 100).WithRetryPolicy(time.Millisecond, 3)

	calls := 0
	err := tb.RetryWithBackoff(context.Background(), func() error {
		calls++
		if calls <= 2 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls, "前两次可重试失败后第三次成功")
}

func TestRetryWithBackoffNonRetryable(t *testing.T) {
	tb := NewTokenBucket(60000, 100).WithRetryPolicy(time.Millisecond, 3)

	calls := 0
	err := tb.RetryWithBackoff(context.Background(), func() error {
		calls++
		return errors.New("invalid api key")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "不可重试错误不应该重试")
}

func TestRetryWithBackoffExhausted(t *testing.T) {
	tb := NewTokenBucket(60000, 100).WithRetryPolicy(time.Millisecond, 2)

	calls := 0
	err := tb.RetryWithBackoff(context.Background(), func() error {
		calls++
		return errors.New("deadline exceeded")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls, "maxRetries=2时总共调用3次")
	assert.Contains(t, err.Error(), "deadline exceeded")
}

func TestIsRetryableError(t *testing.T) {
	retryable := []error{
		errors.New("context deadline exceeded"),
		errors.New("read tcp: connection reset by peer"),
		errors.New("unexpected EOF"),
		errors.New("dial tcp: connection refused"),
		errors.New("lookup api.example.com: no such host"),
		errors.New("googleapi: Error 429: RESOURCE_EXHAUSTED"),
		errors.New("quota exceeded for quota metric"),
		errors.New("Error 503: Service UNAVAILABLE"),
		errors.New("the model is overloaded"),
		errors.New("rate limit reached"),
	}
	for _, err := range retryable {
		assert.True(t, isRetryableError(err), "应该判定为可重试: %v", err)
	}

	assert.False(t, isRetryableError(nil))
	assert.False(t, isRetryableError(errors.New("invalid argument")))
	assert.False(t, isRetryableError(errors.New("permission denied")))
}
