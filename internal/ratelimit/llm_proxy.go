package ratelimit

import (
	"context"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// qpmSafetyFactor 实际限流取官方QPM的90%，留出余量避免贴线触发配额错误
const qpmSafetyFactor = 0.9

// defaultQPM 未配置任何限额时的兜底QPM
const defaultQPM = 30

// RateLimitedChatModel 对话模型的限流代理。
// 所有Generate/Stream调用共享同一个令牌桶，使进程内的QPM上限全局生效。
type RateLimitedChatModel struct {
	original    model.ToolCallingChatModel
	rateLimiter *TokenBucket
}

// NewRateLimitedChatModel 创建一个新的限流对话模型代理
func NewRateLimitedChatModel(original model.ToolCallingChatModel, qpm int) *RateLimitedChatModel {
	return &RateLimitedChatModel{
		original:    original,
		rateLimiter: NewTokenBucket(qpm, qpm/2), // 容量设为QPM的一半，允许一定的突发流量
	}
}

// WithRetryPolicy 设置重试策略
func (rl *RateLimitedChatModel) WithRetryPolicy(waitTime time.Duration, maxRetries int) *RateLimitedChatModel {
	rl.rateLimiter.WithRetryPolicy(waitTime, maxRetries)
	return rl
}

// Generate 代理Generate方法，增加限流和重试逻辑
func (rl *RateLimitedChatModel) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	var response *schema.Message

	err := rl.rateLimiter.RetryWithBackoff(ctx, func() error {
		var genErr error
		response, genErr = rl.original.Generate(ctx, messages, options...)
		return genErr
	})

	return response, err
}

// Stream 代理Stream方法，增加限流和重试逻辑
func (rl *RateLimitedChatModel) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	var stream *schema.StreamReader[*schema.Message]

	err := rl.rateLimiter.RetryWithBackoff(ctx, func() error {
		var streamErr error
		stream, streamErr = rl.original.Stream(ctx, messages, options...)
		return streamErr
	})

	return stream, err
}

// WithTools 代理WithTools方法，包装后的模型沿用同一个令牌桶
func (rl *RateLimitedChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	newModel, err := rl.original.WithTools(tools)
	if err != nil {
		return nil, err
	}

	return &RateLimitedChatModel{
		original:    newModel,
		rateLimiter: rl.rateLimiter,
	}, nil
}

// RateLimitedEmbedder 向量化组件的限流代理。
// Embedding模型与对话模型的QPM限额相互独立，各自持有令牌桶。
type RateLimitedEmbedder struct {
	original    embedding.Embedder
	rateLimiter *TokenBucket
}

// NewRateLimitedEmbedder 创建一个新的限流向量化代理
func NewRateLimitedEmbedder(original embedding.Embedder, qpm int) *RateLimitedEmbedder {
	return &RateLimitedEmbedder{
		original:    original,
		rateLimiter: NewTokenBucket(qpm, qpm/2),
	}
}

// WithRetryPolicy 设置重试策略
func (re *RateLimitedEmbedder) WithRetryPolicy(waitTime time.Duration, maxRetries int) *RateLimitedEmbedder {
	re.rateLimiter.WithRetryPolicy(waitTime, maxRetries)
	return re
}

// EmbedStrings 代理EmbedStrings方法，增加限流和重试逻辑
func (re *RateLimitedEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	var vectors [][]float64

	err := re.rateLimiter.RetryWithBackoff(ctx, func() error {
		var embedErr error
		vectors, embedErr = re.original.EmbedStrings(ctx, texts, opts...)
		return embedErr
	})

	return vectors, err
}

// resolveQPM 从限额表中解析模型的有效QPM。
// 表中有该模型时取限额的90%作为安全值，否则退回自定义值，再退回默认值。
func resolveQPM(limits map[string]int, modelName string, customQPM int) int {
	qpm := customQPM

	if limits != nil && modelName != "" {
		if modelQPM, ok := limits[modelName]; ok && modelQPM > 0 {
			qpm = int(float64(modelQPM) * qpmSafetyFactor)
		}
	}

	if qpm <= 0 {
		qpm = defaultQPM
	}
	return qpm
}

// NewChatModelWithQPM 按模型限额表创建带限流的对话模型。
// limits 通常来自配置的 model_qpm_limits 字段。
func NewChatModelWithQPM(original model.ToolCallingChatModel, modelName string, limits map[string]int, customQPM int, maxRetries int, retryWaitTime time.Duration) model.ToolCallingChatModel {
	qpm := resolveQPM(limits, modelName, customQPM)

	if maxRetries <= 0 {
		maxRetries = 3
	}

	limited := NewRateLimitedChatModel(original, qpm)
	limited.WithRetryPolicy(retryWaitTime, maxRetries)
	return limited
}

// NewEmbedderWithQPM 按模型限额表创建带限流的向量化组件
func NewEmbedderWithQPM(original embedding.Embedder, modelName string, limits map[string]int, customQPM int, maxRetries int, retryWaitTime time.Duration) embedding.Embedder {
	qpm := resolveQPM(limits, modelName, customQPM)

	if maxRetries <= 0 {
		maxRetries = 3
	}

	limited := NewRateLimitedEmbedder(original, qpm)
	limited.WithRetryPolicy(retryWaitTime, maxRetries)
	return limited
}

var _ model.ToolCallingChatModel = (*RateLimitedChatModel)(nil)
var _ embedding.Embedder = (*RateLimitedEmbedder)(nil)
