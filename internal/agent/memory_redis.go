package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/redis/go-redis/v9"

	"valigence/internal/constants"
)

// RedisSessionMemory 实现了 SessionMemory 接口，使用 Redis List 持久化会话历史。
// 每条消息序列化为JSON后 RPush 到会话键，写入时按保留轮数 LTrim 并刷新过期时间。
type RedisSessionMemory struct {
	redisClient *redis.Client
	// ttl 会话键的过期时间，0表示不过期。每次写入都会刷新。
	ttl time.Duration
	// maxTurns 每个会话保留的最近问答轮数，一轮按两条消息计，0表示不裁剪
	maxTurns int
	logger   *log.Logger
}

// RedisSessionMemoryOption RedisSessionMemory的配置选项
type RedisSessionMemoryOption func(*RedisSessionMemory)

// WithSessionLogger 设置自定义日志记录器
func WithSessionLogger(logger *log.Logger) RedisSessionMemoryOption {
	return func(m *RedisSessionMemory) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewRedisSessionMemory 创建一个新的 RedisSessionMemory 实例。
// redisClient: 已连接的 go-redis 客户端。
// ttl: 会话过期时间，0表示不过期。
// maxTurns: 保留的最近问答轮数，0表示不裁剪。
func NewRedisSessionMemory(redisClient *redis.Client, ttl time.Duration, maxTurns int, options ...RedisSessionMemoryOption) (*RedisSessionMemory, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("redis 客户端不能为空")
	}
	if maxTurns < 0 {
		maxTurns = 0
	}

	m := &RedisSessionMemory{
		redisClient: redisClient,
		ttl:         ttl,
		maxTurns:    maxTurns,
		logger:      log.New(io.Discard, "", 0),
	}

	for _, opt := range options {
		opt(m)
	}

	return m, nil
}

// sessionKey 为给定的 sessionID 构建 Redis 键。
func (m *RedisSessionMemory) sessionKey(sessionID string) string {
	return fmt.Sprintf(constants.KeyQuerySession, sessionID)
}

// GetHistory 实现 SessionMemory 接口
func (m *RedisSessionMemory) GetHistory(ctx context.Context, sessionID string) ([]*schema.Message, error) {
	key := m.sessionKey(sessionID)

	serialized, err := m.redisClient.LRange(ctx, key, 0, -1).Result()
	if errors.Is(err, redis.Nil) {
		return []*schema.Message{}, nil // 键不存在，返回空历史
	}
	if err != nil {
		return nil, fmt.Errorf("读取会话 %s 的历史失败: %w", sessionID, err)
	}

	messages := make([]*schema.Message, 0, len(serialized))
	for _, item := range serialized {
		var msg schema.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			// 单条损坏不应拖垮整个会话，跳过并记录
			m.logger.Printf("[会话记忆] 会话 %s 存在无法反序列化的消息，已跳过: %v", sessionID, err)
			continue
		}
		messages = append(messages, &msg)
	}
	return messages, nil
}

// AddMessage 实现 SessionMemory 接口
func (m *RedisSessionMemory) AddMessage(ctx context.Context, sessionID string, message *schema.Message) error {
	if message == nil {
		return fmt.Errorf("会话 %s 不能追加空消息", sessionID)
	}
	return m.AddMessages(ctx, sessionID, []*schema.Message{message})
}

// AddMessages 实现 SessionMemory 接口。
// 追加、裁剪和续期在同一个事务管道中完成。
func (m *RedisSessionMemory) AddMessages(ctx context.Context, sessionID string, messages []*schema.Message) error {
	if len(messages) == 0 {
		return nil
	}

	serialized := make([]interface{}, 0, len(messages))
	for _, message := range messages {
		if message == nil {
			return fmt.Errorf("会话 %s 的批量消息中包含空消息", sessionID)
		}
		data, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("序列化会话 %s 的消息失败: %w", sessionID, err)
		}
		serialized = append(serialized, data)
	}

	key := m.sessionKey(sessionID)

	pipe := m.redisClient.TxPipeline()
	pipe.RPush(ctx, key, serialized...)
	if m.maxTurns > 0 {
		// 只保留最近 maxTurns 轮，一轮按两条消息计
		pipe.LTrim(ctx, key, int64(-m.maxTurns*2), -1)
	}
	if m.ttl > 0 {
		pipe.Expire(ctx, key, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("写入会话 %s 的历史失败: %w", sessionID, err)
	}
	return nil
}

// ClearHistory 实现 SessionMemory 接口
func (m *RedisSessionMemory) ClearHistory(ctx context.Context, sessionID string) error {
	key := m.sessionKey(sessionID)

	if err := m.redisClient.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("清除会话 %s 的历史失败: %w", sessionID, err)
	}
	return nil
}

var _ SessionMemory = (*InMemorySessionMemory)(nil)
var _ SessionMemory = (*RedisSessionMemory)(nil)
