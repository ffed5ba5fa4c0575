package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloudwego/eino/schema"
)

// SessionMemory 定义了RAG问答会话记忆的接口。
// 每个会话以 sessionID 标识，保存用户提问与模型回答的消息序列，
// 供后续提问时拼接历史上下文。
type SessionMemory interface {
	// GetHistory 获取指定会话的历史消息。
	// 会话不存在时返回空切片和 nil 错误。
	GetHistory(ctx context.Context, sessionID string) ([]*schema.Message, error)

	// AddMessage 向指定会话追加一条消息。
	AddMessage(ctx context.Context, sessionID string, message *schema.Message) error

	// AddMessages 向指定会话批量追加多条消息。
	// 一轮问答通常成对写入(用户提问+模型回答)。
	AddMessages(ctx context.Context, sessionID string, messages []*schema.Message) error

	// ClearHistory 清除指定会话的所有历史消息。
	// 会话不存在时静默成功。
	ClearHistory(ctx context.Context, sessionID string) error
}

// InMemorySessionMemory 是 SessionMemory 接口的进程内实现。
// 注意：此实现不是持久化的，仅用于测试和单机场景。
type InMemorySessionMemory struct {
	// 使用读写锁以支持并发访问
	mu sync.RWMutex
	// histories map 的键是 sessionID，值是该会话的消息列表
	histories map[string][]*schema.Message
	// maxTurns 限制每个会话保留的最近问答轮数，0表示不限制
	maxTurns int
}

// NewInMemorySessionMemory 创建一个新的 InMemorySessionMemory 实例。
// maxTurns 为每个会话保留的最近问答轮数，一轮按两条消息计。
func NewInMemorySessionMemory(maxTurns int) *InMemorySessionMemory {
	if maxTurns < 0 {
		maxTurns = 0
	}
	return &InMemorySessionMemory{
		histories: make(map[string][]*schema.Message),
		maxTurns:  maxTurns,
	}
}

// GetHistory 实现 SessionMemory 接口
func (m *InMemorySessionMemory) GetHistory(ctx context.Context, sessionID string) ([]*schema.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history, ok := m.histories[sessionID]
	if !ok {
		// 会话不存在时返回空切片而不是 nil，方便调用者直接追加
		return []*schema.Message{}, nil
	}
	// 返回副本，防止调用方修改内部存储的切片
	cpy := make([]*schema.Message, len(history))
	copy(cpy, history)
	return cpy, nil
}

// AddMessage 实现 SessionMemory 接口
func (m *InMemorySessionMemory) AddMessage(ctx context.Context, sessionID string, message *schema.Message) error {
	if message == nil {
		return fmt.Errorf("会话 %s 不能追加空消息", sessionID)
	}
	return m.AddMessages(ctx, sessionID, []*schema.Message{message})
}

// AddMessages 实现 SessionMemory 接口
func (m *InMemorySessionMemory) AddMessages(ctx context.Context, sessionID string, messages []*schema.Message) error {
	if len(messages) == 0 {
		return nil
	}
	for _, msg := range messages {
		if msg == nil {
			return fmt.Errorf("会话 %s 的批量消息中包含空消息", sessionID)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	history := append(m.histories[sessionID], messages...)

	// 超出保留轮数时裁掉最早的消息，一轮按两条消息计
	if m.maxTurns > 0 {
		maxMessages := m.maxTurns * 2
		if len(history) > maxMessages {
			history = history[len(history)-maxMessages:]
		}
	}

	m.histories[sessionID] = history
	return nil
}

// ClearHistory 实现 SessionMemory 接口
func (m *InMemorySessionMemory) ClearHistory(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.histories, sessionID)
	return nil
}
