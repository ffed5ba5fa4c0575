package parser

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRoleLLM 角色提取测试用的LLM模拟器
type mockRoleLLM struct {
	// 模拟响应
	mockResponse string
	// 前N次调用返回该错误，用于测试重试
	failCount int
	failErr   error
	// 调用计数与最近一次收到的消息
	callCount    int
	lastMessages []*schema.Message
}

// Generate 实现model.ChatModel接口
func (m *mockRoleLLM) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	m.callCount++
	m.lastMessages = messages
	if m.callCount <= m.failCount {
		return nil, m.failErr
	}
	return &schema.Message{
		Role:    "assistant",
		Content: m.mockResponse,
	}, nil
}

// Stream 实现model.ChatModel接口
func (m *mockRoleLLM) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	// 测试中不需要流式响应
	return nil, nil
}

// BindTools 实现model.ChatModel接口
func (m *mockRoleLLM) BindTools(tools []*schema.ToolInfo) error {
	return nil
}

// WithTools 实现 model.ToolCallingChatModel 接口
func (m *mockRoleLLM) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}

func newTestRoleExtractor(mock *mockRoleLLM, options ...LLMRoleExtractorOption) *LLMRoleExtractor {
	return NewLLMRoleExtractor(mock, log.New(io.Discard, "", 0), options...)
}

// TestExtractRolesBasic 测试基本的角色提取
func TestExtractRolesBasic(t *testing.T) {
	mock := &mockRoleLLM{mockResponse: "Engineer, QA Tester, Project Manager"}
	extractor := newTestRoleExtractor(mock)

	roles, err := extractor.ExtractRoles(context.Background(), "员工名册文档内容")
	require.NoError(t, err, "角色提取不应返回错误")
	assert.Equal(t, []string{"Engineer", "QA Tester", "Project Manager"}, roles, "应保留模型输出的顺序和大小写")
	assert.Equal(t, 1, mock.callCount, "正常情况只调用一次LLM")
}

// TestExtractRolesSentinel 测试无角色哨兵值
func TestExtractRolesSentinel(t *testing.T) {
	for _, sentinel := range []string{"None", "none", "NONE", "  None  "} {
		mock := &mockRoleLLM{mockResponse: sentinel}
		extractor := newTestRoleExtractor(mock)

		roles, err := extractor.ExtractRoles(context.Background(), "没有角色的文档")
		require.NoError(t, err)
		assert.Empty(t, roles, "哨兵值 %q 应解析为空角色列表", sentinel)
	}
}

// TestExtractRolesEmptyResponse 测试模型返回空响应
func TestExtractRolesEmptyResponse(t *testing.T) {
	mock := &mockRoleLLM{mockResponse: "  "}
	extractor := newTestRoleExtractor(mock)

	roles, err := extractor.ExtractRoles(context.Background(), "文档内容")
	require.NoError(t, err, "空响应不是错误，视为无角色")
	assert.Empty(t, roles)
}

// TestExtractRolesDedupe 测试大小写不敏感去重
func TestExtractRolesDedupe(t *testing.T) {
	mock := &mockRoleLLM{mockResponse: "Developer, developer, DEVELOPER, QA, qa, Architect"}
	extractor := newTestRoleExtractor(mock)

	roles, err := extractor.ExtractRoles(context.Background(), "文档内容")
	require.NoError(t, err)
	assert.Equal(t, []string{"Developer", "QA", "Architect"}, roles, "去重应保留首次出现的形式")
}

// TestExtractRolesMessyOutput 测试含空项和多余空白的输出
func TestExtractRolesMessyOutput(t *testing.T) {
	mock := &mockRoleLLM{mockResponse: " Developer ,  , QA Tester,, Architect , "}
	extractor := newTestRoleExtractor(mock)

	roles, err := extractor.ExtractRoles(context.Background(), "文档内容")
	require.NoError(t, err)
	assert.Equal(t, []string{"Developer", "QA Tester", "Architect"}, roles, "空项应被丢弃，角色应去除首尾空白")
}

// TestExtractRolesEmptyDocument 测试空白文档不调用LLM
func TestExtractRolesEmptyDocument(t *testing.T) {
	mock := &mockRoleLLM{mockResponse: "should not be called"}
	extractor := newTestRoleExtractor(mock)

	roles, err := extractor.ExtractRoles(context.Background(), "   \n\t  ")
	require.NoError(t, err)
	assert.Empty(t, roles, "空白文档应直接返回空列表")
	assert.Zero(t, mock.callCount, "空白文档不应触发LLM调用")
}

// TestExtractRolesTruncation 测试超长文档截断
func TestExtractRolesTruncation(t *testing.T) {
	mock := &mockRoleLLM{mockResponse: "Engineer"}
	extractor := newTestRoleExtractor(mock, WithMaxDocumentChars(10))

	longText := strings.Repeat("角色清单内容", 100)
	_, err := extractor.ExtractRoles(context.Background(), longText)
	require.NoError(t, err)

	require.Len(t, mock.lastMessages, 2, "应发送system和user两条消息")
	userContent := mock.lastMessages[1].Content
	assert.True(t, strings.HasPrefix(userContent, "Document Content:\n"), "user消息应带文档前缀")
	payload := strings.TrimPrefix(userContent, "Document Content:\n")
	assert.Equal(t, 10, len([]rune(payload)), "文档应按字符数截断到上限")
	assert.Equal(t, string([]rune(longText)[:10]), payload, "截断应保留文档开头")
}

// TestExtractRolesRetry 测试可重试错误的重试逻辑
func TestExtractRolesRetry(t *testing.T) {
	mock := &mockRoleLLM{
		mockResponse: "Engineer, Architect",
		failCount:    2,
		failErr:      errors.New("connection reset by peer"),
	}
	extractor := newTestRoleExtractor(mock, WithExtractorRetries(2, 10*time.Millisecond))

	roles, err := extractor.ExtractRoles(context.Background(), "文档内容")
	require.NoError(t, err, "重试耗尽前成功则不应报错")
	assert.Equal(t, []string{"Engineer", "Architect"}, roles)
	assert.Equal(t, 3, mock.callCount, "两次失败后第三次成功")
}

// TestExtractRolesNonRetryableError 测试不可重试错误立即失败
func TestExtractRolesNonRetryableError(t *testing.T) {
	mock := &mockRoleLLM{
		mockResponse: "Engineer",
		failCount:    1,
		failErr:      errors.New("invalid api key"),
	}
	extractor := newTestRoleExtractor(mock, WithExtractorRetries(3, 10*time.Millisecond))

	_, err := extractor.ExtractRoles(context.Background(), "文档内容")
	require.Error(t, err, "不可重试的错误应立即返回")
	assert.Contains(t, err.Error(), "invalid api key")
	assert.Equal(t, 1, mock.callCount, "不可重试错误不应触发重试")
}

// TestExtractRolesRetriesExhausted 测试重试耗尽后返回错误
func TestExtractRolesRetriesExhausted(t *testing.T) {
	mock := &mockRoleLLM{
		mockResponse: "Engineer",
		failCount:    10,
		failErr:      errors.New("request timeout"),
	}
	extractor := newTestRoleExtractor(mock, WithExtractorRetries(2, 5*time.Millisecond))

	_, err := extractor.ExtractRoles(context.Background(), "文档内容")
	require.Error(t, err, "重试耗尽后应返回错误")
	assert.Equal(t, 3, mock.callCount, "初次调用加两次重试")
}

// TestIsRetryableError 测试错误分类
func TestIsRetryableError(t *testing.T) {
	retryable := []error{
		errors.New("request timeout"),
		errors.New("context deadline exceeded"),
		errors.New("connection reset by peer"),
		errors.New("unexpected EOF"),
		errors.New("connection refused"),
		errors.New("dial tcp: no such host"),
		errors.New("http 429 too many requests"),
		errors.New("http 503 service unavailable"),
	}
	for _, err := range retryable {
		assert.True(t, isRetryableError(err), "错误 %q 应可重试", err)
	}

	assert.False(t, isRetryableError(nil), "nil错误不可重试")
	assert.False(t, isRetryableError(errors.New("invalid argument")), "业务错误不应重试")
}

// TestExtractRolesCustomPrompt 测试自定义提示词
func TestExtractRolesCustomPrompt(t *testing.T) {
	mock := &mockRoleLLM{mockResponse: "Engineer"}
	customPrompt := "仅提取中文角色名，逗号分隔，没有则返回None。"
	extractor := newTestRoleExtractor(mock, WithExtractorPrompt(customPrompt))

	_, err := extractor.ExtractRoles(context.Background(), "文档内容")
	require.NoError(t, err)

	require.Len(t, mock.lastMessages, 2)
	assert.Equal(t, customPrompt, mock.lastMessages[0].Content, "system消息应使用自定义提示词")
}
