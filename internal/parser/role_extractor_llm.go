package parser

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"

	"valigence/internal/constants"
)

// defaultRoleExtractionPrompt 角色提取指令。
// 模型必须返回逗号分隔的角色列表，没有角色时返回哨兵值None。
const defaultRoleExtractionPrompt = "List all the roles mentioned in the following document. " +
	"Provide a comma-separated list of unique roles. If no roles are found, respond with 'None'."

// LLMRoleExtractor 使用LLM从文档文本中识别角色名称
type LLMRoleExtractor struct {
	// LLM模型接口
	llmModel model.ToolCallingChatModel

	// 提示词，决定模型的输出协议
	prompt string

	// 送入模型的文档字符数上限，0表示不截断
	maxDocumentChars int

	// 重试配置
	maxRetries int
	retryDelay time.Duration

	// 单次调用超时
	callTimeout time.Duration

	logger *log.Logger
}

// LLMRoleExtractorOption 角色提取器的配置选项
type LLMRoleExtractorOption func(*LLMRoleExtractor)

// WithExtractorPrompt 设置自定义提取提示词
func WithExtractorPrompt(prompt string) LLMRoleExtractorOption {
	return func(e *LLMRoleExtractor) {
		if prompt != "" {
			e.prompt = prompt
		}
	}
}

// WithMaxDocumentChars 设置送入模型的文档字符数上限
func WithMaxDocumentChars(maxChars int) LLMRoleExtractorOption {
	return func(e *LLMRoleExtractor) {
		if maxChars >= 0 {
			e.maxDocumentChars = maxChars
		}
	}
}

// WithExtractorRetries 设置重试次数和初始退避时间
func WithExtractorRetries(maxRetries int, retryDelay time.Duration) LLMRoleExtractorOption {
	return func(e *LLMRoleExtractor) {
		if maxRetries >= 0 {
			e.maxRetries = maxRetries
		}
		if retryDelay > 0 {
			e.retryDelay = retryDelay
		}
	}
}

// WithExtractorTimeout 设置单次LLM调用的超时时间
func WithExtractorTimeout(timeout time.Duration) LLMRoleExtractorOption {
	return func(e *LLMRoleExtractor) {
		if timeout > 0 {
			e.callTimeout = timeout
		}
	}
}

// NewLLMRoleExtractor 创建新的LLM角色提取器
func NewLLMRoleExtractor(llmModel model.ToolCallingChatModel, logger *log.Logger, options ...LLMRoleExtractorOption) *LLMRoleExtractor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	extractor := &LLMRoleExtractor{
		llmModel:    llmModel,
		prompt:      defaultRoleExtractionPrompt,
		maxRetries:  2,
		retryDelay:  2 * time.Second,
		callTimeout: 60 * time.Second,
		logger:      logger,
	}

	for _, opt := range options {
		opt(extractor)
	}

	return extractor
}

// ExtractRoles 从文档文本中提取角色列表。
// 空白文本直接返回空列表；模型返回哨兵值None同样视为无角色。
// 返回的角色保留模型输出的原始大小写，按首次出现顺序去重。
func (e *LLMRoleExtractor) ExtractRoles(ctx context.Context, text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		e.logger.Printf("[LLMRoleExtractor] 文档内容为空，跳过角色提取")
		return []string{}, nil
	}

	text = e.truncateDocument(text)

	response, err := e.callLLM(ctx, e.prompt, "Document Content:\n"+text)
	if err != nil {
		return nil, fmt.Errorf("LLM角色提取失败: %w", err)
	}

	roles := e.parseRoles(response)
	e.logger.Printf("[LLMRoleExtractor] 提取到 %d 个角色", len(roles))
	return roles, nil
}

// truncateDocument 对超长文档按字符数截断，避免超出模型上下文窗口
func (e *LLMRoleExtractor) truncateDocument(text string) string {
	if e.maxDocumentChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= e.maxDocumentChars {
		return text
	}
	e.logger.Printf("[LLMRoleExtractor] 文档长度 %d 超过上限 %d，已截断", len(runes), e.maxDocumentChars)
	return string(runes[:e.maxDocumentChars])
}

// parseRoles 解析模型的逗号分隔输出
func (e *LLMRoleExtractor) parseRoles(response string) []string {
	raw := strings.TrimSpace(response)
	if raw == "" {
		e.logger.Printf("[LLMRoleExtractor] 模型返回空响应，视为无角色")
		return []string{}
	}
	if strings.EqualFold(raw, constants.NoRolesSentinel) {
		e.logger.Printf("[LLMRoleExtractor] 模型报告文档中没有角色")
		return []string{}
	}

	// 按首次出现顺序去重，去重键不区分大小写
	seen := make(map[string]struct{})
	roles := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		role := strings.TrimSpace(part)
		if role == "" {
			continue
		}
		key := strings.ToLower(role)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		roles = append(roles, role)
	}
	return roles
}

// callLLM 调用LLM处理提示词
func (e *LLMRoleExtractor) callLLM(ctx context.Context, systemContent string, userContent string) (string, error) {
	messages := []*einoschema.Message{
		{Role: "system", Content: systemContent},
		{Role: "user", Content: userContent},
	}

	retryDelay := e.retryDelay

	var response *einoschema.Message
	var err error

	e.logger.Printf("[LLMRoleExtractor] System Prompt: %.50s...", systemContent)
	e.logger.Printf("[LLMRoleExtractor] User Prompt: %.50s...", userContent)

	for retry := 0; retry <= e.maxRetries; retry++ {
		// 重试前先检查上下文是否已取消
		if retry > 0 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("上下文已取消: %w", ctx.Err())
			case <-time.After(retryDelay):
				retryDelay *= 2
				e.logger.Printf("重试LLM调用 (第%d次)", retry)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		response, err = e.llmModel.Generate(callCtx, messages)
		cancel()

		if err == nil {
			break
		}

		if !isRetryableError(err) || retry >= e.maxRetries {
			e.logger.Printf("[LLMRoleExtractor] LLM call final error after retries: %v", err)
			return "", fmt.Errorf("LLM Generate failed: %w", err)
		}
	}

	e.logger.Printf("[LLMRoleExtractor] LLM Response: %.50s", response.Content)
	return response.Content, nil
}

// isRetryableError 判断错误是否应该重试
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "503")
}
