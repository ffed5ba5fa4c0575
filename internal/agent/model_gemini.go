package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

const defaultGeminiModelName = "gemini-2.5-flash"

// GeminiChatModel 实现了 model.ChatModel 和 model.ToolCallingChatModel 接口，
// 基于 google.golang.org/genai SDK 与 Gemini 模型交互。
type GeminiChatModel struct {
	client      *genai.Client
	modelName   string
	temperature float32
	maxTokens   int32
	boundTools  []*genai.Tool
	logger      *log.Logger
}

// GeminiModelOption GeminiChatModel的配置选项
type GeminiModelOption func(*GeminiChatModel)

// WithModelTemperature 设置生成温度，仅接受非负值
func WithModelTemperature(temperature float64) GeminiModelOption {
	return func(gm *GeminiChatModel) {
		if temperature >= 0 {
			gm.temperature = float32(temperature)
		}
	}
}

// WithModelMaxTokens 设置响应token上限
func WithModelMaxTokens(maxTokens int) GeminiModelOption {
	return func(gm *GeminiChatModel) {
		if maxTokens > 0 {
			gm.maxTokens = int32(maxTokens)
		}
	}
}

// WithModelLogger 设置自定义日志记录器
func WithModelLogger(logger *log.Logger) GeminiModelOption {
	return func(gm *GeminiChatModel) {
		if logger != nil {
			gm.logger = logger
		}
	}
}

// NewGeminiChatModel 创建一个新的 GeminiChatModel 实例。
// client 必须是已初始化的 genai 客户端；modelName 为空时使用默认模型。
func NewGeminiChatModel(client *genai.Client, modelName string, options ...GeminiModelOption) (*GeminiChatModel, error) {
	if client == nil {
		return nil, fmt.Errorf("genai 客户端不能为空")
	}

	mn := strings.TrimSpace(modelName)
	if mn == "" {
		mn = defaultGeminiModelName
	}

	gm := &GeminiChatModel{
		client:      client,
		modelName:   mn,
		temperature: -1, // 负值表示不传该参数，由服务端取默认
		logger:      log.New(io.Discard, "", 0),
	}

	for _, opt := range options {
		opt(gm)
	}

	gm.logger.Printf("[Gemini模型] 初始化完成，模型: %s", gm.modelName)
	return gm, nil
}

// Generate 实现 model.BaseChatModel 接口
func (gm *GeminiChatModel) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	commonOpts := model.GetCommonOptions(&model.Options{}, options...)

	effectiveModel := gm.modelName
	if commonOpts.Model != nil && *commonOpts.Model != "" {
		effectiveModel = *commonOpts.Model
	}

	contents, systemInstruction, err := gm.buildContents(messages)
	if err != nil {
		return nil, err
	}

	cfg := &genai.GenerateContentConfig{}
	if systemInstruction != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		}
	}
	if commonOpts.Temperature != nil {
		cfg.Temperature = genai.Ptr(*commonOpts.Temperature)
	} else if gm.temperature >= 0 {
		cfg.Temperature = genai.Ptr(gm.temperature)
	}
	if commonOpts.MaxTokens != nil && *commonOpts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(*commonOpts.MaxTokens)
	} else if gm.maxTokens > 0 {
		cfg.MaxOutputTokens = gm.maxTokens
	}
	if len(gm.boundTools) > 0 {
		cfg.Tools = gm.boundTools
	}

	gm.logger.Printf("[Gemini模型] 发送请求，模型: %s，消息数: %d", effectiveModel, len(contents))

	resp, err := gm.client.Models.GenerateContent(ctx, effectiveModel, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("调用 Gemini API 失败: %w", err)
	}

	resultMessage, err := gm.extractMessage(resp)
	if err != nil {
		return nil, err
	}

	gm.logger.Printf("[Gemini模型] 收到响应，内容长度: %d，工具调用数: %d",
		len(resultMessage.Content), len(resultMessage.ToolCalls))
	return resultMessage, nil
}

// Stream 实现 model.BaseChatModel 接口 (占位)。
// 引擎内的角色提取与RAG问答都是单次调用，不走流式。
func (gm *GeminiChatModel) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	gm.logger.Println("[Gemini模型] Stream 方法被调用，但尚未实现。")
	return nil, fmt.Errorf("GeminiChatModel 的 Stream 方法未实现")
}

// BindTools 实现 model.ChatModel 接口。
// eino 的 schema.ParamsOneOf 不对外暴露参数映射，
// 这里只携带工具名称与描述，参数 schema 留空由模型按描述推断。
func (gm *GeminiChatModel) BindTools(tools []*schema.ToolInfo) error {
	if len(tools) == 0 {
		gm.boundTools = nil
		gm.logger.Println("[Gemini模型] 未绑定任何工具。")
		return nil
	}

	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, toolInfo := range tools {
		if toolInfo == nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        toolInfo.Name,
			Description: toolInfo.Desc,
		})
	}

	if len(declarations) == 0 {
		gm.boundTools = nil
		return nil
	}

	gm.boundTools = []*genai.Tool{{FunctionDeclarations: declarations}}
	gm.logger.Printf("[Gemini模型] 已绑定 %d 个工具。第一个工具名称: %s",
		len(declarations), declarations[0].Name)
	return nil
}

// WithTools 实现 model.ToolCallingChatModel 接口。
// 按接口约定返回携带工具的新实例，不修改原实例的绑定状态。
func (gm *GeminiChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	clone := *gm
	if err := clone.BindTools(tools); err != nil {
		return nil, err
	}
	return &clone, nil
}

// buildContents 将 eino 消息列表转换为 genai 内容列表。
// system 消息单独汇总为系统指令，assistant 映射为 model 角色，
// tool 消息转换为 functionResponse 部件。
func (gm *GeminiChatModel) buildContents(messages []*schema.Message) ([]*genai.Content, string, error) {
	var systemParts []string
	contents := make([]*genai.Content, 0, len(messages))

	for _, msg := range messages {
		if msg == nil {
			continue
		}

		switch msg.Role {
		case schema.RoleType("system"):
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}

		case schema.RoleType("assistant"):
			parts := make([]*genai.Part, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   tc.ID,
						Name: tc.Function.Name,
						Args: parseToolArguments(tc.Function.Arguments, gm.logger),
					},
				})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})

		case schema.RoleType("tool"):
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       msg.ToolCallID,
						Name:     msg.Name,
						Response: map[string]any{"output": msg.Content},
					},
				}},
			})

		default:
			// user 以及其他未知角色统一按用户消息发送
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}

	if len(contents) == 0 {
		return nil, "", fmt.Errorf("消息列表中没有可发送的内容")
	}

	return contents, strings.Join(systemParts, "\n"), nil
}

// extractMessage 从 genai 响应中提取文本与工具调用，组装为 eino 消息。
func (gm *GeminiChatModel) extractMessage(resp *genai.GenerateContentResponse) (*schema.Message, error) {
	if resp == nil {
		return nil, fmt.Errorf("Gemini API 返回空响应")
	}

	var builder strings.Builder
	var toolCalls []schema.ToolCall

	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.FunctionCall != nil {
				argsJSON, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					argsJSON = []byte("{}")
				}
				toolCalls = append(toolCalls, schema.ToolCall{
					ID: part.FunctionCall.ID,
					Function: schema.FunctionCall{
						Name:      part.FunctionCall.Name,
						Arguments: string(argsJSON),
					},
				})
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}

	content := strings.TrimSpace(builder.String())
	if content == "" && len(toolCalls) == 0 {
		return nil, fmt.Errorf("Gemini API 返回空候选内容")
	}

	return &schema.Message{
		Role:      schema.RoleType("assistant"),
		Content:   content,
		ToolCalls: toolCalls,
	}, nil
}

// parseToolArguments 将JSON字符串形式的工具参数还原为映射。
// 解析失败时返回空映射而不是中断请求。
func parseToolArguments(arguments string, logger *log.Logger) map[string]any {
	if strings.TrimSpace(arguments) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		logger.Printf("[Gemini模型] 工具参数反序列化失败，按空参数处理: %v", err)
		return map[string]any{}
	}
	return args
}

var _ model.ChatModel = (*GeminiChatModel)(nil)
var _ model.ToolCallingChatModel = (*GeminiChatModel)(nil)
