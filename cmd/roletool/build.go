package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"valigence/internal/agent"
	"valigence/internal/config"
	"valigence/internal/parser"
	"valigence/internal/processor"
	"valigence/internal/ratelimit"
)

// 各子命令共用的组件构建函数，构建方式与服务端入口保持一致。

func newToolLogger(verbose bool) *log.Logger {
	if verbose {
		return log.New(os.Stderr, "[RoleTool] ", log.LstdFlags|log.Lshortfile)
	}
	return log.New(io.Discard, "", 0)
}

func buildGeminiClient(ctx context.Context, cfg *config.Config) (*genai.Client, error) {
	if cfg.Gemini.APIKey == "" {
		return nil, fmt.Errorf("配置中缺少Gemini API Key")
	}
	return genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.Gemini.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
}

// buildDocExtractor 按引擎名构建PDF文本提取器，engine为空时取配置值。
func buildDocExtractor(ctx context.Context, cfg *config.Config, engine string, lg *log.Logger) (processor.DocumentExtractor, error) {
	if engine == "" {
		engine = cfg.PDF.Extractor
	}
	switch engine {
	case "native":
		return parser.NewNativePDFExtractor(
			parser.WithNativeLogger(lg),
			parser.WithNativeTables(cfg.PDF.IncludeTables),
		), nil
	case "", "eino":
		return parser.NewEinoPDFTextExtractor(ctx, parser.WithEinoLogger(lg))
	default:
		return nil, fmt.Errorf("未知的PDF提取引擎 %q，支持 eino 或 native", engine)
	}
}

// buildRoleExtractor 构建带限流的LLM角色提取器。
func buildRoleExtractor(ctx context.Context, cfg *config.Config, lg *log.Logger) (*parser.LLMRoleExtractor, error) {
	client, err := buildGeminiClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	modelName := cfg.RoleExtractor.ModelName
	if modelName == "" {
		modelName = cfg.GetModelForTask("role_extraction")
	}
	chatModel, err := agent.NewGeminiChatModel(client, modelName,
		agent.WithModelTemperature(cfg.RoleExtractor.Temperature),
		agent.WithModelMaxTokens(cfg.RoleExtractor.MaxTokens),
		agent.WithModelLogger(lg),
	)
	if err != nil {
		return nil, fmt.Errorf("初始化角色提取模型失败: %w", err)
	}
	limited := ratelimit.NewChatModelWithQPM(chatModel, modelName,
		cfg.ModelQPMLimits, cfg.RoleExtractor.QPM,
		cfg.RoleExtractor.MaxRetries, time.Duration(cfg.RoleExtractor.RetryWaitSeconds)*time.Second)
	return parser.NewLLMRoleExtractor(limited, lg,
		parser.WithMaxDocumentChars(cfg.RoleExtractor.MaxDocumentChars),
		parser.WithExtractorRetries(cfg.RoleExtractor.MaxRetries, time.Duration(cfg.RoleExtractor.RetryWaitSeconds)*time.Second),
		parser.WithExtractorTimeout(config.GetDuration(cfg.RoleExtractor.ExtractionTimeout, 60*time.Second)),
	), nil
}

// buildRAGModel 构建带限流的RAG问答模型。
func buildRAGModel(cfg *config.Config, client *genai.Client, lg *log.Logger) (model.ToolCallingChatModel, error) {
	modelName := cfg.RAG.ModelName
	if modelName == "" {
		modelName = cfg.GetModelForTask("rag_answer")
	}
	chatModel, err := agent.NewGeminiChatModel(client, modelName,
		agent.WithModelTemperature(cfg.RAG.Temperature),
		agent.WithModelMaxTokens(cfg.RAG.MaxTokens),
		agent.WithModelLogger(lg),
	)
	if err != nil {
		return nil, fmt.Errorf("初始化RAG问答模型失败: %w", err)
	}
	return ratelimit.NewChatModelWithQPM(chatModel, modelName,
		cfg.ModelQPMLimits, cfg.RAG.QPM,
		cfg.RAG.MaxRetries, time.Duration(cfg.RAG.RetryWaitSeconds)*time.Second), nil
}

// buildQueryEmbedder 构建RETRIEVAL_QUERY任务类型的查询嵌入器。
func buildQueryEmbedder(cfg *config.Config, client *genai.Client, lg *log.Logger) (processor.TextEmbedder, error) {
	embedder, err := parser.NewGeminiEmbedder(client, cfg.Gemini.Embedding,
		parser.WithEmbedderTaskType(parser.TaskTypeRetrievalQuery),
		parser.WithEmbedderLogger(lg),
	)
	if err != nil {
		return nil, fmt.Errorf("初始化查询Embedder失败: %w", err)
	}
	return ratelimit.NewEmbedderWithQPM(embedder, cfg.Gemini.Embedding.Model,
		cfg.ModelQPMLimits, 0, cfg.RAG.MaxRetries, time.Duration(cfg.RAG.RetryWaitSeconds)*time.Second), nil
}
