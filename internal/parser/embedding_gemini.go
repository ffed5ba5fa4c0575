package parser

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/cloudwego/eino/components/embedding"
	"google.golang.org/genai"

	"valigence/internal/config"
)

// Embedding任务类型，决定向量空间的优化方向
const (
	TaskTypeRetrievalDocument = "RETRIEVAL_DOCUMENT"
	TaskTypeRetrievalQuery    = "RETRIEVAL_QUERY"
)

// GeminiEmbedder 实现 embedding.Embedder 接口，基于 Google genai SDK
type GeminiEmbedder struct {
	client     *genai.Client
	model      string // Default model
	dimensions int    // Default dimensions
	taskType   string
	logger     *log.Logger
}

// GeminiEmbedderOption Gemini嵌入器的配置选项
type GeminiEmbedderOption func(*GeminiEmbedder)

// WithEmbedderTaskType 设置embedding任务类型
// 索引文档用 TaskTypeRetrievalDocument，检索查询用 TaskTypeRetrievalQuery
func WithEmbedderTaskType(taskType string) GeminiEmbedderOption {
	return func(g *GeminiEmbedder) {
		if taskType != "" {
			g.taskType = taskType
		}
	}
}

// WithEmbedderLogger 配置自定义日志记录器
func WithEmbedderLogger(logger *log.Logger) GeminiEmbedderOption {
	return func(g *GeminiEmbedder) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGeminiEmbedder 创建新的Gemini Embedder
func NewGeminiEmbedder(client *genai.Client, embeddingCfg config.EmbeddingConfig, options ...GeminiEmbedderOption) (*GeminiEmbedder, error) {
	if client == nil {
		return nil, fmt.Errorf("genai客户端不能为空")
	}

	model := embeddingCfg.Model
	if model == "" {
		model = "embedding-001" // Fallback default
	}

	embedder := &GeminiEmbedder{
		client:     client,
		model:      model,
		dimensions: embeddingCfg.Dimensions,
		taskType:   TaskTypeRetrievalDocument,
		logger:     log.New(os.Stderr, "[GeminiEmbedder] ", log.LstdFlags),
	}

	for _, option := range options {
		option(embedder)
	}

	return embedder, nil
}

// GetDimensions 返回嵌入器配置的维度 (This is a helper, not part of eino.Embedder)
func (g *GeminiEmbedder) GetDimensions() int {
	return g.dimensions
}

// EmbedStrings 将文本转换为向量, 实现 cloudwego/eino embedding.Embedder 接口
func (g *GeminiEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	g.logger.Printf("EmbedStrings called with %d texts. First text (if any): %.100s...", len(texts), firstText(texts))

	options := &embedding.Options{}
	embedding.GetCommonOptions(options, opts...)

	effectiveModel := g.model
	if options.Model != nil && *options.Model != "" {
		effectiveModel = *options.Model
	}

	if len(texts) == 0 {
		g.logger.Println("EmbedStrings: No texts to embed, returning empty.")
		return [][]float64{}, nil
	}

	contents := make([]*genai.Content, 0, len(texts))
	for _, text := range texts {
		contents = append(contents, &genai.Content{
			Role: genai.RoleUser,
			Parts: []*genai.Part{{
				Text: text,
			}},
		})
	}

	embedCfg := &genai.EmbedContentConfig{
		TaskType: g.taskType,
	}
	if g.dimensions > 0 {
		embedCfg.OutputDimensionality = genai.Ptr(int32(g.dimensions))
	}

	resp, err := g.client.Models.EmbedContent(ctx, effectiveModel, contents, embedCfg)
	if err != nil {
		err = fmt.Errorf("Gemini EmbedContent调用失败 (model=%s): %w", effectiveModel, err)
		g.logger.Printf("EmbedStrings error: %v", err)
		return nil, err
	}

	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding数量不匹配: 请求 %d 条文本, 返回 %d 个向量", len(texts), len(resp.Embeddings))
	}

	outputEmbeddings := make([][]float64, len(resp.Embeddings))
	for i, entry := range resp.Embeddings {
		if entry == nil || len(entry.Values) == 0 {
			return nil, fmt.Errorf("第 %d 个embedding为空", i)
		}
		if g.dimensions > 0 && len(entry.Values) != g.dimensions {
			g.logger.Printf("警告: 第 %d 个embedding维度 %d 与配置 %d 不一致", i, len(entry.Values), g.dimensions)
		}
		vector := make([]float64, len(entry.Values))
		for j, v := range entry.Values {
			vector[j] = float64(v)
		}
		outputEmbeddings[i] = vector
	}

	g.logger.Printf("Successfully embedded %d texts. First embedding dim (if any): %d. Preview: %s",
		len(texts), firstEmbeddingDim(outputEmbeddings), previewEmbedding(outputEmbeddings))

	return outputEmbeddings, nil
}

// Helper function to safely get the first text for logging
func firstText(texts []string) string {
	if len(texts) > 0 {
		return texts[0]
	}
	return ""
}

// Helper function to safely get the dimension of the first embedding for logging
func firstEmbeddingDim(embeddings [][]float64) int {
	if len(embeddings) > 0 && len(embeddings[0]) > 0 {
		return len(embeddings[0])
	}
	return 0
}

// previewEmbedding 返回首个向量的截断字符串表示，用于日志
func previewEmbedding(embeddings [][]float64) string {
	if len(embeddings) == 0 {
		return "[]"
	}
	return truncateEmbedding(embeddings[0])
}

// truncateEmbedding 截断嵌入向量的字符串表示形式
func truncateEmbedding(vector []float64) string {
	const maxLen = 6       // 如果向量长度大于此值，则截断
	const showEachSide = 3 // 截断时每边显示多少元素

	if len(vector) <= maxLen {
		return fmt.Sprintf("%v", vector)
	}

	var truncated []string
	for i := 0; i < showEachSide; i++ {
		truncated = append(truncated, fmt.Sprintf("%.4f", vector[i]))
	}
	truncated = append(truncated, "...")
	for i := len(vector) - showEachSide; i < len(vector); i++ {
		truncated = append(truncated, fmt.Sprintf("%.4f", vector[i]))
	}
	return fmt.Sprintf("[%s]", strings.Join(truncated, ", "))
}
