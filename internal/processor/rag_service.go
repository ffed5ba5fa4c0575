package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"valigence/internal/config"
	"valigence/internal/constants"
	"valigence/internal/storage"
	"valigence/internal/types"
	"valigence/pkg/utils"
)

// 未命中检索或分块无内容时的固定回答，与下游约定保持稳定措辞
const (
	AnswerNoRelevantInfo = "No relevant information found in PDF."
	AnswerNoChunkContent = "No retrievable content in the matched chunks."
)

// 回答来源最多返回的片段数
const maxAnswerSources = 5

// 来源预览截断长度(rune)
const sourcePreviewLen = 160

// RAGService 基于检索增强生成的文档问答服务。
// 在一次运行的向量索引上检索相关分块，交给对话模型生成回答。
// 请求携带session_id时走多轮对话，历史由会话内存维护；
// 不携带时为一次性问答，相同问题的回答进Redis缓存。
type RAGService struct {
	components Components
	cfg        *config.Config
	settings   Settings
	logger     zerolog.Logger
}

// NewRAGService 创建文档问答服务
func NewRAGService(cfg *config.Config, components Components, opts ...SettingOpt) (*RAGService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}

	settings := defaultSettings()
	for _, opt := range opts {
		opt(&settings)
	}

	svc := &RAGService{
		components: components,
		cfg:        cfg,
		settings:   settings,
		logger:     settings.Logger.With().Str("component", "rag_service").Logger(),
	}
	if err := svc.checkComponents(); err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *RAGService) checkComponents() error {
	if s.components.Storage == nil {
		return fmt.Errorf("存储组件未初始化")
	}
	if s.components.Storage.MySQL == nil {
		return fmt.Errorf("MySQL组件未初始化")
	}
	if s.components.Storage.Qdrant == nil {
		return fmt.Errorf("Qdrant组件未初始化")
	}
	if s.components.QueryEmbedder == nil {
		return fmt.Errorf("查询嵌入模型组件未初始化")
	}
	if s.components.ChatModel == nil {
		return fmt.Errorf("对话模型组件未初始化")
	}
	return nil
}

// AnswerQuestion 回答针对一次运行所索引文档的问题
func (s *RAGService) AnswerQuestion(ctx context.Context, req types.QueryRequest) (*types.QueryResponse, error) {
	ctx, span := tracer.Start(ctx, "AnswerQuestion")
	defer span.End()

	question := strings.TrimSpace(req.Question)
	if req.RunUUID == "" {
		return nil, newRunError(req.RunUUID, "validate", ErrInvalidQuery, "run_uuid不能为空")
	}
	if question == "" {
		return nil, newRunError(req.RunUUID, "validate", ErrInvalidQuery, "question不能为空")
	}

	span.SetAttributes(
		attribute.String("run_uuid", req.RunUUID),
		attribute.Int("question_length", len(question)),
		attribute.Bool("with_session", req.SessionID != ""),
	)
	log := s.logger.With().Str("run_uuid", req.RunUUID).Logger()

	// 运行必须存在。状态不做硬性限制，索引未完成时检索自然为空
	if _, err := s.components.Storage.MySQL.GetValidationRun(ctx, req.RunUUID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newRunError(req.RunUUID, "load_run", ErrRunNotFound, "")
		}
		span.RecordError(err)
		return nil, newRunError(req.RunUUID, "load_run", ErrPersistFailed, err.Error())
	}

	// 一次性问答先查回答缓存
	questionKey := questionHash(question)
	if req.SessionID == "" && s.components.Storage.Redis != nil {
		cached, err := s.components.Storage.Redis.GetCachedQueryAnswer(ctx, req.RunUUID, questionKey)
		if err == nil && cached != "" {
			log.Debug().Msg("命中问答缓存")
			span.AddEvent("answer_cache_hit")
			span.SetStatus(codes.Ok, "缓存命中")
			return &types.QueryResponse{
				RunUUID: req.RunUUID,
				Answer:  cached,
			}, nil
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Warn().Err(err).Msg("查询回答缓存失败")
		}
	}

	topK := req.TopK
	if topK <= 0 {
		topK = s.cfg.RAG.TopK
	}

	// 问题向量化后按运行过滤检索
	vectors, err := s.components.QueryEmbedder.EmbedStrings(ctx, []string{question})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "问题向量化失败")
		return nil, newRunError(req.RunUUID, "embed_query", ErrEmbedFailed, err.Error())
	}
	if len(vectors) == 0 {
		return nil, newRunError(req.RunUUID, "embed_query", ErrEmbedFailed, "嵌入结果为空")
	}

	results, err := s.components.Storage.Qdrant.SearchSimilarChunks(ctx, vectors[0], topK, storage.BuildRunUUIDFilter(req.RunUUID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "向量检索失败")
		return nil, newRunError(req.RunUUID, "search", ErrSearchFailed, err.Error())
	}
	span.SetAttributes(attribute.Int("retrieved_count", len(results)))

	resp := &types.QueryResponse{
		RunUUID:   req.RunUUID,
		SessionID: req.SessionID,
	}

	// 没有命中或命中的分块没有内容时返回固定回答，不调用LLM
	if len(results) == 0 {
		log.Debug().Msg("向量检索无命中")
		resp.Answer = AnswerNoRelevantInfo
		span.SetStatus(codes.Ok, "无检索结果")
		return resp, nil
	}

	contexts := make([]string, 0, len(results))
	for _, result := range results {
		content, _ := result.Payload["content_text"].(string)
		if strings.TrimSpace(content) == "" {
			continue
		}
		contexts = append(contexts, content)
		if len(resp.Sources) < maxAnswerSources {
			resp.Sources = append(resp.Sources, types.QuerySource{
				ChunkIndex: payloadChunkIndex(result.Payload),
				Score:      result.Score,
				Preview:    utils.TruncateRunes(content, sourcePreviewLen),
			})
		}
	}
	if len(contexts) == 0 {
		log.Debug().Msg("命中的分块没有可用内容")
		resp.Answer = AnswerNoChunkContent
		resp.Sources = nil
		span.SetStatus(codes.Ok, "分块内容为空")
		return resp, nil
	}

	prompt := buildAnswerPrompt(question, strings.Join(contexts, "\n\n"))

	// 会话模式把历史消息放在本轮提示之前
	var messages []*schema.Message
	if req.SessionID != "" && s.components.Memory != nil {
		history, histErr := s.components.Memory.GetHistory(ctx, req.SessionID)
		if histErr != nil {
			log.Warn().Err(histErr).Str("session_id", req.SessionID).Msg("读取会话历史失败，本轮按无历史处理")
		} else {
			messages = append(messages, history...)
		}
	}
	messages = append(messages, schema.UserMessage(prompt))

	ctx, genSpan := tracer.Start(ctx, "GenerateAnswer")
	genSpan.SetAttributes(attribute.Int("message_count", len(messages)))
	output, err := s.components.ChatModel.Generate(ctx, messages)
	genSpan.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "生成回答失败")
		return nil, newRunError(req.RunUUID, "generate", ErrAnswerFailed, err.Error())
	}
	answer := strings.TrimSpace(output.Content)
	if answer == "" {
		return nil, newRunError(req.RunUUID, "generate", ErrAnswerFailed, "模型返回空回答")
	}
	resp.Answer = answer

	// 会话历史记录原始问题而非拼装后的提示词，控制上下文膨胀
	if req.SessionID != "" && s.components.Memory != nil {
		turn := []*schema.Message{
			schema.UserMessage(question),
			schema.AssistantMessage(answer, nil),
		}
		if memErr := s.components.Memory.AddMessages(ctx, req.SessionID, turn); memErr != nil {
			log.Warn().Err(memErr).Str("session_id", req.SessionID).Msg("写入会话历史失败")
		}
	}

	if req.SessionID == "" && s.components.Storage.Redis != nil {
		if cacheErr := s.components.Storage.Redis.CacheQueryAnswer(ctx, req.RunUUID, questionKey, answer, constants.QueryAnswerCacheDuration); cacheErr != nil {
			log.Warn().Err(cacheErr).Msg("写入回答缓存失败")
		}
	}

	log.Info().
		Int("retrieved_count", len(results)).
		Int("context_count", len(contexts)).
		Int("answer_length", len(answer)).
		Msg("问答处理完成")
	span.SetStatus(codes.Ok, "回答生成成功")
	return resp, nil
}

// ClearSession 清除一个问答会话的全部历史
func (s *RAGService) ClearSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return newRunError("", "clear_session", ErrInvalidQuery, "session_id不能为空")
	}
	if s.components.Memory == nil {
		return nil
	}
	return s.components.Memory.ClearHistory(ctx, sessionID)
}

// buildAnswerPrompt 构造回答提示词。
// 问题里出现表格或计数类关键词时切换到表格感知模板，
// 引导模型优先读取提取文本中保留的表格区块。
func buildAnswerPrompt(question, fullContext string) string {
	lower := strings.ToLower(question)
	tableQuery := strings.Contains(lower, "table") ||
		strings.Contains(lower, "count") ||
		strings.Contains(lower, "number of") ||
		strings.Contains(lower, "how many")

	if tableQuery {
		return fmt.Sprintf("Based on the following document excerpts, specifically focus on any tables or structured lists to answer: '%s'. If exact numbers are provided, use them. If no relevant table is found, say so.\n\nDocument Excerpts:\n%s\n\nAnswer:", question, fullContext)
	}
	return fmt.Sprintf("Based on the following document excerpts, answer: '%s'.\n\nDocument Excerpts:\n%s\n\nAnswer:", question, fullContext)
}

// questionHash 生成问题的缓存键，大小写和首尾空白不敏感
func questionHash(question string) string {
	normalized := strings.ToLower(strings.TrimSpace(question))
	return utils.CalculateMD5([]byte(normalized))
}

// payloadChunkIndex 从检索载荷中取分块序号，JSON数字反序列化为float64
func payloadChunkIndex(payload map[string]interface{}) int {
	switch v := payload["chunk_index"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}

