package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"valigence/internal/config"
	"valigence/internal/constants"
	"valigence/internal/reconcile"
	"valigence/internal/storage"
	"valigence/internal/storage/models"
	"valigence/internal/types"
)

// IndexingService 向量索引服务。
// 消费索引队列的任务消息，把解析文本分块、嵌入并写入Qdrant，
// 最后把运行推进到COMPLETED并经发件箱发布完成事件。
type IndexingService struct {
	components Components
	cfg        *config.Config
	settings   Settings
	logger     zerolog.Logger
}

// NewIndexingService 创建向量索引服务
func NewIndexingService(cfg *config.Config, components Components, opts ...SettingOpt) (*IndexingService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}

	settings := defaultSettings()
	for _, opt := range opts {
		opt(&settings)
	}

	svc := &IndexingService{
		components: components,
		cfg:        cfg,
		settings:   settings,
		logger:     settings.Logger.With().Str("component", "indexing_service").Logger(),
	}
	if err := svc.checkComponents(); err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *IndexingService) checkComponents() error {
	if s.components.Storage == nil {
		return fmt.Errorf("存储组件未初始化")
	}
	if s.components.Storage.MySQL == nil {
		return fmt.Errorf("MySQL组件未初始化")
	}
	if s.components.Storage.MinIO == nil {
		return fmt.Errorf("MinIO组件未初始化")
	}
	if s.components.Storage.Qdrant == nil {
		return fmt.Errorf("Qdrant组件未初始化")
	}
	if s.components.Embedder == nil {
		return fmt.Errorf("嵌入模型组件未初始化")
	}
	return nil
}

// ProcessIndexingTask 处理一条索引任务消息。
// 消息携带上游trace上下文时在同一条链路上延续span。
func (s *IndexingService) ProcessIndexingTask(ctx context.Context, msg storage.IndexingTaskMessage) error {
	ctx = contextWithTraceParent(ctx, msg.TraceParent)
	ctx, span := tracer.Start(ctx, "ProcessIndexingTask",
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	span.SetAttributes(attribute.String("run_uuid", msg.RunUUID))
	log := s.logger.With().Str("run_uuid", msg.RunUUID).Logger()
	log.Debug().Msg("开始处理索引任务")

	if msg.RunUUID == "" {
		span.SetStatus(codes.Error, "消息缺少run_uuid")
		return fmt.Errorf("索引任务消息缺少run_uuid")
	}

	// 分布式锁防止同一运行被并发索引。Redis不可用时直接继续，
	// Qdrant的点ID按运行和块序号确定性生成，重复写入只是覆盖
	if s.components.Storage.Redis != nil {
		lockKey := fmt.Sprintf(constants.KeyRunIndexLock, msg.RunUUID)
		lockValue, err := s.components.Storage.Redis.AcquireLock(ctx, lockKey, s.settings.IndexLockTTL)
		if err != nil {
			log.Warn().Err(err).Msg("获取索引锁失败，继续处理")
		} else if lockValue == "" {
			log.Info().Msg("另一个worker正在索引该运行，跳过本条消息")
			span.AddEvent("index_lock_held_elsewhere")
			span.SetStatus(codes.Ok, "锁被占用，跳过")
			return nil
		} else {
			defer func() {
				if _, releaseErr := s.components.Storage.Redis.ReleaseLock(ctx, lockKey, lockValue); releaseErr != nil {
					log.Warn().Err(releaseErr).Msg("释放索引锁失败")
				}
			}()
		}
	}

	// 文本优先取消息内联内容，否则从MinIO拉取
	text := msg.ExtractedText
	if text == "" && msg.TextObjectKey != "" {
		var err error
		text, err = s.components.Storage.MinIO.GetExtractedText(ctx, msg.TextObjectKey)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "下载解析文本失败")
			return newRunError(msg.RunUUID, "download_text", ErrDownloadFailed, err.Error())
		}
	}

	// 空文档没有可索引的内容，直接完成运行
	if strings.TrimSpace(text) == "" {
		log.Info().Msg("解析文本为空，跳过向量索引")
		span.AddEvent("empty_text_skip_indexing")
		return s.completeRun(ctx, msg.RunUUID, 0)
	}

	chunkSize, overlap := s.effectiveChunkParams(msg)
	chunks, err := reconcile.ChunkText(text, chunkSize, overlap)
	if err != nil {
		// 分块参数错误是确定性的，重试不会恢复
		wrapped := newRunError(msg.RunUUID, "chunk", ErrChunkFailed, err.Error())
		s.failRun(ctx, msg.RunUUID, wrapped)
		span.RecordError(err)
		span.SetStatus(codes.Error, "文本分块失败")
		return wrapped
	}
	span.SetAttributes(
		attribute.Int("chunk_size", chunkSize),
		attribute.Int("chunk_overlap", overlap),
		attribute.Int("chunk_count", len(chunks)),
	)
	if len(chunks) == 0 {
		log.Info().Msg("分块结果为空，跳过向量索引")
		return s.completeRun(ctx, msg.RunUUID, 0)
	}

	docChunks := make([]types.DocumentChunk, len(chunks))
	for i, content := range chunks {
		docChunks[i] = types.DocumentChunk{
			RunUUID:    msg.RunUUID,
			ChunkIndex: i,
			Content:    content,
		}
	}

	ctx, embedSpan := tracer.Start(ctx, "EmbedChunks")
	embedSpan.SetAttributes(attribute.Int("chunk_count", len(chunks)))
	embeddings, err := s.components.Embedder.EmbedStrings(ctx, chunks)
	embedSpan.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "向量嵌入失败")
		return newRunError(msg.RunUUID, "embed", ErrEmbedFailed, err.Error())
	}
	if len(embeddings) != len(chunks) {
		wrapped := newRunError(msg.RunUUID, "embed", ErrEmbedFailed,
			fmt.Sprintf("嵌入结果数量不匹配: 期望%d，实际%d", len(chunks), len(embeddings)))
		s.failRun(ctx, msg.RunUUID, wrapped)
		span.SetStatus(codes.Error, "嵌入结果数量不匹配")
		return wrapped
	}

	vectorIDs, err := s.components.Storage.Qdrant.StoreChunkVectors(ctx, msg.RunUUID, docChunks, embeddings)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "向量存储失败")
		return newRunError(msg.RunUUID, "store_vectors", ErrVectorStoreFailed, err.Error())
	}
	log.Debug().Int("vector_count", len(vectorIDs)).Msg("向量写入完成")

	return s.completeRun(ctx, msg.RunUUID, len(vectorIDs))
}

// effectiveChunkParams 解析分块参数。
// 验证阶段把实际使用的参数写进消息，成对生效；消息未携带时用配置默认值。
func (s *IndexingService) effectiveChunkParams(msg storage.IndexingTaskMessage) (int, int) {
	if msg.ChunkSize > 0 {
		return msg.ChunkSize, msg.ChunkOverlap
	}
	_, chunkSize, overlap := s.cfg.EngineSettings()
	return chunkSize, overlap
}

// completeRun 把运行推进到COMPLETED，并在同一事务写入完成事件的发件箱记录
func (s *IndexingService) completeRun(ctx context.Context, runUUID string, vectorCount int) error {
	span := trace.SpanFromContext(ctx)
	log := s.logger.With().Str("run_uuid", runUUID).Logger()

	run, err := s.components.Storage.MySQL.GetValidationRun(ctx, runUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn().Msg("运行记录不存在，可能已被删除，丢弃索引任务")
			return nil
		}
		span.RecordError(err)
		return newRunError(runUUID, "load_run", ErrPersistFailed, err.Error())
	}

	event := storage.RunCompletedEvent{
		RunUUID:            runUUID,
		Status:             models.RunStatusCompleted,
		Complete:           run.MissingCount == 0,
		AuthoritativeCount: run.AuthoritativeCount,
		ExtractedCount:     run.ExtractedCount,
		MatchedCount:       run.MatchedCount,
		FuzzyMatchedCount:  run.FuzzyMatchedCount,
		MissingCount:       run.MissingCount,
		ExtraCount:         run.ExtraCount,
		CompletedAt:        time.Now().Unix(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return newRunError(runUUID, "marshal_event", ErrPersistFailed, err.Error())
	}
	outboxMsg := &models.OutboxMessage{
		AggregateID:      runUUID,
		EventType:        "run.completed",
		Payload:          string(payload),
		TargetExchange:   s.cfg.RabbitMQ.EventsExchange,
		TargetRoutingKey: s.cfg.RabbitMQ.CompletedRoutingKey,
	}

	updates := map[string]interface{}{"status": models.RunStatusCompleted}
	if err := s.components.Storage.MySQL.FinalizeRunReport(ctx, runUUID, updates, nil, outboxMsg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "更新完成状态失败")
		return newRunError(runUUID, "persist", ErrPersistFailed, err.Error())
	}

	log.Info().
		Int("vector_count", vectorCount).
		Str("completed_at", time.Now().In(s.settings.TimeLocation).Format(time.RFC3339)).
		Msg("运行索引完成")
	span.SetAttributes(attribute.Int("vector_count", vectorCount))
	span.SetStatus(codes.Ok, "索引完成")
	return nil
}

// failRun 把运行标记为FAILED并记录错误描述
func (s *IndexingService) failRun(ctx context.Context, runUUID string, cause error) {
	if err := s.components.Storage.MySQL.MarkRunFailed(ctx, runUUID, cause.Error()); err != nil {
		s.logger.Error().Err(err).Str("run_uuid", runUUID).Msg("更新运行状态为FAILED失败")
	}
}
