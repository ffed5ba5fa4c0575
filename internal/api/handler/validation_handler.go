package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"valigence/internal/config"
	"valigence/internal/logger"
	"valigence/internal/processor"
	"valigence/internal/reconcile"
	"valigence/internal/storage"
	"valigence/internal/storage/models"
	"valigence/internal/types"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 请求层错误，路由层据此映射HTTP状态码
var (
	ErrUnsupportedFile  = errors.New("不支持的文件类型")
	ErrInvalidParameter = errors.New("无效的请求参数")
	ErrRunNotFound      = errors.New("校验运行不存在")
)

// ValidationHandler 校验流程处理器，负责协调上传、报告查询、删除与后台消费
type ValidationHandler struct {
	cfg           *config.Config
	storage       *storage.Storage
	validationSvc *processor.ValidationService
	indexingSvc   *processor.IndexingService
}

// NewValidationHandler 创建校验处理器
func NewValidationHandler(
	cfg *config.Config,
	storage *storage.Storage,
	validationSvc *processor.ValidationService,
	indexingSvc *processor.IndexingService,
) *ValidationHandler {
	return &ValidationHandler{
		cfg:           cfg,
		storage:       storage,
		validationSvc: validationSvc,
		indexingSvc:   indexingSvc,
	}
}

// HandleValidationSubmit 处理一次校验提交。
// 两份文件先落MinIO，再建运行记录，最后投递异步校验任务。
func (h *ValidationHandler) HandleValidationSubmit(ctx context.Context,
	xmlReader io.Reader, xmlSize int64, xmlName string,
	pdfReader io.Reader, pdfSize int64, pdfName string,
	fuzzyThreshold, chunkSize, chunkOverlap int) (*types.SubmitValidationResponse, error) {

	if ext := strings.ToLower(filepath.Ext(xmlName)); ext != ".xml" {
		return nil, fmt.Errorf("%w: xml_file 只接受 .xml 文件，收到 %q", ErrUnsupportedFile, xmlName)
	}
	if ext := strings.ToLower(filepath.Ext(pdfName)); ext != ".pdf" {
		return nil, fmt.Errorf("%w: pdf_file 只接受 .pdf 文件，收到 %q", ErrUnsupportedFile, pdfName)
	}

	threshold, size, overlap, err := h.resolveEngineParams(fuzzyThreshold, chunkSize, chunkOverlap)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("生成运行UUID失败: %w", err)
	}
	runUUID := id.String()

	xmlKey, _, err := h.storage.MinIO.UploadSourceFile(ctx, runUUID, ".xml", xmlReader, xmlSize)
	if err != nil {
		return nil, fmt.Errorf("上传XML文件失败: %w", err)
	}
	pdfKey, _, err := h.storage.MinIO.UploadSourceFile(ctx, runUUID, ".pdf", pdfReader, pdfSize)
	if err != nil {
		return nil, fmt.Errorf("上传PDF文件失败: %w", err)
	}

	run := &models.ValidationRun{
		RunUUID:         runUUID,
		XMLObjectKey:    xmlKey,
		PDFObjectKey:    pdfKey,
		OriginalXMLName: xmlName,
		OriginalPDFName: pdfName,
		Status:          models.RunStatusPendingExtraction,
		FuzzyThreshold:  threshold,
		ChunkSize:       size,
		ChunkOverlap:    overlap,
	}
	if err := h.storage.MySQL.CreateValidationRun(ctx, run); err != nil {
		return nil, fmt.Errorf("创建运行记录失败: %w", err)
	}

	task := storage.ValidationTaskMessage{
		RunUUID:         runUUID,
		SubmitTimestamp: time.Now(),
		XMLObjectKey:    xmlKey,
		PDFObjectKey:    pdfKey,
		OriginalXMLName: xmlName,
		OriginalPDFName: pdfName,
		FuzzyThreshold:  threshold,
		ChunkSize:       size,
		ChunkOverlap:    overlap,
	}
	if err := h.storage.RabbitMQ.PublishJSON(ctx, h.cfg.RabbitMQ.TaskExchange, h.cfg.RabbitMQ.ValidationRoutingKey, task, true); err != nil {
		// 投递失败的运行立即置为FAILED，避免停留在PENDING状态无人认领
		if mErr := h.storage.MySQL.MarkRunFailed(ctx, runUUID, "校验任务投递失败: "+err.Error()); mErr != nil {
			logger.Error().Err(mErr).Str("run_uuid", runUUID).Msg("标记运行失败状态时出错")
		}
		return nil, fmt.Errorf("发布校验任务失败: %w", err)
	}

	logger.Info().
		Str("run_uuid", runUUID).
		Str("xml_file", xmlName).
		Str("pdf_file", pdfName).
		Int("fuzzy_threshold", threshold).
		Int("chunk_size", size).
		Msg("校验任务已提交")

	return &types.SubmitValidationResponse{
		RunUUID: runUUID,
		Status:  models.RunStatusPendingExtraction,
	}, nil
}

// resolveEngineParams 合并请求覆盖值与配置默认值，返回本次运行的生效参数。
// 分块参数成对生效:显式给出chunk_size时重叠按请求值(含0)使用，否则两者都退回配置默认。
func (h *ValidationHandler) resolveEngineParams(fuzzyThreshold, chunkSize, chunkOverlap int) (int, int, int, error) {
	defThreshold, defSize, defOverlap := h.cfg.EngineSettings()

	threshold := fuzzyThreshold
	if threshold == 0 {
		threshold = defThreshold
	}
	if threshold < 0 || threshold > 100 {
		return 0, 0, 0, fmt.Errorf("%w: fuzzy_threshold 必须在0到100之间，收到 %d", ErrInvalidParameter, fuzzyThreshold)
	}

	size, overlap := chunkSize, chunkOverlap
	if size == 0 {
		size, overlap = defSize, defOverlap
	}
	if size <= 0 || overlap < 0 || overlap >= size {
		return 0, 0, 0, fmt.Errorf("%w: 需要 chunk_size > chunk_overlap >= 0，收到 chunk_size=%d chunk_overlap=%d", ErrInvalidParameter, chunkSize, chunkOverlap)
	}

	return threshold, size, overlap, nil
}

// HandleGetReport 查询校验报告，优先命中Redis缓存。
// 只有终态(COMPLETED/FAILED)的响应会写入缓存，进行中的状态每次直读MySQL。
func (h *ValidationHandler) HandleGetReport(ctx context.Context, runUUID string) (*types.ValidationReportResponse, error) {
	runUUID = strings.TrimSpace(runUUID)
	if runUUID == "" {
		return nil, fmt.Errorf("%w: run_uuid 不能为空", ErrInvalidParameter)
	}

	if h.storage.Redis != nil {
		cached, err := h.storage.Redis.GetCachedRunReport(ctx, runUUID)
		switch {
		case err == nil && cached != "":
			var resp types.ValidationReportResponse
			if jErr := json.Unmarshal([]byte(cached), &resp); jErr == nil {
				return &resp, nil
			}
			logger.Warn().Str("run_uuid", runUUID).Msg("报告缓存内容损坏，回源MySQL")
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			logger.Warn().Err(err).Str("run_uuid", runUUID).Msg("读取报告缓存失败，回源MySQL")
		}
	}

	run, err := h.storage.MySQL.GetValidationRun(ctx, runUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runUUID)
		}
		return nil, fmt.Errorf("查询运行记录失败: %w", err)
	}

	resp := &types.ValidationReportResponse{
		RunUUID:      run.RunUUID,
		Status:       run.Status,
		ErrorMessage: run.ErrorMessage,
		CreatedAt:    run.CreatedAt.Unix(),
		UpdatedAt:    run.UpdatedAt.Unix(),
	}
	if len(run.ReportJSON) > 0 {
		var report reconcile.Report
		if jErr := json.Unmarshal(run.ReportJSON, &report); jErr != nil {
			logger.Warn().Err(jErr).Str("run_uuid", runUUID).Msg("解析报告JSON失败")
		} else {
			resp.Report = &report
		}
	}

	if h.storage.Redis != nil && (run.Status == models.RunStatusCompleted || run.Status == models.RunStatusFailed) {
		if data, jErr := json.Marshal(resp); jErr == nil {
			if cErr := h.storage.Redis.CacheRunReport(ctx, runUUID, string(data)); cErr != nil {
				logger.Warn().Err(cErr).Str("run_uuid", runUUID).Msg("写入报告缓存失败")
			}
		}
	}

	return resp, nil
}

// HandleDeleteDocument 删除一次运行的向量索引与匹配明细。
// 运行主记录保留用于审计，文本MD5映射一并清除，同文档重新上传可重走完整流程。
func (h *ValidationHandler) HandleDeleteDocument(ctx context.Context, runUUID string) (*types.DeleteDocumentResponse, error) {
	runUUID = strings.TrimSpace(runUUID)
	if runUUID == "" {
		return nil, fmt.Errorf("%w: run_uuid 不能为空", ErrInvalidParameter)
	}

	run, err := h.storage.MySQL.GetValidationRun(ctx, runUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runUUID)
		}
		return nil, fmt.Errorf("查询运行记录失败: %w", err)
	}

	deletedPoints := false
	if h.storage.Qdrant != nil {
		if err := h.storage.Qdrant.DeletePointsByRunUUID(ctx, runUUID); err != nil {
			return nil, fmt.Errorf("删除向量点失败: %w", err)
		}
		deletedPoints = true
	}

	if err := h.storage.MySQL.DeleteRunData(ctx, runUUID); err != nil {
		return nil, fmt.Errorf("删除匹配明细失败: %w", err)
	}

	if h.storage.Redis != nil {
		if err := h.storage.Redis.InvalidateRunReport(ctx, runUUID); err != nil {
			logger.Warn().Err(err).Str("run_uuid", runUUID).Msg("清除报告缓存失败")
		}
		if run.TextMD5 != "" {
			if err := h.storage.Redis.RemoveTextMD5(ctx, run.TextMD5); err != nil {
				logger.Warn().Err(err).Str("run_uuid", runUUID).Msg("清除文本MD5映射失败")
			}
		}
	}

	logger.Info().
		Str("run_uuid", runUUID).
		Bool("deleted_points", deletedPoints).
		Msg("文档索引已删除")

	return &types.DeleteDocumentResponse{
		RunUUID:       runUUID,
		DeletedPoints: deletedPoints,
		Message:       "向量索引与匹配明细已删除，运行主记录保留",
	}, nil
}

// ComponentStatus 返回各存储组件的装配情况，供健康检查使用
func (h *ValidationHandler) ComponentStatus() map[string]bool {
	return map[string]bool{
		"mysql":    h.storage.MySQL != nil,
		"redis":    h.storage.Redis != nil,
		"minio":    h.storage.MinIO != nil,
		"qdrant":   h.storage.Qdrant != nil,
		"rabbitmq": h.storage.RabbitMQ != nil,
	}
}

// StartValidationConsumer 启动校验任务消费者。
// 瞬时失败(下载、写库等)拒绝消息触发重投，永久失败由服务内部标记FAILED后确认消息。
func (h *ValidationHandler) StartValidationConsumer(ctx context.Context, prefetchCount int) error {
	if err := h.storage.RabbitMQ.SetupTopology(); err != nil {
		return fmt.Errorf("声明消息拓扑失败: %w", err)
	}

	logger.Info().
		Str("queue", h.cfg.RabbitMQ.ValidationQueue).
		Int("prefetch", prefetchCount).
		Msg("校验任务消费者就绪")

	_, err := h.storage.RabbitMQ.StartConsumer(h.cfg.RabbitMQ.ValidationQueue, prefetchCount, func(data []byte) bool {
		var msg storage.ValidationTaskMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// 格式错误的消息重投也无法恢复，确认后丢弃
			logger.Error().Err(err).Msg("解析校验任务消息失败，丢弃该消息")
			return true
		}

		if err := h.validationSvc.ProcessValidationTask(ctx, msg); err != nil {
			if processor.IsTransient(err) {
				logger.Warn().Err(err).Str("run_uuid", msg.RunUUID).Msg("校验任务处理失败，重新入队")
				return false
			}
			logger.Error().Err(err).Str("run_uuid", msg.RunUUID).Msg("校验任务处理失败，不再重试")
			return true
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("启动校验消费者失败: %w", err)
	}

	return nil
}

// StartIndexingConsumer 启动索引任务消费者，失败处理策略与校验消费者一致
func (h *ValidationHandler) StartIndexingConsumer(ctx context.Context, prefetchCount int) error {
	if err := h.storage.RabbitMQ.SetupTopology(); err != nil {
		return fmt.Errorf("声明消息拓扑失败: %w", err)
	}

	logger.Info().
		Str("queue", h.cfg.RabbitMQ.IndexingQueue).
		Int("prefetch", prefetchCount).
		Msg("索引任务消费者就绪")

	_, err := h.storage.RabbitMQ.StartConsumer(h.cfg.RabbitMQ.IndexingQueue, prefetchCount, func(data []byte) bool {
		var msg storage.IndexingTaskMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Error().Err(err).Msg("解析索引任务消息失败，丢弃该消息")
			return true
		}

		if err := h.indexingSvc.ProcessIndexingTask(ctx, msg); err != nil {
			if processor.IsTransient(err) {
				logger.Warn().Err(err).Str("run_uuid", msg.RunUUID).Msg("索引任务处理失败，重新入队")
				return false
			}
			logger.Error().Err(err).Str("run_uuid", msg.RunUUID).Msg("索引任务处理失败，不再重试")
			return true
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("启动索引消费者失败: %w", err)
	}

	return nil
}
