package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"valigence/internal/config"
	"valigence/internal/constants"
	"valigence/internal/reconcile"
	"valigence/internal/storage"
	"valigence/internal/storage/models"
	"valigence/pkg/utils"
)

// 定义tracer
var tracer = otel.Tracer("valigence/processor")

// ValidationService 验证任务处理服务。
// 消费验证队列的任务消息，完成下载、双侧角色提取、对账、
// 结果持久化，并通过发件箱把索引任务交给下一阶段。
type ValidationService struct {
	components Components
	cfg        *config.Config
	settings   Settings
	logger     zerolog.Logger
}

// NewValidationService 创建验证任务处理服务
func NewValidationService(cfg *config.Config, components Components, opts ...SettingOpt) (*ValidationService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}

	settings := defaultSettings()
	for _, opt := range opts {
		opt(&settings)
	}

	svc := &ValidationService{
		components: components,
		cfg:        cfg,
		settings:   settings,
		logger:     settings.Logger.With().Str("component", "validation_service").Logger(),
	}
	if err := svc.checkComponents(); err != nil {
		return nil, err
	}
	return svc, nil
}

// checkComponents 检查必要组件是否就绪
func (s *ValidationService) checkComponents() error {
	if s.components.Storage == nil {
		return fmt.Errorf("存储组件未初始化")
	}
	if s.components.Storage.MySQL == nil {
		return fmt.Errorf("MySQL组件未初始化")
	}
	if s.components.Storage.MinIO == nil {
		return fmt.Errorf("MinIO组件未初始化")
	}
	if s.components.XMLParser == nil {
		return fmt.Errorf("XML角色解析器未初始化")
	}
	if s.components.DocExtractor == nil {
		return fmt.Errorf("PDF文本提取器未初始化")
	}
	if s.components.RoleExtractor == nil {
		return fmt.Errorf("LLM角色提取器未初始化")
	}
	return nil
}

// ProcessValidationTask 处理一条验证任务消息。
// 返回的错误可用 IsTransient 区分: 临时性故障由消费者重新入队，
// 永久性故障在这里把运行标记为FAILED后确认丢弃。
func (s *ValidationService) ProcessValidationTask(ctx context.Context, msg storage.ValidationTaskMessage) error {
	ctx, span := tracer.Start(ctx, "ProcessValidationTask",
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	span.SetAttributes(
		attribute.String("run_uuid", msg.RunUUID),
		attribute.String("xml_object_key", msg.XMLObjectKey),
		attribute.String("pdf_object_key", msg.PDFObjectKey),
	)

	log := s.logger.With().Str("run_uuid", msg.RunUUID).Logger()
	log.Debug().Msg("开始处理验证任务")

	if msg.RunUUID == "" {
		span.SetStatus(codes.Error, "消息缺少run_uuid")
		return fmt.Errorf("验证任务消息缺少run_uuid")
	}

	// 进入提取阶段。状态更新失败意味着数据库不可用，重新入队等待
	if err := s.components.Storage.MySQL.UpdateRunStatus(ctx, msg.RunUUID, models.RunStatusExtracting); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "更新运行状态失败")
		return newRunError(msg.RunUUID, "update_status", ErrPersistFailed, err.Error())
	}

	// 下载并解析两侧文档
	ctx, extractSpan := tracer.Start(ctx, "ExtractDocuments")
	xmlRoles, pdfText, err := s.extractDocuments(ctx, msg)
	extractSpan.End()
	if err != nil {
		s.failRun(ctx, msg.RunUUID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(
		attribute.Int("authoritative_roles", len(xmlRoles)),
		attribute.Int("pdf_text_length", len(pdfText)),
	)

	// 基于解析文本的MD5去重。Redis故障时跳过去重继续处理
	textMD5 := utils.CalculateMD5([]byte(pdfText))
	recordedMD5 := false
	if s.components.Storage.Redis != nil {
		exists, priorRunUUID, dedupErr := s.components.Storage.Redis.CheckAndRecordTextMD5(ctx, textMD5, msg.RunUUID)
		switch {
		case dedupErr != nil:
			log.Warn().Err(dedupErr).Msg("Redis去重检查失败，将继续处理，但文本去重可能失效")
		case exists && priorRunUUID == msg.RunUUID:
			// 同一运行的消息重投递，继续走完整流程
			recordedMD5 = true
		case exists:
			span.AddEvent("duplicate_text_detected", trace.WithAttributes(
				attribute.String("prior_run_uuid", priorRunUUID),
			))
			reused, reuseErr := s.reuseExistingReport(ctx, msg, textMD5, pdfText)
			if reuseErr != nil {
				s.failRun(ctx, msg.RunUUID, reuseErr)
				span.RecordError(reuseErr)
				span.SetStatus(codes.Error, reuseErr.Error())
				return reuseErr
			}
			if reused {
				log.Info().Str("prior_run_uuid", priorRunUUID).Msg("复用已完成运行的对账报告，跳过LLM提取")
				span.SetStatus(codes.Ok, "复用历史报告")
				return nil
			}
			// MD5有记录但没有对应的已完成运行，退回完整流程
			log.Debug().Str("prior_run_uuid", priorRunUUID).Msg("去重记录指向的运行不可复用，继续完整处理")
		default:
			recordedMD5 = true
		}
	}

	// 进入对账阶段
	if err := s.components.Storage.MySQL.UpdateRunStatus(ctx, msg.RunUUID, models.RunStatusComparing); err != nil {
		s.rollbackDedup(ctx, textMD5, recordedMD5)
		span.RecordError(err)
		span.SetStatus(codes.Error, "更新运行状态失败")
		return newRunError(msg.RunUUID, "update_status", ErrPersistFailed, err.Error())
	}

	// 解析文本上传到MinIO，作为运行产物和后续索引的数据源
	span.AddEvent("uploading_extracted_text")
	textObjectKey, err := s.components.Storage.MinIO.UploadExtractedText(ctx, msg.RunUUID, pdfText)
	if err != nil {
		wrapped := newRunError(msg.RunUUID, "store_text", ErrStoreTextFailed, err.Error())
		s.failRun(ctx, msg.RunUUID, wrapped)
		s.rollbackDedup(ctx, textMD5, recordedMD5)
		span.RecordError(err)
		span.SetStatus(codes.Error, "上传解析文本失败")
		return wrapped
	}

	// LLM角色提取。空文档没有可提取的角色，直接跳过LLM调用
	var pdfRoles []string
	if strings.TrimSpace(pdfText) == "" {
		log.Info().Msg("PDF未提取到文本内容，跳过LLM角色提取")
		span.AddEvent("empty_pdf_text")
	} else {
		ctx, llmSpan := tracer.Start(ctx, "ExtractRolesLLM")
		pdfRoles, err = s.components.RoleExtractor.ExtractRoles(ctx, pdfText)
		llmSpan.End()
		if err != nil {
			wrapped := newRunError(msg.RunUUID, "extract_roles", ErrRoleExtractFailed, err.Error())
			s.failRun(ctx, msg.RunUUID, wrapped)
			s.rollbackDedup(ctx, textMD5, recordedMD5)
			span.RecordError(err)
			span.SetStatus(codes.Error, "LLM角色提取失败")
			return wrapped
		}
	}
	span.SetAttributes(attribute.Int("extracted_roles", len(pdfRoles)))

	// 生成对账报告
	engineCfg := s.effectiveEngineConfig(msg)
	report, err := reconcile.CompareRoles(xmlRoles, pdfRoles, engineCfg)
	if err != nil {
		wrapped := newRunError(msg.RunUUID, "compare", err, "")
		s.failRun(ctx, msg.RunUUID, wrapped)
		s.rollbackDedup(ctx, textMD5, recordedMD5)
		span.RecordError(err)
		span.SetStatus(codes.Error, "角色对账失败")
		return wrapped
	}
	span.SetAttributes(
		attribute.Int("matched_count", len(report.Matched)),
		attribute.Int("fuzzy_matched_count", len(report.FuzzyMatched)),
		attribute.Int("missing_count", len(report.Missing)),
		attribute.Int("extra_count", len(report.Extra)),
		attribute.Bool("complete", report.Complete),
	)

	// 报告、匹配明细和下一阶段的索引任务在一个事务里落库
	ctx, persistSpan := tracer.Start(ctx, "PersistReport")
	err = s.persistReport(ctx, msg, report, textMD5, textObjectKey, engineCfg)
	persistSpan.End()
	if err != nil {
		s.failRun(ctx, msg.RunUUID, err)
		s.rollbackDedup(ctx, textMD5, recordedMD5)
		span.RecordError(err)
		span.SetStatus(codes.Error, "持久化对账结果失败")
		return err
	}

	log.Info().
		Int("matched", len(report.Matched)).
		Int("fuzzy_matched", len(report.FuzzyMatched)).
		Int("missing", len(report.Missing)).
		Int("extra", len(report.Extra)).
		Bool("complete", report.Complete).
		Msg("验证任务处理完成，等待索引")
	span.SetStatus(codes.Ok, "处理成功")
	return nil
}

// extractDocuments 下载XML与PDF并提取两侧内容
func (s *ValidationService) extractDocuments(ctx context.Context, msg storage.ValidationTaskMessage) ([]string, string, error) {
	span := trace.SpanFromContext(ctx)
	log := s.logger.With().Str("run_uuid", msg.RunUUID).Logger()

	xmlBytes, err := s.components.Storage.MinIO.GetSourceFile(ctx, msg.XMLObjectKey)
	if err != nil {
		return nil, "", newRunError(msg.RunUUID, "download_xml", ErrDownloadFailed, err.Error())
	}
	log.Debug().Int("size_bytes", len(xmlBytes)).Msg("XML文件下载完成")

	pdfBytes, err := s.components.Storage.MinIO.GetSourceFile(ctx, msg.PDFObjectKey)
	if err != nil {
		return nil, "", newRunError(msg.RunUUID, "download_pdf", ErrDownloadFailed, err.Error())
	}
	log.Debug().Int("size_bytes", len(pdfBytes)).Msg("PDF文件下载完成")
	span.SetAttributes(
		attribute.Int("xml_size_bytes", len(xmlBytes)),
		attribute.Int("pdf_size_bytes", len(pdfBytes)),
	)

	xmlRoles, err := s.components.XMLParser.ExtractRolesFromBytes(ctx, xmlBytes)
	if err != nil {
		return nil, "", newRunError(msg.RunUUID, "parse_xml", ErrXMLParseFailed, err.Error())
	}
	log.Debug().Int("roles", len(xmlRoles)).Msg("XML权威角色解析完成")

	pdfText, _, err := s.components.DocExtractor.ExtractFromBytes(ctx, pdfBytes, msg.PDFObjectKey)
	if err != nil {
		return nil, "", newRunError(msg.RunUUID, "extract_pdf", ErrPDFExtractFailed, err.Error())
	}
	log.Debug().Int("text_length", len(pdfText)).Msg("PDF文本提取完成")
	span.AddEvent("text_extraction_completed")

	return xmlRoles, pdfText, nil
}

// effectiveEngineConfig 合并消息级覆盖与全局引擎配置
func (s *ValidationService) effectiveEngineConfig(msg storage.ValidationTaskMessage) reconcile.Config {
	threshold, chunkSize, overlap := s.cfg.EngineSettings()
	if msg.FuzzyThreshold > 0 {
		threshold = msg.FuzzyThreshold
	}
	if msg.ChunkSize > 0 {
		chunkSize = msg.ChunkSize
	}
	if msg.ChunkOverlap > 0 {
		overlap = msg.ChunkOverlap
	}
	return reconcile.Config{
		Threshold: threshold,
		ChunkSize: chunkSize,
		Overlap:   overlap,
	}
}

// persistReport 在单个事务内写入报告、匹配明细和索引任务发件箱记录
func (s *ValidationService) persistReport(ctx context.Context, msg storage.ValidationTaskMessage, report *reconcile.Report, textMD5, textObjectKey string, engineCfg reconcile.Config) error {
	reportJSON, err := models.ToJSON(report)
	if err != nil {
		return newRunError(msg.RunUUID, "marshal_report", ErrPersistFailed, err.Error())
	}

	updates := map[string]interface{}{
		"status":              models.RunStatusIndexing,
		"authoritative_count": report.AuthoritativeTotal,
		"extracted_count":     report.ExtractedTotal,
		"matched_count":       len(report.Matched),
		"fuzzy_matched_count": len(report.FuzzyMatched),
		"missing_count":       len(report.Missing),
		"extra_count":         len(report.Extra),
		"report_json":         reportJSON,
		"text_md5":            textMD5,
		"text_object_key":     textObjectKey,
		"extractor_version":   s.extractorVersion(),
	}

	records := buildMatchRecords(msg.RunUUID, report)

	outboxMsg, err := s.buildIndexingOutbox(ctx, msg.RunUUID, textObjectKey, engineCfg)
	if err != nil {
		return newRunError(msg.RunUUID, "build_outbox", ErrPersistFailed, err.Error())
	}

	if err := s.components.Storage.MySQL.FinalizeRunReport(ctx, msg.RunUUID, updates, records, outboxMsg); err != nil {
		return newRunError(msg.RunUUID, "persist", ErrPersistFailed, err.Error())
	}
	return nil
}

// buildIndexingOutbox 构造携带索引任务的发件箱记录。
// 经由发件箱发布保证"报告落库"与"索引任务派发"要么都发生要么都不发生。
func (s *ValidationService) buildIndexingOutbox(ctx context.Context, runUUID, textObjectKey string, engineCfg reconcile.Config) (*models.OutboxMessage, error) {
	task := storage.IndexingTaskMessage{
		RunUUID:       runUUID,
		TextObjectKey: textObjectKey,
		ChunkSize:     engineCfg.ChunkSize,
		ChunkOverlap:  engineCfg.Overlap,
		TraceParent:   traceParentFromContext(ctx),
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}

	return &models.OutboxMessage{
		AggregateID:      runUUID,
		EventType:        "run.compared",
		Payload:          string(payload),
		TargetExchange:   s.cfg.RabbitMQ.TaskExchange,
		TargetRoutingKey: s.cfg.RabbitMQ.IndexingRoutingKey,
	}, nil
}

// reuseExistingReport 在文本去重命中时复用历史运行的报告。
// 返回 (true, nil) 表示已复用并完成持久化；历史运行不可用时返回 (false, nil)，
// 调用方退回完整处理流程。
func (s *ValidationService) reuseExistingReport(ctx context.Context, msg storage.ValidationTaskMessage, textMD5, pdfText string) (bool, error) {
	prior, err := s.components.Storage.MySQL.FindRunByTextMD5(ctx, textMD5)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, newRunError(msg.RunUUID, "find_prior_run", ErrPersistFailed, err.Error())
	}

	// 文本仍要为本次运行上传一份，索引阶段以运行为单位建立向量
	textObjectKey, err := s.components.Storage.MinIO.UploadExtractedText(ctx, msg.RunUUID, pdfText)
	if err != nil {
		return false, newRunError(msg.RunUUID, "store_text", ErrStoreTextFailed, err.Error())
	}

	priorRecords, err := s.components.Storage.MySQL.ListMatchRecords(ctx, prior.RunUUID)
	if err != nil {
		return false, newRunError(msg.RunUUID, "list_prior_records", ErrPersistFailed, err.Error())
	}
	records := make([]models.RoleMatchRecord, 0, len(priorRecords))
	for _, record := range priorRecords {
		record.RecordID = 0
		record.RunUUID = msg.RunUUID
		record.Run = nil
		records = append(records, record)
	}

	updates := map[string]interface{}{
		"status":              models.RunStatusIndexing,
		"authoritative_count": prior.AuthoritativeCount,
		"extracted_count":     prior.ExtractedCount,
		"matched_count":       prior.MatchedCount,
		"fuzzy_matched_count": prior.FuzzyMatchedCount,
		"missing_count":       prior.MissingCount,
		"extra_count":         prior.ExtraCount,
		"report_json":         prior.ReportJSON,
		"text_md5":            textMD5,
		"text_object_key":     textObjectKey,
		"extractor_version":   prior.ExtractorVersion,
	}

	outboxMsg, err := s.buildIndexingOutbox(ctx, msg.RunUUID, textObjectKey, s.effectiveEngineConfig(msg))
	if err != nil {
		return false, newRunError(msg.RunUUID, "build_outbox", ErrPersistFailed, err.Error())
	}

	if err := s.components.Storage.MySQL.FinalizeRunReport(ctx, msg.RunUUID, updates, records, outboxMsg); err != nil {
		return false, newRunError(msg.RunUUID, "persist", ErrPersistFailed, err.Error())
	}
	return true, nil
}

// failRun 把运行标记为FAILED并记录错误描述
func (s *ValidationService) failRun(ctx context.Context, runUUID string, cause error) {
	if err := s.components.Storage.MySQL.MarkRunFailed(ctx, runUUID, cause.Error()); err != nil {
		s.logger.Error().Err(err).Str("run_uuid", runUUID).Msg("更新运行状态为FAILED失败")
	}
}

// rollbackDedup 运行失败时撤销本次写入的去重记录，
// 否则相同文本的重新上传会被误判为重复
func (s *ValidationService) rollbackDedup(ctx context.Context, textMD5 string, recorded bool) {
	if !recorded || s.components.Storage.Redis == nil {
		return
	}
	if err := s.components.Storage.Redis.RemoveTextMD5(ctx, textMD5); err != nil {
		s.logger.Warn().Err(err).Str("text_md5", textMD5).Msg("撤销去重记录失败")
	}
}

// extractorVersion 返回截断到数据库字段长度的解析器版本号
func (s *ValidationService) extractorVersion() string {
	version := s.cfg.ActiveExtractorVersion
	if version == "" {
		version = constants.DefaultExtractorVer
	}
	if len(version) > 50 {
		version = version[:50]
	}
	return version
}

// buildMatchRecords 把对账报告展开为逐条匹配明细
func buildMatchRecords(runUUID string, report *reconcile.Report) []models.RoleMatchRecord {
	records := make([]models.RoleMatchRecord, 0,
		len(report.Matched)+len(report.FuzzyMatched)+len(report.Missing)+len(report.Extra))

	for _, role := range report.Matched {
		normalized := reconcile.Normalize(reconcile.Text(role))
		records = append(records, models.RoleMatchRecord{
			RunUUID:                 runUUID,
			Kind:                    models.MatchKindExact,
			AuthoritativeRole:       role,
			ExtractedRole:           role,
			NormalizedAuthoritative: normalized,
			NormalizedExtracted:     normalized,
			Score:                   100,
		})
	}
	for _, pair := range report.FuzzyMatched {
		records = append(records, models.RoleMatchRecord{
			RunUUID:                 runUUID,
			Kind:                    models.MatchKindFuzzy,
			AuthoritativeRole:       pair.Authoritative,
			ExtractedRole:           pair.Extracted,
			NormalizedAuthoritative: reconcile.Normalize(reconcile.Text(pair.Authoritative)),
			NormalizedExtracted:     reconcile.Normalize(reconcile.Text(pair.Extracted)),
			Score:                   pair.Score,
			Partial:                 pair.Partial,
		})
	}
	for _, role := range report.Missing {
		records = append(records, models.RoleMatchRecord{
			RunUUID:                 runUUID,
			Kind:                    models.MatchKindMissing,
			AuthoritativeRole:       role,
			NormalizedAuthoritative: reconcile.Normalize(reconcile.Text(role)),
		})
	}
	for _, role := range report.Extra {
		records = append(records, models.RoleMatchRecord{
			RunUUID:             runUUID,
			Kind:                models.MatchKindExtra,
			ExtractedRole:       role,
			NormalizedExtracted: reconcile.Normalize(reconcile.Text(role)),
		})
	}
	return records
}

// traceParentFromContext 序列化当前trace上下文，用于跨消息队列传递
func traceParentFromContext(ctx context.Context) string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier.Get("traceparent")
}

// contextWithTraceParent 从消息携带的traceparent恢复trace上下文
func contextWithTraceParent(ctx context.Context, traceParent string) context.Context {
	if traceParent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": traceParent}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
