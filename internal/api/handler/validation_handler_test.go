package handler

import (
	"bytes"
	"context"
	"testing"
	"time"

	"valigence/internal/config"
	"valigence/internal/storage"
	"valigence/internal/storage/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestHandlerConfig 构造单元测试用的最小配置
func newTestHandlerConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Engine.FuzzyThreshold = 80
	cfg.Engine.ChunkSize = 1000
	cfg.Engine.ChunkOverlap = 100
	cfg.RabbitMQ.TaskExchange = "validation.tasks"
	cfg.RabbitMQ.ValidationRoutingKey = "task.validation"
	return cfg
}

func TestResolveEngineParams(t *testing.T) {
	h := &ValidationHandler{cfg: newTestHandlerConfig()}

	tests := []struct {
		name          string
		threshold     int
		chunkSize     int
		chunkOverlap  int
		wantThreshold int
		wantSize      int
		wantOverlap   int
		wantErr       bool
	}{
		{name: "全部缺省走配置默认", wantThreshold: 80, wantSize: 1000, wantOverlap: 100},
		{name: "显式阈值覆盖默认", threshold: 90, wantThreshold: 90, wantSize: 1000, wantOverlap: 100},
		{name: "阈值超过100拒绝", threshold: 150, wantErr: true},
		{name: "阈值为负拒绝", threshold: -1, wantErr: true},
		{name: "只给chunk_size时重叠取请求值0", chunkSize: 300, wantThreshold: 80, wantSize: 300, wantOverlap: 0},
		{name: "分块参数成对覆盖", chunkSize: 300, chunkOverlap: 50, wantThreshold: 80, wantSize: 300, wantOverlap: 50},
		{name: "重叠不小于分块大小拒绝", chunkSize: 100, chunkOverlap: 100, wantErr: true},
		{name: "chunk_size为负拒绝", chunkSize: -10, wantErr: true},
		{name: "缺省chunk_size时忽略游离的重叠值", chunkOverlap: 50, wantThreshold: 80, wantSize: 1000, wantOverlap: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			threshold, size, overlap, err := h.resolveEngineParams(tt.threshold, tt.chunkSize, tt.chunkOverlap)
			if tt.wantErr {
				require.Error(t, err, "应拒绝非法参数")
				assert.ErrorIs(t, err, ErrInvalidParameter, "应返回参数错误")
				return
			}
			require.NoError(t, err, "合法参数不应报错")
			assert.Equal(t, tt.wantThreshold, threshold, "阈值不符")
			assert.Equal(t, tt.wantSize, size, "分块大小不符")
			assert.Equal(t, tt.wantOverlap, overlap, "重叠不符")
		})
	}
}

func TestHandleValidationSubmit_RejectsBadExtension(t *testing.T) {
	h := &ValidationHandler{cfg: newTestHandlerConfig()}
	ctx := context.Background()

	_, err := h.HandleValidationSubmit(ctx,
		bytes.NewReader(nil), 0, "roles.txt",
		bytes.NewReader(nil), 0, "doc.pdf",
		0, 0, 0)
	require.Error(t, err, "非.xml的xml_file应被拒绝")
	assert.ErrorIs(t, err, ErrUnsupportedFile, "应返回文件类型错误")

	_, err = h.HandleValidationSubmit(ctx,
		bytes.NewReader(nil), 0, "roles.xml",
		bytes.NewReader(nil), 0, "doc.docx",
		0, 0, 0)
	require.Error(t, err, "非.pdf的pdf_file应被拒绝")
	assert.ErrorIs(t, err, ErrUnsupportedFile, "应返回文件类型错误")
}

func TestHandleValidationSubmit_RejectsBadParams(t *testing.T) {
	h := &ValidationHandler{cfg: newTestHandlerConfig()}

	_, err := h.HandleValidationSubmit(context.Background(),
		bytes.NewReader(nil), 0, "roles.xml",
		bytes.NewReader(nil), 0, "doc.pdf",
		150, 0, 0)
	require.Error(t, err, "非法阈值应被拒绝")
	assert.ErrorIs(t, err, ErrInvalidParameter, "应返回参数错误")
}

func TestHandleGetReport_RequiresRunUUID(t *testing.T) {
	h := &ValidationHandler{cfg: newTestHandlerConfig(), storage: &storage.Storage{}}

	_, err := h.HandleGetReport(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidParameter, "空run_uuid应返回参数错误")

	_, err = h.HandleGetReport(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrInvalidParameter, "空白run_uuid应返回参数错误")
}

func TestHandleDeleteDocument_RequiresRunUUID(t *testing.T) {
	h := &ValidationHandler{cfg: newTestHandlerConfig(), storage: &storage.Storage{}}

	_, err := h.HandleDeleteDocument(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidParameter, "空run_uuid应返回参数错误")
}

func TestComponentStatus(t *testing.T) {
	h := &ValidationHandler{cfg: newTestHandlerConfig(), storage: &storage.Storage{}}
	status := h.ComponentStatus()
	assert.False(t, status["mysql"], "未装配的MySQL应报告false")
	assert.False(t, status["rabbitmq"], "未装配的RabbitMQ应报告false")

	h.storage = &storage.Storage{MySQL: &storage.MySQL{}, MinIO: &storage.MinIO{}}
	status = h.ComponentStatus()
	assert.True(t, status["mysql"], "已装配的MySQL应报告true")
	assert.True(t, status["minio"], "已装配的MinIO应报告true")
	assert.False(t, status["qdrant"], "未装配的Qdrant应报告false")
}

// TestValidationHandlerLifecycle_Integration 验证提交、查询报告、删除索引的完整流程。
// 依赖本地MySQL/Redis/MinIO/RabbitMQ，使用 -short 标志跳过。
func TestValidationHandlerLifecycle_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("使用 -short 标志跳过集成测试")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := config.LoadConfig("../../config/config.yaml")
	require.NoError(t, err, "加载配置文件失败")
	cfg.Logger.Level = "error"

	storageManager, err := storage.NewStorage(ctx, cfg)
	require.NoError(t, err, "创建存储管理器失败")
	defer storageManager.Close()

	if storageManager.MySQL == nil || storageManager.MinIO == nil || storageManager.RabbitMQ == nil {
		t.Skip("MySQL/MinIO/RabbitMQ不可用，跳过集成测试")
	}

	h := NewValidationHandler(cfg, storageManager, nil, nil)

	// 提交一对文档，带显式引擎参数
	xmlBytes := []byte(`<roles><role>Senior Engineer</role><role>Architect</role></roles>`)
	pdfBytes := []byte("%PDF-1.4 fake content")
	resp, err := h.HandleValidationSubmit(ctx,
		bytes.NewReader(xmlBytes), int64(len(xmlBytes)), "authoritative.xml",
		bytes.NewReader(pdfBytes), int64(len(pdfBytes)), "design-doc.pdf",
		85, 200, 20)
	require.NoError(t, err, "提交校验任务失败")
	require.NotEmpty(t, resp.RunUUID, "响应应包含运行UUID")
	assert.Equal(t, models.RunStatusPendingExtraction, resp.Status, "新运行状态应为PENDING_EXTRACTION")

	// 运行记录应带引擎参数快照与原始文件名
	run, err := storageManager.MySQL.GetValidationRun(ctx, resp.RunUUID)
	require.NoError(t, err, "查询运行记录失败")
	assert.Equal(t, 85, run.FuzzyThreshold, "阈值快照不符")
	assert.Equal(t, 200, run.ChunkSize, "分块大小快照不符")
	assert.Equal(t, 20, run.ChunkOverlap, "重叠快照不符")
	assert.Equal(t, "authoritative.xml", run.OriginalXMLName, "XML原始文件名不符")
	assert.Equal(t, "design-doc.pdf", run.OriginalPDFName, "PDF原始文件名不符")
	assert.NotEmpty(t, run.XMLObjectKey, "XML对象键应已写入")
	assert.NotEmpty(t, run.PDFObjectKey, "PDF对象键应已写入")

	// 报告查询，此时应为进行中状态且无报告体
	report, err := h.HandleGetReport(ctx, resp.RunUUID)
	require.NoError(t, err, "查询报告失败")
	assert.Equal(t, resp.RunUUID, report.RunUUID, "报告run_uuid不符")
	assert.Nil(t, report.Report, "未完成的运行不应有报告体")
	assert.Greater(t, report.CreatedAt, int64(0), "创建时间应已填充")

	// 删除文档索引
	deleted, err := h.HandleDeleteDocument(ctx, resp.RunUUID)
	require.NoError(t, err, "删除文档索引失败")
	assert.Equal(t, resp.RunUUID, deleted.RunUUID, "删除响应run_uuid不符")

	// 主记录保留，再次查询报告仍应成功
	_, err = h.HandleGetReport(ctx, resp.RunUUID)
	assert.NoError(t, err, "删除明细后主记录应仍可查询")

	// 不存在的运行应返回404语义
	_, err = h.HandleGetReport(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrRunNotFound, "不存在的运行应返回ErrRunNotFound")
}
