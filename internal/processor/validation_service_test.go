package processor

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valigence/internal/config"
	"valigence/internal/reconcile"
	"valigence/internal/storage"
	"valigence/internal/storage/models"
	"valigence/pkg/utils"
)

// MockRoleSource 模拟XML权威角色解析器
type MockRoleSource struct {
	roles []string
	err   error
}

func (m *MockRoleSource) ExtractRolesFromBytes(ctx context.Context, data []byte) ([]string, error) {
	return m.roles, m.err
}

// MockDocExtractor 模拟PDF文本提取器
type MockDocExtractor struct {
	text     string
	metadata map[string]interface{}
	err      error
}

func (m *MockDocExtractor) ExtractFromFile(ctx context.Context, filePath string) (string, map[string]interface{}, error) {
	return m.text, m.metadata, m.err
}

func (m *MockDocExtractor) ExtractFromBytes(ctx context.Context, data []byte, uri string) (string, map[string]interface{}, error) {
	return m.text, m.metadata, m.err
}

// MockRoleExtractor 模拟LLM角色提取器，记录收到的文本便于断言
type MockRoleExtractor struct {
	roles   []string
	err     error
	gotText string
	called  bool
}

func (m *MockRoleExtractor) ExtractRoles(ctx context.Context, text string) ([]string, error) {
	m.called = true
	m.gotText = text
	return m.roles, m.err
}

// newTestEngineConfig 构造单元测试用的最小配置
func newTestEngineConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Engine.FuzzyThreshold = 80
	cfg.Engine.ChunkSize = 1000
	cfg.Engine.ChunkOverlap = 100
	cfg.RAG.TopK = 20
	cfg.RabbitMQ.TaskExchange = "validation.tasks"
	cfg.RabbitMQ.IndexingRoutingKey = "indexing.task"
	cfg.RabbitMQ.EventsExchange = "validation.events"
	cfg.RabbitMQ.CompletedRoutingKey = "run.completed"
	return cfg
}

func TestNewValidationService_RequiresConfig(t *testing.T) {
	_, err := NewValidationService(nil, Components{})
	assert.Error(t, err, "缺少配置时应返回错误")
}

func TestNewValidationService_ChecksComponents(t *testing.T) {
	cfg := newTestEngineConfig()

	// 完全缺组件
	_, err := NewValidationService(cfg, Components{})
	assert.Error(t, err, "缺少存储组件时应返回错误")

	// 有存储但缺解析器
	comp := Components{Storage: &storage.Storage{MySQL: &storage.MySQL{}, MinIO: &storage.MinIO{}}}
	_, err = NewValidationService(cfg, comp)
	assert.Error(t, err, "缺少XML解析器时应返回错误")

	comp.XMLParser = &MockRoleSource{}
	_, err = NewValidationService(cfg, comp)
	assert.Error(t, err, "缺少PDF提取器时应返回错误")

	comp.DocExtractor = &MockDocExtractor{}
	_, err = NewValidationService(cfg, comp)
	assert.Error(t, err, "缺少LLM角色提取器时应返回错误")

	comp.RoleExtractor = &MockRoleExtractor{}
	svc, err := NewValidationService(cfg, comp, WithServiceLogger(zerolog.Nop()))
	require.NoError(t, err, "组件齐全时不应返回错误")
	assert.NotNil(t, svc)
}

func TestEffectiveEngineConfig(t *testing.T) {
	svc := &ValidationService{cfg: newTestEngineConfig(), settings: defaultSettings()}

	// 消息未携带参数时使用配置默认值
	engineCfg := svc.effectiveEngineConfig(storage.ValidationTaskMessage{})
	assert.Equal(t, 80, engineCfg.Threshold)
	assert.Equal(t, 1000, engineCfg.ChunkSize)
	assert.Equal(t, 100, engineCfg.Overlap)

	// 消息级参数覆盖默认值
	engineCfg = svc.effectiveEngineConfig(storage.ValidationTaskMessage{
		FuzzyThreshold: 90,
		ChunkSize:      400,
		ChunkOverlap:   40,
	})
	assert.Equal(t, 90, engineCfg.Threshold)
	assert.Equal(t, 400, engineCfg.ChunkSize)
	assert.Equal(t, 40, engineCfg.Overlap)
}

func TestBuildMatchRecords(t *testing.T) {
	report := &reconcile.Report{
		Matched: []string{"Product Manager"},
		FuzzyMatched: []reconcile.FuzzyPair{
			{Authoritative: "Tester", Extracted: "Testar", Score: 83},
			{Authoritative: "Data Analyst", Extracted: "Senior Data Analyst", Score: 88, Partial: true},
		},
		Missing:            []string{"Architect"},
		Extra:              []string{"Intern"},
		AuthoritativeTotal: 4,
		ExtractedTotal:     4,
	}

	records := buildMatchRecords("run-1", report)
	require.Len(t, records, 5, "应为每个角色条目生成一条明细")

	// 精确匹配: 两侧均为权威侧原始形式，分值100
	exact := records[0]
	assert.Equal(t, "run-1", exact.RunUUID)
	assert.Equal(t, models.MatchKindExact, exact.Kind)
	assert.Equal(t, "Product Manager", exact.AuthoritativeRole)
	assert.Equal(t, "product manager", exact.NormalizedAuthoritative)
	assert.Equal(t, 100, exact.Score)

	// 模糊匹配保留命中时的分值和模式
	fuzzy := records[1]
	assert.Equal(t, models.MatchKindFuzzy, fuzzy.Kind)
	assert.Equal(t, "Tester", fuzzy.AuthoritativeRole)
	assert.Equal(t, "Testar", fuzzy.ExtractedRole)
	assert.Equal(t, 83, fuzzy.Score)
	assert.False(t, fuzzy.Partial)

	partial := records[2]
	assert.Equal(t, models.MatchKindFuzzy, partial.Kind)
	assert.True(t, partial.Partial, "部分包含命中应标记Partial")

	// missing只有权威侧，extra只有提取侧
	missing := records[3]
	assert.Equal(t, models.MatchKindMissing, missing.Kind)
	assert.Equal(t, "Architect", missing.AuthoritativeRole)
	assert.Empty(t, missing.ExtractedRole)
	assert.Equal(t, 0, missing.Score)

	extra := records[4]
	assert.Equal(t, models.MatchKindExtra, extra.Kind)
	assert.Equal(t, "Intern", extra.ExtractedRole)
	assert.Empty(t, extra.AuthoritativeRole)
}

func TestProcessValidationTask_RejectsEmptyRunUUID(t *testing.T) {
	svc := &ValidationService{
		cfg:      newTestEngineConfig(),
		settings: defaultSettings(),
		logger:   zerolog.Nop(),
	}
	err := svc.ProcessValidationTask(context.Background(), storage.ValidationTaskMessage{})
	assert.Error(t, err, "缺少run_uuid的消息应被拒绝")
}

// TestProcessValidationTask_Integration 验证完整的提取对账流程。
// 依赖本地MySQL/Redis/MinIO，使用 -short 标志跳过。
func TestProcessValidationTask_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("使用 -short 标志跳过集成测试")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := config.LoadConfig("../../internal/config/config.yaml")
	require.NoError(t, err, "加载配置文件失败")
	cfg.Logger.Level = "error"

	storageManager, err := storage.NewStorage(ctx, cfg)
	require.NoError(t, err, "创建存储管理器失败")
	defer storageManager.Close()

	runUUID := uuid.Must(uuid.NewV4()).String()
	pdfText := "Team members include a Senior Engineer and a QA Testar working on delivery."

	// 上传两侧源文件
	xmlBytes := []byte(`<roles><role>Senior Engineer</role></roles>`)
	xmlKey, _, err := storageManager.MinIO.UploadSourceFile(ctx, runUUID, ".xml", bytes.NewReader(xmlBytes), int64(len(xmlBytes)))
	require.NoError(t, err, "上传XML失败")
	pdfBytes := []byte("%PDF-1.4 fake")
	pdfKey, _, err := storageManager.MinIO.UploadSourceFile(ctx, runUUID, ".pdf", bytes.NewReader(pdfBytes), int64(len(pdfBytes)))
	require.NoError(t, err, "上传PDF失败")

	require.NoError(t, storageManager.MySQL.CreateValidationRun(ctx, &models.ValidationRun{
		RunUUID:      runUUID,
		XMLObjectKey: xmlKey,
		PDFObjectKey: pdfKey,
		Status:       models.RunStatusPendingExtraction,
	}), "创建运行记录失败")

	// 两侧解析结果用mock固定，存储走真实组件
	components := Components{
		Storage:       storageManager,
		XMLParser:     &MockRoleSource{roles: []string{"Senior Engineer", "Product Manager", "QA Tester"}},
		DocExtractor:  &MockDocExtractor{text: pdfText},
		RoleExtractor: &MockRoleExtractor{roles: []string{"senior engineer", "QA Testar"}},
	}
	svc, err := NewValidationService(cfg, components, WithServiceLogger(zerolog.Nop()))
	require.NoError(t, err, "创建验证服务失败")

	// 清理去重记录，保证测试可重复执行
	defer func() {
		if storageManager.Redis != nil {
			_ = storageManager.Redis.RemoveTextMD5(context.Background(), utils.CalculateMD5([]byte(pdfText)))
		}
	}()

	err = svc.ProcessValidationTask(ctx, storage.ValidationTaskMessage{
		RunUUID:      runUUID,
		XMLObjectKey: xmlKey,
		PDFObjectKey: pdfKey,
	})
	require.NoError(t, err, "处理验证任务失败")

	run, err := storageManager.MySQL.GetValidationRun(ctx, runUUID)
	require.NoError(t, err, "查询运行记录失败")
	assert.Equal(t, models.RunStatusIndexing, run.Status, "处理完成后应进入INDEXING状态")
	assert.Equal(t, 3, run.AuthoritativeCount)
	assert.Equal(t, 2, run.ExtractedCount)
	assert.Equal(t, 1, run.MatchedCount, "Senior Engineer应为精确匹配")
	assert.Equal(t, 1, run.FuzzyMatchedCount, "QA Testar应为模糊匹配")
	assert.Equal(t, 1, run.MissingCount, "Product Manager应为缺失")
	assert.Equal(t, 0, run.ExtraCount)
	assert.NotEmpty(t, run.TextObjectKey, "解析文本应已上传")
	assert.NotEmpty(t, run.TextMD5)

	records, err := storageManager.MySQL.ListMatchRecords(ctx, runUUID)
	require.NoError(t, err, "查询匹配明细失败")
	assert.Len(t, records, 3, "应生成3条匹配明细")
}
