package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// 验证运行状态机。状态只沿箭头推进，任何阶段失败都落到FAILED。
// PENDING_EXTRACTION → EXTRACTING → COMPARING → INDEXING → COMPLETED
const (
	RunStatusPendingExtraction = "PENDING_EXTRACTION"
	RunStatusExtracting        = "EXTRACTING"
	RunStatusComparing         = "COMPARING"
	RunStatusIndexing          = "INDEXING"
	RunStatusCompleted         = "COMPLETED"
	RunStatusFailed            = "FAILED"
)

// 角色匹配记录的类别
const (
	MatchKindExact   = "exact"   // 规范化后完全一致
	MatchKindFuzzy   = "fuzzy"   // 模糊匹配命中
	MatchKindMissing = "missing" // 权威侧定义但提取侧缺失
	MatchKindExtra   = "extra"   // 提取侧多出
)

// ValidationRun 验证运行主表。
// 一次运行对应一对XML+PDF文档的完整对账流程。
type ValidationRun struct {
	RunUUID string `gorm:"type:char(36);primaryKey"`

	// 原始文件与产物在MinIO中的对象键
	XMLObjectKey  string `gorm:"type:varchar(1024)"`
	PDFObjectKey  string `gorm:"type:varchar(1024)"`
	TextObjectKey string `gorm:"type:varchar(1024)"`

	// 上传时的原始文件名
	OriginalXMLName string `gorm:"type:varchar(255)"`
	OriginalPDFName string `gorm:"type:varchar(255)"`

	Status string `gorm:"type:varchar(50);default:'PENDING_EXTRACTION';index:idx_validation_runs_status"`

	// 引擎配置快照，记录本次运行实际使用的参数
	FuzzyThreshold int `gorm:"type:int"`
	ChunkSize      int `gorm:"type:int"`
	ChunkOverlap   int `gorm:"type:int"`

	// 汇总计数
	AuthoritativeCount int `gorm:"type:int"`
	ExtractedCount     int `gorm:"type:int"`
	MatchedCount       int `gorm:"type:int"`
	FuzzyMatchedCount  int `gorm:"type:int"`
	MissingCount       int `gorm:"type:int"`
	ExtraCount         int `gorm:"type:int"`

	// 完整对账报告(JSON)
	ReportJSON datatypes.JSON `gorm:"type:json"`

	// PDF解析文本的MD5，用于重复上传去重
	TextMD5 string `gorm:"type:char(32);index:idx_validation_runs_text_md5"`

	// 本次运行使用的PDF解析器版本
	ExtractorVersion string `gorm:"type:varchar(50)"`

	// 失败时的错误描述
	ErrorMessage string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (ValidationRun) TableName() string {
	return "validation_runs"
}

// RoleMatchRecord 角色匹配明细表。
// 每条记录对应报告中的一个匹配对或单侧条目，便于按类别查询统计。
type RoleMatchRecord struct {
	RecordID uint64 `gorm:"primaryKey;autoIncrement"`
	RunUUID  string `gorm:"type:char(36);not null;index:idx_role_match_records_run_uuid"`
	Kind     string `gorm:"type:varchar(20);not null;index:idx_role_match_records_kind"`

	// 两侧角色的原始形态。missing只有权威侧，extra只有提取侧。
	AuthoritativeRole string `gorm:"type:varchar(255)"`
	ExtractedRole     string `gorm:"type:varchar(255)"`

	// 规范化后的形态，与比对时实际使用的字符串一致
	NormalizedAuthoritative string `gorm:"type:varchar(255)"`
	NormalizedExtracted     string `gorm:"type:varchar(255)"`

	// 相似度分值(0-100)。精确匹配记100，missing/extra记0。
	Score int `gorm:"type:int"`

	// 是否由部分包含模式命中
	Partial bool `gorm:"default:false"`

	CreatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`

	Run *ValidationRun `gorm:"foreignKey:RunUUID;references:RunUUID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (RoleMatchRecord) TableName() string {
	return "role_match_records"
}

// ToJSON 将任意可序列化值转换为 datatypes.JSON
func ToJSON(v interface{}) (datatypes.JSON, error) {
	bytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}

// StringToJSON 将JSON字符串直接包装为 datatypes.JSON
func StringToJSON(s string) datatypes.JSON {
	return datatypes.JSON(s)
}
