package constants

import "time"

const (
	// Application-level constants
	DefaultExtractorVer = "1.0" // Placeholder for actual PDF/LLM extractor versions

	// 对账引擎默认值，applyDefaults据此补齐缺失配置
	DefaultFuzzyThreshold = 80
	DefaultChunkSize      = 1000
	DefaultChunkOverlap   = 100

	// 向量索引默认值
	DefaultVectorCollection = "role-comparison-index"
	DefaultVectorDimension  = 768

	// LLM角色提取: 文档中没有角色时模型必须返回的哨兵值
	NoRolesSentinel = "None"

	// PDF文本中表格区块的包围标记，由提取器在检测到表格时插入
	TableSectionHeader = "--- DATA TABLE WITH ROLES AND COUNTS ---"
	TableSectionFooter = "--- END OF TABLE DATA ---"

	// PDF多页文本的分页标记
	PageBreakMarker = "--- PAGE BREAK ---"

	// 无会话问答的回答缓存时长
	QueryAnswerCacheDuration = 30 * time.Minute
)
