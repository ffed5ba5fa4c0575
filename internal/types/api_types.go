package types

import "valigence/internal/reconcile"

// DocumentChunk 表示待索引的文档分块
type DocumentChunk struct {
	// 所属校验运行
	RunUUID string
	// 分块在文档中的序号，从0开始
	ChunkIndex int
	// 分块内容
	Content string
}

// DocumentChunkVector 表示文档分块的向量表示
type DocumentChunkVector struct {
	// 源分块
	Chunk *DocumentChunk

	// 向量表示
	Vector []float64

	// 元数据
	Metadata map[string]interface{}
}

// SearchResult 向量检索的单条命中
type SearchResult struct {
	PointID    string  `json:"point_id"`
	RunUUID    string  `json:"run_uuid"`
	ChunkIndex int     `json:"chunk_index"`
	Content    string  `json:"content"`
	Score      float32 `json:"score"`
}

// SubmitValidationResponse 提交校验任务的响应
type SubmitValidationResponse struct {
	RunUUID string `json:"run_uuid"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ValidationReportResponse 查询校验结果的响应
type ValidationReportResponse struct {
	RunUUID      string            `json:"run_uuid"`
	Status       string            `json:"status"`
	Report       *reconcile.Report `json:"report,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    int64             `json:"created_at,omitempty"`
	UpdatedAt    int64             `json:"updated_at,omitempty"`
}

// QueryRequest 文档问答请求
type QueryRequest struct {
	RunUUID   string `json:"run_uuid"`
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty"`
	TopK      int    `json:"top_k,omitempty"`
}

// QuerySource 问答引用的文档片段
type QuerySource struct {
	ChunkIndex int     `json:"chunk_index"`
	Score      float32 `json:"score"`
	Preview    string  `json:"preview"`
}

// QueryResponse 文档问答响应
type QueryResponse struct {
	RunUUID   string        `json:"run_uuid"`
	SessionID string        `json:"session_id"`
	Answer    string        `json:"answer"`
	Sources   []QuerySource `json:"sources,omitempty"`
}

// DeleteDocumentResponse 删除文档向量的响应
type DeleteDocumentResponse struct {
	RunUUID       string `json:"run_uuid"`
	DeletedPoints bool   `json:"deleted_points"`
	Message       string `json:"message,omitempty"`
}
