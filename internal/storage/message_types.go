package storage

import "time"

// ValidationTaskMessage 验证任务消息。
// API层上传文件后发布，验证消费者接收并执行提取与对账。
type ValidationTaskMessage struct {
	RunUUID         string    `json:"run_uuid"`                    // 运行UUID，主键
	SubmitTimestamp time.Time `json:"submit_timestamp"`            // 提交时间戳
	XMLObjectKey    string    `json:"xml_object_key"`              // XML在MinIO中的对象键
	PDFObjectKey    string    `json:"pdf_object_key"`              // PDF在MinIO中的对象键
	OriginalXMLName string    `json:"original_xml_name,omitempty"` // 原始XML文件名
	OriginalPDFName string    `json:"original_pdf_name,omitempty"` // 原始PDF文件名

	// 对账参数，缺省时消费者使用配置默认值
	FuzzyThreshold int `json:"fuzzy_threshold,omitempty"` // 模糊匹配阈值(0-100)
	ChunkSize      int `json:"chunk_size,omitempty"`      // 分块大小(字符)
	ChunkOverlap   int `json:"chunk_overlap,omitempty"`   // 分块重叠(字符)
}

// IndexingTaskMessage 向量索引任务消息。
// 验证消费者完成对账后发布，索引消费者接收并写入向量库。
type IndexingTaskMessage struct {
	RunUUID       string   `json:"run_uuid"`                 // 运行UUID
	TextObjectKey string   `json:"text_object_key"`          // 提取文本在MinIO中的对象键
	ChunkSize     int      `json:"chunk_size,omitempty"`     // 分块大小(字符)
	ChunkOverlap  int      `json:"chunk_overlap,omitempty"`  // 分块重叠(字符)
	ExtractedText string   `json:"extracted_text,omitempty"` // 文本内容(不经对象存储传递时使用)
	SubmitTime    int64    `json:"submit_time,omitempty"`    // Unix时间戳
	RetryAttempt  int      `json:"retry_attempt,omitempty"`  // 重试次数
	TraceParent   string   `json:"trace_parent,omitempty"`   // 跨进程追踪上下文
	VectorIDs     []string `json:"vector_ids,omitempty"`     // 已写入的向量ID列表
	Error         string   `json:"error,omitempty"`          // 错误信息
}

// RunCompletedEvent 运行完成事件。
// 经发件箱中继发布到事件交换机，供下游系统订阅。
type RunCompletedEvent struct {
	RunUUID            string `json:"run_uuid"`
	Status             string `json:"status"`                    // COMPLETED 或 FAILED
	Complete           bool   `json:"complete"`                  // 角色是否全部对上
	AuthoritativeCount int    `json:"authoritative_count"`       // XML权威角色数
	ExtractedCount     int    `json:"extracted_count"`           // PDF提取角色数
	MatchedCount       int    `json:"matched_count"`             // 精确匹配数
	FuzzyMatchedCount  int    `json:"fuzzy_matched_count"`       // 模糊匹配数
	MissingCount       int    `json:"missing_count"`             // 缺失角色数
	ExtraCount         int    `json:"extra_count"`               // 多余角色数
	CompletedAt        int64  `json:"completed_at"`              // Unix时间戳
	ErrorMessage       string `json:"error_message,omitempty"`   // 失败原因
}
