package processor

import (
	"context"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"

	"valigence/internal/agent"
	"valigence/internal/storage"
)

//
// 文档解析相关接口
//

// DocumentExtractor PDF文本提取器接口。
// Eino解析器和原生解析器都实现此接口，由配置选择其一。
type DocumentExtractor interface {
	// ExtractFromFile 从PDF文件提取文本和元数据
	ExtractFromFile(ctx context.Context, filePath string) (string, map[string]interface{}, error)

	// ExtractFromBytes 从字节数组提取文本和元数据
	// 参数：
	// - ctx: 上下文
	// - data: PDF文件内容
	// - uri: 资源标识符（用于日志或元数据）
	// 返回：
	// - 提取的文本
	// - 附加的元数据（如页数、用时等）
	// - 错误信息
	ExtractFromBytes(ctx context.Context, data []byte, uri string) (string, map[string]interface{}, error)
}

// RoleSource 权威角色来源接口，从XML文档提取角色定义
type RoleSource interface {
	// ExtractRolesFromBytes 从XML字节内容提取全部<role>元素文本
	ExtractRolesFromBytes(ctx context.Context, data []byte) ([]string, error)
}

// RoleExtractor 从自由文本中提取角色的接口(LLM实现)
type RoleExtractor interface {
	// ExtractRoles 提取文本中提到的所有角色名称，无角色时返回空切片
	ExtractRoles(ctx context.Context, text string) ([]string, error)
}

//
// 向量嵌入相关接口
//

// TextEmbedder 文本向量化接口 (符合 cloudwego/eino 规范)。
// 限流代理和裸嵌入器都满足此接口。
type TextEmbedder interface {
	// EmbedStrings 将文本批量转换为向量表示
	EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error)
}

//
// 组件聚合
//

// Components 处理服务依赖的全部组件。
// 字段为nil表示该组件未配置，各服务在使用前自行检查。
type Components struct {
	// 存储聚合(MySQL/Redis/MinIO/RabbitMQ/Qdrant)
	Storage *storage.Storage

	// PDF文本提取器
	DocExtractor DocumentExtractor

	// XML权威角色解析器
	XMLParser RoleSource

	// LLM角色提取器
	RoleExtractor RoleExtractor

	// 文档向量嵌入器(RETRIEVAL_DOCUMENT任务类型)
	Embedder TextEmbedder

	// 查询向量嵌入器(RETRIEVAL_QUERY任务类型)
	QueryEmbedder TextEmbedder

	// RAG问答模型
	ChatModel model.ToolCallingChatModel

	// RAG会话记忆
	Memory agent.SessionMemory
}
