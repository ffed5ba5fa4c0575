package processor

import (
	"errors"
	"fmt"
)

// 定义基础错误类型
var (
	ErrDownloadFailed    = errors.New("下载源文件失败")
	ErrXMLParseFailed    = errors.New("解析XML角色失败")
	ErrPDFExtractFailed  = errors.New("提取PDF文本失败")
	ErrRoleExtractFailed = errors.New("LLM提取角色失败")
	ErrStoreTextFailed   = errors.New("上传解析文本失败")
	ErrPersistFailed     = errors.New("持久化对账结果失败")
	ErrChunkFailed       = errors.New("文本分块失败")
	ErrEmbedFailed       = errors.New("向量嵌入失败")
	ErrVectorStoreFailed = errors.New("向量存储失败")
	ErrRunNotFound       = errors.New("验证运行不存在")
	ErrSearchFailed      = errors.New("向量检索失败")
	ErrAnswerFailed      = errors.New("生成回答失败")
	ErrInvalidQuery      = errors.New("无效的问答请求")
)

// RunProcessError 包含运行上下文的详细错误
type RunProcessError struct {
	RunUUID string
	Op      string
	BaseErr error
	Detail  string
}

func (e *RunProcessError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (操作:%s, 运行:%s): %s", e.BaseErr, e.Op, e.RunUUID, e.Detail)
	}
	return fmt.Sprintf("%s (操作:%s, 运行:%s)", e.BaseErr, e.Op, e.RunUUID)
}

func (e *RunProcessError) Unwrap() error {
	return e.BaseErr
}

// Is 实现 errors.Is 接口以支持错误比较
func (e *RunProcessError) Is(target error) bool {
	return errors.Is(e.BaseErr, target)
}

// newRunError 统一的错误构造函数
func newRunError(runUUID, op string, base error, detail string) error {
	return &RunProcessError{
		RunUUID: runUUID,
		Op:      op,
		BaseErr: base,
		Detail:  detail,
	}
}

// IsTransient 判断错误是否为临时性故障。
// 临时性故障(外部依赖不可用)的消息应重新入队等待重试，
// 永久性故障(文档本身有问题)重试也不会成功，消息应确认丢弃。
func IsTransient(err error) bool {
	for _, base := range []error{
		ErrDownloadFailed,
		ErrStoreTextFailed,
		ErrPersistFailed,
		ErrEmbedFailed,
		ErrVectorStoreFailed,
	} {
		if errors.Is(err, base) {
			return true
		}
	}
	return false
}
