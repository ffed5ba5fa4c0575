package reconcile

import "fmt"

// Config 角色对比与文本分块的显式配置对象，由调用方逐次传入。
// 组件内部没有默认值，服务层默认值统一在 internal/config 中给出。
type Config struct {
	// Threshold 模糊匹配判定阈值，取值 0-100
	Threshold int
	// ChunkSize 单个分块的最大长度(字符数)，必须大于0
	ChunkSize int
	// Overlap 相邻分块共享的尾部上下文长度，必须小于ChunkSize
	Overlap int
}

// Validate 校验配置合法性，分块参数错误返回 ChunkConfigError
func (c Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > 100 {
		return fmt.Errorf("匹配阈值必须在0-100之间: %d", c.Threshold)
	}
	if c.ChunkSize <= 0 || c.Overlap < 0 || c.Overlap >= c.ChunkSize {
		return &ChunkConfigError{ChunkSize: c.ChunkSize, Overlap: c.Overlap}
	}
	return nil
}
