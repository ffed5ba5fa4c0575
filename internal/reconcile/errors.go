package reconcile

import "fmt"

// ChunkConfigError 分块配置错误: chunk_size <= overlap 或 chunk_size <= 0。
// 这样的配置会让分块循环永远无法前进，静默修正会把问题掩盖到运行期，
// 所以必须作为错误显式上报。
type ChunkConfigError struct {
	ChunkSize int
	Overlap   int
}

func (e *ChunkConfigError) Error() string {
	return fmt.Sprintf("无效的分块配置: chunk_size=%d, overlap=%d (要求 chunk_size > overlap >= 0)", e.ChunkSize, e.Overlap)
}
