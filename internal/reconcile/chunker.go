package reconcile

import (
	"strings"
	"unicode"
)

// maxSafeRune 分块安全过滤的上界。
// 超出基础ASCII范围的字符在分块时被直接丢弃（不替换、不报错），
// 这是一个明确的有损清洗步骤，保证分块内容可以被只接受基础字符集的
// 下游索引系统接收。
const maxSafeRune = unicode.MaxASCII

// ChunkText 将文本切分为有界、重叠、按序的分块序列，立即物化为切片。
// 从位置0开始取 [start, min(start+chunkSize, len)) 的切片（按rune计数），
// 经过安全过滤后追加到结果，然后 start 前进 chunkSize-overlap；
// 当某个已发出分块的末尾到达文本末尾时停止，该分块即使短于 chunkSize
// 也是最后一块。切片位置总是在未过滤的原文上计算。
//
// 前置条件: chunkSize > overlap >= 0 且 chunkSize > 0。
// 违反时返回 ChunkConfigError: 步进为0或负数的配置永远不会终止，
// 必须显式上报而不是被静默"纠正"。
// 空文本返回空序列。相同输入总是产生字节级相同的输出。
func ChunkText(text string, chunkSize, overlap int) ([]string, error) {
	if chunkSize <= 0 || overlap < 0 || overlap >= chunkSize {
		return nil, &ChunkConfigError{ChunkSize: chunkSize, Overlap: overlap}
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return []string{}, nil
	}

	step := chunkSize - overlap
	chunks := make([]string, 0, (len(runes)+step-1)/step)
	for start := 0; ; start += step {
		end := min(start+chunkSize, len(runes))
		chunks = append(chunks, sanitizeChunk(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks, nil
}

// sanitizeChunk 丢弃基础字符范围之外的rune
func sanitizeChunk(rs []rune) string {
	var b strings.Builder
	b.Grow(len(rs))
	for _, r := range rs {
		if r <= maxSafeRune {
			b.WriteRune(r)
		}
	}
	return b.String()
}
