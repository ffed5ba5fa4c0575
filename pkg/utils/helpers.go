package utils

import (
	"crypto/md5"
	"encoding/hex"
)

// CalculateMD5 计算字节内容的MD5摘要，用于文档去重与问答缓存键。
func CalculateMD5(data []byte) string {
	hasher := md5.New()
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}

// TruncateRunes 按rune截断字符串，超长时以省略号结尾。
// 多字节文本(如中文)按字符数截断，不会切断UTF-8编码。
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "..."
}
