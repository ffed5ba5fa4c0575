package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateMD5(t *testing.T) {
	// 已知输入的MD5固定值
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", CalculateMD5(nil), "空输入的MD5应为固定值")
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", CalculateMD5([]byte{}))
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", CalculateMD5([]byte("hello world")))

	// 相同内容摘要一致，不同内容摘要不同
	assert.Equal(t, CalculateMD5([]byte("abc")), CalculateMD5([]byte("abc")))
	assert.NotEqual(t, CalculateMD5([]byte("abc")), CalculateMD5([]byte("abd")))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "", TruncateRunes("anything", 0), "maxRunes为0时应返回空串")
	assert.Equal(t, "", TruncateRunes("anything", -1))
	assert.Equal(t, "short", TruncateRunes("short", 10), "未超长不截断")
	assert.Equal(t, "abc...", TruncateRunes("abcdef", 3))

	// 中文按rune截断，不产生半个字符
	truncated := TruncateRunes(strings.Repeat("验", 20), 5)
	assert.Equal(t, "验验验验验...", truncated)
}
