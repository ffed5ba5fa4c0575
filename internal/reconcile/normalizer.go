package reconcile

import (
	"regexp"
	"strings"
)

var (
	// nonWord 匹配所有既不是单词字符(字母/数字/下划线)也不是空白的字符
	nonWord = regexp.MustCompile(`[^\p{L}\p{N}_\s]+`)
	// multiSpace 匹配连续空白
	multiSpace = regexp.MustCompile(`\s+`)
)

// Value 规范化输入的边界类型。
// 上游角色来源的类型并不可靠，非文本输入统一构造为 Invalid，
// 规范化时按空字符串处理，绝不报错。
type Value struct {
	text  string
	valid bool
}

// Text 构造一个文本输入
func Text(s string) Value { return Value{text: s, valid: true} }

// Invalid 构造一个非文本输入
func Invalid() Value { return Value{} }

// Normalize 将角色名规范化为可比较的标准形式：
// 转小写、删除所有非单词非空白字符、压缩连续空白为单个空格、去除首尾空白。
// 纯函数且幂等。空输入、纯标点输入和 Invalid 输入都得到空字符串，
// 调用方必须把空结果当作"无角色"，而不是一个可以和其它空结果互相匹配的候选。
func Normalize(v Value) string {
	if !v.valid {
		return ""
	}
	s := strings.ToLower(v.text)
	s = nonWord.ReplaceAllString(s, "")
	s = multiSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
