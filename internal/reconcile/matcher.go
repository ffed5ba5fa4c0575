package reconcile

import (
	"math"
	"strings"
)

// Scorer 相似度打分函数，返回 [0,100] 的整数分值。
// 打分模式由调用方选择，每次调用只使用一种模式；
// 输入都是生命周期很短的角色串，组件内部不做任何缓存。
type Scorer func(s1, s2 string) int

// Ratio 全串编辑距离比率。
// 公式: round(100 * (1 - lev/maxLen))，100 表示完全相同，0 表示完全不同。
// 两个空串定义为最相似(100)，一空一非空为 0。
func Ratio(s1, s2 string) int {
	if s1 == s2 {
		return 100
	}
	r1 := []rune(s1)
	r2 := []rune(s2)
	maxLen := max(len(r1), len(r2))
	dist := levenshtein(r1, r2)
	return int(math.Round(100 * (1 - float64(dist)/float64(maxLen))))
}

// PartialRatio 部分/包含比率：较短串与较长串所有等长窗口的最佳全串比率。
// 用于捕捉缩写和截断形式；较短串被完整包含时直接得 100。
func PartialRatio(s1, s2 string) int {
	shorter := []rune(s1)
	longer := []rune(s2)
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if len(shorter) == 0 {
		if len(longer) == 0 {
			return 100
		}
		return 0
	}
	if strings.Contains(string(longer), string(shorter)) {
		return 100
	}

	best := 0
	for i := 0; i+len(shorter) <= len(longer); i++ {
		dist := levenshtein(shorter, longer[i:i+len(shorter)])
		score := int(math.Round(100 * (1 - float64(dist)/float64(len(shorter)))))
		if score > best {
			best = score
		}
	}
	return best
}

// Match 按调用方给定的打分模式判定两串是否匹配。
// threshold 必须每次显式传入，组件内部没有任何隐式默认值。
func Match(score Scorer, s1, s2 string, threshold int) bool {
	return score(s1, s2) >= threshold
}

// FuzzyMatch 全串比率模式的匹配判定
func FuzzyMatch(s1, s2 string, threshold int) bool {
	return Match(Ratio, s1, s2, threshold)
}

// FuzzyMatchPartial 部分包含比率模式的匹配判定
func FuzzyMatchPartial(s1, s2 string, threshold int) bool {
	return Match(PartialRatio, s1, s2, threshold)
}

// levenshtein 单行DP计算编辑距离，按rune比较
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr := make([]int, len(b)+1)
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(curr[j-1]+1, min(prev[j]+1, prev[j-1]+cost))
		}
		prev = curr
	}
	return prev[len(b)]
}
