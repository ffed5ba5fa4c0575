package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compareCfg(threshold int) Config {
	return Config{Threshold: threshold, ChunkSize: 1000, Overlap: 100}
}

// TestCompareRolesAllMatched 验证大小写和标点差异不影响精确命中
func TestCompareRolesAllMatched(t *testing.T) {
	authoritative := []string{"Senior SW-Engineer!!", "Tester", "Product Owner"}
	extracted := []string{"senior swengineer", "TESTER.", "product   owner"}

	report, err := CompareRoles(authoritative, extracted, compareCfg(80))
	require.NoError(t, err)

	assert.True(t, report.Complete, "所有权威角色都应被找到")
	assert.Empty(t, report.Missing, "不应有缺失角色")
	assert.ElementsMatch(t, authoritative, report.Matched, "三个角色都应精确命中")
	assert.Empty(t, report.FuzzyMatched)
	assert.Empty(t, report.Extra)
	assert.Equal(t, 3, report.AuthoritativeTotal)
	assert.Equal(t, 3, report.ExtractedTotal)
}

// TestCompareRolesMissing 验证缺失角色按字典序输出且结论为不完整
func TestCompareRolesMissing(t *testing.T) {
	authoritative := []string{"Zookeeper", "Architect", "Tester"}
	extracted := []string{"tester"}

	report, err := CompareRoles(authoritative, extracted, compareCfg(80))
	require.NoError(t, err)

	assert.False(t, report.Complete, "存在缺失角色时结论应为不完整")
	assert.Equal(t, []string{"Architect", "Zookeeper"}, report.Missing, "缺失列表应按字典序排序")
	assert.Equal(t, []string{"Tester"}, report.Matched)
}

// TestCompareRolesFuzzyFallback 验证精确未命中时的模糊回退
func TestCompareRolesFuzzyFallback(t *testing.T) {
	authoritative := []string{"Tester"}
	extracted := []string{"Testar"}

	// 阈值80: 一次替换的比率83 >= 80，应模糊命中
	report, err := CompareRoles(authoritative, extracted, compareCfg(80))
	require.NoError(t, err)
	assert.True(t, report.Complete)
	require.Len(t, report.FuzzyMatched, 1)
	pair := report.FuzzyMatched[0]
	assert.Equal(t, "Tester", pair.Authoritative)
	assert.Equal(t, "Testar", pair.Extracted)
	assert.Equal(t, 83, pair.Score)
	assert.False(t, pair.Partial, "应由全串比率命中")
	assert.Empty(t, report.Extra, "被模糊命中的提取角色不应再计为多余")

	// 阈值90: 83 < 90，应判定缺失
	report, err = CompareRoles(authoritative, extracted, compareCfg(90))
	require.NoError(t, err)
	assert.False(t, report.Complete)
	assert.Equal(t, []string{"Tester"}, report.Missing)
	assert.Equal(t, []string{"Testar"}, report.Extra, "未被命中的提取角色计为多余")
}

// TestCompareRolesPartialFallback 验证缩写经由部分包含模式命中
func TestCompareRolesPartialFallback(t *testing.T) {
	authoritative := []string{"Dev"}
	extracted := []string{"Developer"}

	report, err := CompareRoles(authoritative, extracted, compareCfg(90))
	require.NoError(t, err)

	assert.True(t, report.Complete)
	require.Len(t, report.FuzzyMatched, 1)
	pair := report.FuzzyMatched[0]
	assert.True(t, pair.Partial, "全串比率不足时应落到包含模式")
	assert.Equal(t, 100, pair.Score, "被完整包含应得满分")
}

// TestCompareRolesEmptyEntries 验证"无角色"条目在比对前被过滤，
// 两个规范化为空的条目绝不会互相匹配
func TestCompareRolesEmptyEntries(t *testing.T) {
	report, err := CompareRoles([]string{"!!!", "  "}, []string{"???", ""}, compareCfg(80))
	require.NoError(t, err)

	assert.True(t, report.Complete, "只含无角色条目时不应产生缺失")
	assert.Empty(t, report.Matched, "空条目之间不允许互相匹配")
	assert.Empty(t, report.Missing)
	assert.Empty(t, report.Extra)
	assert.Zero(t, report.AuthoritativeTotal)
	assert.Zero(t, report.ExtractedTotal)

	// 混合情形: 空条目被忽略，真实角色照常判定
	report, err = CompareRoles([]string{"!!!", "Tester"}, []string{"??"}, compareCfg(80))
	require.NoError(t, err)
	assert.Equal(t, []string{"Tester"}, report.Missing)
	assert.Equal(t, 1, report.AuthoritativeTotal)
}

// TestCompareRolesDedup 验证两侧都按规范形式去重
func TestCompareRolesDedup(t *testing.T) {
	authoritative := []string{"Tester", "tester!", "TESTER"}
	extracted := []string{"tester", "Tester"}

	report, err := CompareRoles(authoritative, extracted, compareCfg(80))
	require.NoError(t, err)

	assert.Equal(t, []string{"Tester"}, report.Matched, "重复角色只应命中一次")
	assert.Equal(t, 1, report.AuthoritativeTotal)
	assert.Equal(t, 1, report.ExtractedTotal)
}

// TestCompareRolesInvalidThreshold 验证越界阈值被拒绝
func TestCompareRolesInvalidThreshold(t *testing.T) {
	_, err := CompareRoles([]string{"a"}, []string{"a"}, compareCfg(101))
	assert.Error(t, err, "阈值超过100应报错")

	_, err = CompareRoles([]string{"a"}, []string{"a"}, compareCfg(-1))
	assert.Error(t, err, "负阈值应报错")
}

// TestCompareRolesDeterministic 验证同样输入产生同样报告
func TestCompareRolesDeterministic(t *testing.T) {
	authoritative := []string{"Backend Engineer", "QA Lead", "Sysadmin"}
	extracted := []string{"backend engineer", "qa leed", "DBA"}

	first, err := CompareRoles(authoritative, extracted, compareCfg(80))
	require.NoError(t, err)
	second, err := CompareRoles(authoritative, extracted, compareCfg(80))
	require.NoError(t, err)
	assert.Equal(t, first, second, "报告必须可复现")
}
