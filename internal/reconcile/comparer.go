/*
此文件实现角色对账报告的生成:
把权威侧(XML)角色集合与提取侧(PDF/LLM)角色集合规范化后先做精确比对，
未命中的再做两轮模糊回退(全串比率、部分包含比率)，
最终汇总为一份确定性的对账报告。纯计算，不做任何I/O。
*/
package reconcile

import (
	"fmt"
	"sort"
)

// FuzzyPair 一次模糊匹配命中的角色对
type FuzzyPair struct {
	Authoritative string `json:"authoritative"`     // 权威侧原始角色
	Extracted     string `json:"extracted"`         // 提取侧原始角色
	Score         int    `json:"score"`             // 命中时的相似度分值
	Partial       bool   `json:"partial,omitempty"` // 是否由部分包含模式命中
}

// Report 角色对账报告。
// Matched/Missing/Extra 按字典序排序，FuzzyMatched 保持权威侧输入顺序，
// 保证同样的输入总是产生同样的报告。
type Report struct {
	Matched            []string    `json:"matched_roles"`       // 精确命中的权威侧角色(原始形式)
	FuzzyMatched       []FuzzyPair `json:"fuzzy_matched"`       // 模糊命中的角色对
	Missing            []string    `json:"missing_roles"`       // 权威侧定义但提取侧缺失的角色
	Extra              []string    `json:"extra_roles"`         // 提取侧多出的角色
	AuthoritativeTotal int         `json:"authoritative_total"` // 权威侧去重后的角色数
	ExtractedTotal     int         `json:"extracted_total"`     // 提取侧去重后的角色数
	Complete           bool        `json:"complete"`            // 权威侧角色是否全部被找到或匹配
}

// CompareRoles 对比权威角色列表与提取角色列表并生成报告。
// 两侧先经 Normalize 规范化，规范化结果为空的条目视为"无角色"，
// 在任何比对发生之前被过滤掉，避免两个空条目互相匹配。
// 阈值来自 cfg.Threshold，必须显式给出；分块参数在此不使用。
func CompareRoles(authoritative, extracted []string, cfg Config) (*Report, error) {
	if cfg.Threshold < 0 || cfg.Threshold > 100 {
		return nil, fmt.Errorf("匹配阈值必须在0-100之间: %d", cfg.Threshold)
	}

	type extEntry struct {
		orig string
		norm string
	}

	// 提取侧先归一化，保留原始形式用于模糊回退和 extra 统计
	var extEntries []extEntry
	extSet := make(map[string]bool)
	for _, r := range extracted {
		n := Normalize(Text(r))
		if n == "" {
			continue
		}
		extEntries = append(extEntries, extEntry{orig: r, norm: n})
		extSet[n] = true
	}

	report := &Report{
		Matched:        []string{},
		FuzzyMatched:   []FuzzyPair{},
		Missing:        []string{},
		Extra:          []string{},
		ExtractedTotal: len(extSet),
	}

	matchedExt := make(map[string]bool) // 已被命中的提取侧规范形式
	seenAuth := make(map[string]bool)   // 权威侧按规范形式去重
	for _, role := range authoritative {
		n := Normalize(Text(role))
		if n == "" || seenAuth[n] {
			continue
		}
		seenAuth[n] = true

		if extSet[n] {
			report.Matched = append(report.Matched, role)
			matchedExt[n] = true
			continue
		}

		// 模糊回退: 先全串比率，再部分包含比率
		matched := false
		for _, e := range extEntries {
			if s := Ratio(n, e.norm); s >= cfg.Threshold {
				report.FuzzyMatched = append(report.FuzzyMatched, FuzzyPair{
					Authoritative: role,
					Extracted:     e.orig,
					Score:         s,
				})
				matchedExt[e.norm] = true
				matched = true
				break
			}
		}
		if !matched {
			for _, e := range extEntries {
				if s := PartialRatio(n, e.norm); s >= cfg.Threshold {
					report.FuzzyMatched = append(report.FuzzyMatched, FuzzyPair{
						Authoritative: role,
						Extracted:     e.orig,
						Score:         s,
						Partial:       true,
					})
					matchedExt[e.norm] = true
					matched = true
					break
				}
			}
		}
		if !matched {
			report.Missing = append(report.Missing, role)
		}
	}
	report.AuthoritativeTotal = len(seenAuth)

	// 提取侧未被任何权威角色命中的条目记为 extra
	extraSeen := make(map[string]bool)
	for _, e := range extEntries {
		if !matchedExt[e.norm] && !extraSeen[e.norm] {
			extraSeen[e.norm] = true
			report.Extra = append(report.Extra, e.orig)
		}
	}

	sort.Strings(report.Matched)
	sort.Strings(report.Missing)
	sort.Strings(report.Extra)
	report.Complete = len(report.Missing) == 0
	return report, nil
}
