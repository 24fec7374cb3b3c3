package router

import (
	"regexp"
	"strings"
)

var (
	complexKeywords = []string{
		// code
		"代码", "编程", "code", "python", "java", "javascript", "golang", "sql", "debug", "bug", "报错", "error",
		"函数", "算法", "实现", "开发", "api", "接口",
		// math and reasoning
		"计算", "数学", "公式", "证明", "推导", "分析", "逻辑", "推理",
		// depth
		"详细", "深入", "全面", "比较", "对比", "优缺点", "原理", "架构", "设计",
		"为什么", "如何", "怎么", "解释", "why", "explain", "compare",
		// writing
		"写一篇", "撰写", "创作", "文章", "报告", "方案",
	}

	proKeywords = []string{
		"证明", "推导", "论证", "推理过程", "逻辑链",
		"系统设计", "架构设计", "技术方案", "设计模式",
		"深度分析", "全面分析", "详细分析", "根本原因",
		"微积分", "线性代数", "概率论", "统计", "优化",
		"论文", "研究", "学术", "专业",
		"proof", "theorem", "system design", "root cause",
	}

	simpleKeywords = []string{
		"你好", "hi", "hello", "谢谢", "thanks", "再见", "bye",
		"是什么", "什么是", "定义", "简单",
	}

	searchKeywords = []string{
		"天气", "气温", "新闻", "股价", "汇率", "比分", "最新", "今天", "明天", "昨天",
		"现在", "实时", "近期", "最近", "行情", "热搜",
		"weather", "forecast", "news", "stock", "price", "today", "tomorrow", "yesterday",
		"latest", "current", "score",
	}
)

// keywordSet matches ASCII keywords on word boundaries (so "api" does not
// fire on "capital") and everything else by substring.
type keywordSet struct {
	ascii []*regexp.Regexp
	other []string
}

func newKeywordSet(words ...[]string) keywordSet {
	var ks keywordSet
	seen := map[string]bool{}
	for _, list := range words {
		for _, w := range list {
			w = strings.ToLower(strings.TrimSpace(w))
			if w == "" || seen[w] {
				continue
			}
			seen[w] = true
			if isASCII(w) {
				ks.ascii = append(ks.ascii, regexp.MustCompile(`\b`+regexp.QuoteMeta(w)+`\b`))
			} else {
				ks.other = append(ks.other, w)
			}
		}
	}
	return ks
}

// hits counts distinct keywords present in lowered text.
func (ks keywordSet) hits(lowered string) int {
	n := 0
	for _, re := range ks.ascii {
		if re.MatchString(lowered) {
			n++
		}
	}
	for _, w := range ks.other {
		if strings.Contains(lowered, w) {
			n++
		}
	}
	return n
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
