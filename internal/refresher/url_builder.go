package refresher

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var sourceIDRe = regexp.MustCompile(`^(MLBU|MLB)-?([0-9]+)$`)

// BuildCandidateURLs 为一个报价构造按优先级排序的候选页面地址。
//
// 顺序：
//  1. 最近一次成功解析的已知 URL（原样，可能带联盟跟踪参数）
//  2. 已知 URL 去掉查询参数与片段后的形式
//  3. 按平台 ID 前缀家族推导的模板地址
//
// 结果保序去重。SourceID 无法识别时只返回已知 URL 的候选。
//
// 参数:
//
//	sourceID: 平台原始 ID（如 "MLB3607761821" 或 "MLB-3607761821"）
//	knownURL: 最近一次成功解析的页面 URL（可为空）
//
// 返回值:
//
//	[]string: 候选 URL 列表（至少尝试一个才可能失败整个报价）
func BuildCandidateURLs(sourceID, knownURL string) []string {
	candidates := make([]string, 0, 5)

	if knownURL != "" {
		candidates = append(candidates, knownURL)
		if stripped := stripTrackingParams(knownURL); stripped != "" {
			candidates = append(candidates, stripped)
		}
	}

	family, digits := parseSourceID(sourceID)
	switch family {
	case "MLB":
		candidates = append(candidates,
			fmt.Sprintf("https://produto.mercadolivre.com.br/MLB-%s", digits),
			fmt.Sprintf("https://www.mercadolivre.com.br/p/MLB%s", digits),
			fmt.Sprintf("https://articulo.mercadolivre.com.br/MLB-%s", digits),
		)
	case "MLBU":
		candidates = append(candidates,
			fmt.Sprintf("https://www.mercadolivre.com.br/up/MLBU%s", digits),
		)
	}

	return dedupeOrdered(candidates)
}

// parseSourceID 拆出 ID 的前缀家族与数字部分。
func parseSourceID(sourceID string) (family string, digits string) {
	m := sourceIDRe.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(sourceID)))
	if m == nil {
		return "", ""
	}
	return m[1], m[2]
}

// stripTrackingParams 去掉 URL 的查询参数与片段，保留纯路径形式。
//
// 联盟链接携带的跟踪参数（matt_word、forceInApp 等）会让部分页面走到
// 中转或登录流程，纯路径版本更稳定。
func stripTrackingParams(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	if parsed.RawQuery == "" && parsed.Fragment == "" {
		return ""
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String()
}

// dedupeOrdered 保序去重。
func dedupeOrdered(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
