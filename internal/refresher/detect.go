package refresher

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

// PageVerdict 页面判定结果。
type PageVerdict int

const (
	VerdictProduct       PageVerdict = iota // 真实商品页，可进入价格提取
	VerdictGated                            // 风控挑战或登录墙
	VerdictNotApplicable                    // 与商品无关的页面（候选 URL 落错了地方）
)

// 页面检测关键词。
var (
	gateHints = []string{
		"px-captcha",
		"_pxhc",
		"press & hold",
		"pressione e segure",
		"captcha",
		"recaptcha",
		"hcaptcha",
		"access denied",
		"just a moment",
		"verify you are human",
		"too many requests",
		"entrar para continuar",
	}
	gateURLHints = []string{
		"/login",
		"/jms/",
		"/gz/",
		"logintype=",
	}
	realPageHints = []string{
		"__preloaded_state__",
		"ui-pdp",
		"andes-",
		"itemprop=\"price\"",
		"mercado livre",
	}
	notApplicablePathHints = []string{
		"/social/",
	}
)

// hostOf 取 URL 的小写 host，解析失败时返回空串。
func hostOf(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Host)
}

// isMarketplaceHost 判断 host 是否属于 Mercado Livre / Libre 的域名族。
func isMarketplaceHost(host string) bool {
	return strings.Contains(host, "mercadoliv") || strings.Contains(host, "mercadolib")
}

// containsAny 检查文本是否包含任意一个关键词。
func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// ClassifyPage 判定抓取到的页面属于商品页、风控墙还是无关页面。
//
// 风控判定是合取式的：必须出现挑战/登录特征，且页面不含真实商品页标记。
// 只凭关键词出现就判风控会把正文里恰好提到 "captcha" 的真实页面误杀。
//
// 站外判定只针对重定向：短链把请求带到既非原始候选、也非商品站点的
// 域名时才算无关页面。原域名的响应（含反向代理部署）照常进入风控/
// 商品判定——挑战页也可能从别的域名返回。
//
// 参数:
//
//	requestURL: 发起请求的候选 URL
//	finalURL: 重定向后的最终 URL
//	body: 页面 HTML
//
// 返回值:
//
//	PageVerdict: 判定结果
func ClassifyPage(requestURL string, finalURL string, body string) PageVerdict {
	lowerURL := strings.ToLower(finalURL)
	lowerBody := strings.ToLower(body)

	if parsed, err := url.Parse(finalURL); err == nil {
		path := strings.ToLower(parsed.Path)
		if containsAny(path, notApplicablePathHints) {
			return VerdictNotApplicable
		}
		host := strings.ToLower(parsed.Host)
		if host != "" && host != hostOf(requestURL) && !isMarketplaceHost(host) {
			return VerdictNotApplicable
		}
	}

	gated := containsAny(lowerBody, gateHints) || containsAny(lowerURL, gateURLHints)
	if !gated {
		return VerdictProduct
	}
	if containsAny(lowerBody, realPageHints) {
		// 真实页面标记在场，关键词命中是误报
		return VerdictProduct
	}
	return VerdictGated
}

// fetchErrorType 抓取错误类型。
type fetchErrorType int

const (
	errTypeUnknown fetchErrorType = iota
	errTypeTimeout
	errTypeRateLimited // 429，由重试层消化后仍未成功
	errTypeGated       // 风控/登录墙
	errTypeNetwork     // 网络错误
	errTypeParseError  // 解析错误
)

var (
	// ErrGateDetected 标记一次风控墙命中，供运行控制器累计熔断计数。
	ErrGateDetected = errors.New("gate detected")
	// ErrPriceNotFound 页面正常但所有提取策略都未找到可信价格。
	ErrPriceNotFound = errors.New("price not found")
	// ErrSessionInvalid 会话凭证被站点拒绝。
	ErrSessionInvalid = errors.New("session invalid")
)

// classifyError 统一的错误分类函数。
func classifyError(err error) fetchErrorType {
	if err == nil {
		return errTypeUnknown
	}

	if errors.Is(err, ErrGateDetected) {
		return errTypeGated
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errTypeTimeout
	}

	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") {
		return errTypeRateLimited
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return errTypeTimeout
	}

	networkKeywords := []string{"connection", "refused", "reset", "no such host", "eof", "tls"}
	for _, kw := range networkKeywords {
		if strings.Contains(msg, kw) {
			return errTypeNetwork
		}
	}

	if strings.Contains(msg, "parse") || strings.Contains(msg, "extract") {
		return errTypeParseError
	}

	return errTypeUnknown
}

// classifyFetchError 返回用于 metrics 的错误类型字符串。
func classifyFetchError(err error) string {
	switch classifyError(err) {
	case errTypeTimeout:
		return "timeout"
	case errTypeRateLimited:
		return "rate_limited"
	case errTypeGated:
		return "gated"
	case errTypeNetwork:
		return "network_error"
	case errTypeParseError:
		return "parse_error"
	default:
		return "unknown"
	}
}
