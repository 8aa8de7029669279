package refresher

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// 证据类型，按可信度从强到弱。
const (
	EvidenceMeta      = "meta"
	EvidenceLDJSON    = "ldjson"
	EvidencePreloaded = "preloaded_state"
	EvidenceNextData  = "next_data"
	EvidenceRegex     = "regex"
)

var (
	digitsOnlyRe    = regexp.MustCompile(`^[0-9]+$`)
	weakPriceJSONRe = regexp.MustCompile(`"price"\s*:\s*"?([0-9]+(?:\.[0-9]{1,2})?)"?`)
	weakPriceBRLRe  = regexp.MustCompile(`R\$\s*([0-9][0-9.,]*)`)
)

// Extraction 一次成功的价格提取结果。
type Extraction struct {
	Price         float64  // 解析出的价格，恒为正
	OriginalPrice *float64 // 划线原价（促销页才有，可为 nil）
	Currency      string   // 币种（为空时由调用方按站点默认币种补齐）
	Available     bool     // 报价是否可购（缺货/暂停时为 false）
	Evidence      string   // 证据类型
}

// Weak 返回该结果是否来自弱证据（正则兜底）。
func (e *Extraction) Weak() bool {
	return e != nil && e.Evidence == EvidenceRegex
}

// ExtractPrice 从商品页 HTML 中提取价格。
//
// 策略链按证据强度排序，命中即返回：
//  1. meta 标签 (itemprop=price / product:price:amount)
//  2. JSON-LD 的 Product.offers.price
//  3. __PRELOADED_STATE__ 页面状态 JSON 的深度搜索
//  4. __NEXT_DATA__ 备用状态载荷
//  5. 正则兜底（弱证据，调用方据此决定是否继续尝试其他候选）
//
// 参数:
//
//	html: 页面 HTML
//
// 返回值:
//
//	*Extraction: 提取结果
//	error: 所有策略都未命中时返回 ErrPriceNotFound
func ExtractPrice(html string) (*Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	if ext := extractFromMeta(doc); ext != nil {
		return ext, nil
	}
	if ext := extractFromLDJSON(doc); ext != nil {
		return ext, nil
	}
	if ext := extractFromStateBlob(html, "__PRELOADED_STATE__", EvidencePreloaded); ext != nil {
		return ext, nil
	}
	if ext := extractFromNextData(doc); ext != nil {
		return ext, nil
	}
	if ext := extractFromRegex(html); ext != nil {
		return ext, nil
	}
	return nil, ErrPriceNotFound
}

// extractFromMeta 读取结构化 meta 标签里的价格。
func extractFromMeta(doc *goquery.Document) *Extraction {
	selectors := []struct {
		price    string
		currency string
	}{
		{`meta[itemprop="price"]`, `meta[itemprop="priceCurrency"]`},
		{`meta[property="product:price:amount"]`, `meta[property="product:price:currency"]`},
		{`meta[property="og:price:amount"]`, `meta[property="og:price:currency"]`},
	}

	for _, sel := range selectors {
		content, ok := doc.Find(sel.price).First().Attr("content")
		if !ok || strings.TrimSpace(content) == "" {
			continue
		}
		price, err := parseDecimal(content)
		if err != nil || price <= 0 {
			continue
		}
		currency, _ := doc.Find(sel.currency).First().Attr("content")
		return &Extraction{
			Price:     price,
			Currency:  strings.ToUpper(strings.TrimSpace(currency)),
			Available: metaAvailability(doc),
			Evidence:  EvidenceMeta,
		}
	}
	return nil
}

// metaAvailability 读取 availability 标记（meta content 或 link href）。
// 缺标记时默认可购。
func metaAvailability(doc *goquery.Document) bool {
	selectors := []string{
		`meta[itemprop="availability"]`,
		`link[itemprop="availability"]`,
		`meta[property="product:availability"]`,
		`meta[property="og:availability"]`,
	}
	for _, sel := range selectors {
		node := doc.Find(sel).First()
		v, ok := node.Attr("content")
		if !ok {
			v, ok = node.Attr("href")
		}
		if ok && strings.Contains(strings.ToLower(v), "outofstock") {
			return false
		}
	}
	return true
}

// extractFromLDJSON 在 JSON-LD 块中寻找 Product 的报价。
func extractFromLDJSON(doc *goquery.Document) *Extraction {
	var found *Extraction
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var payload interface{}
		if err := json.Unmarshal([]byte(s.Text()), &payload); err != nil {
			return true
		}
		product := findLDProduct(payload)
		if product == nil {
			return true
		}
		hit := ldProductPrice(product)
		if hit == nil || hit.price <= 0 {
			return true
		}
		found = &Extraction{
			Price:         hit.price,
			OriginalPrice: hit.original,
			Currency:      strings.ToUpper(hit.currency),
			Available:     hit.available,
			Evidence:      EvidenceLDJSON,
		}
		return false
	})
	return found
}

// findLDProduct 在任意形状的 JSON-LD 载荷中定位 @type=Product 的节点。
func findLDProduct(payload interface{}) map[string]interface{} {
	stack := []interface{}{payload}
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch t := v.(type) {
		case map[string]interface{}:
			if isLDType(t["@type"], "Product") {
				return t
			}
			for _, key := range sortedKeys(t) {
				stack = append(stack, t[key])
			}
		case []interface{}:
			for i := len(t) - 1; i >= 0; i-- {
				stack = append(stack, t[i])
			}
		}
	}
	return nil
}

func isLDType(v interface{}, want string) bool {
	switch t := v.(type) {
	case string:
		return strings.EqualFold(t, want)
	case []interface{}:
		for _, item := range t {
			if s, ok := item.(string); ok && strings.EqualFold(s, want) {
				return true
			}
		}
	}
	return false
}

// ldProductPrice 从 Product 节点的 offers 中读取价格、划线原价与可购状态。
//
// offers 可能是单个对象、对象数组或 AggregateOffer。划线原价取
// highPrice（区间报价时站点用它放原价）。
func ldProductPrice(product map[string]interface{}) *priceHitJSON {
	offers := product["offers"]
	var candidates []map[string]interface{}
	switch t := offers.(type) {
	case map[string]interface{}:
		candidates = append(candidates, t)
	case []interface{}:
		for _, item := range t {
			if m, ok := item.(map[string]interface{}); ok {
				candidates = append(candidates, m)
			}
		}
	}

	for _, offer := range candidates {
		for _, key := range []string{"price", "lowPrice"} {
			price, ok := asNumber(offer[key])
			if !ok || price <= 0 {
				continue
			}
			currency, _ := offer["priceCurrency"].(string)
			hit := &priceHitJSON{price: price, currency: currency, available: true}
			if high, ok := asNumber(offer["highPrice"]); ok && high > price {
				hit.original = &high
			}
			if avail, ok := offer["availability"].(string); ok {
				hit.available = !strings.Contains(strings.ToLower(avail), "outofstock")
			}
			return hit
		}
	}
	return nil
}

// extractFromStateBlob 从内嵌的页面状态 JSON（如 __PRELOADED_STATE__）提取价格。
func extractFromStateBlob(html string, marker string, evidence string) *Extraction {
	idx := strings.Index(html, marker)
	if idx < 0 {
		return nil
	}
	blob, ok := extractJSONObject(html, idx+len(marker))
	if !ok {
		return nil
	}
	var payload interface{}
	if err := json.Unmarshal([]byte(blob), &payload); err != nil {
		return nil
	}
	hit, ok := searchJSONPrice(payload)
	if !ok || hit.price <= 0 {
		return nil
	}
	return &Extraction{
		Price:         hit.price,
		OriginalPrice: hit.original,
		Currency:      strings.ToUpper(hit.currency),
		Available:     hit.available,
		Evidence:      evidence,
	}
}

// extractFromNextData 读取 __NEXT_DATA__ 脚本块（备用状态载荷）。
func extractFromNextData(doc *goquery.Document) *Extraction {
	raw := doc.Find(`script#__NEXT_DATA__`).First().Text()
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var payload interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil
	}
	hit, ok := searchJSONPrice(payload)
	if !ok || hit.price <= 0 {
		return nil
	}
	return &Extraction{
		Price:         hit.price,
		OriginalPrice: hit.original,
		Currency:      strings.ToUpper(hit.currency),
		Available:     hit.available,
		Evidence:      EvidenceNextData,
	}
}

// extractFromRegex 正则兜底，产出弱证据结果。
func extractFromRegex(html string) *Extraction {
	if m := weakPriceJSONRe.FindStringSubmatch(html); len(m) > 1 {
		if price, err := strconv.ParseFloat(m[1], 64); err == nil && price > 0 {
			return &Extraction{Price: price, Available: true, Evidence: EvidenceRegex}
		}
	}
	if m := weakPriceBRLRe.FindStringSubmatch(html); len(m) > 1 {
		if price, err := parseDecimal(m[1]); err == nil && price > 0 {
			return &Extraction{Price: price, Currency: "BRL", Available: true, Evidence: EvidenceRegex}
		}
	}
	return nil
}

// priceHitJSON JSON 树搜索的单次命中（价格及其同级元数据）。
type priceHitJSON struct {
	price     float64
	original  *float64
	currency  string
	available bool
}

// searchJSONPrice 在解码后的 JSON 树中深度搜索价格。
//
// 使用显式栈迭代，已访问的容器按身份去重，防止异常载荷导致的环引用
// 无限循环。map 的 key 按字典序入栈，保证同一载荷的搜索结果确定。
//
// 命中规则（按节点检查顺序）：
//   - {"price": <正数>}，币种取同级 currency_id / currency，划线原价取
//     同级 original_price，可购状态看同级 available_quantity / status
//   - {"price": {"amount"/"value": <正数>, ...}}，币种/原价优先取内层字段
func searchJSONPrice(root interface{}) (*priceHitJSON, bool) {
	stack := []interface{}{root}
	visited := make(map[uintptr]struct{})

	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch t := v.(type) {
		case map[string]interface{}:
			ptr := reflect.ValueOf(t).Pointer()
			if _, seen := visited[ptr]; seen {
				continue
			}
			visited[ptr] = struct{}{}

			if hit, ok := priceFromContainer(t); ok {
				return hit, true
			}

			keys := sortedKeys(t)
			for i := len(keys) - 1; i >= 0; i-- {
				stack = append(stack, t[keys[i]])
			}

		case []interface{}:
			ptr := reflect.ValueOf(t).Pointer()
			if _, seen := visited[ptr]; seen {
				continue
			}
			visited[ptr] = struct{}{}

			for i := len(t) - 1; i >= 0; i-- {
				stack = append(stack, t[i])
			}
		}
	}
	return nil, false
}

// priceFromContainer 检查单个 JSON 对象是否直接携带价格。
func priceFromContainer(m map[string]interface{}) (*priceHitJSON, bool) {
	if price, ok := asNumber(m["price"]); ok && price > 0 {
		return &priceHitJSON{
			price:     price,
			original:  containerOriginal(m, price),
			currency:  containerCurrency(m),
			available: containerAvailable(m),
		}, true
	}
	if inner, ok := m["price"].(map[string]interface{}); ok {
		for _, key := range []string{"amount", "value"} {
			price, ok := asNumber(inner[key])
			if !ok || price <= 0 {
				continue
			}
			currency := containerCurrency(inner)
			if currency == "" {
				currency = containerCurrency(m)
			}
			original := containerOriginal(inner, price)
			if original == nil {
				original = containerOriginal(m, price)
			}
			return &priceHitJSON{
				price:     price,
				original:  original,
				currency:  currency,
				available: containerAvailable(m),
			}, true
		}
	}
	return nil, false
}

func containerCurrency(m map[string]interface{}) string {
	for _, key := range []string{"currency_id", "currency", "currencyId"} {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// containerOriginal 读取划线原价字段；只有严格高于现价时才采信。
func containerOriginal(m map[string]interface{}, price float64) *float64 {
	for _, key := range []string{"original_price", "originalPrice", "regular_amount"} {
		if v, ok := asNumber(m[key]); ok && v > price {
			return &v
		}
	}
	return nil
}

// containerAvailable 读取可购状态；缺字段时默认可购。
func containerAvailable(m map[string]interface{}) bool {
	if qty, ok := asNumber(m["available_quantity"]); ok && qty <= 0 {
		return false
	}
	if s, ok := m["status"].(string); ok {
		switch strings.ToLower(s) {
		case "paused", "closed", "inactive":
			return false
		}
	}
	return true
}

// asNumber 将 JSON 值转为 float64（数字或数字字符串）。
func asNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		trimmed := strings.TrimSpace(t)
		if trimmed == "" {
			return 0, false
		}
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return f, true
		}
		if f, err := parseDecimal(trimmed); err == nil {
			return f, true
		}
	}
	return 0, false
}

// sortedKeys 返回 map 的字典序 key 列表。
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// extractJSONObject 从 from 位置之后找到第一个完整的大括号平衡 JSON 对象。
//
// 逐字符扫描并跟踪字符串与转义状态，避免把字符串字面量里的大括号算进
// 嵌套深度。
func extractJSONObject(s string, from int) (string, bool) {
	start := strings.IndexByte(s[from:], '{')
	if start < 0 {
		return "", false
	}
	start += from

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// parseDecimal 解析带千分位/小数分隔符混用的价格字符串。
//
// 规则：最后出现的分隔符（逗号或点）视为小数点，其余分隔符视为千分位。
// "1.234,56" 与 "1,234.56" 都解析为 1234.56。
//
// 参数:
//
//	raw: 原始价格字符串，如 "R$ 1.299,90"
//
// 返回值:
//
//	float64: 解析后的数值
//	error: 无法解析时返回错误
func parseDecimal(raw string) (float64, error) {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == ',' || r == '.' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return 0, fmt.Errorf("no digits in %q", raw)
	}

	lastSep := strings.LastIndexAny(cleaned, ",.")
	if lastSep < 0 {
		if !digitsOnlyRe.MatchString(cleaned) {
			return 0, fmt.Errorf("invalid number %q", raw)
		}
		return strconv.ParseFloat(cleaned, 64)
	}

	intPart := strings.Map(dropSeparators, cleaned[:lastSep])
	fracPart := cleaned[lastSep+1:]
	if fracPart != "" && !digitsOnlyRe.MatchString(fracPart) {
		return 0, fmt.Errorf("invalid fraction in %q", raw)
	}
	if intPart == "" {
		intPart = "0"
	}
	if fracPart == "" {
		return strconv.ParseFloat(intPart, 64)
	}
	return strconv.ParseFloat(intPart+"."+fracPart, 64)
}

func dropSeparators(r rune) rune {
	if r == ',' || r == '.' {
		return -1
	}
	return r
}
