package refresher

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/config"
)

// Session 不透明的会话凭证。
//
// 引擎不获取也不续期凭证，只携带它并在每次运行前校验一次有效性。
type Session struct {
	CookieHeader string
	validateURL  string
}

// LoadSession 从配置加载会话凭证。
//
// cookie_file 优先于内联 cookie 字段；两者都为空时返回空凭证（允许
// 未认证运行，由会话校验阶段决定能否继续）。
func LoadSession(cfg config.SessionConfig) (*Session, error) {
	if cfg.Mode != "" && cfg.Mode != "cookie" {
		return nil, fmt.Errorf("unsupported session mode %q", cfg.Mode)
	}

	cookie := strings.TrimSpace(cfg.Cookie)
	if cfg.CookieFile != "" {
		data, err := os.ReadFile(cfg.CookieFile)
		if err != nil {
			return nil, fmt.Errorf("read cookie file: %w", err)
		}
		cookie = strings.TrimSpace(string(data))
	}

	return &Session{
		CookieHeader: cookie,
		validateURL:  cfg.ValidateURL,
	}, nil
}

// Validate 用一个稳定页面校验会话是否被站点接受。
//
// 校验页必须返回 200、不被判定为风控/登录墙，且带有站点真实页面标记。
// 任何一条不满足都视为会话失效，返回 ErrSessionInvalid。
//
// 参数:
//
//	ctx: 上下文
//	fetcher: 携带本会话 Cookie 的抓取器
//
// 返回值:
//
//	error: 会话无效时返回 ErrSessionInvalid（包装具体原因）
func (s *Session) Validate(ctx context.Context, fetcher *Fetcher) error {
	if s.validateURL == "" {
		return fmt.Errorf("%w: validate url not configured", ErrSessionInvalid)
	}

	result, err := fetcher.Fetch(ctx, s.validateURL)
	if err != nil {
		return fmt.Errorf("%w: validation fetch failed: %v", ErrSessionInvalid, err)
	}
	if result.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: validation status %d", ErrSessionInvalid, result.StatusCode)
	}
	if ClassifyPage(s.validateURL, result.FinalURL, result.Body) == VerdictGated {
		return fmt.Errorf("%w: validation page gated", ErrSessionInvalid)
	}
	if !containsAny(strings.ToLower(result.Body), realPageHints) {
		return fmt.Errorf("%w: validation page missing site markers", ErrSessionInvalid)
	}
	return nil
}
