package refresher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/config"
	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/pkg/metrics"
	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/pkg/ratelimit"

	"github.com/cespare/xxhash/v2"
)

const maxBodyBytes = 3 << 20 // 单页最大读取 3MB，防止异常响应撑爆内存

// Fetcher 带会话头、限流与重试的页面抓取器。
type Fetcher struct {
	client  *http.Client
	limiter ratelimit.Limiter
	logger  *slog.Logger
	cfg     config.ScraperConfig
	cookie  string
}

// FetchResult 一次抓取的结果与计数。
type FetchResult struct {
	StatusCode  int
	Body        string
	FinalURL    string // 重定向后的最终 URL
	Fingerprint string // 页面内容指纹 (xxhash, 十六进制)
	Retries     int    // 本次抓取实际发生的重试次数
	RateLimited int    // 收到 429 的次数
}

// NewFetcher 创建一个新的抓取器。
//
// 参数:
//
//	cfg: 抓取配置（超时、抖动、重试、退避）
//	limiter: 全局限流器（可为 nil）
//	cookie: 会话 Cookie 头（可为空，未认证抓取）
//	logger: 日志记录器
//
// 返回值:
//
//	*Fetcher: 抓取器实例
func NewFetcher(cfg config.ScraperConfig, limiter ratelimit.Limiter, cookie string, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			// 单请求超时由每次尝试的 context 控制，这里只兜底
			Timeout: cfg.FetchTimeout + 5*time.Second,
		},
		limiter: limiter,
		logger:  logger,
		cfg:     cfg,
		cookie:  cookie,
	}
}

// Fetch 抓取一个页面，自动处理限流、抖动与瞬时错误重试。
//
// 重试策略：网络错误、429 和 5xx 按指数退避重试，最多 cfg.MaxRetries 次；
// 429 优先遵循 Retry-After 响应头（封顶 cfg.BackoffCap）。其他状态码
// （含 404）不重试，原样返回交由调用方判定。
//
// 参数:
//
//	ctx: 上下文
//	pageURL: 目标 URL
//
// 返回值:
//
//	*FetchResult: 抓取结果；重试耗尽时仍返回部分结果以保留 Retries 等
//	  计数（限流获取等请求前失败时为 nil）
//	error: 重试耗尽后的最终错误
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (*FetchResult, error) {
	if err := f.sleepJitter(ctx); err != nil {
		return nil, err
	}
	if f.limiter != nil {
		if err := f.limiter.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("acquire rate limit: %w", err)
		}
	}

	result := &FetchResult{}
	var lastErr error

	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			result.Retries++
			metrics.FetchRequestsTotal.WithLabelValues("retry").Inc()
		}

		start := time.Now()
		resp, finalURL, body, err := f.doOnce(ctx, pageURL)
		metrics.FetchDuration.Observe(time.Since(start).Seconds())

		if err != nil {
			lastErr = err
			metrics.FetchErrorsTotal.WithLabelValues(classifyFetchError(err)).Inc()
			if ctx.Err() != nil {
				break
			}
			if attempt < f.cfg.MaxRetries {
				f.logger.Warn("fetch attempt failed, will retry",
					slog.String("url", pageURL),
					slog.Int("attempt", attempt),
					slog.String("error", err.Error()))
				if waitErr := f.sleepBackoff(ctx, f.backoffDelay(attempt)); waitErr != nil {
					break
				}
				continue
			}
			break
		}

		result.StatusCode = resp.StatusCode
		result.FinalURL = finalURL
		result.Body = body
		result.Fingerprint = fmt.Sprintf("%016x", xxhash.Sum64String(body))

		if resp.StatusCode == http.StatusTooManyRequests {
			result.RateLimited++
			lastErr = fmt.Errorf("status 429 too many requests")
			metrics.FetchErrorsTotal.WithLabelValues("rate_limited").Inc()
			if attempt < f.cfg.MaxRetries {
				delay := f.retryAfterDelay(resp)
				if delay <= 0 {
					delay = f.backoffDelay(attempt)
				}
				f.logger.Warn("rate limited by site, backing off",
					slog.String("url", pageURL),
					slog.Duration("delay", delay))
				if waitErr := f.sleepBackoff(ctx, delay); waitErr != nil {
					break
				}
				continue
			}
			break
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("status %d server error", resp.StatusCode)
			metrics.FetchErrorsTotal.WithLabelValues("server_error").Inc()
			if attempt < f.cfg.MaxRetries {
				if waitErr := f.sleepBackoff(ctx, f.backoffDelay(attempt)); waitErr != nil {
					break
				}
				continue
			}
			break
		}

		metrics.FetchRequestsTotal.WithLabelValues("ok").Inc()
		return result, nil
	}

	metrics.FetchRequestsTotal.WithLabelValues("error").Inc()
	// 即使一次响应都没拿到也返回部分结果，调用方合并 Retries/RateLimited 计数
	return result, lastErr
}

// doOnce 执行单次 HTTP 请求并读取响应体。
func (f *Fetcher) doOnce(ctx context.Context, pageURL string) (*http.Response, string, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "pt-BR,pt;q=0.9,en;q=0.5")
	if f.cookie != "" {
		req.Header.Set("Cookie", f.cookie)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, "", "", fmt.Errorf("read body: %w", err)
	}

	finalURL := pageURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return resp, finalURL, string(data), nil
}

// sleepJitter 请求前的随机延迟，打散访问节奏。
func (f *Fetcher) sleepJitter(ctx context.Context) error {
	min := f.cfg.JitterMin
	max := f.cfg.JitterMax
	if max <= min {
		return nil
	}
	delay := min + time.Duration(rand.Int63n(int64(max-min)))
	return f.sleepBackoff(ctx, delay)
}

// backoffDelay 计算第 attempt 次重试前的退避时长。
//
// 指数增长并封顶，再叠加至多 10% 的随机抖动，避免并发 worker 的
// 重试在同一时刻扎堆。
func (f *Fetcher) backoffDelay(attempt int) time.Duration {
	delay := f.cfg.BackoffBase << uint(attempt)
	if delay > f.cfg.BackoffCap || delay <= 0 {
		delay = f.cfg.BackoffCap
	}
	if delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay)/10 + 1))
	}
	return delay
}

// retryAfterDelay 解析 Retry-After 响应头（秒数或 HTTP 日期），封顶退避上限。
func (f *Fetcher) retryAfterDelay(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		delay := time.Duration(secs) * time.Second
		if delay > f.cfg.BackoffCap {
			delay = f.cfg.BackoffCap
		}
		return delay
	}
	if at, err := http.ParseTime(raw); err == nil {
		delay := time.Until(at)
		if delay <= 0 {
			return 0
		}
		if delay > f.cfg.BackoffCap {
			delay = f.cfg.BackoffCap
		}
		return delay
	}
	return 0
}

func (f *Fetcher) sleepBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
