package refresher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/model"
	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/pkg/metrics"
)

// 站点默认币种；只有强证据显式报告币种时才会被覆盖。
const homeCurrency = "BRL"

var titleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// refreshOffer 对单个报价执行完整的候选循环。
//
// 单一显式循环，按顺序尝试每个候选 URL 并携带一对强/弱结果：
//   - 强证据命中：立即提交并结束
//   - 弱证据命中：暂存首个弱结果，继续尝试后面的候选以寻求强证据
//   - 风控墙：计入风控命中，换下一个候选（镜像候选未必同样被拦）
//   - 无关页面 / 4xx / 抓取失败：换下一个候选
//
// 循环结束后若只握有弱结果，则提交弱结果；全部候选都没产出价格时
// 计一次 price_not_found。
func (s *Service) refreshOffer(ctx context.Context, offer *model.Offer, candidates []string, counters *runCounters) error {
	var weakHit *pageHit
	var lastErr error
	sawNoPrice := false
	sawGate := false

	for _, candidate := range candidates {
		result, err := s.fetcher.Fetch(ctx, candidate)
		if result != nil {
			counters.retried.Add(int64(result.Retries))
			counters.rateLimited.Add(int64(result.RateLimited))
		}
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if result.StatusCode != http.StatusOK {
			s.logger.Debug("candidate returned non-200",
				slog.String("source_id", offer.SourceID),
				slog.String("url", candidate),
				slog.Int("status", result.StatusCode))
			continue
		}

		switch ClassifyPage(candidate, result.FinalURL, result.Body) {
		case VerdictGated:
			counters.gateDetected.Add(1)
			metrics.GateDetectedTotal.Inc()
			s.logger.Warn("gate page detected",
				slog.String("source_id", offer.SourceID),
				slog.String("url", result.FinalURL))
			sawGate = true
			continue

		case VerdictNotApplicable:
			s.logger.Debug("candidate resolved to unrelated page",
				slog.String("source_id", offer.SourceID),
				slog.String("final_url", result.FinalURL))
			continue
		}

		ext, extractErr := ExtractPrice(result.Body)
		if extractErr != nil {
			sawNoPrice = true
			continue
		}

		hit := &pageHit{extraction: ext, fetchURL: candidate, result: result}
		if !ext.Weak() {
			return s.commitObservation(ctx, offer, hit, counters)
		}
		if weakHit == nil {
			weakHit = hit
		}
	}

	if weakHit != nil {
		return s.commitObservation(ctx, offer, weakHit, counters)
	}
	if sawGate || sawNoPrice {
		counters.priceNotFound.Add(1)
		if sawGate {
			return fmt.Errorf("%w: all candidates gated or priceless for %s", ErrGateDetected, offer.SourceID)
		}
		return ErrPriceNotFound
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("all candidates exhausted for source id %q", offer.SourceID)
}

// pageHit 候选循环中暂存的一次有效提取。
type pageHit struct {
	extraction *Extraction
	fetchURL   string
	result     *FetchResult
}

// commitObservation 将提取结果落库并回写报价/商品状态。
func (s *Service) commitObservation(ctx context.Context, offer *model.Offer, hit *pageHit, counters *runCounters) error {
	now := time.Now()
	currency := hit.extraction.Currency
	if currency == "" {
		currency = homeCurrency
	}

	obs := &model.PriceObservation{
		OfferID:       offer.ID,
		ObservedDate:  now.Format("2006-01-02"),
		ObservedAt:    now,
		Price:         hit.extraction.Price,
		OriginalPrice: hit.extraction.OriginalPrice,
		Currency:      currency,
		Available:     hit.extraction.Available,
		Evidence:      hit.extraction.Evidence,
		FetchURL:      hit.fetchURL,
		FinalURL:      hit.result.FinalURL,
		PageTitle:     pageTitle(hit.result.Body),
		Fingerprint:   hit.result.Fingerprint,
	}

	if err := s.store.UpsertObservation(ctx, obs); err != nil {
		return fmt.Errorf("persist observation: %w", err)
	}
	if err := s.store.RecordSuccess(ctx, offer, obs); err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	if err := s.guard.MarkRefreshed(ctx, offer.SourceID); err != nil {
		s.logger.Warn("mark freshness failed",
			slog.String("source_id", offer.SourceID),
			slog.String("error", err.Error()))
	}

	counters.updated.Add(1)
	metrics.PriceExtractedTotal.WithLabelValues(obs.Evidence).Inc()
	metrics.OffersProcessedTotal.WithLabelValues("updated").Inc()
	s.logger.Info("price observed",
		slog.String("source_id", offer.SourceID),
		slog.Float64("price", obs.Price),
		slog.String("currency", obs.Currency),
		slog.String("evidence", obs.Evidence))
	return nil
}

// pageTitle 提取 <title> 文本（诊断用，失败返回空串）。
func pageTitle(html string) string {
	m := titleRe.FindStringSubmatch(html)
	if len(m) < 2 {
		return ""
	}
	title := strings.TrimSpace(m[1])
	if len(title) > 200 {
		title = title[:200]
	}
	return title
}
