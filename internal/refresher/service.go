package refresher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/config"
	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/model"
	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/pkg/metrics"
	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/pkg/notify"
	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/pkg/pool"

	"github.com/google/uuid"
)

// ErrRunInProgress 已有一次刷新运行在进行中。
var ErrRunInProgress = errors.New("refresh run already in progress")

// Store 刷新引擎需要的目录持久化操作。
type Store interface {
	ListActiveOffersPage(ctx context.Context, lastID uint, limit int) ([]model.Offer, error)
	UpsertObservation(ctx context.Context, obs *model.PriceObservation) error
	RecordSuccess(ctx context.Context, offer *model.Offer, obs *model.PriceObservation) error
	RecordFailure(ctx context.Context, offerID uint, deactivateAfter int) (bool, error)
	CreateRun(ctx context.Context, run *model.JobRun) error
	FinalizeRun(ctx context.Context, run *model.JobRun) error
	LatestRun(ctx context.Context) (*model.JobRun, error)
}

// Guard 新鲜度窗口与运行互斥锁。
type Guard interface {
	IsFresh(ctx context.Context, sourceID string) (bool, error)
	MarkRefreshed(ctx context.Context, sourceID string) error
	AcquireRunLock(ctx context.Context, runID string, ttl time.Duration) (bool, error)
	ReleaseRunLock(ctx context.Context, runID string) error
}

// Service 价格刷新引擎的运行控制器。
//
// 一次运行的状态机：校验会话 -> 分页扫描报价 -> 按报价执行候选循环 ->
// 汇总计数并落盘 JobRun。连续风控命中达到阈值时熔断，剩余报价标记跳过。
type Service struct {
	cfg      *config.Config
	store    Store
	guard    Guard
	fetcher  *Fetcher
	session  *Session
	pool     *pool.Pool
	notifier notify.Notifier
	logger   *slog.Logger

	running atomic.Bool
}

// NewService 创建刷新引擎。
//
// 参数:
//
//	cfg: 配置对象
//	store: 目录存储
//	guard: 新鲜度/互斥锁（可为无 Redis 的静默实现）
//	fetcher: 携带会话的抓取器
//	session: 会话凭证
//	notifier: 运维告警器（可为 nil）
//	logger: 日志记录器
//
// 返回值:
//
//	*Service: 引擎实例
func NewService(cfg *config.Config, store Store, guard Guard, fetcher *Fetcher, session *Session, notifier notify.Notifier, logger *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		guard:    guard,
		fetcher:  fetcher,
		session:  session,
		pool:     pool.New(logger, cfg.Scraper.Concurrency),
		notifier: notifier,
		logger:   logger,
	}
}

// runCounters 单次运行的计数器组（全部 atomic，由并发 runner 共享）。
type runCounters struct {
	scanned       atomic.Int64
	updated       atomic.Int64
	failed        atomic.Int64
	skipped       atomic.Int64
	retried       atomic.Int64
	rateLimited   atomic.Int64
	gateDetected  atomic.Int64
	priceNotFound atomic.Int64
	deactivated   atomic.Int64
	stoppedEarly  atomic.Bool
	sampleErr     atomic.Pointer[string]
}

// recordSample 记录首个失败样本（first-wins）。
func (c *runCounters) recordSample(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	c.sampleErr.CompareAndSwap(nil, &msg)
}

// fold 将计数折叠进运行记录。
func (c *runCounters) fold(run *model.JobRun) {
	run.Scanned = int(c.scanned.Load())
	run.Updated = int(c.updated.Load())
	run.Failed = int(c.failed.Load())
	run.Skipped = int(c.skipped.Load())
	run.Retried = int(c.retried.Load())
	run.RateLimited = int(c.rateLimited.Load())
	run.GateDetected = int(c.gateDetected.Load())
	run.PriceNotFound = int(c.priceNotFound.Load())
	run.Deactivated = int(c.deactivated.Load())
	run.StoppedEarly = c.stoppedEarly.Load()
	if sample := c.sampleErr.Load(); sample != nil {
		run.SampleError = *sample
	}
}

// RunOnce 执行一次完整的批量刷新运行。
//
// 返回的 JobRun 已写入存储并包含最终计数。会话被拒绝时运行以
// no_session 状态结束并返回 ErrSessionInvalid。
func (s *Service) RunOnce(ctx context.Context) (*model.JobRun, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer s.running.Store(false)

	runID := uuid.NewString()
	locked, err := s.guard.AcquireRunLock(ctx, runID, s.cfg.App.RunLockTTL)
	if err != nil {
		s.logger.Warn("run lock check failed, proceeding without lock", slog.String("error", err.Error()))
	} else if !locked {
		return nil, ErrRunInProgress
	}
	defer func() {
		if err := s.guard.ReleaseRunLock(context.Background(), runID); err != nil {
			s.logger.Warn("release run lock failed", slog.String("error", err.Error()))
		}
	}()

	start := time.Now()
	run := &model.JobRun{
		RunID:     runID,
		Status:    model.RunStatusRunning,
		StartedAt: start,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	metrics.RefreshRunActive.Set(1)
	defer func() {
		metrics.RefreshRunActive.Set(0)
		metrics.RefreshRunDuration.Observe(time.Since(start).Seconds())
	}()

	s.logger.Info("refresh run started", slog.String("run_id", runID))

	// 会话校验：无效凭证直接终止，不扫描任何报价
	if err := s.session.Validate(ctx, s.fetcher); err != nil {
		run.Status = model.RunStatusNoSession
		run.SampleError = err.Error()
		s.finalize(ctx, run)
		s.alert(ctx, run, "Session Rejected")
		s.logger.Error("session validation failed, run aborted",
			slog.String("run_id", runID),
			slog.String("error", err.Error()))
		return run, err
	}

	counters := &runCounters{}
	threshold := int64(s.cfg.Scraper.GateThreshold)

	var lastID uint
	for {
		if ctx.Err() != nil {
			break
		}
		offers, err := s.store.ListActiveOffersPage(ctx, lastID, s.cfg.App.BatchSize)
		if err != nil {
			counters.recordSample(err)
			counters.failed.Add(1)
			break
		}
		if len(offers) == 0 {
			break
		}
		lastID = offers[len(offers)-1].ID

		s.pool.Run(ctx, len(offers), func(ctx context.Context, idx int) error {
			return s.processOffer(ctx, &offers[idx], counters, threshold)
		})

		if threshold > 0 && counters.gateDetected.Load() >= threshold {
			counters.stoppedEarly.Store(true)
			s.logger.Error("gate circuit breaker tripped, stopping run early",
				slog.String("run_id", runID),
				slog.Int64("gate_detected", counters.gateDetected.Load()))
			break
		}
	}

	counters.fold(run)
	if run.StoppedEarly || run.Failed > 0 {
		run.Status = model.RunStatusPartial
	} else {
		run.Status = model.RunStatusSuccess
	}
	s.finalize(ctx, run)

	if run.StoppedEarly {
		s.alert(ctx, run, "Gate Circuit Breaker Tripped")
	}

	s.logger.Info("refresh run finished",
		slog.String("run_id", runID),
		slog.String("status", run.Status),
		slog.Int("scanned", run.Scanned),
		slog.Int("updated", run.Updated),
		slog.Int("failed", run.Failed),
		slog.Int("skipped", run.Skipped),
		slog.Int("gate_detected", run.GateDetected),
		slog.Bool("stopped_early", run.StoppedEarly),
		slog.Duration("duration", time.Since(start)))
	return run, nil
}

// processOffer 处理单个报价：熔断检查、新鲜度跳过、候选循环、失败记账。
func (s *Service) processOffer(ctx context.Context, offer *model.Offer, counters *runCounters, threshold int64) error {
	if threshold > 0 && counters.gateDetected.Load() >= threshold {
		counters.skipped.Add(1)
		metrics.OffersProcessedTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	fresh, err := s.guard.IsFresh(ctx, offer.SourceID)
	if err != nil {
		s.logger.Warn("freshness check failed", slog.String("source_id", offer.SourceID), slog.String("error", err.Error()))
	} else if fresh {
		counters.skipped.Add(1)
		metrics.OffersProcessedTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	// source_id 无法解析且没有已知 URL 的报价是脏数据，跳过即可，
	// 不算失败也不推进下线计数
	candidates := BuildCandidateURLs(offer.SourceID, offer.KnownURL)
	if len(candidates) == 0 {
		counters.skipped.Add(1)
		metrics.OffersProcessedTotal.WithLabelValues("skipped").Inc()
		s.logger.Warn("offer yields no candidate urls, skipping",
			slog.String("source_id", offer.SourceID))
		return nil
	}

	counters.scanned.Add(1)

	refreshErr := s.refreshOffer(ctx, offer, candidates, counters)
	if refreshErr == nil {
		return nil
	}
	if errors.Is(refreshErr, context.Canceled) || errors.Is(refreshErr, context.DeadlineExceeded) {
		return refreshErr
	}

	counters.failed.Add(1)
	counters.recordSample(fmt.Errorf("offer %s: %w", offer.SourceID, refreshErr))
	metrics.OffersProcessedTotal.WithLabelValues("failed").Inc()

	deactivated, storeErr := s.store.RecordFailure(ctx, offer.ID, s.cfg.Scraper.DeactivateAfter)
	if storeErr != nil {
		s.logger.Warn("record failure failed",
			slog.String("source_id", offer.SourceID),
			slog.String("error", storeErr.Error()))
	} else if deactivated {
		counters.deactivated.Add(1)
		metrics.OffersProcessedTotal.WithLabelValues("deactivated").Inc()
	}
	return refreshErr
}

// RunLoop 常驻模式：按 scan_interval 周期触发刷新运行，直到 ctx 取消。
func (s *Service) RunLoop(ctx context.Context) {
	s.logger.Info("scheduler loop started",
		slog.String("interval", s.cfg.App.ScanInterval.String()))

	// 启动后立即跑一轮
	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("scheduled run failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(s.cfg.App.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler loop stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("scheduled run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// LatestRun 返回最近一次运行记录（运维 API 用）。
func (s *Service) LatestRun(ctx context.Context) (*model.JobRun, error) {
	return s.store.LatestRun(ctx)
}

// Running 返回是否有运行正在进行。
func (s *Service) Running() bool {
	return s.running.Load()
}

func (s *Service) finalize(ctx context.Context, run *model.JobRun) {
	metrics.RefreshRunsTotal.WithLabelValues(run.Status).Inc()
	if err := s.store.FinalizeRun(ctx, run); err != nil {
		s.logger.Error("finalize run failed",
			slog.String("run_id", run.RunID),
			slog.String("error", err.Error()))
	}
}

func (s *Service) alert(ctx context.Context, run *model.JobRun, reason string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.SendRunAlert(ctx, run, reason); err != nil {
		s.logger.Warn("send run alert failed",
			slog.String("reason", reason),
			slog.String("error", err.Error()))
	}
}
