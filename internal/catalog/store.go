package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store 封装目录数据的持久化操作。
//
// 刷新引擎通过它读取报价批次、写入价格观测并维护运行审计记录。
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewStore 创建一个新的目录存储。
func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// AutoMigrate 创建或更新表结构。
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&model.Product{},
		&model.Offer{},
		&model.PriceObservation{},
		&model.JobRun{},
	)
}

// ListActiveOffersPage 按主键游标分页读取启用状态的报价。
//
// 参数:
//
//	ctx: 上下文
//	lastID: 上一页最后一条的 ID（首页传 0）
//	limit: 每页条数
//
// 返回值:
//
//	[]model.Offer: 本页报价（按 ID 升序）
//	error: 查询失败返回错误
func (s *Store) ListActiveOffersPage(ctx context.Context, lastID uint, limit int) ([]model.Offer, error) {
	if limit <= 0 {
		limit = 50
	}
	var offers []model.Offer
	if err := s.db.WithContext(ctx).
		Where("active = ? AND id > ?", true, lastID).
		Order("id ASC").
		Limit(limit).
		Find(&offers).Error; err != nil {
		return nil, fmt.Errorf("list active offers: %w", err)
	}
	return offers, nil
}

// CountActiveOffers 统计启用状态的报价总数。
func (s *Store) CountActiveOffers(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&model.Offer{}).
		Where("active = ?", true).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count active offers: %w", err)
	}
	return count, nil
}

// UpsertObservation 写入或更新当日的价格观测（幂等）。
//
// 每个 (offer_id, observed_date) 至多一行。弱证据（regex）不会覆盖当日已有的
// 强证据观测，避免一次失败的深度解析污染已确认的价格。
//
// 这要求 price_observations 表在 (offer_id, observed_date) 上有唯一索引。
func (s *Store) UpsertObservation(ctx context.Context, obs *model.PriceObservation) error {
	if obs == nil {
		return errors.New("nil observation")
	}
	if obs.Price <= 0 {
		return fmt.Errorf("refuse to persist non-positive price %.2f", obs.Price)
	}
	if obs.ObservedDate == "" {
		obs.ObservedDate = obs.ObservedAt.Format("2006-01-02")
	}

	if obs.Evidence == "regex" {
		var existing model.PriceObservation
		err := s.db.WithContext(ctx).
			Select("id", "evidence").
			Where("offer_id = ? AND observed_date = ?", obs.OfferID, obs.ObservedDate).
			First(&existing).Error
		if err == nil && existing.Evidence != "regex" {
			s.logger.Debug("keep stronger observation for the day",
				slog.Uint64("offer_id", uint64(obs.OfferID)),
				slog.String("existing_evidence", existing.Evidence))
			return nil
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check existing observation: %w", err)
		}
	}

	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "offer_id"}, {Name: "observed_date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"observed_at", "price", "original_price", "currency", "available",
			"evidence", "fetch_url", "final_url", "page_title", "fingerprint",
		}),
	}).Create(obs).Error; err != nil {
		return fmt.Errorf("upsert observation: %w", err)
	}
	return nil
}

// RecordSuccess 在成功观测后回写报价与商品镜像。
//
// 报价侧：清零连续失败计数、刷新 last_seen_at，并将成功解析的最终 URL
// 记为下次运行的首选候选。商品侧：镜像当前价格。
func (s *Store) RecordSuccess(ctx context.Context, offer *model.Offer, obs *model.PriceObservation) error {
	now := obs.ObservedAt
	if err := s.db.WithContext(ctx).
		Model(&model.Offer{}).
		Where("id = ?", offer.ID).
		Updates(map[string]interface{}{
			"fail_streak":  0,
			"last_seen_at": now,
			"known_url":    obs.FinalURL,
		}).Error; err != nil {
		return fmt.Errorf("update offer after success: %w", err)
	}

	if offer.ProductID != 0 {
		if err := s.db.WithContext(ctx).
			Model(&model.Product{}).
			Where("id = ?", offer.ProductID).
			Updates(map[string]interface{}{
				"current_price":    obs.Price,
				"current_currency": obs.Currency,
				"price_checked_at": now,
			}).Error; err != nil {
			return fmt.Errorf("mirror product price: %w", err)
		}
	}
	return nil
}

// RecordFailure 累加报价的连续失败计数。
//
// 达到 deactivateAfter 阈值时停用报价并返回 true。
func (s *Store) RecordFailure(ctx context.Context, offerID uint, deactivateAfter int) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&model.Offer{}).
		Where("id = ?", offerID).
		Update("fail_streak", gorm.Expr("fail_streak + 1"))
	if res.Error != nil {
		return false, fmt.Errorf("bump fail streak: %w", res.Error)
	}

	if deactivateAfter <= 0 {
		return false, nil
	}

	deact := s.db.WithContext(ctx).
		Model(&model.Offer{}).
		Where("id = ? AND active = ? AND fail_streak >= ?", offerID, true, deactivateAfter).
		Update("active", false)
	if deact.Error != nil {
		return false, fmt.Errorf("deactivate offer: %w", deact.Error)
	}
	if deact.RowsAffected > 0 {
		s.logger.Warn("offer deactivated after repeated failures",
			slog.Uint64("offer_id", uint64(offerID)),
			slog.Int("threshold", deactivateAfter))
		return true, nil
	}
	return false, nil
}

// CreateRun 登记一次新的刷新运行。
func (s *Store) CreateRun(ctx context.Context, run *model.JobRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("create job run: %w", err)
	}
	return nil
}

// FinalizeRun 将最终状态与计数写回运行记录。
func (s *Store) FinalizeRun(ctx context.Context, run *model.JobRun) error {
	now := time.Now()
	run.FinishedAt = &now
	if err := s.db.WithContext(ctx).
		Model(&model.JobRun{}).
		Where("run_id = ?", run.RunID).
		Updates(map[string]interface{}{
			"status":          run.Status,
			"finished_at":     run.FinishedAt,
			"scanned":         run.Scanned,
			"updated":         run.Updated,
			"failed":          run.Failed,
			"skipped":         run.Skipped,
			"retried":         run.Retried,
			"rate_limited":    run.RateLimited,
			"gate_detected":   run.GateDetected,
			"price_not_found": run.PriceNotFound,
			"deactivated":     run.Deactivated,
			"stopped_early":   run.StoppedEarly,
			"sample_error":    run.SampleError,
		}).Error; err != nil {
		return fmt.Errorf("finalize job run: %w", err)
	}
	return nil
}

// LatestRun 返回最近登记的一次运行。
func (s *Store) LatestRun(ctx context.Context) (*model.JobRun, error) {
	var run model.JobRun
	if err := s.db.WithContext(ctx).
		Order("id DESC").
		First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load latest run: %w", err)
	}
	return &run, nil
}
