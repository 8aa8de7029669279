package model

import (
	"time"
)

// JobRun 状态常量。
const (
	RunStatusRunning   = "running"
	RunStatusSuccess   = "success"
	RunStatusPartial   = "partial"
	RunStatusNoSession = "no_session"
)

// Product 表示目录中的一个商品条目。
//
// 商品是展示层实体，价格镜像字段由刷新引擎回写，历史价格保存在
// price_observations 表中。
type Product struct {
	ID        uint      `gorm:"primaryKey"` // 商品唯一标识
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间

	Title    string // 商品标题
	ImageURL string // 主图链接
	Slug     string `gorm:"type:varchar(191);uniqueIndex"` // 目录内短链标识

	CurrentPrice    float64    // 当前镜像价格（由最近一次成功观测回写）
	CurrentCurrency string     `gorm:"type:varchar(8);default:BRL"` // 镜像价格币种
	PriceCheckedAt  *time.Time // 镜像价格最后确认时间

	Offers []Offer `gorm:"foreignKey:ProductID"` // 关联的平台报价
}

// Offer 表示商品在平台侧的一个被跟踪报价。
//
// SourceID 是平台原始商品 ID（如 MLB3607761821），用于构造候选 URL 与去重。
// KnownURL 保存最近一次成功解析的页面地址，可能带联盟跟踪参数。
type Offer struct {
	ID        uint      `gorm:"primaryKey"` // 内部 ID
	CreatedAt time.Time // 首次登记时间
	UpdatedAt time.Time // 更新时间

	ProductID uint    `gorm:"index"`                                  // 所属商品 ID
	Product   Product `gorm:"foreignKey:ProductID"`                   // 所属商品
	SourceID  string  `gorm:"type:varchar(191);uniqueIndex;not null"` // 平台原始 ID (唯一索引)
	KnownURL  string  // 最近一次成功解析的页面 URL（可为空）

	Active     bool       `gorm:"default:true;index"` // 是否参与刷新
	FailStreak int        `gorm:"default:0"`          // 连续刷新失败次数
	LastSeenAt *time.Time // 最近一次成功观测时间
}

// PriceObservation 表示一次成功的价格读取及其完整来源信息。
//
// 每个 (offer_id, observed_date) 至多一行，重复观测按溯源强度覆盖更新。
type PriceObservation struct {
	ID        uint      `gorm:"primaryKey"` // 观测唯一标识
	CreatedAt time.Time // 写入时间
	UpdatedAt time.Time // 更新时间

	OfferID      uint      `gorm:"uniqueIndex:idx_offer_day;not null"`                  // 关联报价 ID
	ObservedDate string    `gorm:"type:varchar(10);uniqueIndex:idx_offer_day;not null"` // 观测日期 (YYYY-MM-DD)
	ObservedAt   time.Time // 观测时刻

	Price         float64  `gorm:"not null"`                    // 解析出的价格（恒为正）
	OriginalPrice *float64 // 划线原价（促销页才有，可为空）
	Currency      string   `gorm:"type:varchar(8);default:BRL"` // 币种
	Available     bool     `gorm:"default:true"`                // 观测时报价是否可购
	Evidence      string   `gorm:"type:varchar(32);not null"`   // 证据类型: meta / ldjson / preloaded_state / next_data / regex

	FetchURL    string // 实际请求的候选 URL
	FinalURL    string // 重定向后的最终 URL
	PageTitle   string // 页面标题（诊断用）
	Fingerprint string `gorm:"type:varchar(32)"` // 页面内容指纹 (xxhash, 十六进制)
}

// JobRun 表示一次完整的批量刷新运行及其审计计数。
type JobRun struct {
	ID        uint      `gorm:"primaryKey"` // 运行唯一标识
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间

	RunID      string     `gorm:"type:varchar(64);uniqueIndex;not null"` // 外部引用 ID (uuid)
	Status     string     `gorm:"type:varchar(16);default:running"`     // running / success / partial / no_session
	StartedAt  time.Time  // 开始时间
	FinishedAt *time.Time // 结束时间

	Scanned       int    // 扫描的报价数
	Updated       int    // 成功写入观测的报价数
	Failed        int    // 刷新失败的报价数
	Skipped       int    // 因新鲜度窗口跳过的报价数
	Retried       int    // HTTP 重试总次数
	RateLimited   int    // 收到 429 的次数
	GateDetected  int    // 判定为风控/登录墙的页面数
	PriceNotFound int    // 页面正常但未能提取价格的次数
	Deactivated   int    // 本次运行中被停用的报价数
	StoppedEarly  bool   // 是否因连续风控熔断提前结束
	SampleError   string `gorm:"type:varchar(512)"` // 首个失败的错误样本
}
