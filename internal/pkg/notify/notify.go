package notify

import (
	"context"

	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/model"
)

// Notifier 定义运维告警接口。
type Notifier interface {
	// SendRunAlert 发送一次运行的异常告警。
	//
	// 参数:
	//   ctx: 上下文
	//   run: 运行记录（已包含最终计数）
	//   reason: 告警原因 (如 "Session Rejected", "Gate Circuit Breaker Tripped")
	SendRunAlert(ctx context.Context, run *model.JobRun, reason string) error
}
