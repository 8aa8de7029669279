package pool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Task 表示对批次中第 idx 个条目执行的处理函数。
type Task func(ctx context.Context, idx int) error

// Pool 固定批次的有界 worker 池。
//
// 与开放式队列不同，它针对一个已知大小的批次运行：启动 min(并发数, 批次大小)
// 个 runner，共享一个原子索引领取条目。单个条目的失败只被记录，不会中断批次。
type Pool struct {
	logger  *slog.Logger
	workers int

	// 指标统计
	stats poolStats
}

// poolStats 池内部统计信息（使用 atomic 类型）。
type poolStats struct {
	TotalProcessed atomic.Int64 // 总处理条目数
	TotalSucceeded atomic.Int64 // 成功条目数
	TotalFailed    atomic.Int64 // 失败条目数
	TotalPanics    atomic.Int64 // Panic 次数
}

// PoolStats 池统计信息快照（普通值类型，可安全拷贝）。
type PoolStats struct {
	TotalProcessed int64
	TotalSucceeded int64
	TotalFailed    int64
	TotalPanics    int64
}

// New 创建一个新的 worker 池。
//
// 参数:
//   - logger: 日志记录器
//   - workers: 最大并发 runner 数（至少为 1）
//
// 返回值:
//   - *Pool: 池实例
func New(logger *slog.Logger, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		logger:  logger,
		workers: workers,
	}
}

// Run 对 [0, n) 范围内的每个条目执行一次 task，返回按条目下标对齐的错误切片。
//
// runner 数取 min(workers, n)。ctx 取消后 runner 不再领取新条目，已领取的
// 条目会执行完毕；未执行的条目错误位置为 ctx.Err()。
func (p *Pool) Run(ctx context.Context, n int, task Task) []error {
	errs := make([]error, n)
	if n <= 0 || task == nil {
		return errs
	}

	runners := p.workers
	if runners > n {
		runners = n
	}

	var next atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < runners; i++ {
		wg.Add(1)
		go func(runnerID int) {
			defer wg.Done()
			for {
				idx := int(next.Add(1)) - 1
				if idx >= n {
					return
				}
				if err := ctx.Err(); err != nil {
					errs[idx] = err
					continue
				}
				errs[idx] = p.execute(ctx, task, idx, runnerID)
			}
		}(i)
	}
	wg.Wait()

	return errs
}

// execute 执行单个条目，带 panic 恢复。
func (p *Pool) execute(ctx context.Context, task Task, idx int, runnerID int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.TotalPanics.Add(1)
			p.stats.TotalFailed.Add(1)
			p.logger.Error("pool task panic recovered",
				slog.Int("runner_id", runnerID),
				slog.Int("index", idx),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	err = task(ctx, idx)
	p.stats.TotalProcessed.Add(1)

	if err != nil {
		p.stats.TotalFailed.Add(1)
		p.logger.Warn("pool task failed",
			slog.Int("runner_id", runnerID),
			slog.Int("index", idx),
			slog.String("error", err.Error()))
	} else {
		p.stats.TotalSucceeded.Add(1)
	}
	return err
}

// Stats 获取池统计信息的快照。
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		TotalProcessed: p.stats.TotalProcessed.Load(),
		TotalSucceeded: p.stats.TotalSucceeded.Load(),
		TotalFailed:    p.stats.TotalFailed.Load(),
		TotalPanics:    p.stats.TotalPanics.Load(),
	}
}
