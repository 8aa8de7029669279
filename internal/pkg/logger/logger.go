package logger

import (
	"log/slog"
	"os"
	"strings"
)

// NewDefault 创建默认的文本格式日志记录器。
//
// 参数:
//
//	level: 日志级别字符串（debug / info / warn / error，未识别时回退为 info）
//
// 返回值:
//
//	*slog.Logger: 日志记录器实例
func NewDefault(level string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(handler)
}

// parseLevel 将级别字符串解析为 slog.Level。
func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
