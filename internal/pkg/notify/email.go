package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/config"
	"github.com/achadinhosliviaemaiquel-coder/achadinhoslm-sub000/internal/model"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 实现邮件告警。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
}

// NewEmailNotifier 创建一个新的邮件告警器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
}

// SendRunAlert 发送运行异常告警邮件。
func (n *EmailNotifier) SendRunAlert(ctx context.Context, run *model.JobRun, reason string) error {
	if n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		n.logger.Warn("email config missing, skip alert")
		return nil
	}
	if strings.TrimSpace(n.cfg.AlertTo) == "" {
		n.logger.Warn("alert recipient empty, skip alert")
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", n.cfg.AlertTo)
	m.SetHeader("Subject", fmt.Sprintf("[pricebot] ⚠ %s", reason))
	m.SetBody("text/html", buildRunAlertBody(run, reason))

	d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)

	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("run alert sent",
		slog.String("to", n.cfg.AlertTo),
		slog.String("reason", reason),
		slog.String("run_id", run.RunID))
	return nil
}

func buildRunAlertBody(run *model.JobRun, reason string) string {
	template := `
<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 600px; margin: 24px auto; background: #ffffff; border-radius: 12px; overflow: hidden; border: 1px solid #e5e7eb; }
  .header { background: #7f1d1d; color: #ffffff; padding: 16px 20px; font-size: 16px; font-weight: bold; }
  .content { padding: 20px; }
  table { border-collapse: collapse; width: 100%%; }
  td { padding: 6px 8px; border-bottom: 1px solid #e5e7eb; font-size: 14px; }
  td:first-child { color: #6b7280; width: 40%%; }
  .footer { margin-top: 20px; font-size: 12px; color: #6b7280; }
</style>
</head>
<body>
  <div class="card">
    <div class="header">[pricebot] ⚠ %s</div>
    <div class="content">
      <table>
        <tr><td>Run</td><td>%s</td></tr>
        <tr><td>Status</td><td>%s</td></tr>
        <tr><td>Scanned</td><td>%d</td></tr>
        <tr><td>Updated</td><td>%d</td></tr>
        <tr><td>Failed</td><td>%d</td></tr>
        <tr><td>Gate detected</td><td>%d</td></tr>
        <tr><td>Stopped early</td><td>%v</td></tr>
        <tr><td>Sample error</td><td>%s</td></tr>
      </table>
      <div class="footer">O motor de preços precisa de atenção — verifique a sessão do marketplace.</div>
    </div>
  </div>
</body>
</html>`

	return fmt.Sprintf(template, reason, run.RunID, run.Status,
		run.Scanned, run.Updated, run.Failed, run.GateDetected,
		run.StoppedEarly, run.SampleError)
}
