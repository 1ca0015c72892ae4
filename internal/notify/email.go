package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/gomail.v2"

	"feedcrawler/internal/logbus"
	"feedcrawler/internal/model"
)

type EmailSettingsSource interface {
	GetEmailSettings(ctx context.Context) (model.EmailSettings, bool, error)
}

// Sender delivers one digest. The default dials SMTP with gomail.
type Sender func(ctx context.Context, settings model.EmailSettings, events []Event) error

// EmailNotifier batches events into digests: a batch is flushed when the
// summary window passes without a new event, or when it reaches maxBatch.
type EmailNotifier struct {
	settings EmailSettingsSource
	bus      *logbus.Bus
	send     Sender

	mu     sync.Mutex
	queue  chan Event
	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup

	summaryWindow time.Duration
	maxBatch      int
}

type EmailOptions struct {
	// SummaryWindow of zero sends every event immediately; negative reads
	// FEEDCRAWLER_EMAIL_SUMMARY_SECONDS.
	SummaryWindow time.Duration
	MaxBatch      int
	Sender        Sender
}

func NewEmailNotifier(settings EmailSettingsSource, bus *logbus.Bus, opts EmailOptions) *EmailNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	window := opts.SummaryWindow
	if window < 0 {
		window = emailSummaryWindow()
	}
	maxBatch := opts.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 80
	}
	send := opts.Sender
	if send == nil {
		send = SendDigestEmail
	}
	n := &EmailNotifier{
		settings:      settings,
		bus:           bus,
		send:          send,
		queue:         make(chan Event, 200),
		ctx:           ctx,
		cancel:        cancel,
		summaryWindow: window,
		maxBatch:      maxBatch,
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

func (n *EmailNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *EmailNotifier) Notify(_ context.Context, evt Event) {
	select {
	case n.queue <- evt:
	default:
		n.bus.Log("warn", "邮件通知丢弃：队列已满", map[string]any{
			"kind":     string(evt.Kind),
			"targetId": evt.TargetID,
			"taskId":   evt.TaskID,
		})
	}
}

func (n *EmailNotifier) loop() {
	defer n.wg.Done()

	var (
		pending []Event
		timer   *time.Timer
		timerCh <-chan time.Time
	)

	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
		timerCh = nil
	}

	resetTimer := func() {
		if n.summaryWindow <= 0 {
			return
		}
		if timer == nil {
			timer = time.NewTimer(n.summaryWindow)
			timerCh = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(n.summaryWindow)
	}

	flush := func(reason string) {
		if len(pending) == 0 {
			stopTimer()
			return
		}
		events := append([]Event(nil), pending...)
		pending = pending[:0]
		stopTimer()
		n.handleBatch(reason, events)
	}

	for {
		select {
		case <-n.ctx.Done():
		drain:
			for {
				select {
				case evt := <-n.queue:
					pending = append(pending, evt)
				default:
					break drain
				}
			}
			flush("shutdown")
			return
		case evt := <-n.queue:
			pending = append(pending, evt)
			if len(pending) >= n.maxBatch {
				flush("max")
				continue
			}
			if n.summaryWindow <= 0 {
				flush("immediate")
				continue
			}
			resetTimer()
		case <-timerCh:
			flush("idle")
		}
	}
}

func (n *EmailNotifier) handleBatch(reason string, events []Event) {
	if n.settings == nil {
		return
	}

	// shutdown flushes run after cancel, so settings are read detached
	ctx, cancel := context.WithTimeout(context.WithoutCancel(n.ctx), 30*time.Second)
	defer cancel()

	settings, ok, err := n.settings.GetEmailSettings(ctx)
	if err != nil {
		n.bus.Log("warn", "读取邮件配置失败", map[string]any{"error": err.Error()})
		return
	}
	if !ok || !settings.Enabled {
		n.bus.Log("debug", "邮件通知未启用", map[string]any{
			"count":  len(events),
			"reason": reason,
		})
		return
	}

	if err := validateEmailSettings(settings); err != nil {
		n.bus.Log("warn", "邮件配置无效", map[string]any{"error": err.Error()})
		return
	}

	if err := n.send(ctx, settings, events); err != nil {
		n.bus.Log("warn", "邮件发送失败", map[string]any{
			"error":  err.Error(),
			"count":  len(events),
			"reason": reason,
		})
		return
	}

	n.bus.Log("info", "通知邮件已发送", map[string]any{
		"count":  len(events),
		"reason": reason,
		"to":     strings.TrimSpace(settings.Email),
	})
}

func validateEmailSettings(s model.EmailSettings) error {
	email := strings.TrimSpace(s.Email)
	if email == "" {
		return errors.New("email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return errors.New("invalid email")
	}
	if strings.TrimSpace(s.AuthCode) == "" {
		return errors.New("authCode is required")
	}
	return nil
}

// SendDigestEmail sends one summary mail for events over SMTP.
func SendDigestEmail(ctx context.Context, settings model.EmailSettings, events []Event) error {
	if err := validateEmailSettings(settings); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(events) == 0 {
		return errors.New("no events")
	}

	email := strings.TrimSpace(settings.Email)
	host, port, useSSL, err := smtpConfig(settings)
	if err != nil {
		return err
	}
	htmlBody, textBody, err := buildDigestBody(events)
	if err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", msg.FormatAddress(email, "采集助手"))
	msg.SetHeader("To", email)
	msg.SetHeader("Subject", buildDigestSubject(events))
	msg.SetBody("text/plain", textBody)
	msg.AddAlternative("text/html", htmlBody)

	d := gomail.NewDialer(host, port, email, strings.TrimSpace(settings.AuthCode))
	d.SSL = useSSL
	return d.DialAndSend(msg)
}

func smtpConfig(s model.EmailSettings) (host string, port int, useSSL bool, err error) {
	if h := strings.TrimSpace(s.SMTPHost); h != "" {
		port = s.SMTPPort
		if port <= 0 {
			port = 465
		}
		return h, port, port == 465, nil
	}

	parts := strings.Split(strings.TrimSpace(s.Email), "@")
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return "", 0, false, errors.New("invalid email format")
	}
	domain := strings.ToLower(strings.TrimSpace(parts[1]))
	is := func(d string) bool { return domain == d || strings.HasSuffix(domain, "."+d) }

	switch {
	case is("qq.com") || is("foxmail.com"):
		return "smtp.qq.com", 465, true, nil
	case is("163.com") || is("126.com") || is("yeah.net"):
		return "smtp.163.com", 465, true, nil
	case is("gmail.com"):
		return "smtp.gmail.com", 587, false, nil
	case is("outlook.com") || is("hotmail.com") || is("live.com"):
		return "smtp.office365.com", 587, false, nil
	default:
		return "smtp." + domain, 465, true, nil
	}
}

func buildDigestSubject(events []Event) string {
	counts := map[Kind]int{}
	for _, e := range events {
		counts[e.Kind]++
	}
	if n := counts[KindSessionExpired]; n > 0 {
		return fmt.Sprintf("采集提醒：%d 个会话需要处理（共 %d 条通知）", n, len(events))
	}
	return fmt.Sprintf("采集汇总（%d 条通知）", len(events))
}

var digestHTMLTpl = template.Must(template.New("digest").Parse(`
<!doctype html>
<html lang="zh-CN">
  <head><meta charset="utf-8" /><title>采集汇总</title></head>
  <body style="margin:0;padding:0;background:#f6f8fb;font-family:-apple-system,'Segoe UI',Roboto,'PingFang SC','Microsoft YaHei',sans-serif;">
    <div style="max-width:720px;margin:0 auto;padding:24px;">
      <div style="background:#ffffff;border:1px solid #e6e8ef;border-radius:14px;overflow:hidden;">
        <div style="padding:18px 22px;background:linear-gradient(135deg,#0ea5e9,#6366f1);color:#ffffff;">
          <div style="font-size:16px;font-weight:700;">采集汇总</div>
          <div style="margin-top:6px;font-size:12px;">共 {{ .Total }} 条，{{ .Start }} ~ {{ .End }}</div>
        </div>
        <table role="presentation" cellspacing="0" cellpadding="0" border="0" style="width:100%;border-collapse:collapse;">
          <tbody>
            {{ range .Rows }}
            <tr>
              <td style="padding:10px 12px;font-size:12px;color:#6b7280;border-bottom:1px solid #eef0f6;">{{ .At }}</td>
              <td style="padding:10px 12px;font-size:12px;color:#111827;font-weight:600;border-bottom:1px solid #eef0f6;">{{ .Kind }}</td>
              <td style="padding:10px 12px;font-size:12px;color:#111827;border-bottom:1px solid #eef0f6;">{{ .Detail }}</td>
            </tr>
            {{ end }}
          </tbody>
        </table>
        <div style="padding:14px 22px;color:#9ca3af;font-size:12px;">此邮件由系统自动发送</div>
      </div>
    </div>
  </body>
</html>
`))

type digestRow struct {
	At     string
	Kind   string
	Detail string
}

func buildDigestBody(events []Event) (htmlBody string, textBody string, err error) {
	if len(events) == 0 {
		return "", "", errors.New("no events")
	}

	rows := make([]digestRow, 0, len(events))
	var minAt, maxAt time.Time
	for i, evt := range events {
		at := time.Now()
		if evt.At > 0 {
			at = time.UnixMilli(evt.At)
		}
		if i == 0 || at.Before(minAt) {
			minAt = at
		}
		if i == 0 || at.After(maxAt) {
			maxAt = at
		}
		rows = append(rows, digestRow{
			At:     at.Format("2006-01-02 15:04:05"),
			Kind:   kindLabel(evt.Kind),
			Detail: describe(evt),
		})
	}

	data := struct {
		Total int
		Start string
		End   string
		Rows  []digestRow
	}{
		Total: len(events),
		Start: minAt.Format("2006-01-02 15:04:05"),
		End:   maxAt.Format("2006-01-02 15:04:05"),
		Rows:  rows,
	}

	var buf bytes.Buffer
	if err := digestHTMLTpl.Execute(&buf, data); err != nil {
		return "", "", err
	}

	text := new(strings.Builder)
	fmt.Fprintf(text, "采集汇总\n共 %d 条，%s ~ %s\n", data.Total, data.Start, data.End)
	for _, row := range rows {
		fmt.Fprintf(text, "- %s | %s | %s\n", row.At, row.Kind, row.Detail)
	}
	return buf.String(), text.String(), nil
}

func describe(evt Event) string {
	target := strings.TrimSpace(evt.Target)
	if target == "" {
		target = evt.TargetID
	}
	switch evt.Kind {
	case KindNewContent:
		return fmt.Sprintf("%s 新增 %d 条", target, evt.Count)
	case KindSessionExpired:
		return fmt.Sprintf("会话不可用：%s", evt.Reason)
	case KindTargetCooldown:
		until := ""
		if evt.Until > 0 {
			until = "，至 " + time.UnixMilli(evt.Until).Format("01-02 15:04")
		}
		return fmt.Sprintf("%s 进入冷却（%s%s）", target, evt.Reason, until)
	case KindHighRisk:
		return fmt.Sprintf("%s 风险分 %d", target, evt.RiskScore)
	case KindParseAborted:
		return fmt.Sprintf("%s 中止：%s", target, evt.Reason)
	}
	return target
}

func kindLabel(k Kind) string {
	switch k {
	case KindNewContent:
		return "新内容"
	case KindSessionExpired:
		return "会话失效"
	case KindTargetCooldown:
		return "目标冷却"
	case KindHighRisk:
		return "高风险"
	case KindParseAborted:
		return "采集中止"
	}
	return string(k)
}

func emailSummaryWindow() time.Duration {
	v := strings.TrimSpace(os.Getenv("FEEDCRAWLER_EMAIL_SUMMARY_SECONDS"))
	if v == "" {
		return 20 * time.Second
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 20 * time.Second
	}
	if n <= 0 {
		return 0
	}
	if n > 600 {
		n = 600
	}
	return time.Duration(n) * time.Second
}
