package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net/smtp"
	"strconv"
	"time"

	"github.com/cascowatch/internal/config"
)

var ErrNotConfigured = errors.New("email: SMTP не настроен")

type Sender struct {
	cfg *config.SMTPConfig
	// sendMail подменяется в тестах.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSender(cfg *config.SMTPConfig) *Sender {
	return &Sender{cfg: cfg, sendMail: smtp.SendMail}
}

// Send отправляет HTML-письмо {to, subject, html}. Отправитель берётся из конфигурации.
func (s *Sender) Send(ctx context.Context, to, subject, html string) error {
	if s.cfg.Host == "" || s.cfg.Username == "" || s.cfg.Password == "" {
		return ErrNotConfigured
	}
	if to == "" {
		return errors.New("email: empty recipient")
	}
	from := s.cfg.FromEmail
	if from == "" {
		from = s.cfg.Username
	}
	msg := buildMessage(s.cfg.FromName, from, to, subject, html, time.Now())
	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	done := make(chan error, 1)
	go func() { done <- s.sendMail(addr, auth, from, []string{to}, msg) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("email send: %w", err)
		}
		return nil
	}
}

func buildMessage(fromName, from, to, subject, html string, at time.Time) []byte {
	var buf bytes.Buffer
	buf.WriteString("From: " + mime.QEncoding.Encode("utf-8", fromName) + " <" + from + ">\r\n")
	buf.WriteString("To: " + to + "\r\n")
	buf.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	buf.WriteString("Date: " + at.Format(time.RFC1123Z) + "\r\n")
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	buf.WriteString(html)
	return buf.Bytes()
}

var notificationTmpl = template.Must(template.New("notification").Parse(`<!DOCTYPE html>
<html><body style="font-family:sans-serif">
<h2 style="color:{{if eq .Priority "critical"}}#b00020{{else}}#333{{end}}">{{.Title}}</h2>
<p>{{.Message}}</p>
{{if .Details}}<table>{{range $k, $v := .Details}}<tr><td><b>{{$k}}</b></td><td>{{$v}}</td></tr>{{end}}</table>{{end}}
<p style="color:#888;font-size:12px">Prioridad: {{.Priority}} · {{.At}}</p>
</body></html>`))

// NotificationView — данные шаблона письма.
type NotificationView struct {
	Title    string
	Message  string
	Priority string
	Details  map[string]any
	At       string
}

// RenderNotification рендерит HTML письма-уведомления (значения экранируются).
func RenderNotification(v NotificationView) (string, error) {
	var buf bytes.Buffer
	if err := notificationTmpl.Execute(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}
