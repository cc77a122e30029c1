package sender

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"mime"
	"net/smtp"
	"strings"

	"otp-service/internal/config"
	"otp-service/internal/util"

	"go.uber.org/zap"
)

var (
	ErrNoRecipients = errors.New("no mail recipients")
	ErrMailHost     = errors.New("smtp host and port are required")
)

type Message struct {
	To       []string
	Subject  string
	TextBody string
	HTMLBody string
}

// MailSender is satisfied by Mailer.
type MailSender interface {
	Send(ctx context.Context, msg Message) error
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Mailer struct {
	addr   string
	from   string
	auth   smtp.Auth
	send   sendFunc
	logger *zap.Logger
}

func NewMailer(cfg config.MailConfig) (*Mailer, error) {
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, ErrMailHost
	}

	var auth smtp.Auth
	if cfg.Username != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	return &Mailer{
		addr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		from:   cfg.From,
		auth:   auth,
		send:   smtp.SendMail,
		logger: util.Named("mailer"),
	}, nil
}

func (m *Mailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(msg.To) == 0 {
		return ErrNoRecipients
	}

	body, contentType := buildBody(msg)
	headers := []string{
		"From: " + m.from,
		"To: " + strings.Join(msg.To, ", "),
		"Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject),
		"MIME-Version: 1.0",
		"Content-Type: " + contentType,
	}
	raw := strings.Join(headers, "\r\n") + "\r\n\r\n" + body

	if err := m.send(m.addr, m.auth, m.from, msg.To, []byte(raw)); err != nil {
		m.logger.Error("Failed to send mail", zap.Strings("to", msg.To), zap.Error(err))
		return fmt.Errorf("smtp send failed: %w", err)
	}

	m.logger.Debug("Mail sent", zap.Strings("to", msg.To), zap.Int("size", len(raw)))
	return nil
}

func buildBody(msg Message) (string, string) {
	if msg.HTMLBody != "" && msg.TextBody != "" {
		boundary := multipartBoundary()
		var sb strings.Builder
		fmt.Fprintf(&sb, "--%s\r\n", boundary)
		sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		sb.WriteString(msg.TextBody)
		fmt.Fprintf(&sb, "\r\n--%s\r\n", boundary)
		sb.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		sb.WriteString(msg.HTMLBody)
		fmt.Fprintf(&sb, "\r\n--%s--", boundary)
		return sb.String(), "multipart/alternative; boundary=" + boundary
	}
	if msg.HTMLBody != "" {
		return msg.HTMLBody, "text/html; charset=UTF-8"
	}
	return msg.TextBody, "text/plain; charset=UTF-8"
}

func multipartBoundary() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "otp-boundary"
	}
	return "otp-boundary-" + hex.EncodeToString(b[:])
}

// MirrorSender mails OTP messages to a fixed inbox instead of texting the
// phone. It is used where no SMS contract exists yet.
type MirrorSender struct {
	mailer  MailSender
	to      string
	company string
}

func NewMirrorSender(mailer MailSender, to, company string) *MirrorSender {
	return &MirrorSender{mailer: mailer, to: to, company: company}
}

func (s *MirrorSender) Deliver(ctx context.Context, destination, message string) error {
	masked := util.MaskPhone(destination)
	return s.mailer.Send(ctx, Message{
		To:       []string{s.to},
		Subject:  fmt.Sprintf("%s doğrulama kodu (%s)", s.company, masked),
		TextBody: fmt.Sprintf("Telefon: %s\r\n%s", masked, message),
		HTMLBody: fmt.Sprintf("<p>Telefon: <b>%s</b></p><p>%s</p>", html.EscapeString(masked), html.EscapeString(message)),
	})
}

// LogMailer stands in for SMTP when no mail host is configured.
type LogMailer struct {
	logger *zap.Logger
}

func NewLogMailer() *LogMailer {
	return &LogMailer{logger: util.Named("mailer.mock")}
}

func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(msg.To) == 0 || msg.To[0] == "" {
		return ErrNoRecipients
	}
	m.logger.Info("Mail delivery simulated",
		zap.Strings("to", msg.To),
		zap.Int("size", len(msg.TextBody)+len(msg.HTMLBody)),
	)
	return nil
}
