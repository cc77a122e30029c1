package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"

	"otp-service/internal/clock"
	"otp-service/internal/sender"
	"otp-service/internal/util"

	"go.uber.org/zap"
)

var (
	ErrVerificationRequired = errors.New("verification required")
	ErrInvalidInput         = errors.New("invalid input")
)

const (
	maxDetailsLength = 5000
	maxFieldLength   = 200
)

// Verifier is the part of the OTP engine the form flow needs.
type Verifier interface {
	Verify(ctx context.Context, phone, code string, consume bool) bool
}

// Report is one submitted hotline form.
type Report struct {
	Category    string
	EventDate   time.Time
	EventTime   string
	Location    string
	Details     string
	People      string
	Phone       string
	OtpCode     string
	KvkkConsent bool
}

type FormOptions struct {
	RequireOtp bool
	To         string
	Company    string
}

// FormService turns verified form submissions into report mails.
type FormService struct {
	verifier Verifier
	mailer   sender.MailSender
	opts     FormOptions
	clock    clock.Clock
	logger   *zap.Logger
}

var reportTemplate = template.Must(template.New("report").Parse(`<div style="font-family:system-ui,Arial,sans-serif;color:#111">
<h2 style="margin:0 0 8px">{{.Company}}</h2>
<p style="color:#64748b;font-size:12px">{{.ReceivedAt}}</p>
<table cellpadding="4">
<tr><td>Kategori</td><td><b>{{.Category}}</b></td></tr>
<tr><td>Tarih / Saat</td><td>{{.EventDate}} {{.EventTime}}</td></tr>
<tr><td>Konum</td><td>{{.Location}}</td></tr>
<tr><td>İlgili Kişiler</td><td>{{.People}}</td></tr>
{{if .Phone}}<tr><td>Telefon</td><td>{{.Phone}}</td></tr>
{{end}}<tr><td>KVKK Onayı</td><td>{{if .KvkkConsent}}Evet{{else}}Hayır{{end}}</td></tr>
</table>
<div style="margin-top:16px;white-space:pre-wrap">{{.Details}}</div>
</div>`))

func NewFormService(verifier Verifier, mailer sender.MailSender, clk clock.Clock, opts FormOptions) *FormService {
	if clk == nil {
		clk = clock.New()
	}
	if opts.Company == "" {
		opts.Company = "Etik Hat"
	}
	return &FormService{
		verifier: verifier,
		mailer:   mailer,
		opts:     opts,
		clock:    clk,
		logger:   util.Named("form"),
	}
}

func (s *FormService) RequireOtp() bool {
	return s.opts.RequireOtp
}

// Submit verifies the attached code, consuming it, and mails the report.
// When codes are optional a supplied pair is still consumed, but a failed
// check does not block the report.
func (s *FormService) Submit(ctx context.Context, r *Report) error {
	if r == nil || strings.TrimSpace(r.Category) == "" || strings.TrimSpace(r.Details) == "" {
		return ErrInvalidInput
	}

	phone := strings.TrimSpace(r.Phone)
	code := strings.TrimSpace(r.OtpCode)

	if s.opts.RequireOtp {
		if phone == "" || code == "" {
			return ErrVerificationRequired
		}
		if !s.verifier.Verify(ctx, phone, code, true) {
			return ErrVerificationRequired
		}
	} else if phone != "" && code != "" {
		s.verifier.Verify(ctx, phone, code, true)
	}

	if util.ContainsSuspicious(r.Details) || util.ContainsSuspicious(r.Location) || util.ContainsSuspicious(r.People) {
		s.logger.Warn("Report contains script-like content", zap.String("category", util.Truncate(r.Category, 40)))
	}

	body, err := s.render(r)
	if err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}

	msg := sender.Message{
		To:       []string{s.opts.To},
		Subject:  s.opts.Company + " | Etik Hat Bildirimi",
		TextBody: util.Truncate(strings.TrimSpace(r.Details), maxDetailsLength),
		HTMLBody: body,
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		s.logger.Error("Failed to send report mail", zap.Error(err))
		return fmt.Errorf("failed to send report: %w", err)
	}

	s.logger.Info("Report submitted",
		zap.String("category", util.Truncate(r.Category, 40)),
		zap.Bool("with_phone", phone != ""),
	)
	return nil
}

func (s *FormService) render(r *Report) (string, error) {
	field := func(v string) string {
		return util.Truncate(strings.TrimSpace(v), maxFieldLength)
	}

	eventDate := ""
	if !r.EventDate.IsZero() {
		eventDate = r.EventDate.Format("02.01.2006")
	}

	var buf bytes.Buffer
	err := reportTemplate.Execute(&buf, map[string]any{
		"Company":     s.opts.Company,
		"ReceivedAt":  s.clock.Now().Format("02.01.2006 15:04"),
		"Category":    field(r.Category),
		"EventDate":   eventDate,
		"EventTime":   field(r.EventTime),
		"Location":    field(r.Location),
		"People":      field(r.People),
		"Phone":       field(r.Phone),
		"KvkkConsent": r.KvkkConsent,
		"Details":     util.Truncate(strings.TrimSpace(r.Details), maxDetailsLength),
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
