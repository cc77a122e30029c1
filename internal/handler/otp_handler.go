package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"otp-service/internal/otp"
	"otp-service/internal/ratelimit"
	"otp-service/internal/service"
	"otp-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	msgCodeSent         = "Kod gönderildi."
	msgCodeMirrored     = "Kod üretildi ve e-posta ile iletildi."
	msgVerifyFailed     = "Kod hatalı veya süresi doldu."
	msgVerifyRequired   = "Doğrulama gerekli."
	msgReportSent       = "Bildiriminiz iletilmiştir."
	msgInvalidRequest   = "Geçersiz istek."
	msgInvalidPhone     = "Geçersiz telefon numarası."
	msgCooldown         = "Lütfen yeni kod istemeden önce bekleyin."
	msgSendLimit        = "Saatlik kod gönderim sınırına ulaşıldı."
	msgTransportFailure = "Kod gönderilemedi. Lütfen daha sonra tekrar deneyin."
	msgUnexpected       = "Beklenmeyen bir hata oluştu."
)

// OTPEngine is the slice of otp.Engine the handlers call.
type OTPEngine interface {
	Send(ctx context.Context, phone, clientID string) (string, error)
	Verify(ctx context.Context, phone, code string, consume bool) bool
}

// FormSubmitter is satisfied by service.FormService.
type FormSubmitter interface {
	Submit(ctx context.Context, r *service.Report) error
	RequireOtp() bool
}

// HealthChecker reports per-component failures; an empty map means healthy.
type HealthChecker interface {
	HealthCheck(ctx context.Context) map[string]error
}

type SendOTPRequest struct {
	Phone string `json:"phone" validate:"required,max=32"`
}

type VerifyOTPRequest struct {
	Phone string `json:"phone" validate:"required,max=32"`
	Code  string `json:"code" validate:"required,numeric,max=18"`
}

type SubmitFormRequest struct {
	Category    string `json:"category" validate:"required,max=100"`
	EventDate   string `json:"eventDate" validate:"omitempty,max=40"`
	EventTime   string `json:"eventTime" validate:"omitempty,max=16"`
	Location    string `json:"location" validate:"max=200"`
	Details     string `json:"details" validate:"required,max=5000"`
	People      string `json:"people" validate:"max=500"`
	Phone       string `json:"phone" validate:"max=32"`
	OtpCode     string `json:"otpCode" validate:"max=18"`
	KvkkConsent bool   `json:"kvkkConsent"`
}

// OTPHandler serves the OTP and form endpoints.
type OTPHandler struct {
	engine  OTPEngine
	forms   FormSubmitter
	health  HealthChecker
	mirror  bool
	timeout time.Duration
	logger  *zap.Logger
}

func NewOTPHandler(engine OTPEngine, forms FormSubmitter, health HealthChecker, mirror bool, logger *zap.Logger) *OTPHandler {
	if logger == nil {
		logger = util.Named("http")
	}
	return &OTPHandler{
		engine:  engine,
		forms:   forms,
		health:  health,
		mirror:  mirror,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// RegisterRoutes mounts the endpoints. sendLimit wraps only /otp/send.
func (h *OTPHandler) RegisterRoutes(router chi.Router, sendLimit func(http.Handler) http.Handler) {
	router.Route("/otp", func(r chi.Router) {
		r.With(sendLimit).Post("/send", h.SendOTP)
		r.Post("/verify", h.VerifyOTP)
	})
	router.Post("/form/submit", h.SubmitForm)
	router.Get("/features", h.Features)
	router.Get("/health", h.HealthCheck)
}

func (h *OTPHandler) SendOTP(w http.ResponseWriter, r *http.Request) {
	var req SendOTPRequest
	if !h.decode(w, r, &req) {
		return
	}

	if _, err := h.engine.Send(r.Context(), req.Phone, ClientIDFromContext(r.Context())); err != nil {
		status, code, message := h.getStatusCode(err)
		if wait, ok := ratelimit.RetryAfter(err); ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		}
		if status >= http.StatusInternalServerError {
			h.logger.Error("OTP send failed", util.ErrorField(err))
		}
		respondWithError(h.logger, w, status, code, message)
		return
	}

	message := msgCodeSent
	if h.mirror {
		message = msgCodeMirrored
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(nil, message))
}

// VerifyOTP checks a code without consuming it. Every failure gets the same
// body.
func (h *OTPHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || validateStruct(&req) != nil {
		respondWithError(h.logger, w, http.StatusBadRequest, "verification_failed", msgVerifyFailed)
		return
	}

	if !h.engine.Verify(r.Context(), req.Phone, req.Code, false) {
		respondWithError(h.logger, w, http.StatusBadRequest, "verification_failed", msgVerifyFailed)
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(nil, ""))
}

func (h *OTPHandler) SubmitForm(w http.ResponseWriter, r *http.Request) {
	var req SubmitFormRequest
	if !h.decode(w, r, &req) {
		return
	}

	eventDate, ok := parseEventDate(req.EventDate)
	if !ok {
		respondWithError(h.logger, w, http.StatusBadRequest, "invalid_request", msgInvalidRequest)
		return
	}

	err := h.forms.Submit(r.Context(), &service.Report{
		Category:    req.Category,
		EventDate:   eventDate,
		EventTime:   trimSeconds(req.EventTime),
		Location:    req.Location,
		Details:     req.Details,
		People:      req.People,
		Phone:       req.Phone,
		OtpCode:     req.OtpCode,
		KvkkConsent: req.KvkkConsent,
	})
	if err != nil {
		status, code, message := h.getStatusCode(err)
		respondWithError(h.logger, w, status, code, message)
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(nil, msgReportSent))
}

func (h *OTPHandler) Features(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(h.logger, w, http.StatusOK, map[string]bool{"requireOtp": h.forms.RequireOtp()})
}

func (h *OTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	components := map[string]string{}
	status := http.StatusOK
	if h.health != nil {
		for name, err := range h.health.HealthCheck(ctx) {
			components[name] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	body := map[string]interface{}{"status": "healthy", "service": "otp-service"}
	if status != http.StatusOK {
		body["status"] = "unhealthy"
		body["components"] = components
	}
	respondWithJSON(h.logger, w, status, body)
}

func (h *OTPHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondWithError(h.logger, w, http.StatusBadRequest, "invalid_request", msgInvalidRequest)
		return false
	}
	if err := validateStruct(dst); err != nil {
		h.logger.Debug("Request validation failed", util.ErrorField(err))
		respondWithError(h.logger, w, http.StatusBadRequest, "invalid_request", msgInvalidRequest)
		return false
	}
	return true
}

// getStatusCode maps domain errors onto status, error code and message.
func (h *OTPHandler) getStatusCode(err error) (int, string, string) {
	switch {
	case errors.Is(err, otp.ErrInvalidPhone):
		return http.StatusBadRequest, "invalid_phone", msgInvalidPhone
	case errors.Is(err, otp.ErrCooldownActive):
		return http.StatusTooManyRequests, "cooldown_active", msgCooldown
	case errors.Is(err, otp.ErrSendLimitExceeded):
		return http.StatusTooManyRequests, "send_limit_exceeded", msgSendLimit
	case errors.Is(err, otp.ErrTransportFailure):
		return http.StatusBadGateway, "transport_failure", msgTransportFailure
	case errors.Is(err, service.ErrVerificationRequired):
		return http.StatusBadRequest, "verification_required", msgVerifyRequired
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request", msgInvalidRequest
	default:
		return http.StatusInternalServerError, "internal_error", msgUnexpected
	}
}

// parseEventDate accepts a date input value or a full timestamp.
func parseEventDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, true
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// trimSeconds turns "14:30:00" into "14:30".
func trimSeconds(s string) string {
	s = strings.TrimSpace(s)
	if len(s) == 8 && strings.Count(s, ":") == 2 {
		return s[:5]
	}
	return s
}
