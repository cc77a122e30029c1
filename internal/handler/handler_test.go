package handler

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"otp-service/internal/otp"
	"otp-service/internal/ratelimit"
	"otp-service/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Send(ctx context.Context, phone, clientID string) (string, error) {
	args := m.Called(ctx, phone, clientID)
	return args.String(0), args.Error(1)
}

func (m *mockEngine) Verify(ctx context.Context, phone, code string, consume bool) bool {
	args := m.Called(ctx, phone, code, consume)
	return args.Bool(0)
}

type mockForms struct {
	mock.Mock
	requireOtp bool
}

func (m *mockForms) Submit(ctx context.Context, r *service.Report) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *mockForms) RequireOtp() bool {
	return m.requireOtp
}

type healthFunc func(ctx context.Context) map[string]error

func (f healthFunc) HealthCheck(ctx context.Context) map[string]error {
	return f(ctx)
}

type testServer struct {
	router http.Handler
	engine *mockEngine
	forms  *mockForms
}

func newTestServer(t *testing.T, cfg RouterConfig, health HealthChecker) *testServer {
	t.Helper()
	engine := &mockEngine{}
	forms := &mockForms{requireOtp: true}
	h := NewOTPHandler(engine, forms, health, false, zap.NewNop())
	if cfg.SendLimiter != nil {
		t.Cleanup(cfg.SendLimiter.Stop)
	}
	return &testServer{
		router: NewRouter(h, cfg, zap.NewNop()),
		engine: engine,
		forms:  forms,
	}
}

func (s *testServer) do(method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func clientCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == ClientCookieName {
			return c
		}
	}
	return nil
}

func TestSendOTP_IssuesClientCookie(t *testing.T) {
	s := newTestServer(t, RouterConfig{}, nil)

	var clientID string
	s.engine.On("Send", mock.Anything, "05551112233", mock.AnythingOfType("string")).
		Run(func(args mock.Arguments) { clientID = args.String(2) }).
		Return("123456", nil).Once()

	rec := s.do(http.MethodPost, "/otp/send", `{"phone":"05551112233"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"message":"Kod gönderildi."}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "123456")

	cookie := clientCookie(rec)
	require.NotNil(t, cookie)
	assert.Equal(t, clientID, cookie.Value)
	assert.True(t, cookie.HttpOnly)
	s.engine.AssertExpectations(t)
}

func TestSendOTP_ReusesClientCookie(t *testing.T) {
	s := newTestServer(t, RouterConfig{}, nil)
	existing := "3f1c1a52-4f6e-4d0b-9a57-0b1e8b0d2c11"

	s.engine.On("Send", mock.Anything, "05551112233", existing).Return("123456", nil).Once()

	rec := s.do(http.MethodPost, "/otp/send", `{"phone":"05551112233"}`,
		&http.Cookie{Name: ClientCookieName, Value: existing})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, clientCookie(rec))
	s.engine.AssertExpectations(t)
}

func TestSendOTP_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		code       string
		retryAfter string
	}{
		{name: "invalid phone", err: otp.ErrInvalidPhone, status: http.StatusBadRequest, code: "invalid_phone"},
		{
			name:       "cooldown",
			err:        &ratelimit.LimitError{Err: ratelimit.ErrCooldownActive, RetryAfter: 19500 * time.Millisecond},
			status:     http.StatusTooManyRequests,
			code:       "cooldown_active",
			retryAfter: "20",
		},
		{
			name:       "hourly cap",
			err:        &ratelimit.LimitError{Err: ratelimit.ErrSendLimitExceeded, RetryAfter: 53 * time.Minute},
			status:     http.StatusTooManyRequests,
			code:       "send_limit_exceeded",
			retryAfter: "3180",
		},
		{name: "transport", err: fmt.Errorf("%w: boom", otp.ErrTransportFailure), status: http.StatusBadGateway, code: "transport_failure"},
		{name: "backend", err: errors.New("redis down"), status: http.StatusInternalServerError, code: "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, RouterConfig{}, nil)
			s.engine.On("Send", mock.Anything, mock.Anything, mock.Anything).Return("", tt.err).Once()

			rec := s.do(http.MethodPost, "/otp/send", `{"phone":"+905551112233"}`)

			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error":"`+tt.code+`"`)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
			assert.NotContains(t, rec.Body.String(), "redis")
		})
	}
}

func TestSendOTP_BadBody(t *testing.T) {
	s := newTestServer(t, RouterConfig{}, nil)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/otp/send", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/otp/send", `{"phone":""}`).Code)
	s.engine.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendOTP_PerIPLimit(t *testing.T) {
	s := newTestServer(t, RouterConfig{SendLimiter: NewIPRateLimiter(2, time.Minute)}, nil)
	s.engine.On("Send", mock.Anything, mock.Anything, mock.Anything).Return("123456", nil)

	assert.Equal(t, http.StatusOK, s.do(http.MethodPost, "/otp/send", `{"phone":"05551112233"}`).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodPost, "/otp/send", `{"phone":"05551112233"}`).Code)

	rec := s.do(http.MethodPost, "/otp/send", `{"phone":"05551112233"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	s.engine.AssertNumberOfCalls(t, "Send", 2)

	// Verify is not behind the send limiter.
	s.engine.On("Verify", mock.Anything, mock.Anything, mock.Anything, false).Return(true)
	assert.Equal(t, http.StatusOK, s.do(http.MethodPost, "/otp/verify", `{"phone":"05551112233","code":"123456"}`).Code)
}

func TestVerifyOTP_UniformFailure(t *testing.T) {
	s := newTestServer(t, RouterConfig{}, nil)
	s.engine.On("Verify", mock.Anything, "05551112233", "000000", false).Return(false).Once()
	s.engine.On("Verify", mock.Anything, "05551112233", "123456", false).Return(true).Once()

	mismatch := s.do(http.MethodPost, "/otp/verify", `{"phone":"05551112233","code":"000000"}`)
	malformed := s.do(http.MethodPost, "/otp/verify", `{"phone":"05551112233","code":"abc"}`)
	garbage := s.do(http.MethodPost, "/otp/verify", `not json`)

	for _, rec := range []*httptest.ResponseRecorder{mismatch, malformed, garbage} {
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, mismatch.Body.String(), rec.Body.String())
	}

	ok := s.do(http.MethodPost, "/otp/verify", `{"phone":"05551112233","code":"123456"}`)
	assert.Equal(t, http.StatusOK, ok.Code)
	assert.JSONEq(t, `{"success":true}`, ok.Body.String())
	s.engine.AssertExpectations(t)
}

func TestSubmitForm(t *testing.T) {
	s := newTestServer(t, RouterConfig{}, nil)

	var got *service.Report
	s.forms.On("Submit", mock.Anything, mock.AnythingOfType("*service.Report")).
		Run(func(args mock.Arguments) { got = args.Get(1).(*service.Report) }).
		Return(nil).Once()

	rec := s.do(http.MethodPost, "/form/submit", `{
		"category":"Rüşvet","eventDate":"2026-03-01","eventTime":"14:30:00",
		"location":"Depo","details":"Ayrıntı","people":"","phone":"05551112233",
		"otpCode":"123456","kvkkConsent":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Bildiriminiz iletilmiştir.")
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), got.EventDate)
	assert.Equal(t, "14:30", got.EventTime)
	assert.Equal(t, "123456", got.OtpCode)
	assert.True(t, got.KvkkConsent)
}

func TestSubmitForm_Errors(t *testing.T) {
	s := newTestServer(t, RouterConfig{}, nil)
	s.forms.On("Submit", mock.Anything, mock.Anything).Return(service.ErrVerificationRequired).Once()

	rec := s.do(http.MethodPost, "/form/submit", `{"category":"x","details":"y","phone":"05551112233","otpCode":"1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "verification_required")

	rec = s.do(http.MethodPost, "/form/submit", `{"category":"x","details":"y","eventDate":"yesterday"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/form/submit", `{"category":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.forms.AssertNumberOfCalls(t, "Submit", 1)
}

func TestFeatures(t *testing.T) {
	s := newTestServer(t, RouterConfig{}, nil)

	rec := s.do(http.MethodGet, "/features", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"requireOtp":true}`, rec.Body.String())
}

func TestHealth(t *testing.T) {
	healthy := newTestServer(t, RouterConfig{}, healthFunc(func(context.Context) map[string]error {
		return map[string]error{}
	}))
	rec := healthy.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	unhealthy := newTestServer(t, RouterConfig{}, healthFunc(func(context.Context) map[string]error {
		return map[string]error{"store": errors.New("connection refused")}
	}))
	rec = unhealthy.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestRequireHTTPS(t *testing.T) {
	s := newTestServer(t, RouterConfig{RequireHTTPS: true}, nil)

	rec := s.do(http.MethodGet, "/features", "")
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/features", nil)
	req.TLS = &tls.ConnectionState{}
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, RouterConfig{}, nil)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/nope", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, s.do(http.MethodGet, "/otp/send", "").Code)
}
