package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"otp-service/internal/clock"
	"otp-service/internal/config"
	"otp-service/internal/util"

	"go.uber.org/zap"
)

const (
	gatewayTLSPort = 9588
	maxReplyBytes  = 64 << 10
)

type gatewayRequest struct {
	Type         int    `json:"type"`
	SendingType  int    `json:"sendingType"`
	Title        string `json:"title"`
	Content      string `json:"content"`
	Number       int64  `json:"number"`
	Encoding     int    `json:"encoding"`
	Sender       string `json:"sender"`
	Validity     int    `json:"validity"`
	Commercial   bool   `json:"commercial"`
	SkipAhsQuery bool   `json:"skipAhsQuery"`
}

type gatewayReply struct {
	Data *struct {
		PkgID int64 `json:"pkgID"`
	} `json:"data"`
	Err *struct {
		Status  int    `json:"status"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"err"`
}

// GatewaySender posts single SMS messages to the operator's JSON API.
type GatewaySender struct {
	baseURL string
	cfg     config.GatewayConfig
	from    string
	client  *http.Client
	clock   clock.Clock
	logger  *zap.Logger
}

// GatewayBaseURL follows the operator's convention: the TLS listener is on
// 9588, anything else is plain http.
func GatewayBaseURL(host string, port int) string {
	scheme := "http"
	if port == gatewayTLSPort {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

func NewGatewaySender(baseURL string, cfg config.GatewayConfig, from string, clk clock.Clock) *GatewaySender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GatewaySender{
		baseURL: strings.TrimRight(baseURL, "/"),
		cfg:     cfg,
		from:    from,
		client:  &http.Client{Timeout: timeout},
		clock:   clk,
		logger:  util.Named("sender.gateway"),
	}
}

func (s *GatewaySender) Deliver(ctx context.Context, destination, message string) error {
	number, err := msisdn(destination)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(gatewayRequest{
		Type:         1,
		SendingType:  0,
		Title:        s.clock.Now().Format("2006-01-02 15:04:05"),
		Content:      message,
		Number:       number,
		Encoding:     s.cfg.Encoding,
		Sender:       s.from,
		Validity:     s.cfg.Validity,
		Commercial:   s.cfg.Commercial,
		SkipAhsQuery: s.cfg.SkipAhsQuery,
	})
	if err != nil {
		return fmt.Errorf("failed to encode sms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/sms/create", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build sms request: %w", err)
	}
	req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return fmt.Errorf("failed to read sms gateway reply: %w", err)
	}

	var reply gatewayReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return fmt.Errorf("sms gateway returned %d with unreadable body: %w", resp.StatusCode, err)
	}
	if reply.Data != nil {
		s.logger.Info("SMS accepted by gateway",
			util.Phone("destination", destination),
			zap.Int64("pkg_id", reply.Data.PkgID),
			zap.Duration("took", time.Since(start)),
		)
		return nil
	}
	if reply.Err != nil {
		return fmt.Errorf("sms gateway [%d:%s] %s", reply.Err.Status, reply.Err.Code, reply.Err.Message)
	}
	return fmt.Errorf("sms gateway returned %d without data", resp.StatusCode)
}

// msisdn turns +905XXXXXXXXX and its local spellings into 905XXXXXXXXX.
func msisdn(phone string) (int64, error) {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 12 && strings.HasPrefix(digits, "905"):
	case len(digits) == 11 && strings.HasPrefix(digits, "05"):
		digits = "9" + digits
	case len(digits) == 10 && strings.HasPrefix(digits, "5"):
		digits = "90" + digits
	default:
		return 0, fmt.Errorf("%w: %s", ErrInvalidDestination, util.MaskPhone(phone))
	}

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	return n, nil
}
