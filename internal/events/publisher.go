// Package events ships OTP audit events to the configured sinks. Publishing
// is best effort: callers log failures and carry on.
package events

import (
	"context"
	"time"

	"otp-service/internal/models"
	"otp-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Publisher interface {
	Publish(ctx context.Context, event *models.OTPEvent) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *models.OTPEvent) error { return nil }

// LogPublisher writes events to the service log.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: util.Named("events")}
}

func (p *LogPublisher) Publish(_ context.Context, event *models.OTPEvent) error {
	p.logger.Info("OTP event",
		zap.String("id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("phone_key", event.PhoneKey),
		zap.String("client_id", event.ClientID),
		zap.String("reason", event.Reason),
		zap.Bool("consumed", event.Consumed),
		zap.Time("occurred_at", event.OccurredAt),
	)
	return nil
}

// MultiPublisher fans an event out to every sink at once and bounds the
// whole publish by timeout. The first sink error is returned after all
// sinks finish.
type MultiPublisher struct {
	publishers []Publisher
	timeout    time.Duration
}

func NewMultiPublisher(timeout time.Duration, publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers, timeout: timeout}
}

func (m *MultiPublisher) Len() int {
	return len(m.publishers)
}

func (m *MultiPublisher) Publish(ctx context.Context, event *models.OTPEvent) error {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
	}

	var g errgroup.Group
	for _, p := range m.publishers {
		p := p
		g.Go(func() error {
			return p.Publish(ctx, event)
		})
	}
	return g.Wait()
}
