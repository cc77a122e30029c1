// Package sender delivers OTP messages out of band.
package sender

import (
	"context"
	"errors"

	"otp-service/internal/util"

	"go.uber.org/zap"
)

var ErrInvalidDestination = errors.New("invalid destination")

// Sender delivers message to destination. A returned error means the
// message was not accepted by the channel.
type Sender interface {
	Deliver(ctx context.Context, destination, message string) error
}

// LogSender is the mock provider. It logs the masked destination and the
// message length, never the message itself.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender() *LogSender {
	return &LogSender{logger: util.Named("sender.mock")}
}

func (s *LogSender) Deliver(ctx context.Context, destination, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.Info("SMS delivery simulated",
		util.Phone("destination", destination),
		zap.Int("message_length", len(message)),
	)
	return nil
}
