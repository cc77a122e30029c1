package service

import (
	"otp-service/internal/clock"
	"otp-service/internal/config"
	"otp-service/internal/otp"
	"otp-service/internal/sender"
)

// ServiceFactory hands out the services built on top of the OTP engine.
type ServiceFactory struct {
	engine      *otp.Engine
	mailer      sender.MailSender
	cfg         *config.Config
	clock       clock.Clock
	formService *FormService
}

func NewServiceFactory(engine *otp.Engine, mailer sender.MailSender, cfg *config.Config, clk clock.Clock) *ServiceFactory {
	return &ServiceFactory{
		engine: engine,
		mailer: mailer,
		cfg:    cfg,
		clock:  clk,
	}
}

func (f *ServiceFactory) Engine() *otp.Engine {
	return f.engine
}

// FormService returns the form service instance (singleton)
func (f *ServiceFactory) FormService() *FormService {
	if f.formService == nil {
		f.formService = NewFormService(f.engine, f.mailer, f.clock, FormOptions{
			RequireOtp: f.cfg.Features.RequireOtp,
			To:         f.cfg.Mail.To,
			Company:    f.cfg.Mail.Company,
		})
	}
	return f.formService
}
