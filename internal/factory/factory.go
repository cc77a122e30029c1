package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"otp-service/internal/bucketing"
	"otp-service/internal/client"
	"otp-service/internal/clock"
	"otp-service/internal/config"
	"otp-service/internal/encryption"
	"otp-service/internal/events"
	"otp-service/internal/handler"
	"otp-service/internal/hashing"
	"otp-service/internal/otp"
	"otp-service/internal/ratelimit"
	"otp-service/internal/repository"
	"otp-service/internal/repository/memory"
	redisstore "otp-service/internal/repository/redis"
	"otp-service/internal/sender"
	"otp-service/internal/service"
	"otp-service/internal/tls"
	"otp-service/internal/util"

	"golang.org/x/sync/errgroup"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	clock      clock.Clock
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher           *hashing.Hasher
	bucketingManager *bucketing.BucketingManager

	// OTP
	store          repository.Backend
	limiter        *ratelimit.Limiter
	sender         sender.Sender
	mailer         sender.MailSender
	publisher      events.Publisher
	engine         *otp.Engine
	serviceFactory *service.ServiceFactory
	sendLimiter    *handler.IPRateLimiter

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration and builds every dependency in order.
func NewFactory(ctx context.Context) (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return build(ctx, cfg, clock.New())
}

func build(ctx context.Context, cfg *config.Config, clk clock.Clock) (*Factory, error) {
	f := &Factory{
		config: cfg,
		clock:  clk,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		manager, err := tls.NewTLSManager(cfg.Server, cfg.Environment)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tls: %w", err)
		}
		f.tlsManager = manager
	}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"clients", f.initializeClients},
		{"managers", f.initializeManagers},
		{"store", f.initializeStore},
		{"sender", f.initializeSender},
		{"publishers", f.initializePublishers},
		{"engine", f.initializeEngine},
	}
	for _, step := range steps {
		if err := step.fn(initCtx); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store_backend", cfg.Store.Backend),
		util.String("sms_provider", cfg.SMS.Provider),
		util.Bool("mirror_to_email", cfg.Features.MirrorToEmail),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return f, nil
}

// initializeClients connects the shared store and the optional event sinks.
// A missing sink is a warning outside production.
func (f *Factory) initializeClients(ctx context.Context) error {
	cfg := f.config

	if cfg.Store.Backend == config.BackendRedis {
		rc, err := client.NewRedisClient(ctx, cfg)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = rc
		util.Info("Redis client initialized and healthy")
	}

	if !cfg.Events.Enabled {
		return nil
	}

	var initErrors []error

	if len(cfg.Kafka.Brokers) > 0 {
		if producer, err := client.NewKafkaProducer(cfg); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized", util.String("topic", producer.Topic()))
		}
	}

	if cfg.Elasticsearch.URL != "" {
		if es, err := client.NewElasticsearchClient(ctx, cfg); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = es
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	if cfg.Clickhouse.URL != "" {
		if ch, err := client.NewClickHouseClient(ctx, cfg); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = ch
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if cfg.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeManagers(ctx context.Context) error {
	var decrypter encryption.Decrypter
	if f.config.KMS.Enabled {
		kmsClient, err := encryption.NewKMSClient(ctx, f.config.KMS.Region)
		if err != nil {
			return err
		}
		decrypter = kmsClient
	}

	current, previous, err := encryption.NewPepperResolver(f.config, decrypter).Resolve(ctx)
	if err != nil {
		return err
	}

	f.hasher, err = hashing.NewHasher(current, previous, f.config.Hashing.SaltLength, nil)
	if err != nil {
		return err
	}
	f.bucketingManager = bucketing.NewBucketingManager(bucketing.DefaultStripes)

	util.Info("Managers initialized successfully",
		util.Int("pepper_version", f.hasher.CurrentVersion()),
		util.Bool("previous_pepper", previous != nil),
	)
	return nil
}

func (f *Factory) initializeStore(ctx context.Context) error {
	switch f.config.Store.Backend {
	case config.BackendRedis:
		if f.redisClient == nil {
			return errors.New("redis backend selected but no redis client")
		}
		f.store = redisstore.NewStore(f.redisClient.Client, f.config.Redis.KeyPrefix, f.clock, f.config.Store.OperationTimeout)
	default:
		f.store = memory.NewStore(f.bucketingManager, f.clock, f.config.Store.SweepInterval)
	}

	f.limiter = ratelimit.NewLimiter(f.store, f.bucketingManager, f.clock, f.config.OTP.ResendCooldown, f.config.OTP.MaxSendPerHour)
	return f.store.HealthCheck(ctx)
}

func (f *Factory) initializeSender(ctx context.Context) error {
	cfg := f.config

	if cfg.Mail.Host != "" {
		mailer, err := sender.NewMailer(cfg.Mail)
		if err != nil {
			return err
		}
		f.mailer = mailer
	} else {
		util.Warn("SMTP_HOST not set, mails are only logged")
		f.mailer = sender.NewLogMailer()
	}

	if cfg.Features.MirrorToEmail {
		f.sender = sender.NewMirrorSender(f.mailer, cfg.Mail.MirrorTo, cfg.Mail.Company)
		util.Warn("OTP codes are mirrored to email instead of SMS", util.String("to", cfg.Mail.MirrorTo))
		return nil
	}

	switch cfg.SMS.Provider {
	case config.ProviderGateway:
		base := sender.GatewayBaseURL(cfg.SMS.Gateway.Host, cfg.SMS.Gateway.Port)
		f.sender = sender.NewGatewaySender(base, cfg.SMS.Gateway, cfg.SMS.From, f.clock)
	case config.ProviderSNS:
		snsClient, err := sender.NewSNSClient(ctx, cfg.SMS.SNSRegion)
		if err != nil {
			return err
		}
		f.sender = sender.NewSNSSender(snsClient, cfg.SMS.From)
	default:
		f.sender = sender.NewLogSender()
	}
	return nil
}

func (f *Factory) initializePublishers(ctx context.Context) error {
	if !f.config.Events.Enabled {
		f.publisher = events.NopPublisher{}
		return nil
	}

	publishers := []events.Publisher{events.NewLogPublisher()}

	if f.kafkaProducer != nil {
		publishers = append(publishers, events.NewKafkaPublisher(f.kafkaProducer, f.kafkaProducer.Topic()))
	}
	if f.clickhouseClient != nil {
		ch, err := events.NewClickHousePublisher(f.clickhouseClient, f.clickhouseClient.Table())
		if err != nil {
			return err
		}
		if err := ch.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("clickhouse schema: %w", err)
		}
		publishers = append(publishers, ch)
	}
	if f.esClient != nil {
		publishers = append(publishers, events.NewElasticsearchPublisher(f.esClient, f.esClient.Index()))
	}

	multi := events.NewMultiPublisher(f.config.Events.Timeout, publishers...)
	util.Info("Event publishers initialized", util.Int("sinks", multi.Len()))
	f.publisher = multi
	return nil
}

func (f *Factory) initializeEngine(context.Context) error {
	normalizer, err := otp.NewNormalizer(f.config.OTP.PhonePattern)
	if err != nil {
		return err
	}

	f.engine, err = otp.NewEngine(otp.Dependencies{
		Store:      f.store,
		Limiter:    f.limiter,
		Hasher:     f.hasher,
		Sender:     f.sender,
		Publisher:  f.publisher,
		Normalizer: normalizer,
		Clock:      f.clock,
	}, otp.Options{
		Digits:            f.config.OTP.Digits,
		TTL:               f.config.OTP.TTL,
		MaxVerifyAttempts: f.config.OTP.MaxVerifyAttempts,
		MessageTemplate:   f.config.OTP.MessageTemplate,
	})
	return err
}

// ServiceFactory returns the service factory (singleton)
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(f.engine, f.mailer, f.config, f.clock)
	}
	return f.serviceFactory
}

// SendLimiter returns the per-IP limiter for /otp/send (singleton)
func (f *Factory) SendLimiter() *handler.IPRateLimiter {
	if f.sendLimiter == nil {
		f.sendLimiter = handler.NewIPRateLimiter(f.config.SendRateLimit.Requests, f.config.SendRateLimit.Window)
	}
	return f.sendLimiter
}

// HealthCheck probes every initialized component concurrently and returns
// the failures by name.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	checks := map[string]func(context.Context) error{}
	if f.store != nil {
		checks["store"] = f.store.HealthCheck
	}
	if f.redisClient != nil {
		checks["redis"] = f.redisClient.HealthCheck
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer.HealthCheck
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient.HealthCheck
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient.HealthCheck
	}

	var mu sync.Mutex
	healthErrors := make(map[string]error)
	if f.engine == nil {
		healthErrors["engine"] = errors.New("otp engine not initialized")
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, check := range checks {
		name, check := name, check
		g.Go(func() error {
			if err := check(gctx); err != nil {
				mu.Lock()
				healthErrors[name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return healthErrors
}

// IsHealthy ignores the event sinks; only the store can stop OTP traffic.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	delete(healthErrors, "elasticsearch")
	delete(healthErrors, "clickhouse")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.sendLimiter != nil {
			f.sendLimiter.Stop()
		}

		if f.store != nil {
			if err := f.store.Close(); err != nil {
				util.Error("Failed to close OTP store", util.ErrorField(err))
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			if err := f.esClient.Close(); err != nil {
				util.Error("Failed to close Elasticsearch client", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Engine() *otp.Engine {
	return f.engine
}
