package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	ProviderMock    = "mock"
	ProviderGateway = "gateway"
	ProviderSNS     = "sns"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	OTP           OTPConfig
	Store         StoreConfig
	SMS           SMSConfig
	Mail          MailConfig
	Features      FeaturesConfig
	SendRateLimit SendRateLimitConfig
	Events        EventsConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	EnableTLS      bool
	RequireHTTPS   bool
	TLSPort        int
	AutoCert       bool
	Domain         string
	CertFile       string
	KeyFile        string
	AutoCertDir    string
	Email          string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL       string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
	Table    string
}

type ElasticsearchConfig struct {
	URL      string
	Username string
	Password string
	Index    string
}

type KMSConfig struct {
	Enabled          bool
	Region           string
	PepperCiphertext string
}

// HashingConfig holds the pepper material mixed into every OTP hash key.
// PreviousPepper keeps codes issued just before a rotation verifiable.
type HashingConfig struct {
	Pepper                string
	PepperVersion         int
	PreviousPepper        string
	PreviousPepperVersion int
	SaltLength            int
}

type OTPConfig struct {
	Digits            int
	TTL               time.Duration
	ResendCooldown    time.Duration
	MaxSendPerHour    int
	MaxVerifyAttempts int
	PhonePattern      string
	MessageTemplate   string
}

type StoreConfig struct {
	Backend          string
	SweepInterval    time.Duration
	OperationTimeout time.Duration
}

type SMSConfig struct {
	Provider  string
	From      string
	Gateway   GatewayConfig
	SNSRegion string
}

// GatewayConfig describes the HTTP SMS gateway. Port 9588 means https.
type GatewayConfig struct {
	Host         string
	Port         int
	Username     string
	Password     string
	Encoding     int
	Validity     int
	Commercial   bool
	SkipAhsQuery bool
	Timeout      time.Duration
}

type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
	MirrorTo string
	Company  string
}

type FeaturesConfig struct {
	RequireOtp    bool
	MirrorToEmail bool
}

type SendRateLimitConfig struct {
	Requests int
	Window   time.Duration
}

type EventsConfig struct {
	Enabled bool
	Timeout time.Duration
}

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig reads configuration from the environment, loading a .env file
// first when one is present.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvInt("SERVER_PORT", 8080),
			EnableTLS:      getEnvBool("SERVER_ENABLE_TLS", false),
			RequireHTTPS:   getEnvBool("SERVER_REQUIRE_HTTPS", false),
			TLSPort:        getEnvInt("SERVER_TLS_PORT", 8443),
			AutoCert:       getEnvBool("SERVER_AUTOCERT", false),
			Domain:         getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:       getEnv("SERVER_CERT_FILE", ""),
			KeyFile:        getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:    getEnv("SERVER_AUTOCERT_DIR", "./certs"),
			Email:          getEnv("SERVER_AUTOCERT_EMAIL", ""),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			AllowedOrigins: getEnvList("SERVER_ALLOWED_ORIGINS", []string{"https://*", "http://localhost:*"}),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Redis: RedisConfig{
			URL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			PoolSize:  getEnvInt("REDIS_POOL_SIZE", 20),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "otp"),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_BROKERS", nil),
			Topic:   getEnv("KAFKA_TOPIC", "otp-events"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", ""),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "default"),
			Table:    getEnv("CLICKHOUSE_TABLE", "otp_events"),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:      getEnv("ELASTICSEARCH_URL", ""),
			Username: getEnv("ELASTICSEARCH_USERNAME", ""),
			Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
			Index:    getEnv("ELASTICSEARCH_INDEX", "otp-events"),
		},
		KMS: KMSConfig{
			Enabled:          getEnvBool("KMS_ENABLED", false),
			Region:           getEnv("KMS_REGION", getEnv("AWS_REGION", "eu-central-1")),
			PepperCiphertext: getEnv("KMS_PEPPER_CIPHERTEXT", ""),
		},
		Hashing: HashingConfig{
			Pepper:                getEnv("HASH_PEPPER", ""),
			PepperVersion:         getEnvInt("HASH_PEPPER_VERSION", 1),
			PreviousPepper:        getEnv("HASH_PREVIOUS_PEPPER", ""),
			PreviousPepperVersion: getEnvInt("HASH_PREVIOUS_PEPPER_VERSION", 0),
			SaltLength:            getEnvInt("HASH_SALT_LENGTH", 16),
		},
		OTP: OTPConfig{
			Digits:            getEnvInt("OTP_DIGITS", 6),
			TTL:               time.Duration(getEnvInt("OTP_TTL_MINUTES", 5)) * time.Minute,
			ResendCooldown:    time.Duration(getEnvInt("OTP_RESEND_COOLDOWN_SECONDS", 30)) * time.Second,
			MaxSendPerHour:    getEnvInt("OTP_MAX_SEND_PER_HOUR", 2),
			MaxVerifyAttempts: getEnvInt("OTP_MAX_VERIFY_ATTEMPTS", 5),
			PhonePattern:      getEnv("OTP_PHONE_PATTERN", `^\+905\d{9}$`),
			MessageTemplate:   getEnv("OTP_MESSAGE_TEMPLATE", "Doğrulama kodunuz: {code}"),
		},
		Store: StoreConfig{
			Backend:          strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
			SweepInterval:    getEnvDuration("STORE_SWEEP_INTERVAL", time.Minute),
			OperationTimeout: getEnvDuration("STORE_OPERATION_TIMEOUT", 3*time.Second),
		},
		SMS: SMSConfig{
			Provider: strings.ToLower(getEnv("SMS_PROVIDER", ProviderMock)),
			From:     getEnv("SMS_FROM", ""),
			Gateway: GatewayConfig{
				Host:         getEnv("SMS_GATEWAY_HOST", ""),
				Port:         getEnvInt("SMS_GATEWAY_PORT", 9588),
				Username:     getEnv("SMS_GATEWAY_USERNAME", ""),
				Password:     getEnv("SMS_GATEWAY_PASSWORD", ""),
				Encoding:     getEnvInt("SMS_GATEWAY_ENCODING", 0),
				Validity:     getEnvInt("SMS_GATEWAY_VALIDITY", 60),
				Commercial:   getEnvBool("SMS_GATEWAY_COMMERCIAL", false),
				SkipAhsQuery: getEnvBool("SMS_GATEWAY_SKIP_AHS_QUERY", true),
				Timeout:      getEnvDuration("SMS_GATEWAY_TIMEOUT", 30*time.Second),
			},
			SNSRegion: getEnv("SMS_SNS_REGION", getEnv("AWS_REGION", "eu-central-1")),
		},
		Mail: MailConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("MAIL_FROM", "noreply@localhost"),
			To:       getEnv("MAIL_TO", ""),
			MirrorTo: getEnv("MAIL_MIRROR_TO", ""),
			Company:  getEnv("MAIL_COMPANY", "Etik Hat"),
		},
		Features: FeaturesConfig{
			RequireOtp:    getEnvBool("FEATURE_REQUIRE_OTP", true),
			MirrorToEmail: getEnvBool("FEATURE_MIRROR_TO_EMAIL", false),
		},
		SendRateLimit: SendRateLimitConfig{
			Requests: getEnvInt("SEND_RATE_LIMIT_REQUESTS", 5),
			Window:   getEnvDuration("SEND_RATE_LIMIT_WINDOW", time.Minute),
		},
		Events: EventsConfig{
			Enabled: getEnvBool("EVENTS_ENABLED", true),
			Timeout: getEnvDuration("EVENTS_TIMEOUT", 2*time.Second),
		},
	}

	if cfg.Mail.To == "" {
		cfg.Mail.To = cfg.Mail.From
	}
	if cfg.Mail.MirrorTo == "" {
		cfg.Mail.MirrorTo = cfg.Mail.To
	}

	mu.Lock()
	current = cfg
	mu.Unlock()

	return cfg
}

// Get returns the most recently loaded configuration.
func Get() *Config {
	mu.RLock()
	cfg := current
	mu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

// Validate checks the values the OTP engine depends on.
func (c *Config) Validate() error {
	var errs []error

	if c.OTP.Digits < 1 || c.OTP.Digits > 18 {
		errs = append(errs, fmt.Errorf("otp digits must be between 1 and 18, got %d", c.OTP.Digits))
	}
	if c.OTP.TTL <= 0 {
		errs = append(errs, errors.New("otp ttl must be positive"))
	}
	if c.OTP.ResendCooldown < 0 {
		errs = append(errs, errors.New("otp resend cooldown must not be negative"))
	}
	if c.OTP.MaxSendPerHour < 1 {
		errs = append(errs, errors.New("otp max sends per hour must be at least 1"))
	}
	if c.OTP.MaxVerifyAttempts < 1 {
		errs = append(errs, errors.New("otp max verify attempts must be at least 1"))
	}
	if _, err := regexp.Compile(c.OTP.PhonePattern); err != nil {
		errs = append(errs, fmt.Errorf("invalid phone pattern: %w", err))
	}
	if !strings.Contains(c.OTP.MessageTemplate, "{code}") {
		errs = append(errs, errors.New("otp message template must contain {code}"))
	}
	if c.Hashing.SaltLength < 8 {
		errs = append(errs, errors.New("hash salt length must be at least 8 bytes"))
	}

	switch c.Store.Backend {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}

	switch c.SMS.Provider {
	case ProviderMock:
	case ProviderGateway:
		if c.SMS.Gateway.Host == "" || c.SMS.Gateway.Username == "" || c.SMS.Gateway.Password == "" {
			errs = append(errs, errors.New("sms gateway requires host, username and password"))
		}
		if c.SMS.Gateway.Port != 9587 && c.SMS.Gateway.Port != 9588 {
			errs = append(errs, fmt.Errorf("sms gateway port must be 9587 or 9588, got %d", c.SMS.Gateway.Port))
		}
	case ProviderSNS:
		if c.SMS.SNSRegion == "" {
			errs = append(errs, errors.New("sns provider requires a region"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sms provider %q", c.SMS.Provider))
	}

	if c.SendRateLimit.Requests < 1 || c.SendRateLimit.Window <= 0 {
		errs = append(errs, errors.New("send rate limit needs a positive request count and window"))
	}
	if c.IsProduction() && c.Mail.Host == "" {
		errs = append(errs, errors.New("production requires SMTP_HOST for report mails"))
	}
	if c.KMS.Enabled && c.KMS.PepperCiphertext == "" {
		errs = append(errs, errors.New("kms enabled but KMS_PEPPER_CIPHERTEXT is empty"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return lo.FilterMap(strings.Split(value, ","), func(part string, _ int) (string, bool) {
		part = strings.TrimSpace(part)
		return part, part != ""
	})
}
