package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment     string
	Server          ServerConfig
	Logging         LoggingConfig
	Redis           RedisConfig
	Scylla          ScyllaConfig
	Kafka           KafkaConfig
	Elasticsearch   ElasticsearchConfig
	Clickhouse      ClickhouseConfig
	KMS             KMSConfig
	Hashing         HashingConfig
	Bucketing       BucketingConfig
	OTP             OTPConfig
	SMS             SMSConfig
	Identity        IdentityConfig
	CredentialStore CredentialStoreConfig
	Biometric       BiometricConfig
	Passcode        PasscodeConfig
	Audit           AuditConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	TLSPort        int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	AllowedOrigins []string
	EnableTLS      bool
	AutoCert       bool
	Domain         string
	CertFile       string
	KeyFile        string
	AutoCertDir    string
	Email          string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled             bool
	Brokers             []string
	SecurityEventsTopic string
}

type ElasticsearchConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Index    string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
	Table    string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
	Pepper            string
	PepperVersion     int
	PreviousPeppers   []string
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

// OTPConfig drives the OTP verification engine. Store selects the
// persistence backend: "redis" or "scylla".
type OTPConfig struct {
	Store           string
	CodeTTL         time.Duration
	MaxAttempts     int
	ResendCooldown  time.Duration
	Retention       time.Duration
	MaxSendsPerHour int
	DefaultRegion   string
	MessageTemplate string
	PurgeInterval   time.Duration
}

type SMSConfig struct {
	BaseURL         string
	Username        string
	APIKey          string
	SenderID        string
	Timeout         time.Duration
	MaxRetryElapsed time.Duration
	RatePerSecond   float64
	Burst           int
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

type IdentityConfig struct {
	URL           string
	AnonKey       string
	Timeout       time.Duration
	ProfilesTable string
}

type CredentialStoreConfig struct {
	Driver    string
	DSN       string
	MasterKey string
}

type BiometricConfig struct {
	DefaultPrompt string
	LoginPrompt   string
	EnablePrompt  string
	FallbackLabel string
	CancelLabel   string
}

type PasscodeConfig struct {
	MinLength   int
	MaxLength   int
	MaxFailures int
	Window      time.Duration
	LockFor     time.Duration
}

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig reads .env (when present) and the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvInt("SERVER_PORT", 8080),
			TLSPort:        getEnvInt("SERVER_TLS_PORT", 8443),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			RequestTimeout: getEnvDuration("SERVER_REQUEST_TIMEOUT", 30*time.Second),
			AllowedOrigins: getEnvSlice("SERVER_ALLOWED_ORIGINS", []string{"https://*"}),
			EnableTLS:      getEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:       getEnvBool("SERVER_AUTO_CERT", false),
			Domain:         getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:       getEnv("SERVER_CERT_FILE", ""),
			KeyFile:        getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:    getEnv("SERVER_AUTO_CERT_DIR", "./certs"),
			Email:          getEnv("SERVER_ACME_EMAIL", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 20),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "identity"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled:             getEnvBool("KAFKA_ENABLED", false),
			Brokers:             getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			SecurityEventsTopic: getEnv("KAFKA_SECURITY_EVENTS_TOPIC", "identity.security-events"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:  getEnvBool("ELASTICSEARCH_ENABLED", false),
			URL:      getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username: getEnv("ELASTICSEARCH_USERNAME", ""),
			Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
			Index:    getEnv("ELASTICSEARCH_INDEX", "identity-security-events"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "identity"),
			Table:    getEnv("CLICKHOUSE_TABLE", "security_events"),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("KMS_REGION", "eu-west-1"),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_COST", 64*1024),
			Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 1),
			Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 2),
			Pepper:            getEnv("HASHING_PEPPER", ""),
			PepperVersion:     getEnvInt("HASHING_PEPPER_VERSION", 1),
			PreviousPeppers:   getEnvSlice("HASHING_PREVIOUS_PEPPERS", nil),
		},
		Bucketing: BucketingConfig{
			UserBuckets:  getEnvInt("BUCKETING_USER_BUCKETS", 1024),
			EventBuckets: getEnvInt("BUCKETING_EVENT_BUCKETS", 64),
		},
		OTP: OTPConfig{
			Store:           getEnv("OTP_STORE", "redis"),
			CodeTTL:         getEnvDuration("OTP_CODE_TTL", 10*time.Minute),
			MaxAttempts:     getEnvInt("OTP_MAX_ATTEMPTS", 3),
			ResendCooldown:  getEnvDuration("OTP_RESEND_COOLDOWN", 60*time.Second),
			Retention:       getEnvDuration("OTP_RETENTION", 24*time.Hour),
			MaxSendsPerHour: getEnvInt("OTP_MAX_SENDS_PER_HOUR", 5),
			DefaultRegion:   getEnv("OTP_DEFAULT_REGION", "KE"),
			MessageTemplate: getEnv("OTP_MESSAGE_TEMPLATE", "Your verification code is %s. It expires in 10 minutes."),
			PurgeInterval:   getEnvDuration("OTP_PURGE_INTERVAL", time.Hour),
		},
		SMS: SMSConfig{
			BaseURL:         getEnv("SMS_BASE_URL", "https://api.sandbox.africastalking.com/version1"),
			Username:        getEnv("SMS_USERNAME", "sandbox"),
			APIKey:          getEnv("SMS_API_KEY", ""),
			SenderID:        getEnv("SMS_SENDER_ID", ""),
			Timeout:         getEnvDuration("SMS_TIMEOUT", 10*time.Second),
			MaxRetryElapsed: getEnvDuration("SMS_MAX_RETRY_ELAPSED", 15*time.Second),
			RatePerSecond:   getEnvFloat("SMS_RATE_PER_SECOND", 10),
			Burst:           getEnvInt("SMS_BURST", 20),
			BreakerFailures: uint32(getEnvInt("SMS_BREAKER_FAILURES", 5)),
			BreakerTimeout:  getEnvDuration("SMS_BREAKER_TIMEOUT", 30*time.Second),
		},
		Identity: IdentityConfig{
			URL:           getEnv("IDENTITY_URL", "http://localhost:54321"),
			AnonKey:       getEnv("IDENTITY_ANON_KEY", ""),
			Timeout:       getEnvDuration("IDENTITY_TIMEOUT", 10*time.Second),
			ProfilesTable: getEnv("IDENTITY_PROFILES_TABLE", "profiles"),
		},
		CredentialStore: CredentialStoreConfig{
			Driver:    getEnv("CREDENTIAL_STORE_DRIVER", "sqlite"),
			DSN:       getEnv("CREDENTIAL_STORE_DSN", "credentials.db"),
			MasterKey: getEnv("CREDENTIAL_STORE_MASTER_KEY", ""),
		},
		Biometric: BiometricConfig{
			DefaultPrompt: getEnv("BIOMETRIC_DEFAULT_PROMPT", ""),
			LoginPrompt:   getEnv("BIOMETRIC_LOGIN_PROMPT", "Log in to your account"),
			EnablePrompt:  getEnv("BIOMETRIC_ENABLE_PROMPT", "Confirm to enable biometric login"),
			FallbackLabel: getEnv("BIOMETRIC_FALLBACK_LABEL", "Use Passcode"),
			CancelLabel:   getEnv("BIOMETRIC_CANCEL_LABEL", "Cancel"),
		},
		Passcode: PasscodeConfig{
			MinLength:   getEnvInt("PASSCODE_MIN_LENGTH", 4),
			MaxLength:   getEnvInt("PASSCODE_MAX_LENGTH", 6),
			MaxFailures: getEnvInt("PASSCODE_MAX_FAILURES", 5),
			Window:      getEnvDuration("PASSCODE_FAILURE_WINDOW", 15*time.Minute),
			LockFor:     getEnvDuration("PASSCODE_LOCK_DURATION", 15*time.Minute),
		},
		Audit: AuditConfig{
			Enabled:    getEnvBool("AUDIT_ENABLED", true),
			BufferSize: getEnvInt("AUDIT_BUFFER_SIZE", 1024),
			DropIfFull: getEnvBool("AUDIT_DROP_IF_FULL", true),
		},
	}

	mu.Lock()
	current = cfg
	mu.Unlock()

	return cfg
}

// Get returns the last loaded configuration, loading it on first use.
func Get() *Config {
	mu.RLock()
	cfg := current
	mu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
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

// Validate reports settings that would make the service misbehave at runtime.
func (c *Config) Validate() error {
	var problems []string

	if c.OTP.Store != "redis" && c.OTP.Store != "scylla" {
		problems = append(problems, "OTP_STORE must be redis or scylla")
	}
	if c.OTP.MaxAttempts < 1 {
		problems = append(problems, "OTP_MAX_ATTEMPTS must be positive")
	}
	if c.OTP.CodeTTL <= 0 {
		problems = append(problems, "OTP_CODE_TTL must be positive")
	}
	if c.CredentialStore.Driver != "sqlite" && c.CredentialStore.Driver != "postgres" {
		problems = append(problems, "CREDENTIAL_STORE_DRIVER must be sqlite or postgres")
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		problems = append(problems, "KMS_KEY_ID is required when KMS is enabled")
	}
	if c.IsProduction() {
		if c.Hashing.Pepper == "" {
			problems = append(problems, "HASHING_PEPPER is required in production")
		}
		if c.SMS.APIKey == "" {
			problems = append(problems, "SMS_API_KEY is required in production")
		}
		if !c.KMS.Enabled && c.CredentialStore.MasterKey == "" {
			problems = append(problems, "CREDENTIAL_STORE_MASTER_KEY or KMS is required in production")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
