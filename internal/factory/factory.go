package factory

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"identity-service/internal/audit"
	"identity-service/internal/biometric"
	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/credential"
	"identity-service/internal/encryption"
	"identity-service/internal/hashing"
	"identity-service/internal/identity"
	"identity-service/internal/metrics"
	"identity-service/internal/model"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/service"
	"identity-service/internal/sms"
	"identity-service/internal/tls"
	"identity-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	kmsClient        *kms.Client

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager
	metrics           *metrics.Metrics

	// Domain
	otpRepo     model.OTPRepository
	limits      *redisrepo.RateLimitCache
	credentials *credential.GormStore
	gateway     *sms.AfricasTalkingGateway
	identity    *identity.Client
	gate        *biometric.Gate
	audit       *audit.Dispatcher

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(cfg)
	}

	if err := factory.initializeClients(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := factory.initializeDomain(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize domain components: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.String("otp_store", cfg.OTP.Store),
	)

	return factory, nil
}

// initializeClients connects the stores the request path depends on.
// Redis is always required; Scylla only when it backs OTP records. The
// audit sinks are optional and only warn when unreachable.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	rc, err := client.NewRedisClient(f.config, util.Get())
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = rc
	util.Info("Redis client initialized and healthy")

	// ScyllaDB
	if f.config.OTP.Store == "scylla" {
		sc, err := scylla.NewScyllaClient(f.config, util.Get())
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = sc
		util.Info("ScyllaDB client initialized and healthy")
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	// Elasticsearch
	if f.config.Elasticsearch.Enabled {
		if es, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = es
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	// ClickHouse
	if f.config.Clickhouse.Enabled {
		if ch, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = ch
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	// KMS
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("kms: %w", err)
		}
		f.kmsClient = kms.NewFromConfig(awsCfg)
		util.Info("KMS client initialized", util.String("region", f.config.KMS.Region))
	}

	for _, err := range initErrors {
		util.Warn("Audit sink unavailable - proceeding without it", util.ErrorField(err))
	}
	return nil
}

// initializeManagers initializes hashing, encryption, bucketing and metrics
func (f *Factory) initializeManagers() error {
	f.hasher = hashing.NewHasher(f.config)

	if f.kmsClient != nil {
		f.encryptionManager = encryption.NewEncryptionManager(f.config, f.kmsClient)
	} else {
		f.encryptionManager = encryption.NewEncryptionManager(f.config, nil)
	}
	f.bucketingManager = bucketing.NewBucketingManager(f.config)
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f.metrics = metrics.New(reg)

	util.Info("Managers initialized successfully",
		util.Int("pepper_version", f.hasher.CurrentPepperVersion()),
		util.Bool("kms_wrapping", f.kmsClient != nil),
	)
	return nil
}

func (f *Factory) initializeDomain() error {
	cfg := f.config

	switch cfg.OTP.Store {
	case "scylla":
		f.otpRepo = scylla.NewOTPRepository(f.scyllaClient, cfg.OTP.Retention)
	default:
		f.otpRepo = redisrepo.NewOTPStore(f.redisClient, cfg.OTP.Retention)
	}
	f.limits = redisrepo.NewRateLimitCache(f.redisClient)

	db, err := credential.Open(cfg.CredentialStore)
	if err != nil {
		return fmt.Errorf("credential store: %w", err)
	}
	store, err := credential.NewGormStore(db, f.encryptionManager)
	if err != nil {
		return fmt.Errorf("credential store: %w", err)
	}
	f.credentials = store

	f.gateway = sms.NewAfricasTalkingGateway(cfg.SMS, &http.Client{Timeout: cfg.SMS.Timeout}, f.metrics, util.Get())
	f.identity = identity.NewClient(cfg.Identity, &http.Client{Timeout: cfg.Identity.Timeout}, util.Get())

	// The server has no biometric hardware; handlers bind each request's
	// device report with Gate.ForDevice.
	f.gate = biometric.NewGate(nil, f.credentials, cfg.Biometric, f.metrics, util.Get())

	f.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, f.auditSink(), f.bucketingManager, f.metrics, util.Get())

	return nil
}

func (f *Factory) auditSink() audit.Sink {
	sinks := audit.FanoutSink{audit.LogSink{Logger: util.Get()}}
	if f.kafkaProducer != nil {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer, f.config.Kafka.SecurityEventsTopic))
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient))
	}
	if f.clickhouseClient != nil {
		sinks = append(sinks, audit.NewClickHouseSink(f.clickhouseClient))
	}
	return sinks
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(service.Dependencies{
			Config:      f.config,
			OTPRepo:     f.otpRepo,
			Limits:      f.limits,
			Gateway:     f.gateway,
			Identity:    f.identity,
			Credentials: f.credentials,
			Gate:        f.gate,
			Hasher:      f.hasher,
			Audit:       f.audit,
			Metrics:     f.metrics,
		}, util.Get())
	}
	return f.serviceFactory
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.config.OTP.Store == "scylla" {
		if f.scyllaClient == nil {
			healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
		} else if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			healthErrors["scylla"] = err
		}
	}

	if f.credentials != nil {
		if err := f.credentials.HealthCheck(ctx); err != nil {
			healthErrors["credential_store"] = err
		}
	} else {
		healthErrors["credential_store"] = fmt.Errorf("credential store not initialized")
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

// IsHealthy ignores the audit sinks; losing them never blocks requests.
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

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Service factory cleaned up")
		}

		// drain queued audit events before the sinks go away
		if f.audit != nil {
			f.audit.Close()
			util.Info("Audit dispatcher drained", util.Any("dropped", f.audit.Dropped()))
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.credentials != nil {
			if err := f.credentials.Close(); err != nil {
				util.Error("Failed to close credential store", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
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

func (f *Factory) Metrics() *metrics.Metrics {
	return f.metrics
}
