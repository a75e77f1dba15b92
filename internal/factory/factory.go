package factory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"convert-service/internal/auth"
	"convert-service/internal/bucketing"
	"convert-service/internal/client"
	"convert-service/internal/config"
	"convert-service/internal/events"
	"convert-service/internal/generation"
	"convert-service/internal/handler"
	"convert-service/internal/metrics"
	"convert-service/internal/repository"
	"convert-service/internal/repository/memory"
	redisrepo "convert-service/internal/repository/redis"
	"convert-service/internal/repository/sqldb"
	"convert-service/internal/service"
	"convert-service/internal/tls"
	"convert-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	ledgerDB         *client.LedgerDB
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient

	// Managers
	bucketingManager *bucketing.BucketingManager
	registry         *prometheus.Registry
	metrics          *metrics.Metrics

	// Stores and collaborators
	counterStore  repository.CounterStore
	quotaLedger   repository.QuotaLedger
	publisher     events.Publisher
	generator     generation.Generator
	authenticator auth.Authenticator

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
}

// NewFactory creates and initializes all application dependencies
func NewFactory(ctx context.Context) (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := &Factory{config: cfg}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(cfg, util.Get())
	}

	factory.initializeManagers()

	if err := factory.initializeStores(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize stores: %w", err)
	}

	factory.initializeEventSinks(ctx)

	if err := factory.initializeCollaborators(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize collaborators: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("counter_store", cfg.Limits.CounterStore),
		util.String("ledger_driver", cfg.Ledger.Driver),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
	)

	return factory, nil
}

// initializeManagers sets up bucketing and the metrics registry
func (f *Factory) initializeManagers() {
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	f.registry = prometheus.NewRegistry()
	f.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f.metrics = metrics.NewMetrics(f.registry)
}

// initializeStores connects the counter store and the quota ledger. Both are required.
func (f *Factory) initializeStores(ctx context.Context) error {
	switch f.config.Limits.CounterStore {
	case "redis":
		redisClient, err := client.NewRedisClient(f.config, util.Get())
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = redisClient
		f.counterStore = redisrepo.NewThrottleCache(redisClient)
	default:
		util.Warn("Using in-process counter store; burst limits are not shared across instances")
		f.counterStore = memory.NewCounterStore()
	}

	loc, err := f.config.Limits.Location()
	if err != nil {
		return err
	}

	switch f.config.Ledger.Driver {
	case "postgres", "sqlite":
		ledgerDB, err := client.NewLedgerDB(f.config, util.Get())
		if err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
		f.ledgerDB = ledgerDB

		ledger, err := sqldb.NewQuotaLedger(ctx, ledgerDB.DB, ledgerDB.Driver, loc)
		if err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
		f.quotaLedger = ledger
	default:
		util.Warn("Using in-memory quota ledger; usage is lost on restart")
		f.quotaLedger = memory.NewQuotaLedger(loc)
	}

	return nil
}

// initializeEventSinks wires the optional usage event sinks. A sink that fails to
// start is logged and skipped.
func (f *Factory) initializeEventSinks(ctx context.Context) {
	var publishers []events.Publisher

	if len(f.config.Kafka.Brokers) > 0 {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			publishers = append(publishers, events.NewKafkaPublisher(producer))
		}
	}

	if f.config.Clickhouse.URL != "" {
		if chClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			util.Warn("ClickHouse initialization failed - proceeding without usage analytics", util.ErrorField(err))
		} else {
			f.clickhouseClient = chClient
			chPublisher := events.NewClickHousePublisher(chClient, f.config.Clickhouse.UsageTable)
			if err := chPublisher.EnsureTable(ctx); err != nil {
				util.Warn("Could not ensure ClickHouse usage table", util.ErrorField(err))
			}
			publishers = append(publishers, chPublisher)
		}
	}

	if len(publishers) == 0 {
		f.publisher = events.NoopPublisher{}
		return
	}
	f.publisher = events.NewMultiPublisher(publishers...)
}

func (f *Factory) initializeCollaborators(ctx context.Context) error {
	authenticator, err := auth.NewJWTAuthenticator(ctx, f.config.Auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	f.authenticator = authenticator

	generator, err := generation.NewGeminiGenerator(ctx, f.config.Generation, util.Get())
	if err != nil {
		return fmt.Errorf("generation: %w", err)
	}
	f.generator = generator

	return nil
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.config,
			f.counterStore,
			f.quotaLedger,
			f.generator,
			f.bucketingManager,
			f.metrics,
			f.publisher,
			util.Get(),
		)
	}
	return f.serviceFactory
}

// Router builds the HTTP handler tree.
func (f *Factory) Router() (http.Handler, error) {
	convertService, err := f.ServiceFactory().ConvertService()
	if err != nil {
		return nil, err
	}

	return handler.NewRouter(
		handler.NewConvertHandler(convertService, util.Get()),
		handler.NewHealthHandler(f, util.Get()),
		f.authenticator,
		promhttp.HandlerFor(f.registry, promhttp.HandlerOpts{Registry: f.registry}),
		f.config.Server,
		util.Get(),
	), nil
}

// ==============================
// Health Checks
// ==============================

type healthCheck struct {
	name string
	fn   func(context.Context) error
}

// HealthCheck runs every dependency check concurrently and returns one entry per
// dependency, nil when healthy.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	checks := []healthCheck{
		{"counter_store", f.counterStore.HealthCheck},
		{"quota_ledger", f.quotaLedger.HealthCheck},
	}
	if f.kafkaProducer != nil {
		checks = append(checks, healthCheck{"kafka", f.kafkaProducer.HealthCheck})
	}
	if f.clickhouseClient != nil {
		checks = append(checks, healthCheck{"clickhouse", f.clickhouseClient.HealthCheck})
	}

	results := make([]error, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, check := range checks {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(gctx, 3*time.Second)
			defer cancel()
			results[i] = check.fn(checkCtx)
			return nil
		})
	}
	_ = g.Wait()

	healthErrors := make(map[string]error, len(checks))
	for i, check := range checks {
		healthErrors[check.name] = results[i]
	}
	return healthErrors
}

// IsHealthy ignores the optional event sinks.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	health := f.HealthCheck(ctx)
	return health["counter_store"] == nil && health["quota_ledger"] == nil
}

func (f *Factory) Close() error {
	var errs []error
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("kafka: %w", err))
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				errs = append(errs, fmt.Errorf("clickhouse: %w", err))
			}
		}

		if f.ledgerDB != nil {
			if err := f.ledgerDB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("ledger: %w", err))
			} else {
				util.Info("Ledger database closed")
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				errs = append(errs, fmt.Errorf("redis: %w", err))
			} else {
				util.Info("Redis client closed")
			}
		}

		for _, err := range errs {
			util.Error("Failed to close dependency", util.ErrorField(err))
		}
		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return errors.Join(errs...)
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}
