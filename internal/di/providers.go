package di

import (
	"context"
	"fmt"
	"time"

	domrepo "TrapFlow/internal/domain/repository"
	"TrapFlow/internal/handler/api"
	internalrepo "TrapFlow/internal/repository"
	"TrapFlow/internal/service/cache"
	"TrapFlow/internal/service/marketctx"
	"TrapFlow/internal/service/notify"
	"TrapFlow/internal/usecase"
	pkgch "TrapFlow/pkg/clickhouse"
	"TrapFlow/pkg/config"
	xhttp "TrapFlow/pkg/http"
	pkgkafka "TrapFlow/pkg/kafka"
	"TrapFlow/pkg/logger"
	"TrapFlow/pkg/metrics"
	"TrapFlow/pkg/postgres"
	"TrapFlow/pkg/queue"
	"TrapFlow/pkg/server"
	"TrapFlow/pkg/statestore"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const startupTimeout = 15 * time.Second

// LogDigest marks that the error-digest collector has been attached to
// the logger. Enabled is false when no digest channel is configured.
type LogDigest struct {
	Enabled bool
}

// ProvideLogger creates the application logger.
func ProvideLogger(cfg *config.Config) (*logger.Logger, error) {
	l, err := logger.New(&logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(logger.String("env", cfg.Environment)), nil
}

// ProvideRegistry creates the Prometheus registry served on /metrics.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics(reg *prometheus.Registry) *metrics.Recorder {
	return metrics.NewWithRegisterer(reg)
}

// ProvideStateStore connects to Redis, or builds the in-process store for
// memory:// URLs.
func ProvideStateStore(cfg *config.Config, l *logger.Logger) (statestore.Store, func(), error) {
	if cfg.UsesMemoryStore() {
		l.Warn("using in-memory state store; queue contents do not survive restarts")
		return statestore.NewMemory(), func() {}, nil
	}

	gw, err := statestore.NewGateway(
		statestore.WithURL(cfg.StateStore.URL),
		statestore.WithPool(cfg.StateStore.PoolSize, cfg.StateStore.MinIdleConns, cfg.StateStore.CallTimeout),
		statestore.WithCallTimeout(cfg.StateStore.CallTimeout),
		statestore.WithPingTimeout(cfg.StateStore.PingTimeout),
		statestore.WithLogger(l),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("state store: %w", err)
	}
	l.Info("state store connected", logger.String("addr", gw.Addr()))
	cleanup := func() {
		if err := gw.Close(); err != nil {
			l.Warn("state store close error", logger.Error(err))
		}
	}
	return gw, cleanup, nil
}

// ProvideLogDigest attaches the error-digest collector publishing on the
// configured channel. The cleanup flushes pending entries while the store
// is still open.
func ProvideLogDigest(cfg *config.Config, l *logger.Logger, store statestore.Store) (LogDigest, func()) {
	if cfg.Logging.DigestChannel == "" {
		return LogDigest{}, func() {}
	}
	l.AddCollector(&logger.CollectionConfig{
		TimeInterval: 30 * time.Second,
		Channel:      cfg.Logging.DigestChannel,
		Publisher:    statestore.ChannelPublisher{Store: store},
	})
	return LogDigest{Enabled: true}, l.RemoveCollector
}

// ProvideQueue creates the trap event queue.
func ProvideQueue(cfg *config.Config, store statestore.Store, l *logger.Logger) *queue.EventQueue {
	return queue.New(store, queue.WithKey(cfg.Queue.Key), queue.WithLogger(l))
}

// ProvidePostgres creates the pool and, unless disabled, the trap table.
func ProvidePostgres(cfg *config.Config, l *logger.Logger) (*postgres.Client, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	pg, err := postgres.NewClient(ctx,
		postgres.WithURL(cfg.Database.URL),
		postgres.WithPool(cfg.Database.MaxConns, cfg.Database.MinConns),
		postgres.WithConnectTimeout(cfg.Database.ConnectTimeout),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres client: %w", err)
	}
	if cfg.Database.InitSchema {
		if err := pg.InitSchema(ctx, internalrepo.TrapSchema); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("postgres schema: %w", err)
		}
	}
	l.Info("postgres connected", logger.Bool("schema_init", cfg.Database.InitSchema))
	return pg, pg.Close, nil
}

// ProvideTrapRepository creates the Postgres trap repository.
func ProvideTrapRepository(pg *postgres.Client, l *logger.Logger) *internalrepo.TrapRepository {
	return internalrepo.NewTrapRepository(pg.Pool(), l)
}

// ProvidePersister wraps the repository with bounded retries.
func ProvidePersister(cfg *config.Config, repo *internalrepo.TrapRepository, l *logger.Logger) domrepo.Persister {
	rc := internalrepo.DefaultRetryConfig()
	rc.Attempts = cfg.Pipeline.PersistRetries
	return internalrepo.NewRetryingPersister(repo, rc, l)
}

// ProvideArchiver connects the optional ClickHouse low-tier archive. It
// returns nil when no host is configured.
func ProvideArchiver(cfg *config.Config, l *logger.Logger) (domrepo.Archiver, func(), error) {
	chc := cfg.Archive.ClickHouse
	if chc.Host == "" {
		return nil, func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	// connect to the default database; the schema creates ours
	client, err := pkgch.NewClient(ctx,
		pkgch.WithHost(chc.Host),
		pkgch.WithPort(chc.Port),
		pkgch.WithCredentials(chc.User, chc.Password),
		pkgch.WithTimeouts(chc.DialTimeout, 0),
		pkgch.WithLogger(l),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("clickhouse client: %w", err)
	}
	if err := client.InitSchema(ctx, internalrepo.ArchiveSchema(chc.Database, chc.Table, chc.TTLDays)); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("clickhouse schema: %w", err)
	}

	archive := internalrepo.NewArchiveRepository(client.DB(), chc.Database+"."+chc.Table)
	archive.SetLogger(l)
	cleanup := func() {
		if err := client.Close(); err != nil {
			l.Warn("clickhouse close error", logger.Error(err))
		}
	}
	return archive, cleanup, nil
}

// ProvideKafkaProducer creates the alert producer, or nil when no brokers
// are configured.
func ProvideKafkaProducer(cfg *config.Config, reg *prometheus.Registry, l *logger.Logger) (*pkgkafka.Producer, func(), error) {
	kc := cfg.Alerts.Kafka
	if len(kc.Brokers) == 0 {
		return nil, func() {}, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(kc.Brokers),
		pkgkafka.WithRequiredAcks(kc.RequiredAcks),
		pkgkafka.WithCompression(kc.Compression),
		pkgkafka.WithTimeouts(kc.WriteTimeout, 0),
		pkgkafka.WithRegisterer(reg),
		pkgkafka.WithLogger(l),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	cleanup := func() {
		if err := producer.Close(); err != nil {
			l.Warn("kafka producer close error", logger.Error(err))
		}
	}
	return producer, cleanup, nil
}

// ProvideNotifier builds the fan-out with every configured alert sink.
func ProvideNotifier(
	cfg *config.Config,
	store statestore.Store,
	producer *pkgkafka.Producer,
	m domrepo.Metrics,
	l *logger.Logger,
) *notify.Fanout {
	ac := cfg.Alerts
	client := xhttp.NewClient(xhttp.WithTimeout(ac.SinkTimeout))

	var sinks []notify.Sink
	for i, url := range ac.WebhookURLs {
		sinks = append(sinks, notify.NewWebhookSink(fmt.Sprintf("webhook_%d", i), url, client))
	}
	if ac.ChatWebhookURL != "" {
		sinks = append(sinks, notify.NewChatSink(ac.ChatWebhookURL, client))
	}
	if ac.Email.SMTPAddr != "" && len(ac.Email.To) > 0 {
		sinks = append(sinks, notify.NewEmailSink(ac.Email.SMTPAddr, ac.Email.From, ac.Email.To, ac.Email.Username, ac.Email.Password))
	}
	if producer != nil {
		sinks = append(sinks, notify.NewKafkaSink(producer, ac.Kafka.Topic))
	}

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	l.Info("alert sinks configured", logger.Strings("sinks", names), logger.Int("rate_per_minute", ac.RatePerMinute))

	return notify.NewFanout(store,
		notify.WithChannels(ac.Channel, ac.HighChannel),
		notify.WithSinks(sinks...),
		notify.WithAlertRate(ac.RatePerMinute),
		notify.WithSinkTimeout(ac.SinkTimeout),
		notify.WithMetrics(m),
		notify.WithLogger(l),
	)
}

// ProvideContextProvider creates the market context reader.
func ProvideContextProvider(cfg *config.Config, store statestore.Store, l *logger.Logger) *marketctx.Provider {
	return marketctx.NewProvider(store,
		marketctx.WithTimeout(cfg.MarketContext.Timeout),
		marketctx.WithHistoryWindow(cfg.MarketContext.HistoryWindow),
		marketctx.WithLogger(l),
	)
}

// ProvideStats creates the shared pipeline counters.
func ProvideStats(cfg *config.Config) *usecase.Stats {
	return usecase.NewStats(clock.New(), cfg.Pipeline.RateWindow)
}

// ProvideSupervisor creates the consumer supervisor.
func ProvideSupervisor(
	cfg *config.Config,
	q *queue.EventQueue,
	persister domrepo.Persister,
	fanout *notify.Fanout,
	contexts *marketctx.Provider,
	stats *usecase.Stats,
	archiver domrepo.Archiver,
	m domrepo.Metrics,
	l *logger.Logger,
) *usecase.Supervisor {
	sc := usecase.DefaultSupervisorConfig()
	sc.BatchSize = cfg.Pipeline.BatchSize
	sc.IdleInterval = cfg.Pipeline.IdleInterval
	sc.Workers = cfg.Pipeline.Workers

	opts := []usecase.SupervisorOption{
		usecase.WithSupervisorMetrics(m),
		usecase.WithSupervisorLogger(l),
	}
	if archiver != nil {
		opts = append(opts, usecase.WithArchiver(archiver))
	}
	return usecase.NewSupervisor(q, persister, fanout, contexts, stats, sc, opts...)
}

// ProvideMetricsPusher creates the optional CloudWatch pusher. It returns
// nil when no namespace is configured.
func ProvideMetricsPusher(cfg *config.Config, l *logger.Logger) (usecase.MetricsPusher, error) {
	cw := cfg.Metrics.CloudWatch
	if cw.Namespace == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	p, err := metrics.NewCloudWatchPusher(ctx, cw.Region, cw.Namespace, map[string]string{
		"Environment": cfg.Environment,
		"Queue":       cfg.Queue.Key,
	})
	if err != nil {
		return nil, fmt.Errorf("cloudwatch: %w", err)
	}
	l.Info("cloudwatch push enabled", logger.String("namespace", cw.Namespace))
	return p, nil
}

// ProvideHealthLoop creates the health and metrics loop.
func ProvideHealthLoop(
	cfg *config.Config,
	store statestore.Store,
	q *queue.EventQueue,
	stats *usecase.Stats,
	pusher usecase.MetricsPusher,
	m domrepo.Metrics,
	l *logger.Logger,
) *usecase.HealthLoop {
	hc := usecase.DefaultHealthLoopConfig()
	hc.Interval = cfg.Metrics.Interval
	hc.HealthCheckInterval = cfg.Metrics.HealthCheckInterval
	hc.MetricsKey = cfg.Metrics.Key
	hc.MetricsChannel = cfg.Metrics.Channel

	opts := []usecase.HealthOption{
		usecase.WithHealthMetrics(m),
		usecase.WithHealthLogger(l),
	}
	if pusher != nil {
		opts = append(opts, usecase.WithPusher(pusher))
	}
	return usecase.NewHealthLoop(store, q, stats, hc, opts...)
}

// ProvideAdminHandler creates the admin API handler.
func ProvideAdminHandler(
	cfg *config.Config,
	store statestore.Store,
	q *queue.EventQueue,
	stats *usecase.Stats,
	repo *internalrepo.TrapRepository,
	pg *postgres.Client,
	l *logger.Logger,
) *api.AdminHandler {
	traps := cache.NewTrapReader(repo, cache.NewTTLCache(clock.New(), 64), cfg.Server.RecentCacheTTL)
	return api.NewAdminHandler(l, api.AdminDeps{
		Queue:      q,
		Stats:      stats,
		Traps:      traps,
		Subscriber: store,
		Channel:    cfg.Alerts.Channel,
		StateStore: api.CheckFunc(store.Ping),
		Database:   pg,
	})
}

// ProvideHTTPServer creates the admin HTTP server.
func ProvideHTTPServer(
	cfg *config.Config,
	admin *api.AdminHandler,
	reg *prometheus.Registry,
	l *logger.Logger,
) *xhttp.Server {
	return xhttp.NewServer([]xhttp.Handler{admin},
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		xhttp.WithMetrics(cfg.Metrics.Path, reg, reg),
		xhttp.WithLogger(l),
	)
}

// ProvideApp assembles the lifecycle: the health loop first so metrics
// flow from the start, the HTTP server last so it stops first.
func ProvideApp(
	cfg *config.Config,
	health *usecase.HealthLoop,
	supervisor *usecase.Supervisor,
	srv *xhttp.Server,
	digest LogDigest,
	l *logger.Logger,
) *server.App {
	l.Info("trapflow configured",
		logger.String("queue", cfg.Queue.Key),
		logger.Int("workers", cfg.Pipeline.Workers),
		logger.Int("batch_size", cfg.Pipeline.BatchSize),
		logger.Bool("log_digest", digest.Enabled),
	)
	return server.New(l, cfg.Pipeline.ShutdownGrace,
		server.Component{Name: "health_loop", Service: health},
		server.Component{Name: "supervisor", Service: supervisor},
		server.Component{Name: "http", Service: srv},
	)
}
