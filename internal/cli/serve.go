package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"storeops/internal/auditgate"
	audithandler "storeops/internal/auditgate/handler"
	"storeops/internal/catalog"
	"storeops/internal/history"
	jwttoken "storeops/internal/jwt_token"
	"storeops/internal/platform/config"
	"storeops/internal/platform/httpserver"
	platformmetrics "storeops/internal/platform/metrics"
	"storeops/internal/platform/postgres"
	"storeops/internal/platform/redis"
	"storeops/internal/tracking/bus"
	"storeops/internal/tracking/bus/kafka"
	"storeops/internal/tracking/bus/natsbus"
	trackinghandler "storeops/internal/tracking/handler"
	trackingmetrics "storeops/internal/tracking/metrics"
	"storeops/internal/tracking/outbox"
	"storeops/internal/tracking/ports"
	"storeops/internal/tracking/session"
	"storeops/internal/tracking/store/memory"
	pgstore "storeops/internal/tracking/store/postgres"
	httptransport "storeops/internal/transport/http"
	"storeops/migrations"
	audit "storeops/pkg/platform/audit"
	"storeops/pkg/platform/audit/publishers/compliance"
	"storeops/pkg/platform/audit/publishers/ops"
	auditmemory "storeops/pkg/platform/audit/store/memory"
	auditpg "storeops/pkg/platform/audit/store/postgres"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr    string
	Migrate bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the sync engine",
		Long: `Run the HTTP API, the session manager and the change pipeline.

Without DATABASE_URL records live in memory and change events stay in
process. With it, changes are written through the outbox and relayed to
Kafka (KAFKA_BROKERS) or NATS (NATS_URL) when configured.

Example:
  storeops serve --addr :8080
  DATABASE_URL=postgres://storeops@localhost/storeops storeops serve --migrate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address, overrides STOREOPS_ADDR")
	cmd.Flags().BoolVar(&opts.Migrate, "migrate", false, "apply pending migrations before serving")

	return cmd
}

// app holds every long-lived component of a running server.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	db    *sql.DB
	redis *redis.Client

	hub      *bus.Hub
	store    ports.RecordStore
	trail    audit.Store
	manager  *session.Manager
	tracker  *ops.Tracker
	history  *history.Service
	gate     *auditgate.Gate
	relay    *outbox.Relay
	producer *kafka.Producer
	consumer *kafka.Consumer
	nats     *natsbus.Bus
	server   *http.Server
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	cfg := opts.config()
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	log := opts.logger(cfg)

	a, err := build(ctx, cfg, log, opts.Migrate)
	if err != nil {
		return err
	}
	defer a.close()
	return a.run(ctx)
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger, migrate bool) (*app, error) {
	a := &app{cfg: cfg, logger: log}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	cat, err := catalog.Load(cfg.Sync.CatalogPath)
	if err != nil {
		return nil, err
	}

	if a.db, err = postgres.Open(ctx, cfg.Postgres); err != nil {
		return nil, err
	}
	if a.db != nil && migrate {
		applied, err := migrations.Apply(ctx, a.db, log)
		if err != nil {
			return nil, err
		}
		log.Info("migrations applied", "count", len(applied))
	}
	if a.redis, err = redis.New(ctx, cfg.Redis); err != nil {
		return nil, err
	}

	a.hub = bus.NewHub(bus.WithLogger(log))
	if err := a.buildStores(cat); err != nil {
		return nil, err
	}
	if err := a.buildTransport(ctx); err != nil {
		return nil, err
	}

	a.tracker = ops.New(a.trail,
		ops.WithLogger(log),
		ops.WithMetrics(ops.NewMetrics()),
		ops.WithSampler(ops.NewSampler(1.0)),
		ops.WithCircuitBreaker(ops.NewCircuitBreaker(5, 30*time.Second)),
		ops.WithBuffer(1024),
	)

	a.manager, err = session.NewManager(
		session.Deps{Store: a.store, Bus: a.hub, Logger: log, Metrics: trackingmetrics.New()},
		session.Config{
			Workers:          cfg.Sync.Workers,
			WatchBuffer:      cfg.Sync.WatchBuffer,
			SubmitTimeout:    cfg.Sync.SubmitTimeout,
			HeartbeatTimeout: cfg.Sync.HeartbeatTimeout,
			TickInterval:     cfg.Sync.ReloadInterval,
			ExpectRevision:   cfg.Sync.ExpectRevision,
		},
		session.WithIdleTimeout(cfg.Sync.SessionIdle),
		session.WithSessionOptions(session.WithFailureHook(trackinghandler.RollbackTracker(a.tracker))),
	)
	if err != nil {
		return nil, err
	}

	historyOpts := []history.Option{history.WithLogger(log)}
	if a.redis != nil {
		historyOpts = append(historyOpts,
			history.WithCache(history.NewRedisCache(a.redis.Client)),
			history.WithTTL(cfg.Redis.HistoryTTL),
		)
	}
	if a.history, err = history.New(a.store, cat, historyOpts...); err != nil {
		return nil, err
	}

	a.gate, err = auditgate.New(cat,
		auditgate.WithLogger(log),
		auditgate.WithMetrics(auditgate.NewMetrics()),
		auditgate.WithThreshold(cfg.Sync.AuditThreshold),
		auditgate.WithHistoryRefresher(a.history),
		auditgate.WithCompliancePublisher(compliance.New(a.trail,
			compliance.WithLogger(log),
			compliance.WithMetrics(compliance.NewMetrics()),
		)),
		auditgate.WithOpsTracker(a.tracker),
	)
	if err != nil {
		return nil, err
	}

	a.server = httpserver.New(cfg.Server.Addr, a.router())
	ok = true
	return a, nil
}

func (a *app) buildStores(cat *catalog.Catalog) error {
	if a.db == nil {
		a.logger.Warn("DATABASE_URL not set, records are kept in memory")
		a.store = memory.NewInMemoryStore(
			memory.WithPublisher(a.hub),
			memory.WithFieldValidator(cat.Validate),
		)
		a.trail = auditmemory.NewInMemoryStore()
		return nil
	}
	store, err := pgstore.New(a.db, pgstore.WithFieldValidator(cat.Validate))
	if err != nil {
		return err
	}
	a.store = store
	a.trail = auditpg.New(a.db)
	return nil
}

// buildTransport decides how committed changes reach the hub. Without a
// database the memory store publishes into the hub itself.
func (a *app) buildTransport(ctx context.Context) error {
	cfg := a.cfg
	if a.db == nil {
		if len(cfg.Kafka.Brokers) > 0 || cfg.NATS.URL != "" {
			a.logger.Warn("change bus configured without DATABASE_URL, ignoring it")
		}
		return nil
	}

	var (
		changes ports.ChangePublisher = a.hub
		err     error
	)
	if cfg.NATS.URL != "" {
		a.nats, err = natsbus.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix,
			natsbus.WithLogger(a.logger),
			natsbus.WithStatusReporter(a.hub),
		)
		if err != nil {
			return err
		}
		changes = a.nats
	}
	if len(cfg.Kafka.Brokers) > 0 {
		if err := kafka.EnsureTopic(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Partitions); err != nil {
			return err
		}
		if a.producer, err = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, kafka.WithProducerLogger(a.logger)); err != nil {
			return err
		}
		changes = a.producer
		a.consumer, err = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic,
			kafka.NewChangeHandler(a.hub, a.logger),
			kafka.WithConsumerGroup(cfg.Kafka.ConsumerGroup),
			kafka.WithStatusReporter(a.hub),
			kafka.WithHeartbeat(cfg.Sync.HeartbeatTimeout/3),
			kafka.WithConsumerLogger(a.logger),
		)
		if err != nil {
			return err
		}
	} else if a.nats != nil {
		if err := a.nats.Bridge(a.hub); err != nil {
			return err
		}
	}

	relayOpts := []outbox.Option{
		outbox.WithLogger(a.logger),
		outbox.WithMetrics(outbox.NewMetrics()),
		outbox.WithInterval(cfg.Sync.OutboxInterval),
		outbox.WithHandler(pgstore.AggregateType, outbox.PublishRecords(changes, a.logger)),
	}
	if a.nats != nil {
		relayOpts = append(relayOpts, outbox.WithHandler(auditpg.AggregateType, outbox.PublishAudit(a.nats, a.logger)))
	}
	a.relay, err = outbox.New(a.db, relayOpts...)
	return err
}

func (a *app) router() http.Handler {
	jwtService := jwttoken.NewJWTService(a.cfg.Auth.JWTSigningKey, a.cfg.Auth.Issuer)
	httpMetrics := platformmetrics.New()

	probes := map[string]httptransport.Probe{}
	if a.db != nil {
		probes["postgres"] = a.db.PingContext
	}
	if a.redis != nil {
		probes["redis"] = a.redis.Health
	}
	if a.producer != nil {
		probes["kafka"] = a.producer.Ping
	}
	if a.nats != nil {
		probes["nats"] = a.nats.Ping
	}

	return httptransport.NewRouter(httptransport.Deps{
		Logger:     a.logger,
		Observer:   httpMetrics,
		Validator:  jwttoken.NewJWTServiceAdapter(jwtService),
		AdminToken: a.cfg.Auth.AdminToken,
		API: []httptransport.Registrar{
			trackinghandler.New(a.manager, a.logger,
				trackinghandler.WithOpsTracker(a.tracker),
				trackinghandler.WithStreamGauge(httpMetrics),
			),
			audithandler.New(a.gate, a.manager, a.history, a.trail, a.logger),
		},
		Recent: a.trail,
		Probes: probes,
	})
}

// run blocks until ctx is cancelled or a component fails, then shuts the
// server down and waits for in-flight audit follow-ups.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.manager.Run(gctx) })
	g.Go(func() error { return a.tracker.Run(gctx) })
	g.Go(func() error { return a.history.Run(gctx) })
	if a.relay != nil {
		g.Go(func() error { return a.relay.Run(gctx) })
	}
	if a.consumer != nil {
		g.Go(func() error { return a.consumer.Run(gctx) })
	}
	if a.nats != nil {
		g.Go(func() error { return a.nats.Heartbeat(gctx, a.cfg.Sync.HeartbeatTimeout/3) })
	}

	g.Go(func() error {
		a.logger.Info("starting storeops", "addr", a.cfg.Server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	err := g.Wait()
	a.manager.CloseAll()
	a.gate.Wait()
	a.logger.Info("storeops stopped")
	return err
}

func (a *app) close() {
	if a.nats != nil {
		a.nats.Close()
	}
	if a.producer != nil {
		a.producer.Close()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
