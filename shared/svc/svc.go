// Package svc wires the pieces every consumer binary needs: config, logging,
// tracing, Postgres, the broker with its declared topology and the admin server.
package svc

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"retail-backbone/shared/cachex"
	"retail-backbone/shared/config"
	"retail-backbone/shared/dbx"
	"retail-backbone/shared/httpx"
	"retail-backbone/shared/logx"
	"retail-backbone/shared/metricsx"
	"retail-backbone/shared/mqx"
	"retail-backbone/shared/observability"
)

type App struct {
	Cfg      config.Config
	Logger   logx.Logger
	Version  string
	Topology mqx.Topology
	Broker   mqx.Broker
	Pool     *pgxpool.Pool
	Cache    *cachex.Client
	Tracker  mqx.RedeliveryTracker

	closers []func()
	runners []func(ctx context.Context) error
	checks  []httpx.ReadyCheck
}

// Init loads configuration and connects dependencies. Any failure here is
// fatal: the process logs the reason and exits 1. An empty service declares
// the whole topology, which is what a publish-only process needs.
func Init(service string, serviceName string, httpPort int) *App {
	cfg, problems := config.Load(serviceName, httpPort)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	problems = append(problems, cfg.RequireBroker()...)
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	app := &App{Cfg: cfg, Logger: logger, Version: version}
	metricsx.Register()

	shutdown, err := observability.Setup(context.Background(), cfg)
	if err != nil {
		logger.Warn(context.Background(), "otel_init_failed", "tracing disabled",
			slog.String("error", err.Error()),
		)
	} else {
		app.closers = append(app.closers, func() { _ = shutdown(context.Background()) })
	}

	topology, err := mqx.LoadTopology(cfg.TopologyPath, cfg.BrokerExchange)
	if err == nil && service != "" {
		topology, err = topology.ForService(service)
	}
	if err != nil {
		app.fatal("topology_invalid", "topology invalid", err)
	}
	app.Topology = topology

	pool, err := dbx.NewPool(cfg)
	if err != nil {
		app.fatal("db_init_failed", "db init failed", err)
	}
	app.Pool = pool
	app.closers = append(app.closers, pool.Close)

	app.Cache = cachex.NewOptional(cfg)
	if app.Cache != nil {
		app.closers = append(app.closers, func() { _ = app.Cache.Close() })
	}
	app.Tracker = mqx.NewTracker(app.Cache.Client())

	broker, err := mqx.Dial(cfg)
	if err != nil {
		app.fatal("broker_init_failed", "broker init failed", err)
	}
	app.Broker = broker
	app.closers = append(app.closers, func() { _ = broker.Close() })

	declareCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := broker.Declare(declareCtx, topology); err != nil {
		app.fatal("topology_declare_failed", "cannot declare broker topology", err)
	}
	logger.Info(context.Background(), "topology_declared", "broker topology declared",
		slog.String("system", broker.System()),
		slog.String("exchange", topology.Exchange),
		slog.Int("queues", len(topology.Queues())),
	)
	return app
}

// Migrate applies the service schema; failure is fatal.
func (a *App) Migrate(schema string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := dbx.Migrate(ctx, a.Pool, dbx.ProcessedEventsSchema+schema); err != nil {
		a.fatal("db_migrate_failed", "schema migration failed", err)
	}
}

// Consumer builds a consumer for one of the service's queues.
func (a *App) Consumer(queue string) *mqx.Consumer {
	spec, ok := a.Topology.Queue(queue)
	if !ok {
		a.fatal("topology_invalid", "queue missing from topology", mqx.ErrNotDeclared)
	}
	c, err := mqx.NewConsumer(a.Broker, mqx.ConsumerOptions{
		Exchange:      a.Topology.Exchange,
		Queue:         spec,
		MaxDeliveries: a.Cfg.ConsumerMaxDeliveries,
		RetryDelay:    a.Cfg.ConsumerRetryDelay(),
		Tracker:       a.Tracker,
		Logger:        a.Logger,
	})
	if err != nil {
		a.fatal("consumer_init_failed", "consumer init failed", err)
	}
	return c
}

// Go adds a long-running task to Run. fn must return once ctx is done.
func (a *App) Go(fn func(ctx context.Context) error) {
	a.runners = append(a.runners, fn)
}

// Check adds a readiness check to the admin server.
func (a *App) Check(name string, fn func(ctx context.Context) error) {
	a.checks = append(a.checks, httpx.ReadyCheck{Name: name, Check: fn})
}

// Run serves the admin endpoints, every consumer and every task added with Go
// until SIGINT/SIGTERM.
func (a *App) Run(consumers ...*mqx.Consumer) {
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := []httpx.ReadyCheck{{Name: "database", Check: func(ctx context.Context) error { return dbx.Ping(ctx, a.Pool) }}}
	checks = append(checks, a.checks...)
	for _, c := range consumers {
		checks = append(checks, consumerCheck(c))
	}
	admin := httpx.NewAdminServer(a.Cfg, a.Logger, a.Version, nil, checks...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return admin.Run(gctx) })
	for _, c := range consumers {
		c := c
		g.Go(func() error { return c.Run(gctx) })
		a.Logger.Info(ctx, "consumer_start", "consumer started", slog.String("queue", c.Queue()))
	}
	for _, fn := range a.runners {
		fn := fn
		g.Go(func() error { return fn(gctx) })
	}

	if err := g.Wait(); err != nil {
		a.Logger.Error(context.Background(), "service_failed", "service failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		a.Close()
		os.Exit(1)
	}
	a.Logger.Info(context.Background(), "service_stop", "service stopped")
}

func consumerCheck(c *mqx.Consumer) httpx.ReadyCheck {
	return httpx.ReadyCheck{Name: "consumer " + c.Queue(), Check: func(context.Context) error {
		if s := c.State(); s == mqx.StateFailed || s == mqx.StateConnecting {
			return &stateError{queue: c.Queue(), state: s}
		}
		return nil
	}}
}

type stateError struct {
	queue string
	state mqx.State
}

func (e *stateError) Error() string { return e.queue + " is " + e.state.String() }

// OnClose registers fn to run when the app shuts down.
func (a *App) OnClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases dependencies in reverse order. It is safe to call twice.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) fatal(event string, msg string, err error) {
	a.Logger.Error(context.Background(), event, msg,
		slog.String("error_code", "FAILED_PRECONDITION"),
		slog.String("error", err.Error()),
	)
	a.Close()
	os.Exit(1)
}
