// Command scheduler runs the source ingestion core: the tiered scheduler, the
// stuck-run reaper, the health monitor, the gap ticket generator and the
// operator HTTP API.
//
// Usage:
//
//	go run ./cmd/scheduler [-config configs/config.yaml]
//	go run ./cmd/scheduler -dev [-sources configs/sources.yaml]
//
// With -dev every store is kept in memory, the registry is seeded from the
// sources file and connectors are simulated, so no Postgres, Redis or Kafka
// is needed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yeto-platform/ingestcore/internal/api"
	"github.com/yeto-platform/ingestcore/internal/connector"
	"github.com/yeto-platform/ingestcore/internal/gaps"
	"github.com/yeto-platform/ingestcore/internal/monitor"
	"github.com/yeto-platform/ingestcore/internal/notify"
	"github.com/yeto-platform/ingestcore/internal/registry"
	"github.com/yeto-platform/ingestcore/internal/runs"
	"github.com/yeto-platform/ingestcore/internal/scheduler"
	"github.com/yeto-platform/ingestcore/pkg/config"
	"github.com/yeto-platform/ingestcore/pkg/health"
	"github.com/yeto-platform/ingestcore/pkg/kafka"
	"github.com/yeto-platform/ingestcore/pkg/logger"
	"github.com/yeto-platform/ingestcore/pkg/metrics"
	"github.com/yeto-platform/ingestcore/pkg/postgres"
	"github.com/yeto-platform/ingestcore/pkg/redis"
)

// healthStateTTL bounds how long a remembered health level survives without
// a monitor pass refreshing it.
const healthStateTTL = 7 * 24 * time.Hour

type stores struct {
	sources  registry.Store
	runs     runs.Store
	presence gaps.Presence
	tickets  gaps.TicketStore
}

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	dev := flag.Bool("dev", false, "use in-memory stores and simulated connectors")
	sourcesPath := flag.String("sources", "configs/sources.yaml", "registry seed file used with -dev")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting ingestion scheduler", "port", cfg.Server.Port, "dev", *dev)

	m := metrics.New(nil)
	checker := health.NewChecker()
	shutdownMetrics := metrics.StartServer(cfg.Metrics, checker.ReadyHandler())
	defer shutdownMetrics(context.Background())

	var (
		st           stores
		regOpts      []registry.Option
		trackerOpts  = []runs.TrackerOption{runs.WithMetrics(m)}
		monitorOpts  = []monitor.Option{monitor.WithMetrics(m)}
		notifiers    = notify.Multi{notify.NewLogNotifier()}
		connRegistry *connector.Registry
	)

	if *dev {
		seed, err := registry.LoadSourcesFile(*sourcesPath)
		if err != nil {
			slog.Error("failed to load registry seed", "error", err)
			os.Exit(1)
		}
		st = stores{
			sources:  registry.NewMemoryStore(seed...),
			runs:     runs.NewMemoryStore(),
			presence: gaps.NewMemoryPresence(),
			tickets:  gaps.NewMemoryTicketStore(),
		}
		connRegistry = simulatedConnectors()
		slog.Info("dev mode: in-memory stores", "sources", len(seed))
	} else {
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		checker.Register("postgres", health.PingCheck(db.Ping, false))
		slog.Info("connected to postgres")
		st = stores{
			sources:  registry.NewPostgresStore(db),
			runs:     runs.NewPostgresStore(db),
			presence: gaps.NewPostgresPresence(db),
			tickets:  gaps.NewPostgresTicketStore(db),
		}

		if cfg.Redis.Addr != "" {
			rc, err := redis.NewClient(cfg.Redis)
			if err != nil {
				slog.Warn("redis unavailable, running without shared cache", "error", err)
			} else {
				defer rc.Close()
				checker.Register("redis", health.PingCheck(rc.Ping, true))
				regOpts = append(regOpts, registry.WithCache(registry.NewRedisCache(rc, cfg.Redis.CacheTTL)))
				monitorOpts = append(monitorOpts, monitor.WithStateStore(monitor.NewRedisStateStore(rc, healthStateTTL)))
				slog.Info("connected to redis", "addr", cfg.Redis.Addr)
			}
		}

		if len(cfg.Kafka.Brokers) > 0 {
			alerts := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.SourceAlerts)
			defer alerts.Close()
			events := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.RunEvents)
			defer events.Close()
			checker.Register("kafka", health.PingCheck(alerts.Ping, true))
			notifiers = append(notifiers, notify.NewKafkaNotifier(alerts))
			trackerOpts = append(trackerOpts, runs.WithPublisher(runs.NewKafkaPublisher(events)))
			slog.Info("kafka producers initialized",
				"alerts_topic", cfg.Kafka.Topics.SourceAlerts, "events_topic", cfg.Kafka.Topics.RunEvents)
		}
		connRegistry = connector.FromConfig(cfg.Connectors, m)
	}
	slog.Info("connectors registered", "names", connRegistry.Names())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sources := registry.NewService(st.sources, regOpts...)
	if err := sources.Reload(ctx); err != nil {
		slog.Warn("initial registry load failed", "error", err, "seeded", sources.Loaded())
	}
	tracker := runs.NewTracker(st.runs, trackerOpts...)

	policy, err := scheduler.PolicyFromConfig(cfg.Scheduler)
	if err != nil {
		slog.Error("invalid scheduler policy", "error", err)
		os.Exit(1)
	}
	sched := scheduler.New(policy, cfg.Scheduler.TickInterval, sources, tracker, connRegistry,
		scheduler.WithMetrics(m), scheduler.WithUpcoming(cfg.Scheduler.StatusUpcoming))
	reaper := runs.NewReaper(tracker, cfg.Scheduler.ReapInterval, cfg.Scheduler.StuckTimeout)

	monitorOpts = append(monitorOpts, monitor.WithNotifier(notifiers))
	mon := monitor.New(cfg.Monitor, sources, tracker, monitorOpts...)

	var expectations []gaps.Expectation
	if cfg.Gaps.ExpectationsFile != "" {
		expectations, err = gaps.LoadExpectations(cfg.Gaps.ExpectationsFile)
		if err != nil {
			slog.Error("failed to load gap expectations", "error", err)
			os.Exit(1)
		}
	}
	gen := gaps.NewGenerator(expectations, st.presence, st.tickets, cfg.Gaps.Interval, gaps.WithMetrics(m))

	h := api.NewHandler(sched, tracker, mon, st.tickets, sources)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(h, checker, m, cfg.Server),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if cfg.Scheduler.AutoStart {
		sched.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { sched.Run(gctx); return nil })
	g.Go(func() error { reaper.Run(gctx); return nil })
	g.Go(func() error { mon.Run(gctx); return nil })
	if len(expectations) > 0 {
		g.Go(func() error { gen.Run(gctx); return nil })
	} else {
		slog.Info("no gap expectations configured, coverage scan disabled")
	}
	g.Go(func() error {
		slog.Info("operator api listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("operator api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		if err := sched.Wait(shutdownCtx); err != nil {
			slog.Warn("in-flight runs did not finish; the reaper will mark them stuck", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("scheduler exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("ingestion scheduler stopped")
}

// simulatedConnectors stands in for real adapters in dev mode: each run takes
// a moment and occasionally fails.
func simulatedConnectors() *connector.Registry {
	reg := connector.NewRegistry()
	reg.Register("manual", connector.Manual{})
	reg.Register("simulated", connector.Func(func(ctx context.Context, src registry.Source) (runs.Counts, error) {
		select {
		case <-ctx.Done():
			return runs.Counts{}, ctx.Err()
		case <-time.After(time.Duration(200+rand.IntN(800)) * time.Millisecond):
		}
		connector.ReportProgress(ctx, runs.Counts{Fetched: int64(rand.IntN(20))})
		if rand.IntN(10) == 0 {
			return runs.Counts{}, fmt.Errorf("simulated upstream error for %s", src.ID)
		}
		created := rand.IntN(50)
		updated := rand.IntN(10)
		skipped := rand.IntN(5)
		return runs.Counts{
			Fetched: int64(created + updated + skipped),
			Created: int64(created),
			Updated: int64(updated),
			Skipped: int64(skipped),
		}, nil
	}))
	reg.SetDefault(registry.AccessManual, "manual")
	for _, method := range []registry.AccessMethod{registry.AccessAPI, registry.AccessScrape, registry.AccessHybrid} {
		reg.SetDefault(method, "simulated")
	}
	return reg
}
