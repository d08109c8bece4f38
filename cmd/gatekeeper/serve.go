package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/gatekeeper/pkg/api"
	"github.com/platinummonkey/gatekeeper/pkg/async"
	"github.com/platinummonkey/gatekeeper/pkg/authz"
	"github.com/platinummonkey/gatekeeper/pkg/config"
	"github.com/platinummonkey/gatekeeper/pkg/impersonation"
	"github.com/platinummonkey/gatekeeper/pkg/middleware"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

const dbStatsInterval = 15 * time.Second

func runServe(ctx context.Context, cfg *config.Config, logger *logrus.Logger, args []string) error {
	seed := cfg.Catalog.SeedOnStart
	if err := parseFlags("serve", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&seed, "seed", seed, "apply the catalog before serving")
	}); err != nil {
		return err
	}

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if seed {
		if err := a.seed(ctx); err != nil {
			a.Close()
			return err
		}
	}

	var watcher *authz.PolicyWatcher
	if cfg.Policy.File != "" {
		watcher = authz.NewPolicyWatcher(cfg.Policy.File, a.admins, logger, a.metrics)
		// fail before accepting traffic if the policy is unreadable
		if err := watcher.Reload(); err != nil {
			a.Close()
			return err
		}
	}

	if err := a.recorder.SyncBacklog(ctx); err != nil {
		logger.WithError(err).Warn("could not read audit spool depth, assuming empty")
	}

	sweeper, err := impersonation.NewSweeper(a.sessions, cfg.Impersonation.SweepSchedule, logger)
	if err != nil {
		a.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	drainerDone := a.recorder.RunDrainer(gctx, cfg.Audit.DrainInterval)
	// sessions that lapsed while we were down
	async.SafeGo(gctx, logger, time.Minute, "startup impersonation sweep", func(ctx context.Context) error {
		_, err := a.sessions.Sweep(ctx)
		return err
	})
	sweeper.Start()

	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	if a.conns != nil && a.metrics != nil {
		async.Loop(gctx, logger, dbStatsInterval, "db stats", func(context.Context) error {
			a.metrics.RecordDBStats(a.conns.Primary().Stats())
			return nil
		})
	}

	apiServer := newAPIServer(gctx, a, logger)
	healthServer := newHealthServer(a)

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	shutdown.AddServer(apiServer)
	shutdown.AddServer(healthServer)
	shutdown.RegisterShutdownFunc("impersonation sweeper", func(ctx context.Context) error {
		return waitDone(ctx, sweeper.Stop().Done())
	})
	shutdown.RegisterShutdownFunc("audit drainer", func(ctx context.Context) error {
		return waitDone(ctx, drainerDone)
	})
	shutdown.RegisterShutdownFunc("opentelemetry", providers.Shutdown)

	g.Go(func() error { return listen(apiServer, logger, "api") })
	g.Go(func() error { return listen(healthServer, logger, "health") })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		err := shutdown.Shutdown(context.Background())
		if cerr := a.Close(); cerr != nil {
			logger.WithError(cerr).Error("failed to close storage")
		}
		return err
	})

	logger.WithFields(logrus.Fields{
		"addr":        apiServer.Addr,
		"health_addr": healthServer.Addr,
		"storage":     cfg.Storage.Type,
		"version":     version,
	}).Info("gatekeeper started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newAPIServer(ctx context.Context, a *app, logger logrus.FieldLogger) *http.Server {
	cfg := a.cfg

	mws := []mux.MiddlewareFunc{
		observability.RecoveryMiddleware(logger),
		middleware.RequestID(logger),
	}
	if a.metrics != nil {
		mws = append(mws, observability.HTTPMetricsMiddleware(a.metrics))
	}

	var adminMws []mux.MiddlewareFunc
	if cfg.RateLimit.Enabled {
		var limiter middleware.Limiter
		if cfg.RateLimit.Distributed {
			limiter = middleware.NewRedisRateLimiter(a.redis, cfg.RateLimit.Limits(), "gatekeeper:ratelimit")
		} else {
			local := middleware.NewRateLimiter(cfg.RateLimit.Limits(), nil)
			async.Loop(ctx, logger, cfg.RateLimit.WindowDuration, "rate limit cleanup", func(context.Context) error {
				local.Cleanup()
				return nil
			})
			limiter = local
		}
		adminMws = append(adminMws, middleware.RateLimit(limiter, cfg.RateLimit.FailOpen, logger))
	}

	server := api.NewServer(api.Services{
		Registry:  a.catalog,
		Members:   a.members,
		Evaluator: a.evaluator,
		Sessions:  a.sessions,
		Decisions: a.decisions,
		Archiver:  a.archiver,
	},
		api.WithLogger(logger),
		api.WithActorHeader(cfg.Server.ActorHeader),
		api.WithMiddleware(mws...),
		api.WithAdminMiddleware(adminMws...),
	)

	return &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(server, "gatekeeper"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

func newHealthServer(a *app) *http.Server {
	checker := observability.NewHealthChecker(version)
	if a.conns != nil {
		checker.AddDatabase("postgres", a.conns.Primary())
		if len(a.cfg.Storage.PostgresReplicaURLs) > 0 {
			checker.AddCheck("postgres_replicas", false, a.conns.ReplicaHealthCheck)
		}
	}
	if a.redis != nil {
		checker.AddRedis("redis", a.redis)
	}

	serveMux := http.NewServeMux()
	observability.RegisterHealthRoutes(serveMux, checker)
	if a.promRegistry != nil {
		observability.RegisterMetricsEndpoint(serveMux, a.promRegistry)
	}

	return &http.Server{
		Addr:              net.JoinHostPort(a.cfg.Server.Host, a.cfg.Server.HealthPort),
		Handler:           serveMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func listen(server *http.Server, logger logrus.FieldLogger, name string) error {
	logger.WithFields(logrus.Fields{"server": name, "addr": server.Addr}).Info("listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func waitDone(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
