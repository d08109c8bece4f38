package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/authz"
	"github.com/platinummonkey/gatekeeper/pkg/config"
	"github.com/platinummonkey/gatekeeper/pkg/impersonation"
	"github.com/platinummonkey/gatekeeper/pkg/membership"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
	"github.com/platinummonkey/gatekeeper/pkg/storage/postgres"
)

// app holds the wired services for one process
type app struct {
	cfg    *config.Config
	logger logrus.FieldLogger

	promRegistry *prometheus.Registry
	metrics      *observability.Metrics

	conns *postgres.ConnectionManager
	redis *redis.Client

	catalog   *rbac.Registry
	members   *membership.Service
	admins    *authz.AdminRoleSet
	resolver  *authz.Resolver
	sessions  *impersonation.Manager
	decisions audit.Source
	recorder  *audit.Recorder
	evaluator *authz.Evaluator
	archiver  *audit.Archiver
}

// newApp opens storage and builds every service. Close releases connections.
func newApp(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.Observability.MetricsEnabled {
		a.promRegistry = prometheus.NewRegistry()
		a.promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = observability.NewMetrics(a.promRegistry)
	}

	var (
		rbacStore    rbac.Store
		memberStore  membership.Store
		sessionStore impersonation.Store
		sink         audit.Sink
		spool        audit.Spool
	)

	switch cfg.Storage.Type {
	case config.StoragePostgres:
		conns, err := postgres.NewConnectionManager(ctx, postgres.ConnectionConfig{
			PrimaryURL:  cfg.Storage.PostgresURL,
			ReplicaURLs: postgres.ParseReplicaURLs(cfg.Storage.PostgresReplicaURLs),
			MaxConns:    cfg.Storage.PostgresMaxConns,
			MinConns:    cfg.Storage.PostgresMinConns,
			Timeout:     cfg.Storage.PostgresTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.conns = conns

		client, err := postgres.NewRedisClient(postgres.RedisConfig{
			URL:        cfg.Storage.RedisURL,
			Password:   cfg.Storage.RedisPassword,
			DB:         cfg.Storage.RedisDB,
			MaxRetries: cfg.Storage.RedisMaxRetries,
			PoolSize:   cfg.Storage.RedisPoolSize,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client

		// decisions read the primary; only audit search uses replicas
		rbacStore = rbac.NewSQLStore(conns.Primary())
		memberStore = membership.NewSQLStore(conns.Primary())
		sessionStore = impersonation.NewSQLStore(conns.Primary())
		sqlSink := audit.NewSQLSink(conns.Primary(), conns.Replica())
		sink, a.decisions = sqlSink, sqlSink
		spool = audit.NewRedisSpool(client, cfg.Audit.SpoolKey)
	default:
		logger.Warn("using in-memory storage, state is lost on restart")
		rbacStore = rbac.NewMemoryStore()
		memberStore = membership.NewMemoryStore()
		sessionStore = impersonation.NewMemoryStore()
		memSink := audit.NewMemorySink()
		sink, a.decisions = memSink, memSink
		spool = audit.NewMemorySpool()
	}

	a.catalog = rbac.NewRegistry(rbacStore,
		rbac.WithSnapshotCache(cfg.Catalog.CacheSize, cfg.Catalog.CacheTTL),
		rbac.WithLogger(logger))
	a.members = membership.NewService(memberStore, a.catalog, nil, logger)

	a.admins = authz.NewAdminRoleSet(cfg.Policy.OrgAdminRoles...)
	a.resolver = authz.NewResolver(a.catalog, memberStore, a.admins, nil)

	sessionOpts := []impersonation.Option{
		impersonation.WithTTL(cfg.Impersonation.DefaultTTL, cfg.Impersonation.MaxTTL),
		impersonation.WithLogger(logger),
	}
	recorderOpts := []audit.RecorderOption{
		audit.WithLogger(logger),
		audit.WithWriteTimeout(cfg.Audit.WriteTimeout),
	}
	evaluatorOpts := []authz.EvaluatorOption{authz.WithLogger(logger)}
	if a.metrics != nil {
		sessionOpts = append(sessionOpts, impersonation.WithMetrics(a.metrics))
		recorderOpts = append(recorderOpts, audit.WithMetrics(a.metrics))
		evaluatorOpts = append(evaluatorOpts, authz.WithMetrics(a.metrics))
	}

	a.sessions = impersonation.NewManager(sessionStore, a.resolver, sessionOpts...)
	a.recorder = audit.NewRecorder(sink, spool, recorderOpts...)
	evaluatorOpts = append(evaluatorOpts, authz.WithSessions(a.sessions))
	a.evaluator = authz.NewEvaluator(a.resolver, a.recorder, evaluatorOpts...)

	if cfg.Audit.ArchiveEnabled() {
		client, err := postgres.NewS3Client(ctx, postgres.S3Config{
			Endpoint:     cfg.Audit.S3Endpoint,
			Region:       cfg.Audit.S3Region,
			Bucket:       cfg.Audit.ArchiveBucket,
			AccessKey:    cfg.Audit.S3AccessKey,
			SecretKey:    cfg.Audit.S3SecretKey,
			UsePathStyle: cfg.Audit.S3PathStyle,
			CreateBucket: cfg.Audit.S3CreateBucket,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.archiver = audit.NewArchiver(client, cfg.Audit.ArchiveBucket, cfg.Audit.ArchivePrefix, a.decisions, logger)
	}

	return a, nil
}

// seed applies the configured catalog
func (a *app) seed(ctx context.Context) error {
	cat := rbac.DefaultCatalog()
	if a.cfg.Catalog.SeedFile != "" {
		var err error
		if cat, err = rbac.LoadCatalogFile(a.cfg.Catalog.SeedFile); err != nil {
			return err
		}
	}
	res, err := rbac.Seed(ctx, a.catalog, cat)
	if err != nil {
		return fmt.Errorf("failed to seed catalog: %w", err)
	}
	a.logger.WithFields(logrus.Fields{
		"permissions_created": res.PermissionsCreated,
		"roles_created":       res.RolesCreated,
		"roles_updated":       res.RolesUpdated,
	}).Info("catalog seeded")
	return nil
}

// Close releases database and Redis connections
func (a *app) Close() error {
	var errs []error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if a.conns != nil {
		if err := a.conns.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	return errors.Join(errs...)
}
