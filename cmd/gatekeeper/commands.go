package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/config"
	"github.com/platinummonkey/gatekeeper/pkg/impersonation"
	"github.com/platinummonkey/gatekeeper/pkg/membership"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
	"github.com/platinummonkey/gatekeeper/pkg/storage/postgres"
)

// migrations run in dependency order: memberships reference roles
var migrations = []struct {
	name string
	run  func(ctx context.Context, db *sql.DB, logger logrus.FieldLogger) error
}{
	{"rbac", rbac.RunMigrations},
	{"membership", membership.RunMigrations},
	{"impersonation", impersonation.RunMigrations},
	{"audit", audit.RunMigrations},
}

func runMigrate(ctx context.Context, cfg *config.Config, logger *logrus.Logger, args []string) error {
	if err := parseFlags("migrate", args, nil); err != nil {
		return err
	}
	if cfg.Storage.Type != config.StoragePostgres {
		return fmt.Errorf("migrate requires postgres storage, got %s", cfg.Storage.Type)
	}

	conns, err := postgres.NewConnectionManager(ctx, postgres.ConnectionConfig{
		PrimaryURL: cfg.Storage.PostgresURL,
		MaxConns:   2,
		Timeout:    cfg.Storage.PostgresTimeout,
	}, logger)
	if err != nil {
		return err
	}
	defer conns.Close()

	for _, m := range migrations {
		if err := m.run(ctx, conns.Primary(), logger.WithField("schema", m.name)); err != nil {
			return fmt.Errorf("%s migrations: %w", m.name, err)
		}
	}
	logger.Info("migrations complete")
	return nil
}

func runSeed(ctx context.Context, cfg *config.Config, logger *logrus.Logger, args []string) error {
	if err := parseFlags("seed", args, func(fs *flag.FlagSet) {
		fs.StringVar(&cfg.Catalog.SeedFile, "file", cfg.Catalog.SeedFile, "YAML catalog file; the built-in catalog when empty")
	}); err != nil {
		return err
	}
	if cfg.Storage.Type == config.StorageMemory {
		logger.Warn("seeding in-memory storage has no lasting effect")
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.seed(ctx)
}

func runSweep(ctx context.Context, cfg *config.Config, logger *logrus.Logger, args []string) error {
	if err := parseFlags("sweep", args, nil); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.sessions.Sweep(ctx)
	if err != nil {
		return err
	}
	logger.WithField("expired", n).Info("impersonation sweep complete")
	return nil
}
