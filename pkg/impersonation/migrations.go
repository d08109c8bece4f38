package impersonation

import (
	"context"
	"database/sql"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/storage/postgres"
)

// GetMigrations returns the session schema migrations
func GetMigrations() []postgres.Migration {
	return []postgres.Migration{
		{
			Version:     1,
			Description: "Create impersonation_sessions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS impersonation_sessions (
					id UUID PRIMARY KEY,
					actor_user_id VARCHAR(255) NOT NULL,
					target_user_id VARCHAR(255) NOT NULL,
					org_id UUID,
					status VARCHAR(16) NOT NULL CHECK (status IN ('active', 'ended', 'revoked', 'expired')),
					reason TEXT NOT NULL,
					approved_by VARCHAR(255),
					started_at TIMESTAMPTZ NOT NULL,
					expires_at TIMESTAMPTZ NOT NULL,
					ended_at TIMESTAMPTZ,
					ended_by VARCHAR(255),
					CONSTRAINT chk_impersonation_not_self CHECK (actor_user_id <> target_user_id),
					CONSTRAINT chk_impersonation_reason CHECK (btrim(reason) <> ''),
					CONSTRAINT chk_impersonation_expiry CHECK (expires_at > started_at)
				);

				CREATE INDEX IF NOT EXISTS idx_impersonation_sessions_actor ON impersonation_sessions(actor_user_id);
				CREATE INDEX IF NOT EXISTS idx_impersonation_sessions_target ON impersonation_sessions(target_user_id);
				CREATE INDEX IF NOT EXISTS idx_impersonation_sessions_active
					ON impersonation_sessions(expires_at) WHERE status = 'active';
			`,
		},
	}
}

// RunMigrations applies pending session migrations
func RunMigrations(ctx context.Context, db *sql.DB, logger logrus.FieldLogger) error {
	return postgres.RunMigrations(ctx, db, "impersonation_migrations", GetMigrations(), logger)
}
