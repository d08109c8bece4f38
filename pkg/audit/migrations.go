package audit

import (
	"context"
	"database/sql"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/storage/postgres"
)

// GetMigrations returns the decision record schema migrations
func GetMigrations() []postgres.Migration {
	return []postgres.Migration{
		{
			Version:     1,
			Description: "Create decision_records table",
			SQL: `
				CREATE TABLE IF NOT EXISTS decision_records (
					id CHAR(26) PRIMARY KEY,
					occurred_at TIMESTAMPTZ NOT NULL,
					actor_user_id VARCHAR(255) NOT NULL,
					effective_user_id VARCHAR(255),
					org_id VARCHAR(64),
					project_id VARCHAR(64),
					action_key VARCHAR(255) NOT NULL,
					resource_type VARCHAR(100),
					resource_id VARCHAR(255),
					decision VARCHAR(8) NOT NULL CHECK (decision IN ('allow', 'deny')),
					reason_code VARCHAR(64) NOT NULL,
					policy_version BIGINT NOT NULL,
					impersonation_session_id VARCHAR(64),
					request_id VARCHAR(128),
					client_ip VARCHAR(64),
					user_agent TEXT,
					context JSONB,
					recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_decision_records_occurred_at ON decision_records(occurred_at);
				CREATE INDEX IF NOT EXISTS idx_decision_records_actor ON decision_records(actor_user_id, id);
				CREATE INDEX IF NOT EXISTS idx_decision_records_org ON decision_records(org_id, id);
				CREATE INDEX IF NOT EXISTS idx_decision_records_session
					ON decision_records(impersonation_session_id) WHERE impersonation_session_id IS NOT NULL;
			`,
		},
		{
			Version:     2,
			Description: "Make decision_records append-only",
			SQL: `
				CREATE OR REPLACE FUNCTION decision_records_append_only() RETURNS trigger AS $$
				BEGIN
					RAISE EXCEPTION 'decision_records is append-only';
				END;
				$$ LANGUAGE plpgsql;

				DROP TRIGGER IF EXISTS trg_decision_records_append_only ON decision_records;
				CREATE TRIGGER trg_decision_records_append_only
					BEFORE UPDATE OR DELETE ON decision_records
					FOR EACH ROW EXECUTE FUNCTION decision_records_append_only();
			`,
		},
	}
}

// RunMigrations applies pending decision record migrations
func RunMigrations(ctx context.Context, db *sql.DB, logger logrus.FieldLogger) error {
	return postgres.RunMigrations(ctx, db, "audit_migrations", GetMigrations(), logger)
}
