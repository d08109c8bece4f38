package rbac

import (
	"context"
	"database/sql"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/storage/postgres"
)

// GetMigrations returns the catalog schema migrations
func GetMigrations() []postgres.Migration {
	return []postgres.Migration{
		{
			Version:     1,
			Description: "Create permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permissions (
					key VARCHAR(255) PRIMARY KEY
						CHECK (key ~ '^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$'),
					description TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     2,
			Description: "Create roles table with immutable scope",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id UUID PRIMARY KEY,
					key VARCHAR(255) NOT NULL UNIQUE,
					label VARCHAR(255) NOT NULL,
					scope VARCHAR(16) NOT NULL CHECK (scope IN ('platform', 'org', 'project')),
					description TEXT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (id, scope)
				);

				CREATE INDEX IF NOT EXISTS idx_roles_scope ON roles(scope);

				CREATE OR REPLACE FUNCTION roles_scope_immutable() RETURNS trigger AS $$
				BEGIN
					IF NEW.scope <> OLD.scope THEN
						RAISE EXCEPTION 'role scope is immutable';
					END IF;
					RETURN NEW;
				END;
				$$ LANGUAGE plpgsql;

				DROP TRIGGER IF EXISTS trg_roles_scope_immutable ON roles;
				CREATE TRIGGER trg_roles_scope_immutable
					BEFORE UPDATE ON roles
					FOR EACH ROW EXECUTE FUNCTION roles_scope_immutable();
			`,
		},
		{
			Version:     3,
			Description: "Create role_permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_permissions (
					role_id UUID NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission_key VARCHAR(255) NOT NULL REFERENCES permissions(key) ON DELETE RESTRICT,
					PRIMARY KEY (role_id, permission_key)
				);

				CREATE INDEX IF NOT EXISTS idx_role_permissions_key ON role_permissions(permission_key);
			`,
		},
		{
			Version:     4,
			Description: "Create policy_versions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS policy_versions (
					id SMALLINT PRIMARY KEY CHECK (id = 1),
					version BIGINT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				INSERT INTO policy_versions (id, version) VALUES (1, 1) ON CONFLICT (id) DO NOTHING;
			`,
		},
	}
}

// RunMigrations applies pending catalog migrations
func RunMigrations(ctx context.Context, db *sql.DB, logger logrus.FieldLogger) error {
	return postgres.RunMigrations(ctx, db, "rbac_migrations", GetMigrations(), logger)
}
