package membership

import (
	"context"
	"database/sql"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/storage/postgres"
)

// GetMigrations returns the membership schema migrations. They reference the
// roles table and must run after the rbac migrations.
func GetMigrations() []postgres.Migration {
	return []postgres.Migration{
		{
			Version:     1,
			Description: "Create organizations and projects tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS organizations (
					id UUID PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS projects (
					id UUID PRIMARY KEY,
					org_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					name VARCHAR(255) NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (id, org_id)
				);

				CREATE INDEX IF NOT EXISTS idx_projects_org_id ON projects(org_id);
			`,
		},
		{
			Version:     2,
			Description: "Create memberships table",
			SQL: `
				CREATE TABLE IF NOT EXISTS memberships (
					id UUID PRIMARY KEY,
					org_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					user_id VARCHAR(255) NOT NULL,
					role_id UUID NOT NULL,
					role_scope VARCHAR(16) NOT NULL DEFAULT 'org' CHECK (role_scope = 'org'),
					status VARCHAR(16) NOT NULL CHECK (status IN ('active', 'invited', 'suspended')),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (org_id, user_id),
					CONSTRAINT fk_memberships_role_scope FOREIGN KEY (role_id, role_scope)
						REFERENCES roles(id, scope) ON DELETE RESTRICT
				);

				CREATE INDEX IF NOT EXISTS idx_memberships_user_id ON memberships(user_id);
			`,
		},
		{
			Version:     3,
			Description: "Create project_memberships table",
			SQL: `
				CREATE TABLE IF NOT EXISTS project_memberships (
					id UUID PRIMARY KEY,
					org_id UUID NOT NULL,
					project_id UUID NOT NULL,
					user_id VARCHAR(255) NOT NULL,
					role_id UUID NOT NULL,
					role_scope VARCHAR(16) NOT NULL DEFAULT 'project' CHECK (role_scope = 'project'),
					status VARCHAR(16) NOT NULL CHECK (status IN ('active', 'invited', 'suspended')),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (project_id, user_id),
					CONSTRAINT fk_project_memberships_project_org FOREIGN KEY (project_id, org_id)
						REFERENCES projects(id, org_id) ON DELETE CASCADE,
					CONSTRAINT fk_project_memberships_role_scope FOREIGN KEY (role_id, role_scope)
						REFERENCES roles(id, scope) ON DELETE RESTRICT
				);

				CREATE INDEX IF NOT EXISTS idx_project_memberships_user_id ON project_memberships(user_id);
			`,
		},
		{
			Version:     4,
			Description: "Create platform_memberships table",
			SQL: `
				CREATE TABLE IF NOT EXISTS platform_memberships (
					id UUID PRIMARY KEY,
					user_id VARCHAR(255) NOT NULL,
					role_id UUID NOT NULL,
					role_scope VARCHAR(16) NOT NULL DEFAULT 'platform' CHECK (role_scope = 'platform'),
					status VARCHAR(16) NOT NULL CHECK (status IN ('active', 'suspended')),
					granted_by VARCHAR(255) NOT NULL,
					reason TEXT NOT NULL CHECK (reason <> ''),
					expires_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CONSTRAINT fk_platform_memberships_role_scope FOREIGN KEY (role_id, role_scope)
						REFERENCES roles(id, scope) ON DELETE RESTRICT
				);

				CREATE INDEX IF NOT EXISTS idx_platform_memberships_user_id ON platform_memberships(user_id);
			`,
		},
	}
}

// RunMigrations applies pending membership migrations
func RunMigrations(ctx context.Context, db *sql.DB, logger logrus.FieldLogger) error {
	return postgres.RunMigrations(ctx, db, "membership_migrations", GetMigrations(), logger)
}
