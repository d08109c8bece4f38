// Package config loads gatekeeper configuration from environment variables.
//
// Every setting has a default suitable for local development with in-memory
// storage. LoadConfig validates the result and returns an error describing
// the first problem found.
//
// Server settings:
//
//	GATEKEEPER_HOST="0.0.0.0"
//	GATEKEEPER_PORT="8080"
//	GATEKEEPER_HEALTH_PORT="9090"
//	GATEKEEPER_ACTOR_HEADER="X-User-ID"
//
// Storage settings:
//
//	GATEKEEPER_STORAGE_TYPE="postgres"  # memory, postgres
//	GATEKEEPER_POSTGRES_URL="postgres://localhost/gatekeeper"
//	GATEKEEPER_POSTGRES_REPLICA_URLS="postgres://replica/gatekeeper"
//	GATEKEEPER_REDIS_URL="redis://localhost:6379"
//
// Catalog and policy:
//
//	GATEKEEPER_CATALOG_CACHE_TTL="10m"
//	GATEKEEPER_CATALOG_FILE="/etc/gatekeeper/catalog.yaml"
//	GATEKEEPER_POLICY_FILE="/etc/gatekeeper/policy.yaml"
//	GATEKEEPER_ORG_ADMIN_ROLES="org.owner,org.admin"
//
// Impersonation:
//
//	GATEKEEPER_IMPERSONATION_DEFAULT_TTL="1h"
//	GATEKEEPER_IMPERSONATION_MAX_TTL="8h"
//	GATEKEEPER_IMPERSONATION_SWEEP_SCHEDULE="@every 1m"
//
// Audit:
//
//	GATEKEEPER_AUDIT_SPOOL_KEY="gatekeeper:audit:spool"
//	GATEKEEPER_AUDIT_DRAIN_INTERVAL="5s"
//	GATEKEEPER_AUDIT_ARCHIVE_BUCKET="compliance"
//	GATEKEEPER_S3_REGION="us-east-1"
//
// Observability:
//
//	GATEKEEPER_LOG_LEVEL="info"
//	GATEKEEPER_LOG_FORMAT="json"
//	GATEKEEPER_OTEL_ENABLED="true"
//	GATEKEEPER_OTEL_ENDPOINT="otel-collector:4317"
package config
