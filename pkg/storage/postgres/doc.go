// Package postgres provides the connection plumbing shared by the SQL-backed
// stores: a primary/replica connection manager, a versioned migration runner,
// and factories for the Redis client used by the audit spool and the S3 client
// used for audit archives.
package postgres
