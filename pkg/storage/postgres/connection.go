package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/sirupsen/logrus"
)

const defaultConnectTimeout = 5 * time.Second

// ConnectionConfig holds database connection configuration
type ConnectionConfig struct {
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// ConnectionManager owns the primary pool and the read replica pools.
// Authorization decisions read memberships, sessions and the policy version
// from the primary only; replicas serve audit search and export, where a few
// seconds of lag is harmless.
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*sql.DB
	next     atomic.Uint32
	logger   logrus.FieldLogger
}

// NewConnectionManager opens the primary, failing if it cannot be reached,
// and every replica that answers a ping. Unreachable replicas are skipped.
func NewConnectionManager(ctx context.Context, cfg ConnectionConfig, logger logrus.FieldLogger) (*ConnectionManager, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultConnectTimeout
	}

	primary, err := connect(ctx, cfg, cfg.PrimaryURL, cfg.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary: %w", err)
	}
	cm := &ConnectionManager{primary: primary, logger: logger}

	// replicas only carry audit reads
	replicaConns := max(cfg.MaxConns/2, 2)
	for i, url := range cfg.ReplicaURLs {
		replica, err := connect(ctx, cfg, url, replicaConns)
		if err != nil {
			logger.WithError(err).WithField("replica", i).Warn("skipping unreachable replica")
			continue
		}
		cm.replicas = append(cm.replicas, replica)
	}

	logger.WithFields(logrus.Fields{
		"replicas":  len(cm.replicas),
		"max_conns": cfg.MaxConns,
	}).Info("postgres connected")
	return cm, nil
}

func connect(ctx context.Context, cfg ConnectionConfig, url string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)
	db.SetConnMaxIdleTime(cfg.MaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Primary returns the read-write pool
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica returns the next replica in rotation, or the primary when no
// replica is connected
func (cm *ConnectionManager) Replica() *sql.DB {
	if len(cm.replicas) == 0 {
		return cm.primary
	}
	n := cm.next.Add(1)
	return cm.replicas[int(n%uint32(len(cm.replicas)))]
}

// HealthCheck pings the primary
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	if err := cm.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary unhealthy: %w", err)
	}
	return nil
}

// ReplicaHealthCheck fails only when every replica is down. Audit search
// fails in that state until a replica recovers.
func (cm *ConnectionManager) ReplicaHealthCheck(ctx context.Context) error {
	var down []string
	for i, replica := range cm.replicas {
		if err := replica.PingContext(ctx); err != nil {
			down = append(down, fmt.Sprintf("replica-%d", i))
		}
	}
	if len(down) > 0 && len(down) == len(cm.replicas) {
		return fmt.Errorf("all replicas unhealthy: %s", strings.Join(down, ", "))
	}
	return nil
}

// ConnectionStats holds pool statistics for the primary and each replica
type ConnectionStats struct {
	Primary  sql.DBStats
	Replicas []sql.DBStats
}

// Stats returns pool statistics
func (cm *ConnectionManager) Stats() ConnectionStats {
	stats := ConnectionStats{
		Primary:  cm.primary.Stats(),
		Replicas: make([]sql.DBStats, len(cm.replicas)),
	}
	for i, replica := range cm.replicas {
		stats.Replicas[i] = replica.Stats()
	}
	return stats
}

// Close closes every pool
func (cm *ConnectionManager) Close() error {
	var errs []error
	if err := cm.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("primary: %w", err))
	}
	for i, replica := range cm.replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, fmt.Errorf("replica-%d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// ParseReplicaURLs splits a comma-separated replica list, dropping blanks
func ParseReplicaURLs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			urls = append(urls, p)
		}
	}
	return urls
}
