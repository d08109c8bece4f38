package impersonation

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultSweepSchedule runs the expiry sweep every minute
const DefaultSweepSchedule = "@every 1m"

// Sweeper runs Manager.Sweep on a cron schedule
type Sweeper struct {
	cron    *cron.Cron
	manager *Manager
	timeout time.Duration
	logger  logrus.FieldLogger
}

// NewSweeper schedules the expiry sweep. The schedule accepts standard cron
// expressions and descriptors such as "@every 30s".
func NewSweeper(manager *Manager, schedule string, logger logrus.FieldLogger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if logger == nil {
		logger = manager.logger
	}
	s := &Sweeper{
		cron:    cron.New(),
		manager: manager,
		timeout: 30 * time.Second,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.manager.Sweep(ctx); err != nil {
		s.logger.WithError(err).Error("impersonation sweep failed")
	}
}

// Start begins running the schedule in the background
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("impersonation sweeper started")
}

// Stop halts the schedule. The returned context is done once a running
// sweep has finished.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}
