// Package retention deletes coaching sessions once they exceed the data
// retention period.
package retention

import (
	"context"
	"time"

	"coachbot/internal/session"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	DefaultDays     = 30
	DefaultSchedule = "@daily"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Config sets the retention period and sweep schedule.
type Config struct {
	Days     int
	Schedule string
}

// Sweeper removes sessions older than the retention period, on demand and
// on a cron schedule.
type Sweeper struct {
	registry *session.Registry
	days     int
	expr     string
	schedule cron.Schedule
	now      func() time.Time
	log      *logrus.Entry
}

// NewSweeper validates cfg and creates a sweeper.
func NewSweeper(registry *session.Registry, cfg Config) (*Sweeper, error) {
	if cfg.Days <= 0 {
		cfg.Days = DefaultDays
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid retention schedule %q", cfg.Schedule)
	}
	return &Sweeper{
		registry: registry,
		days:     cfg.Days,
		expr:     cfg.Schedule,
		schedule: sched,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logrus.WithField("component", "retention"),
	}, nil
}

// Days returns the configured retention period.
func (s *Sweeper) Days() int { return s.days }

// Next returns when the scheduled sweep runs after t.
func (s *Sweeper) Next(t time.Time) time.Time { return s.schedule.Next(t) }

// Sweep deletes sessions created more than days ago and returns their ids.
// A non-positive days uses the configured period.
func (s *Sweeper) Sweep(days int) []string {
	if days <= 0 {
		days = s.days
	}
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	ids := s.registry.DeleteOlderThan(cutoff)
	s.log.WithFields(logrus.Fields{"days": days, "deleted": len(ids)}).Info("retention sweep")
	return ids
}

// Run sweeps on the schedule until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.PrintfLogger(logrus.StandardLogger()))),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() { s.Sweep(0) }))
	c.Start()
	s.log.WithFields(logrus.Fields{"schedule": s.expr, "days": s.days}).Info("retention sweeper started")

	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("retention sweeper stopped")
	return nil
}
