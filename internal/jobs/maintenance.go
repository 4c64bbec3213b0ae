package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// MaintenanceFunc is a housekeeping action run on a cron cadence.
type MaintenanceFunc func(ctx context.Context, now time.Time) error

// Maintenance runs a named housekeeping function on a standard cron schedule,
// e.g. purging executed jobs and aged log rows.
type Maintenance struct {
	name     string
	schedule cron.Schedule
	fn       MaintenanceFunc
	log      zerolog.Logger
	interval time.Duration
	next     time.Time
	stop     chan struct{}
}

func NewMaintenance(name, expr string, fn MaintenanceFunc, log zerolog.Logger) (*Maintenance, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, err
	}
	return &Maintenance{
		name:     name,
		schedule: schedule,
		fn:       fn,
		log:      log,
		interval: time.Minute,
		next:     schedule.Next(time.Now()),
		stop:     make(chan struct{}),
	}, nil
}

func (m *Maintenance) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()

	m.log.Info().Str("maintenance", m.name).Time("next_run", m.next).Msg("maintenance schedule started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case now := <-t.C:
			if now.Before(m.next) {
				continue
			}
			if err := m.fn(ctx, now); err != nil {
				m.log.Error().Err(err).Str("maintenance", m.name).Msg("maintenance run failed")
			}
			m.next = m.schedule.Next(now)
		}
	}
}

func (m *Maintenance) Stop() {
	close(m.stop)
}
