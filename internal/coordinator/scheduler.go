package coordinator

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler fires organic conversation starts on a cron schedule.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// NewScheduler registers StartScheduled on the given cron expression
// (standard five-field syntax). An empty expression disables it.
func NewScheduler(ctx context.Context, coord *Coordinator, expr string, channels []string, log zerolog.Logger) (*Scheduler, error) {
	c := cron.New()
	if expr != "" {
		_, err := c.AddFunc(expr, func() {
			coord.StartScheduled(ctx, channels)
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("schedule", expr).Int("channels", len(channels)).Msg("organic conversation starts scheduled")
	} else {
		log.Info().Msg("organic conversation starts disabled")
	}
	return &Scheduler{cron: c, log: log}, nil
}

// Start begins firing scheduled jobs.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
