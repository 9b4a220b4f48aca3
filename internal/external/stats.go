package external

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"notifier/internal/store"
)

// StatsCounter reports subscription table counts.
type StatsCounter interface {
	CountSubscriptions(ctx context.Context) (store.Stats, error)
}

const statsTimeout = 30 * time.Second

// StatsCron logs how many chats subscribe to how many tokens.
func StatsCron(counter StatsCounter, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()
	stats, err := counter.CountSubscriptions(ctx)
	if err != nil {
		log.Error().Err(err).Msg("cannot count subscriptions")
		return
	}
	log.Info().
		Int64("subscriptions", stats.Subscriptions).
		Int64("chats", stats.Chats).
		Int64("tokens", stats.Tokens).
		Msg("subscription stats")
}

// ScheduleStats registers StatsCron on c. An empty schedule disables the job.
func ScheduleStats(c *cron.Cron, spec string, counter StatsCounter, log zerolog.Logger) (bool, error) {
	if spec == "" {
		return false, nil
	}
	if _, err := c.AddFunc(spec, func() { StatsCron(counter, log) }); err != nil {
		return false, errors.Wrapf(err, "schedule stats job %q", spec)
	}
	return true, nil
}
