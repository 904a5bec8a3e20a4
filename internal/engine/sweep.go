package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule is how often the controller looks for runnable
// instances that have no worker on this host.
const DefaultSweepSchedule = "@every 1m"

// ErrInvalidSweepSchedule is returned when the sweep schedule cannot be
// parsed.
var ErrInvalidSweepSchedule = errors.New("invalid sweep schedule")

var sweepParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func parseSweepSchedule(spec string) (cron.Schedule, error) {
	schedule, err := sweepParser.Parse(spec)
	if err != nil {
		return nil, errors.Join(ErrInvalidSweepSchedule, err)
	}
	return schedule, nil
}

// sweepLoop runs Sweep according to the schedule until ctx is cancelled.
func (c *Controller) sweepLoop(ctx context.Context) {
	for {
		next := c.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if n, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("sweep_failed", slog.Any("error", err))
			} else if n > 0 {
				c.logger.Debug("sweep_woke_instances", slog.Int("count", n))
			}
		}
	}
}

// Sweep wakes a worker for every instance the store reports as runnable.
// It adopts instances whose previous host died and catches wake-ups that
// were missed. It returns the number of instances woken.
func (c *Controller) Sweep(ctx context.Context) (int, error) {
	ids, err := c.store.GetRunnableInstances(ctx, c.now())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		inst, err := c.store.GetOrchestrationInstance(ctx, id)
		if err != nil {
			c.logger.Warn("sweep_load_failed", slog.String("instance_id", id), slog.Any("error", err))
			continue
		}
		if _, err := c.defs.Get(inst.DefinitionID, inst.Version); err != nil {
			// Owned by a host that registered a definition we don't know.
			continue
		}
		if c.ensureWorker(inst) {
			n++
		}
	}
	return n, nil
}
