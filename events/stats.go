package events

import "github.com/curtisnewbie/lakepersist/core"

// Log state of the client and delivery counters of each subscription.
func (c *Controller) LogStats(rail core.Rail) {
	rail.Infof("Event bus state: %s, degraded: %v", c.client.State(), c.Degraded())
	for _, s := range c.client.Stats() {
		rail.Infof("Queue '%s' (%s): delivered: %d, failed: %d, acked: %d, requeued: %d, rejected: %d",
			s.Queue, s.Pattern, s.Delivered, s.Failed, s.Acked, s.Requeued, s.Rejected)
	}
}

// Cron job that calls LogStats.
func StatsJob(c *Controller, cron string) core.Job {
	return core.Job{
		Name:            "LogEventBusStats",
		Cron:            cron,
		CronWithSeconds: true,
		Run: func(rail core.Rail) error {
			c.LogStats(rail)
			return nil
		},
	}
}
