package events

import "github.com/curtisnewbie/lakepersist/core"

// Event Bus Configuration
const (

	// enable the persistence event bus | true
	PropRabbitMqEnabled = "rabbitmq.enabled"

	// skip deliveries that have been handled before using redis, requires 'redis.enabled' | false
	PropDedupeEnabled = "rabbitmq.dedupe.enabled"

	// how long handled message ids are remembered in seconds | 3600
	PropDedupeTtlSec = "rabbitmq.dedupe.ttl-sec"

	// how long a message id is claimed while its handler runs in seconds | 30
	PropDedupeLeaseSec = "rabbitmq.dedupe.lease-sec"

	// cron (with seconds) of the job that logs event bus stats | 0 */5 * * * *
	PropStatsLogCron = "metrics.stats-log.cron"
)

func init() {
	core.SetDefProp(PropRabbitMqEnabled, true)
	core.SetDefProp(PropDedupeEnabled, false)
	core.SetDefProp(PropDedupeTtlSec, 3600)
	core.SetDefProp(PropDedupeLeaseSec, 30)
	core.SetDefProp(PropStatsLogCron, "0 */5 * * * *")
}
