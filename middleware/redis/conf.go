package redis

import "github.com/curtisnewbie/lakepersist/core"

// Redis Configuration
const (

	// enable Redis client | false
	PropRedisEnabled = "redis.enabled"

	// Redis server host | localhost
	PropRedisAddress = "redis.address"

	// Redis server port | 6379
	PropRedisPort = "redis.port"

	// password
	PropRedisPassword = "redis.password"

	// database | 0
	PropRedisDatabase = "redis.database"
)

func init() {
	core.SetDefProp(PropRedisEnabled, false)
	core.SetDefProp(PropRedisAddress, "localhost")
	core.SetDefProp(PropRedisPort, 6379)
	core.SetDefProp(PropRedisPassword, "")
	core.SetDefProp(PropRedisDatabase, 0)
}
