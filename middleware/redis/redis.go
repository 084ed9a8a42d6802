package redis

import (
	"errors"
	"fmt"
	"sync"

	"github.com/curtisnewbie/lakepersist/core"
	"github.com/go-redis/redis"
)

const (
	Nil = redis.Nil
)

var (
	mu     sync.RWMutex
	client *redis.Client
)

type RedisConnParam struct {
	Address  string
	Port     string
	Password string
	Db       int
}

// Get Redis client
//
// Must call InitRedis(...) or InitRedisFromProp(...) before this method.
func GetRedis() *redis.Client {
	mu.RLock()
	defer mu.RUnlock()
	if client == nil {
		panic("Redis Connection hasn't been initialized yet")
	}
	return client
}

// Whether redis client is initialized.
func IsInitialized() bool {
	mu.RLock()
	defer mu.RUnlock()
	return client != nil
}

/*
Initialize redis client from configuration

If redis client has been initialized, current func call will be ignored.

This func looks for following prop:

	"redis.address"
	"redis.port"
	"redis.password"
	"redis.database"
*/
func InitRedisFromProp(rail core.Rail) (*redis.Client, error) {
	return InitRedis(rail, RedisConnParam{
		Address:  core.GetPropStr(PropRedisAddress),
		Port:     core.GetPropStr(PropRedisPort),
		Password: core.GetPropStr(PropRedisPassword),
		Db:       core.GetPropInt(PropRedisDatabase),
	})
}

/*
Initialize redis client

If redis client has been initialized, current func call will be ignored
*/
func InitRedis(rail core.Rail, p RedisConnParam) (*redis.Client, error) {
	mu.RLock()
	if client != nil {
		mu.RUnlock()
		return client, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if client != nil {
		return client, nil
	}

	rail.Infof("Connecting to redis '%v:%v', database: %v", p.Address, p.Port, p.Db)
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", p.Address, p.Port),
		Password: p.Password,
		DB:       p.Db,
	})
	if err := rdb.Ping().Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis failed, %w", err)
	}

	rail.Info("Redis connection initialized")
	client = rdb
	return rdb, nil
}

// Close redis client, it's a no-op if the client is not initialized.
func CloseRedis() error {
	mu.Lock()
	defer mu.Unlock()
	if client == nil {
		return nil
	}
	err := client.Close()
	client = nil
	return err
}

func IsNil(err error) bool {
	return errors.Is(err, Nil)
}

func init() {
	core.RegisterBootstrapCallback(core.ComponentBootstrap{
		Name:      "Bootstrap Redis",
		Bootstrap: redisBootstrap,
		Condition: func(rail core.Rail) (bool, error) { return core.GetPropBool(PropRedisEnabled), nil },
		Order:     core.BootstrapOrderL1,
	})
}

func redisBootstrap(rail core.Rail) error {
	if _, e := InitRedisFromProp(rail); e != nil {
		return fmt.Errorf("failed to establish connection to Redis, %w", e)
	}
	core.AddHealthIndicator(core.NewHealthIndicator("Redis Component", func(rail core.Rail) bool {
		if err := GetRedis().Ping().Err(); err != nil {
			rail.Errorf("Redis ping failed, %v", err)
			return false
		}
		return true
	}))
	core.AddShutdownHook(func() {
		if err := CloseRedis(); err != nil {
			core.Errorf("Failed to close redis client, %v", err)
		}
	})
	return nil
}
