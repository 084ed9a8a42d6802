package redis

import (
	"errors"
	"fmt"
	"time"

	"github.com/curtisnewbie/lakepersist/core"
	"github.com/curtisnewbie/lakepersist/middleware/rabbit"
	"github.com/go-redis/redis"
)

const (
	dedupeKeyPrefix = "lakepersist:dedupe:"

	dedupeProcessing = "processing"
	dedupeDone       = "done"

	DefaultDedupeLease = 30 * time.Second
	defaultDedupePoll  = 100 * time.Millisecond
)

var (
	ErrDedupeClaimBusy = errors.New("message is being handled by another delivery")
)

// DedupeStore is the subset of *redis.Client used by Dedupe.
type DedupeStore interface {
	SetNX(key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(key string) *redis.StringCmd
	Del(keys ...string) *redis.IntCmd
}

var _ DedupeStore = (*redis.Client)(nil)

type DedupeConf struct {
	Ttl          time.Duration // how long a handled message id is remembered.
	Lease        time.Duration // how long a claim is held while the handler runs, DefaultDedupeLease if zero.
	PollInterval time.Duration // how often a delivery checks a claim held by another delivery.
}

func DedupeKey(queue string, messageId string) string {
	return fmt.Sprintf("%s%s:%s", dedupeKeyPrefix, queue, messageId)
}

/*
Wrap handler to skip deliveries that have been handled before, deliveries are identified by queue and message id.

A delivery first claims the message id as 'processing' with a short lease. When the handler succeeds the key is
marked 'done' with conf.Ttl, otherwise the claim is released so that a redelivery is handled again. Only deliveries
whose key is 'done' are acked without calling handler.

A delivery that finds the key 'processing' waits until the other delivery finishes or the lease expires, e.g., the
copy redelivered after a connection drop while the first handler is still running. If the rail is cancelled while
waiting, a retryable outcome is returned.

Deliveries without message id are always handled. Redis errors fail open, the handler runs.
*/
func Dedupe(store DedupeStore, conf DedupeConf, handler rabbit.Handler) rabbit.Handler {
	if conf.Lease <= 0 {
		conf.Lease = DefaultDedupeLease
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = defaultDedupePoll
	}

	return rabbit.HandlerFunc(func(rail core.Rail, evt rabbit.Event) rabbit.Outcome {
		if evt.MessageId == "" {
			return handler.Handle(rail, evt)
		}

		key := DedupeKey(evt.Queue, evt.MessageId)
		for {
			claimed, err := store.SetNX(key, dedupeProcessing, conf.Lease).Result()
			if err != nil {
				rail.Warnf("Failed to check duplicate delivery, key: %v, %v", key, err)
				return handler.Handle(rail, evt)
			}
			if claimed {
				break
			}

			state, err := store.Get(key).Result()
			if err != nil {
				if IsNil(err) {
					continue // released or expired in between
				}
				rail.Warnf("Failed to check duplicate delivery, key: %v, %v", key, err)
				return handler.Handle(rail, evt)
			}
			if state == dedupeDone {
				rail.Infof("Message '%s' from queue '%s' has been handled, skipped", evt.MessageId, evt.Queue)
				return rabbit.Success()
			}

			rail.Debugf("Message '%s' from queue '%s' is being handled, waiting", evt.MessageId, evt.Queue)
			select {
			case <-rail.Done():
				return rabbit.Retryable(ErrDedupeClaimBusy)
			case <-time.After(conf.PollInterval):
			}
		}

		out := handler.Handle(rail, evt)
		if out.IsSuccess() {
			if err := store.Set(key, dedupeDone, conf.Ttl).Err(); err != nil {
				rail.Warnf("Failed to mark message handled, key: %v, %v", key, err)
			}
			return out
		}
		if err := store.Del(key).Err(); err != nil {
			rail.Warnf("Failed to release duplicate check, key: %v, %v", key, err)
		}
		return out
	})
}
