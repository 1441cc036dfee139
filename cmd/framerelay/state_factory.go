package main

import (
	"time"

	"github.com/matst80/framerelay/internal/obs"
)

// newFlowStore creates either an in-memory or Redis-backed flow registry based on configuration
func newFlowStore(redisAddr, redisPassword string, redisDB int, instance string, ttl time.Duration) (FlowStore, error) {
	if redisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return newMemoryFlowStore(instance), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	return newRedisFlowStore(redisAddr, redisPassword, redisDB, instance, ttl)
}
