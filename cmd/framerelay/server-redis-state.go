package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/matst80/framerelay/internal/intercept"
	"github.com/matst80/framerelay/internal/obs"
	"github.com/redis/go-redis/v9"
)

const (
	redisFlowsKey  = "flows"
	redisOpTimeout = 2 * time.Second
)

func flowKey(id string) string { return "flow:" + id }

// redisFlowStore shares the flow registry across instances. Every flow is a JSON value
// under flow:{id} with a TTL that the owning instance refreshes; the flows set indexes them.
type redisFlowStore struct {
	client   *redis.Client
	instance string

	mu      sync.Mutex
	local   map[string]struct{} // flows owned by this instance
	closing bool
	ready   bool

	heartbeatInterval time.Duration
	redisKeyTTL       time.Duration
}

func newRedisFlowStore(addr, password string, db int, instance string, ttl time.Duration) (*redisFlowStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &redisFlowStore{
		client:            rdb,
		instance:          instance,
		local:             make(map[string]struct{}),
		heartbeatInterval: ttl / 3,
		redisKeyTTL:       ttl,
	}, nil
}

var _ FlowStore = (*redisFlowStore)(nil)

func (r *redisFlowStore) setClosing(closing bool) { r.mu.Lock(); r.closing = closing; r.mu.Unlock() }
func (r *redisFlowStore) setReady(ready bool)     { r.mu.Lock(); r.ready = ready; r.mu.Unlock() }
func (r *redisFlowStore) isClosing() bool         { r.mu.Lock(); defer r.mu.Unlock(); return r.closing }
func (r *redisFlowStore) isReady() bool           { r.mu.Lock(); defer r.mu.Unlock(); return r.ready }

func (r *redisFlowStore) FlowStarted(f intercept.Flow, interesting bool) {
	data, err := json.Marshal(newFlowRecord(f, interesting, r.instance))
	if err != nil {
		obs.Error("redis.flow.marshal", obs.Fields{"err": err.Error(), "flow": f.ID})
		return
	}
	r.mu.Lock()
	r.local[f.ID] = struct{}{}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, flowKey(f.ID), data, r.redisKeyTTL)
	pipe.SAdd(ctx, redisFlowsKey, f.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.ErrorsTotal.WithLabelValues("redis").Inc()
		obs.Error("redis.flow.add", obs.Fields{"err": err.Error(), "flow": f.ID})
	}
}

func (r *redisFlowStore) FlowEnded(f intercept.Flow) {
	r.mu.Lock()
	delete(r.local, f.ID)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, flowKey(f.ID))
	pipe.SRem(ctx, redisFlowsKey, f.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.ErrorsTotal.WithLabelValues("redis").Inc()
		obs.Error("redis.flow.remove", obs.Fields{"err": err.Error(), "flow": f.ID})
	}
}

// list reads every indexed flow. Index members whose key expired are removed.
func (r *redisFlowStore) list(ctx context.Context) ([]FlowRecord, error) {
	ids, err := r.client.SMembers(ctx, redisFlowsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = flowKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make([]FlowRecord, 0, len(vals))
	var stale []any
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var rec FlowRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			obs.Error("redis.unmarshal_flow", obs.Fields{"err": err.Error(), "flow": ids[i]})
			continue
		}
		out = append(out, rec)
	}
	if len(stale) > 0 {
		if err := r.client.SRem(ctx, redisFlowsKey, stale...).Err(); err != nil {
			obs.Error("redis.flow.prune", obs.Fields{"err": err.Error()})
		}
	}
	sortRecords(out)
	return out, nil
}

// startMaintenance refreshes the TTL of local flows until ctx is done.
func (r *redisFlowStore) startMaintenance(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}
}

func (r *redisFlowStore) heartbeat(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.local))
	for id := range r.local {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	pipe := r.client.Pipeline()
	for _, id := range ids {
		pipe.Expire(ctx, flowKey(id), r.redisKeyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.heartbeat.expire", obs.Fields{"err": err.Error(), "flows": len(ids)})
	}
}

// close removes the flows this instance still owns and closes the client.
func (r *redisFlowStore) close() error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.local))
	for id := range r.local {
		ids = append(ids, id)
	}
	r.local = make(map[string]struct{})
	r.mu.Unlock()
	if len(ids) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
		pipe := r.client.TxPipeline()
		members := make([]any, len(ids))
		for i, id := range ids {
			pipe.Del(ctx, flowKey(id))
			members[i] = id
		}
		pipe.SRem(ctx, redisFlowsKey, members...)
		if _, err := pipe.Exec(ctx); err != nil {
			obs.Error("redis.flow.cleanup", obs.Fields{"err": err.Error()})
		}
		cancel()
	}
	return r.client.Close()
}
