// Package ratelimiter shares provider rate-limit budgets between worker
// processes through Redis. Each worker records the snapshot it last saw on a
// provider response; every worker consults the shared snapshot before
// spending requests, so one process exhausting the budget throttles all.
package ratelimiter

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tracefold/engsync/internal/domain"
)

// keyTTL bounds stale snapshots; providers reset budgets hourly.
const keyTTL = 2 * time.Hour

// BudgetGuard is the shared rate-limit snapshot store.
type BudgetGuard struct {
	redis  *redis.Client
	script *redis.Script
}

// NewBudgetGuard constructs a BudgetGuard. A nil client yields a guard that
// always allows, so single-process deployments need no Redis.
func NewBudgetGuard(rdb *redis.Client) *BudgetGuard {
	return &BudgetGuard{
		redis:  rdb,
		script: redis.NewScript(luaRecordScript),
	}
}

// luaRecordScript keeps the freshest snapshot: a newer reset window always
// wins; within the same window the lowest remaining wins.
const luaRecordScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local remaining = tonumber(ARGV[2])
local reset_at = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call("HMGET", key, "remaining", "reset_at")
local cur_remaining = tonumber(data[1])
local cur_reset = tonumber(data[2])

local write = 0
if cur_reset == nil or reset_at > cur_reset then
  write = 1
elseif reset_at == cur_reset and (cur_remaining == nil or remaining < cur_remaining) then
  write = 1
end

if write == 1 then
  redis.call("HMSET", key, "limit", limit, "remaining", remaining, "reset_at", reset_at)
  redis.call("EXPIRE", key, ttl)
end

return write
`

func budgetKey(integrationID, resource string) string {
	return "budget:" + integrationID + ":" + resource
}

// Record publishes the latest snapshot seen for an integration's resource
// class. Stale snapshots (older reset window, higher remaining) are ignored.
func (g *BudgetGuard) Record(ctx context.Context, integrationID string, snap domain.RateSnapshot) error {
	if g == nil || g.redis == nil || snap.Resource == "" || snap.Limit == 0 {
		return nil
	}
	key := budgetKey(integrationID, snap.Resource)
	err := g.script.Run(ctx, g.redis, []string{key},
		snap.Limit, snap.Remaining, snap.ResetAt.Unix(), int(keyTTL.Seconds())).Err()
	if err != nil {
		slog.Error("budget guard record failed", slog.String("key", key), slog.Any("error", err))
		return err
	}
	return nil
}

// Snapshot returns the shared snapshot for an integration's resource class.
func (g *BudgetGuard) Snapshot(ctx context.Context, integrationID, resource string) (domain.RateSnapshot, bool, error) {
	if g == nil || g.redis == nil {
		return domain.RateSnapshot{}, false, nil
	}
	vals, err := g.redis.HMGet(ctx, budgetKey(integrationID, resource), "limit", "remaining", "reset_at").Result()
	if err != nil {
		return domain.RateSnapshot{}, false, err
	}
	if len(vals) < 3 || vals[0] == nil {
		return domain.RateSnapshot{}, false, nil
	}
	snap := domain.RateSnapshot{
		Resource:  resource,
		Limit:     parseInt(vals[0]),
		Remaining: parseInt(vals[1]),
	}
	if epoch := int64(parseInt(vals[2])); epoch > 0 {
		snap.ResetAt = time.Unix(epoch, 0).UTC()
	}
	return snap, true, nil
}

// Allow reports whether the shared budget permits another request. When
// refused, retryAfter is the wait until the provider-reported reset. Redis
// errors fail open; the provider clients still enforce their own threshold.
func (g *BudgetGuard) Allow(ctx context.Context, integrationID, resource string, threshold int) (bool, time.Duration, error) {
	snap, found, err := g.Snapshot(ctx, integrationID, resource)
	if err != nil {
		slog.Error("budget guard read failed, allowing",
			slog.String("integration_id", integrationID),
			slog.Any("error", err))
		return true, 0, err
	}
	if !found || !snap.Exhausted(threshold) {
		return true, 0, nil
	}
	retryAfter := time.Until(snap.ResetAt)
	if retryAfter < 0 {
		// Reset has passed; let the next real response refresh the snapshot.
		return true, 0, nil
	}
	return false, retryAfter, nil
}

func parseInt(v any) int {
	switch t := v.(type) {
	case string:
		n := 0
		for _, r := range t {
			if r < '0' || r > '9' {
				return n
			}
			n = n*10 + int(r-'0')
		}
		return n
	case int64:
		return int(t)
	case int:
		return t
	default:
		return 0
	}
}
