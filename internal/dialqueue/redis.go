package dialqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const queueKeyPrefix = "dialer:queue:"

func queueKey(campaignID string) string {
	return queueKeyPrefix + campaignID
}

// claimScript scans the queue hash and claims the first unclaimed entry in a
// single round trip. Client-side read-then-write would race when two
// extensions go idle in the same polling tick.
var claimScript = redis.NewScript(`
-- KEYS[1] = queue hash key
-- ARGV[1] = claim timestamp (RFC3339)
local entries = redis.call('HGETALL', KEYS[1])
for i = 1, #entries, 2 do
  local field = entries[i]
  local ok, e = pcall(cjson.decode, entries[i+1])
  if ok and not e.dialing then
    e.dialing = true
    e.dialing_at = ARGV[1]
    local updated = cjson.encode(e)
    redis.call('HSET', KEYS[1], field, updated)
    return updated
  end
end
return false
`)

// RedisQueue persists entries in one hash per campaign, field = customer id.
type RedisQueue struct {
	rdb   *redis.Client
	log   *slog.Logger
	clock func() time.Time
}

var _ Queue = (*RedisQueue)(nil)

func NewRedisQueue(rdb *redis.Client, log *slog.Logger) *RedisQueue {
	if log == nil {
		log = slog.Default()
	}
	return &RedisQueue{rdb: rdb, log: log, clock: time.Now}
}

func (q *RedisQueue) Add(ctx context.Context, e Entry) bool {
	if e.CampaignID == "" || e.CustomerID == "" {
		q.log.Warn("dialqueue add rejected", "reason", "missing campaign or customer id")
		return false
	}
	raw, err := json.Marshal(e)
	if err != nil {
		q.log.Error("dialqueue add marshal failed", "customer_id", e.CustomerID, "err", err)
		return false
	}
	if err := q.rdb.HSet(ctx, queueKey(e.CampaignID), e.CustomerID, raw).Err(); err != nil {
		q.log.Error("dialqueue add failed", "campaign_id", e.CampaignID, "customer_id", e.CustomerID, "err", err)
		return false
	}
	return true
}

func (q *RedisQueue) Remove(ctx context.Context, campaignID, customerID string) bool {
	n, err := q.rdb.HDel(ctx, queueKey(campaignID), customerID).Result()
	if err != nil {
		q.log.Error("dialqueue remove failed", "campaign_id", campaignID, "customer_id", customerID, "err", err)
		return false
	}
	if n == 0 {
		q.log.Debug("dialqueue remove: not found", "campaign_id", campaignID, "customer_id", customerID)
		return false
	}
	return true
}

func (q *RedisQueue) ClaimNext(ctx context.Context, campaignID string) (Entry, bool) {
	now := q.clock().UTC().Format(time.RFC3339Nano)
	res, err := claimScript.Run(ctx, q.rdb, []string{queueKey(campaignID)}, now).Result()
	if err != nil {
		if err != redis.Nil {
			q.log.Error("dialqueue claim failed", "campaign_id", campaignID, "err", err)
		}
		return Entry{}, false
	}
	raw, ok := res.(string)
	if !ok {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		q.log.Error("dialqueue claim returned malformed entry", "campaign_id", campaignID, "err", err)
		return Entry{}, false
	}
	return e, true
}

func (q *RedisQueue) Count(ctx context.Context, campaignID string) int {
	vals, err := q.rdb.HVals(ctx, queueKey(campaignID)).Result()
	if err != nil {
		q.log.Error("dialqueue count failed", "campaign_id", campaignID, "err", err)
		return 0
	}
	n := 0
	for _, raw := range vals {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if !e.Dialing {
			n++
		}
	}
	return n
}

func (q *RedisQueue) Exists(ctx context.Context, campaignID, customerID string) bool {
	ok, err := q.rdb.HExists(ctx, queueKey(campaignID), customerID).Result()
	if err != nil {
		q.log.Error("dialqueue exists failed", "campaign_id", campaignID, "customer_id", customerID, "err", err)
		return false
	}
	return ok
}

func (q *RedisQueue) Clear(ctx context.Context, campaignID string) int {
	key := queueKey(campaignID)
	n, err := q.rdb.HLen(ctx, key).Result()
	if err != nil {
		q.log.Error("dialqueue clear hlen failed", "campaign_id", campaignID, "err", err)
		return 0
	}
	if err := q.rdb.Del(ctx, key).Err(); err != nil {
		q.log.Error("dialqueue clear failed", "campaign_id", campaignID, "err", err)
		return 0
	}
	return int(n)
}

func (q *RedisQueue) ClearAll(ctx context.Context) int {
	total := 0
	iter := q.rdb.Scan(ctx, 0, queueKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		n, err := q.rdb.HLen(ctx, key).Result()
		if err != nil {
			q.log.Error("dialqueue clearall hlen failed", "key", key, "err", err)
			continue
		}
		if err := q.rdb.Del(ctx, key).Err(); err != nil {
			q.log.Error("dialqueue clearall del failed", "key", key, "err", err)
			continue
		}
		total += int(n)
	}
	if err := iter.Err(); err != nil {
		q.log.Error("dialqueue clearall scan failed", "err", err)
	}
	return total
}
