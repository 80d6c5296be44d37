package audit

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

const (
	auditKey = "dialer:audit"

	// maxRetained bounds the trail; the newest events win.
	maxRetained = 10000
)

// RedisRepo appends events to a capped list in the shared store.
type RedisRepo struct {
	rdb *redis.Client
}

func NewRedisRepo(rdb *redis.Client) *RedisRepo {
	return &RedisRepo{rdb: rdb}
}

func (r *RedisRepo) Append(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, auditKey, payload)
	pipe.LTrim(ctx, auditKey, 0, maxRetained-1)
	_, err = pipe.Exec(ctx)
	return err
}
