package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"outbound-dialer/internal/pbx"

	"github.com/redis/go-redis/v9"
)

// Registry is the durable directory of campaigns: one hash per campaign plus
// a set of active ids. Narrow field-level updates keep hot paths from
// rewriting the whole object.
type Registry interface {
	Save(ctx context.Context, c *Campaign) error

	// Get reconstructs a Campaign value from the store, nil when absent.
	Get(ctx context.Context, id string) (*Campaign, error)

	ListIDs(ctx context.Context) ([]string, error)
	ListAll(ctx context.Context) ([]*Campaign, error)
	Count(ctx context.Context) (int, error)

	UpdateState(ctx context.Context, id string, state State) error
	UpdateToken(ctx context.Context, id, token string) error
	UpdateExtensions(ctx context.Context, id string, exts []pbx.Extension) error
	UpdateCallRecords(ctx context.Context, id string, records []CallRecord) error
	UpdateError(ctx context.Context, id, msg string) error

	Remove(ctx context.Context, id string) error

	Stats(ctx context.Context) (Stats, error)
}

type Stats struct {
	Total        int      `json:"total"`
	ActiveIDs    []string `json:"active_ids"`
	ActiveCount  int      `json:"active_count"`
	StoppedCount int      `json:"stopped_count"`
}

var ErrNotFound = errors.New("campaign: not found")

const (
	campaignKeyPrefix = "dialer:campaign:"
	campaignSetKey    = "dialer:campaigns"
)

func campaignKey(id string) string {
	return campaignKeyPrefix + id
}

// RedisRegistry persists campaigns in Redis.
type RedisRegistry struct {
	rdb *redis.Client
}

var _ Registry = (*RedisRegistry)(nil)

func NewRedisRegistry(rdb *redis.Client) *RedisRegistry {
	return &RedisRegistry{rdb: rdb}
}

func (r *RedisRegistry) Save(ctx context.Context, c *Campaign) error {
	if c == nil || c.ID == "" {
		return errors.New("campaign: id is required")
	}
	exts, err := json.Marshal(c.Extensions)
	if err != nil {
		return fmt.Errorf("campaign: marshal extensions: %w", err)
	}
	records, err := json.Marshal(c.CallRecords)
	if err != nil {
		return fmt.Errorf("campaign: marshal call records: %w", err)
	}

	fields := map[string]any{
		"id":            c.ID,
		"call_flow_id":  c.CallFlowID,
		"client_id":     c.ClientID,
		"client_secret": c.ClientSecret,
		"state":         string(c.State),
		"access_token":  c.AccessToken,
		"extensions":    exts,
		"call_records":  records,
		"error":         c.Error,
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, campaignKey(c.ID), fields)
	pipe.SAdd(ctx, campaignSetKey, c.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (*Campaign, error) {
	m, err := r.rdb.HGetAll(ctx, campaignKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}

	c := &Campaign{
		ID:           m["id"],
		CallFlowID:   m["call_flow_id"],
		ClientID:     m["client_id"],
		ClientSecret: m["client_secret"],
		State:        State(m["state"]),
		AccessToken:  m["access_token"],
		Error:        m["error"],
	}
	if raw := m["extensions"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &c.Extensions); err != nil {
			return nil, fmt.Errorf("campaign %s: decode extensions: %w", id, err)
		}
	}
	if raw := m["call_records"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &c.CallRecords); err != nil {
			return nil, fmt.Errorf("campaign %s: decode call records: %w", id, err)
		}
	}
	return c, nil
}

func (r *RedisRegistry) ListIDs(ctx context.Context) ([]string, error) {
	return r.rdb.SMembers(ctx, campaignSetKey).Result()
}

func (r *RedisRegistry) ListAll(ctx context.Context) ([]*Campaign, error) {
	ids, err := r.ListIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Campaign, 0, len(ids))
	for _, id := range ids {
		c, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *RedisRegistry) Count(ctx context.Context) (int, error) {
	n, err := r.rdb.SCard(ctx, campaignSetKey).Result()
	return int(n), err
}

func (r *RedisRegistry) setField(ctx context.Context, id, field string, value any) error {
	ok, err := r.rdb.Exists(ctx, campaignKey(id)).Result()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrNotFound
	}
	return r.rdb.HSet(ctx, campaignKey(id), field, value).Err()
}

func (r *RedisRegistry) UpdateState(ctx context.Context, id string, state State) error {
	return r.setField(ctx, id, "state", string(state))
}

func (r *RedisRegistry) UpdateToken(ctx context.Context, id, token string) error {
	return r.setField(ctx, id, "access_token", token)
}

func (r *RedisRegistry) UpdateExtensions(ctx context.Context, id string, exts []pbx.Extension) error {
	raw, err := json.Marshal(exts)
	if err != nil {
		return fmt.Errorf("campaign: marshal extensions: %w", err)
	}
	return r.setField(ctx, id, "extensions", raw)
}

func (r *RedisRegistry) UpdateCallRecords(ctx context.Context, id string, records []CallRecord) error {
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("campaign: marshal call records: %w", err)
	}
	return r.setField(ctx, id, "call_records", raw)
}

func (r *RedisRegistry) UpdateError(ctx context.Context, id, msg string) error {
	return r.setField(ctx, id, "error", msg)
}

func (r *RedisRegistry) Remove(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, campaignKey(id))
	pipe.SRem(ctx, campaignSetKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisRegistry) Stats(ctx context.Context) (Stats, error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{Total: len(all)}
	for _, c := range all {
		switch c.State {
		case StateStopped:
			s.StoppedCount++
		default:
			s.ActiveCount++
			s.ActiveIDs = append(s.ActiveIDs, c.ID)
		}
	}
	return s, nil
}
