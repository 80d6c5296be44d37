package campaign

import (
	"context"
	"errors"
	"sync"

	"outbound-dialer/internal/pbx"
)

// MemoryRegistry is an in-memory Registry for tests.
type MemoryRegistry struct {
	mu        sync.Mutex
	campaigns map[string]*Campaign
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{campaigns: make(map[string]*Campaign)}
}

func (r *MemoryRegistry) Save(_ context.Context, c *Campaign) error {
	if c == nil || c.ID == "" {
		return errors.New("campaign: id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	cp.Extensions = append([]pbx.Extension(nil), c.Extensions...)
	cp.CallRecords = append([]CallRecord(nil), c.CallRecords...)
	r.campaigns[c.ID] = &cp
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (*Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	cp.Extensions = append([]pbx.Extension(nil), c.Extensions...)
	cp.CallRecords = append([]CallRecord(nil), c.CallRecords...)
	return &cp, nil
}

func (r *MemoryRegistry) ListIDs(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.campaigns))
	for id := range r.campaigns {
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *MemoryRegistry) ListAll(ctx context.Context) ([]*Campaign, error) {
	ids, _ := r.ListIDs(ctx)
	out := make([]*Campaign, 0, len(ids))
	for _, id := range ids {
		c, _ := r.Get(ctx, id)
		if c != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *MemoryRegistry) Count(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.campaigns), nil
}

func (r *MemoryRegistry) update(id string, f func(c *Campaign)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	f(c)
	return nil
}

func (r *MemoryRegistry) UpdateState(_ context.Context, id string, state State) error {
	return r.update(id, func(c *Campaign) { c.State = state })
}

func (r *MemoryRegistry) UpdateToken(_ context.Context, id, token string) error {
	return r.update(id, func(c *Campaign) { c.AccessToken = token })
}

func (r *MemoryRegistry) UpdateExtensions(_ context.Context, id string, exts []pbx.Extension) error {
	return r.update(id, func(c *Campaign) {
		c.Extensions = append([]pbx.Extension(nil), exts...)
	})
}

func (r *MemoryRegistry) UpdateCallRecords(_ context.Context, id string, records []CallRecord) error {
	return r.update(id, func(c *Campaign) {
		c.CallRecords = append([]CallRecord(nil), records...)
	})
}

func (r *MemoryRegistry) UpdateError(_ context.Context, id, msg string) error {
	return r.update(id, func(c *Campaign) { c.Error = msg })
}

func (r *MemoryRegistry) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.campaigns, id)
	return nil
}

func (r *MemoryRegistry) Stats(ctx context.Context) (Stats, error) {
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
