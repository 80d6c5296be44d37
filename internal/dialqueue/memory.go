package dialqueue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-memory Queue for tests and local development.
// It preserves insertion order per campaign so claims are FIFO.
type MemoryQueue struct {
	mu    sync.Mutex
	byID  map[string]map[string]*Entry // campaign -> customer -> entry
	order map[string][]string          // campaign -> customer ids, insertion order
	clock func() time.Time
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		byID:  make(map[string]map[string]*Entry),
		order: make(map[string][]string),
		clock: time.Now,
	}
}

func (q *MemoryQueue) Add(_ context.Context, e Entry) bool {
	if e.CampaignID == "" || e.CustomerID == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.byID[e.CampaignID]
	if !ok {
		m = make(map[string]*Entry)
		q.byID[e.CampaignID] = m
	}
	if _, exists := m[e.CustomerID]; !exists {
		q.order[e.CampaignID] = append(q.order[e.CampaignID], e.CustomerID)
	}
	cp := e
	m[e.CustomerID] = &cp
	return true
}

func (q *MemoryQueue) Remove(_ context.Context, campaignID, customerID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.byID[campaignID]
	if !ok {
		return false
	}
	if _, exists := m[customerID]; !exists {
		return false
	}
	delete(m, customerID)
	ids := q.order[campaignID]
	for i, id := range ids {
		if id == customerID {
			q.order[campaignID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return true
}

func (q *MemoryQueue) ClaimNext(_ context.Context, campaignID string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := q.byID[campaignID]
	for _, id := range q.order[campaignID] {
		e := m[id]
		if e == nil || e.Dialing {
			continue
		}
		e.Dialing = true
		e.DialingAt = q.clock().UTC()
		return *e, true
	}
	return Entry{}, false
}

func (q *MemoryQueue) Count(_ context.Context, campaignID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, e := range q.byID[campaignID] {
		if !e.Dialing {
			n++
		}
	}
	return n
}

func (q *MemoryQueue) Exists(_ context.Context, campaignID, customerID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.byID[campaignID]
	if !ok {
		return false
	}
	_, exists := m[customerID]
	return exists
}

func (q *MemoryQueue) Clear(_ context.Context, campaignID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.byID[campaignID])
	delete(q.byID, campaignID)
	delete(q.order, campaignID)
	return n
}

func (q *MemoryQueue) ClearAll(_ context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for _, m := range q.byID {
		total += len(m)
	}
	q.byID = make(map[string]map[string]*Entry)
	q.order = make(map[string][]string)
	return total
}
