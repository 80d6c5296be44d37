package dialqueue

import (
	"context"
	"time"
)

// Entry is one customer queued to be called for a campaign.
type Entry struct {
	CustomerID   string `json:"customer_id"`
	MemberName   string `json:"member_name,omitempty"`
	Phone        string `json:"phone"`
	Description  string `json:"description,omitempty"`
	Description2 string `json:"description2,omitempty"`
	CampaignID   string `json:"campaign_id"`

	// Dialing marks the entry as claimed by a worker. Claiming is atomic;
	// a claimed entry is never handed out twice.
	Dialing   bool      `json:"dialing"`
	DialingAt time.Time `json:"dialing_at"`
}

// Queue is a durable, concurrency-safe pool of not-yet-called customers.
//
// Queue calls happen inside best-effort background loops, so store failures
// never propagate: implementations log and surface false/empty/zero instead.
type Queue interface {
	// Add inserts or overwrites the entry keyed by customer id.
	Add(ctx context.Context, e Entry) bool

	// Remove deletes the entry. Returns false when absent.
	Remove(ctx context.Context, campaignID, customerID string) bool

	// ClaimNext atomically picks the first unclaimed entry, marks it
	// dialing with a timestamp, persists the mutation and returns it.
	// Two concurrent callers never receive the same entry.
	ClaimNext(ctx context.Context, campaignID string) (Entry, bool)

	// Count returns the number of unclaimed entries.
	Count(ctx context.Context, campaignID string) int

	Exists(ctx context.Context, campaignID, customerID string) bool

	// Clear drops a campaign's queue, returning how many entries went.
	Clear(ctx context.Context, campaignID string) int

	// ClearAll drops every campaign queue, returning total entries cleared.
	ClearAll(ctx context.Context) int
}
