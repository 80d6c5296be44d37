package dialqueue

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func seed(t *testing.T, q Queue, campaignID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		ok := q.Add(ctx, Entry{
			CampaignID: campaignID,
			CustomerID: fmt.Sprintf("C%d", i),
			Phone:      fmt.Sprintf("09%08d", i),
		})
		if !ok {
			t.Fatalf("seed add %d failed", i)
		}
	}
}

func TestMemoryQueue_ClaimExclusivity(t *testing.T) {
	// N concurrent claims against M < N unclaimed entries: exactly M claims
	// succeed with distinct entries, the rest come back empty.
	const entries = 5
	const claimers = 12

	q := NewMemoryQueue()
	seed(t, q, "P1", entries)

	var mu sync.Mutex
	seen := make(map[string]int)
	empty := 0

	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, ok := q.ClaimNext(context.Background(), "P1")
			mu.Lock()
			defer mu.Unlock()
			if ok {
				seen[e.CustomerID]++
			} else {
				empty++
			}
		}()
	}
	wg.Wait()

	if len(seen) != entries {
		t.Fatalf("claimed %d distinct entries, want %d", len(seen), entries)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("entry %s claimed %d times", id, n)
		}
	}
	if empty != claimers-entries {
		t.Fatalf("got %d empty results, want %d", empty, claimers-entries)
	}
}

func TestMemoryQueue_CountConsistency(t *testing.T) {
	const n = 7
	q := NewMemoryQueue()
	seed(t, q, "P1", n)
	ctx := context.Background()

	for k := 1; k <= n; k++ {
		if _, ok := q.ClaimNext(ctx, "P1"); !ok {
			t.Fatalf("claim %d failed", k)
		}
		if got := q.Count(ctx, "P1"); got != n-k {
			t.Fatalf("count after %d claims = %d, want %d", k, got, n-k)
		}
	}
	if _, ok := q.ClaimNext(ctx, "P1"); ok {
		t.Fatalf("claim on exhausted queue should be empty")
	}
}

func TestMemoryQueue_ClaimMarksDialing(t *testing.T) {
	q := NewMemoryQueue()
	seed(t, q, "P1", 1)
	ctx := context.Background()

	e, ok := q.ClaimNext(ctx, "P1")
	if !ok {
		t.Fatalf("claim failed")
	}
	if !e.Dialing {
		t.Fatalf("claimed entry not marked dialing")
	}
	if e.DialingAt.IsZero() {
		t.Fatalf("claimed entry missing dialing timestamp")
	}
}

func TestMemoryQueue_ClaimIsFIFO(t *testing.T) {
	q := NewMemoryQueue()
	seed(t, q, "P1", 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e, ok := q.ClaimNext(ctx, "P1")
		if !ok {
			t.Fatalf("claim %d failed", i)
		}
		want := fmt.Sprintf("C%d", i)
		if e.CustomerID != want {
			t.Fatalf("claim %d returned %s, want %s", i, e.CustomerID, want)
		}
	}
}

func TestMemoryQueue_AddOverwritesByCustomerID(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	q.Add(ctx, Entry{CampaignID: "P1", CustomerID: "C1", Phone: "0900000001"})
	q.Add(ctx, Entry{CampaignID: "P1", CustomerID: "C1", Phone: "0900000002"})

	if got := q.Count(ctx, "P1"); got != 1 {
		t.Fatalf("count = %d, want 1 after overwrite", got)
	}
	e, ok := q.ClaimNext(ctx, "P1")
	if !ok || e.Phone != "0900000002" {
		t.Fatalf("expected overwritten phone, got %+v ok=%v", e, ok)
	}
}

func TestMemoryQueue_RemoveAndExists(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	seed(t, q, "P1", 2)

	if !q.Exists(ctx, "P1", "C0") {
		t.Fatalf("C0 should exist")
	}
	if !q.Remove(ctx, "P1", "C0") {
		t.Fatalf("remove C0 failed")
	}
	if q.Exists(ctx, "P1", "C0") {
		t.Fatalf("C0 should be gone")
	}
	if q.Remove(ctx, "P1", "C0") {
		t.Fatalf("second remove should report not found")
	}
}

func TestMemoryQueue_ClearCounts(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	seed(t, q, "P1", 3)
	seed(t, q, "P2", 2)

	if got := q.Clear(ctx, "P1"); got != 3 {
		t.Fatalf("clear P1 = %d, want 3", got)
	}
	if got := q.Count(ctx, "P1"); got != 0 {
		t.Fatalf("P1 should be empty, count = %d", got)
	}
	if got := q.ClearAll(ctx); got != 2 {
		t.Fatalf("clear all = %d, want 2", got)
	}
}

func TestRedisClaimScriptCompiles(t *testing.T) {
	// Compile-time smoke test: the Lua claim must be initialized.
	if claimScript == nil {
		t.Fatalf("expected claim script to be initialized")
	}
}

func TestQueueKey(t *testing.T) {
	if got := queueKey("P1"); got != "dialer:queue:P1" {
		t.Fatalf("unexpected queue key %q", got)
	}
}
