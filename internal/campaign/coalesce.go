package campaign

import "sync"

// cycleGate serializes dial cycles with trailing-edge coalescing: at most one
// cycle runs at a time, and any burst of triggers arriving while one is in
// flight collapses into exactly one follow-up cycle. This is what keeps two
// overlapping cycles from dialing through the same idle extension twice.
type cycleGate struct {
	mu      sync.Mutex
	running bool
	pending bool
}

// tryBegin claims the gate. When a cycle is already in flight it records the
// re-request instead and returns false.
func (g *cycleGate) tryBegin() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		g.pending = true
		return false
	}
	g.running = true
	return true
}

// end releases the gate. If a re-request arrived while the cycle ran, the
// gate stays claimed and end reports that exactly one more cycle must run.
func (g *cycleGate) end() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending {
		g.pending = false
		return true
	}
	g.running = false
	return false
}
