package availability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"outbound-dialer/internal/pbx"
)

// Directory is the slice of the PBX API the tracker needs: an administrative
// token and the extension list. Campaign-scoped tokens are never used here.
type Directory interface {
	IssueToken(ctx context.Context, clientID, clientSecret string) (pbx.Token, error)
	ListCallers(ctx context.Context, token, filter string) ([]pbx.Extension, error)
}

// Options tunes the tracker. Zero values pick conservative defaults.
type Options struct {
	// PollInterval is the busy-set refresh cadence. Default 5s.
	PollInterval time.Duration

	// StaleAfter is the busy-entry freshness threshold. Entries older than
	// this are evicted on lookup and reported not-busy: a false "available"
	// risks one failed dial, a false "busy" could stall a whole campaign.
	// Default 2x PollInterval.
	StaleAfter time.Duration

	// TokenRefreshInterval re-issues the admin token. Default 30m.
	TokenRefreshInterval time.Duration
}

// Tracker keeps a process-local cache of busy extensions. It is a cache, not
// a system of record, so it is deliberately not shared through the store.
type Tracker struct {
	dir          Directory
	clientID     string
	clientSecret string
	opts         Options

	mu      sync.Mutex
	busy    map[string]time.Time // dn -> last poll that reported it busy
	token   string
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	clock func() time.Time
	log   *slog.Logger
}

func NewTracker(dir Directory, clientID, clientSecret string, opts Options, log *slog.Logger) *Tracker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 2 * opts.PollInterval
	}
	if opts.TokenRefreshInterval <= 0 {
		opts.TokenRefreshInterval = 30 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		dir:          dir,
		clientID:     clientID,
		clientSecret: clientSecret,
		opts:         opts,
		busy:         make(map[string]time.Time),
		clock:        time.Now,
		log:          log,
	}
}

// Start acquires the admin token, performs one immediate poll, and arms the
// poll and token-refresh timers. A second call while running is a no-op.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()

	if err := t.refreshToken(runCtx); err != nil {
		t.log.Error("availability tracker token acquisition failed", "err", err)
	}
	t.pollOnce(runCtx)

	go t.run(runCtx)
}

// Stop cancels the timers, clears the busy set and drops the cached token.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cancel := t.cancel
	done := t.done
	t.cancel = nil
	t.busy = make(map[string]time.Time)
	t.token = ""
	t.mu.Unlock()

	cancel()
	<-done
}

// IsBusy reports whether dn was busy at the last poll. Entries older than
// the staleness threshold are evicted and reported not-busy (fail open).
func (t *Tracker) IsBusy(dn string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen, ok := t.busy[dn]
	if !ok {
		return false
	}
	if t.clock().Sub(seen) > t.opts.StaleAfter {
		delete(t.busy, dn)
		return false
	}
	return true
}

// BusyCount returns the current busy-set size, for stats.
func (t *Tracker) BusyCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.busy)
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.done)

	poll := time.NewTicker(t.opts.PollInterval)
	defer poll.Stop()
	refresh := time.NewTicker(t.opts.TokenRefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			t.pollOnce(ctx)
		case <-refresh.C:
			if err := t.refreshToken(ctx); err != nil {
				t.log.Error("availability tracker token refresh failed", "err", err)
			}
		}
	}
}

func (t *Tracker) refreshToken(ctx context.Context) error {
	tok, err := t.dir.IssueToken(ctx, t.clientID, t.clientSecret)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.token = tok.AccessToken
	t.mu.Unlock()
	return nil
}

// pollOnce replaces the whole busy set from a fresh snapshot. A failed poll
// is skipped for that tick; stale members self-expire via IsBusy if polling
// stays broken.
func (t *Tracker) pollOnce(ctx context.Context) {
	t.mu.Lock()
	tok := t.token
	t.mu.Unlock()
	if tok == "" {
		return
	}

	exts, err := t.dir.ListCallers(ctx, tok, "")
	if err != nil {
		t.log.Warn("availability poll failed", "err", err)
		return
	}

	now := t.clock()
	fresh := make(map[string]time.Time)
	for _, ext := range exts {
		if ext.CurrentProfileName != "" && ext.CurrentProfileName != pbx.ProfileAvailable {
			fresh[ext.DN] = now
			continue
		}
		if !ext.Idle() {
			fresh[ext.DN] = now
		}
	}

	// Whole-set replacement: entries the PBX no longer reports must not
	// survive the refresh.
	t.mu.Lock()
	t.busy = fresh
	t.mu.Unlock()
}
