package token

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"outbound-dialer/internal/pbx"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer exchanges client credentials for a fresh bearer token.
type Issuer interface {
	IssueToken(ctx context.Context, clientID, clientSecret string) (pbx.Token, error)
}

// Prober verifies a token is still honored via a cheap read-only call.
// A token can be revoked before its stated expiry, so expiry decoding alone
// is not enough.
type Prober interface {
	Probe(ctx context.Context, token string) error
}

// PersistFunc writes a newly issued token to the campaign's durable record.
type PersistFunc func(ctx context.Context, token string) error

// Options tunes refresh behavior.
type Options struct {
	// ExpiryBuffer: refresh when now >= expiry - buffer. Default 5m.
	ExpiryBuffer time.Duration

	// MinRefreshInterval bounds refresh storms under pathological polling.
	// Zero disables the guard.
	MinRefreshInterval time.Duration
}

// Manager owns one bearer credential's validity window for one campaign.
// All failure paths return false; the caller decides whether that aborts
// the current dial cycle.
type Manager struct {
	mu sync.Mutex

	clientID     string
	clientSecret string

	issuer  Issuer
	prober  Prober
	persist PersistFunc

	token       string
	lastRefresh time.Time

	opts  Options
	clock func() time.Time
	log   *slog.Logger
}

func NewManager(clientID, clientSecret string, issuer Issuer, prober Prober, persist PersistFunc, opts Options, log *slog.Logger) *Manager {
	if opts.ExpiryBuffer <= 0 {
		opts.ExpiryBuffer = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		clientID:     clientID,
		clientSecret: clientSecret,
		issuer:       issuer,
		prober:       prober,
		persist:      persist,
		opts:         opts,
		clock:        time.Now,
		log:          log,
	}
}

// Current returns the held token, empty if none.
func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Adopt installs an externally obtained token (e.g. revived from the
// campaign record) without touching the refresh timestamp.
func (m *Manager) Adopt(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

// Expired reports whether the token is past (expiry - buffer) at now.
// Tokens with no decodable expiry claim count as expired: an unusable token
// must never be judged valid.
func Expired(token string, buffer time.Duration, now time.Time) bool {
	exp, ok := expiry(token)
	if !ok {
		return true
	}
	return !now.Before(exp.Add(-buffer))
}

// RemainingMinutes returns whole minutes until expiry, 0 if unparseable or
// already past.
func RemainingMinutes(token string, now time.Time) int {
	exp, ok := expiry(token)
	if !ok {
		return 0
	}
	d := exp.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(d / time.Minute)
}

// expiry decodes the exp claim without verifying the signature. This is a
// liveness check, not an authorization check.
func expiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// ForceRefresh unconditionally requests a new credential, and on success
// updates the held token, the refresh timestamp, and the durable record.
func (m *Manager) ForceRefresh(ctx context.Context) bool {
	tok, err := m.issuer.IssueToken(ctx, m.clientID, m.clientSecret)
	if err != nil {
		m.log.Error("token refresh failed", "client_id", m.clientID, "err", err)
		return false
	}

	m.mu.Lock()
	m.token = tok.AccessToken
	m.lastRefresh = m.clock().UTC()
	m.mu.Unlock()

	if m.persist != nil {
		if err := m.persist(ctx, tok.AccessToken); err != nil {
			// The in-memory token is already usable; persistence catches up
			// on the next write-through.
			m.log.Warn("token persist failed", "err", err)
		}
	}
	return true
}

// CheckAndRefresh ensures the held token is usable, refreshing when needed.
//
// Order of checks:
//  1. no token → fail
//  2. live probe fails → force refresh regardless of expiry window
//  3. probe ok but inside expiry buffer → refresh; on refresh failure keep
//     the current token only if a zero-buffer expiry check and a second
//     probe both still pass
func (m *Manager) CheckAndRefresh(ctx context.Context) bool {
	m.mu.Lock()
	tok := m.token
	last := m.lastRefresh
	m.mu.Unlock()

	if tok == "" {
		m.log.Warn("token check: no token held")
		return false
	}

	now := m.clock().UTC()

	if err := m.prober.Probe(ctx, tok); err != nil {
		m.log.Info("token probe failed, forcing refresh", "err", err)
		return m.ForceRefresh(ctx)
	}

	if !Expired(tok, m.opts.ExpiryBuffer, now) {
		return true
	}

	if m.opts.MinRefreshInterval > 0 && !last.IsZero() && now.Sub(last) < m.opts.MinRefreshInterval {
		// Refresh storm guard: the token still probes fine, just lives
		// inside the buffer. Keep using it until the guard window passes.
		m.log.Debug("token refresh skipped by interval guard", "since_last", now.Sub(last))
		return true
	}

	if m.ForceRefresh(ctx) {
		return true
	}

	// Refresh failed; continue on the current token only if it is strictly
	// unexpired and still probes.
	if Expired(tok, 0, now) {
		return false
	}
	if err := m.prober.Probe(ctx, tok); err != nil {
		return false
	}
	m.log.Warn("token refresh failed, continuing on current token")
	return true
}

// Rotated reports whether the held token differs from prev. The caller uses
// this to rebuild token-bound resources (the PBX event session).
func (m *Manager) Rotated(prev string) bool {
	return m.Current() != prev
}
