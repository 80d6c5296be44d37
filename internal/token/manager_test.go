package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"outbound-dialer/internal/pbx"

	"github.com/golang-jwt/jwt/v5"
)

func mintToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"exp": exp.Unix()}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return tok
}

func mintTokenNoExp(t *testing.T) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return tok
}

type fakeIssuer struct {
	t      *testing.T
	calls  int
	expiry time.Time
	step   time.Duration
	err    error
}

func (f *fakeIssuer) IssueToken(_ context.Context, _, _ string) (pbx.Token, error) {
	f.calls++
	if f.err != nil {
		return pbx.Token{}, f.err
	}
	f.expiry = f.expiry.Add(f.step)
	return pbx.Token{AccessToken: mintToken(f.t, f.expiry)}, nil
}

type fakeProber struct {
	errs  []error
	calls int
}

func (f *fakeProber) Probe(context.Context, string) error {
	f.calls++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func TestExpired_FailClosedOnUndecodable(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-jwt"},
		{"empty", ""},
		{"no exp claim", mintTokenNoExp(t)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if !Expired(tc.token, 0, now) {
				t.Fatalf("token without decodable expiry must count as expired")
			}
		})
	}
}

func TestExpired_BufferWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tok := mintToken(t, now.Add(4*time.Minute))

	if Expired(tok, 0, now) {
		t.Fatalf("token with 4m left should not be expired at zero buffer")
	}
	if !Expired(tok, 5*time.Minute, now) {
		t.Fatalf("token with 4m left should be expired at 5m buffer")
	}
}

func TestRemainingMinutes(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := RemainingMinutes(mintToken(t, now.Add(42*time.Minute)), now); got != 42 {
		t.Fatalf("remaining = %d, want 42", got)
	}
	if got := RemainingMinutes("garbage", now); got != 0 {
		t.Fatalf("remaining for garbage = %d, want 0", got)
	}
	if got := RemainingMinutes(mintToken(t, now.Add(-time.Minute)), now); got != 0 {
		t.Fatalf("remaining for past token = %d, want 0", got)
	}
}

func TestForceRefresh_MonotonicExpiry(t *testing.T) {
	base := time.Now().Add(time.Hour).Truncate(time.Second)
	iss := &fakeIssuer{t: t, expiry: base, step: time.Hour}
	m := NewManager("cid", "secret", iss, &fakeProber{}, nil, Options{}, nil)

	var prev time.Time
	for i := 0; i < 3; i++ {
		if !m.ForceRefresh(context.Background()) {
			t.Fatalf("refresh %d failed", i)
		}
		exp, ok := expiry(m.Current())
		if !ok {
			t.Fatalf("refresh %d produced undecodable token", i)
		}
		if !exp.After(prev) {
			t.Fatalf("refresh %d expiry %v not after previous %v", i, exp, prev)
		}
		prev = exp
	}
	if iss.calls != 3 {
		t.Fatalf("issuer called %d times, want 3", iss.calls)
	}
}

func TestForceRefresh_PersistsNewToken(t *testing.T) {
	iss := &fakeIssuer{t: t, expiry: time.Now(), step: time.Hour}
	var persisted string
	persist := func(_ context.Context, tok string) error {
		persisted = tok
		return nil
	}
	m := NewManager("cid", "secret", iss, &fakeProber{}, persist, Options{}, nil)

	if !m.ForceRefresh(context.Background()) {
		t.Fatalf("refresh failed")
	}
	if persisted == "" || persisted != m.Current() {
		t.Fatalf("persisted token %q does not match current %q", persisted, m.Current())
	}
}

func TestCheckAndRefresh_NoTokenFails(t *testing.T) {
	m := NewManager("cid", "secret", &fakeIssuer{t: t}, &fakeProber{}, nil, Options{}, nil)
	if m.CheckAndRefresh(context.Background()) {
		t.Fatalf("expected failure with no token held")
	}
}

func TestCheckAndRefresh_ProbeFailureForcesRefresh(t *testing.T) {
	iss := &fakeIssuer{t: t, expiry: time.Now().Add(time.Hour), step: time.Hour}
	pr := &fakeProber{errs: []error{errors.New("revoked")}}
	m := NewManager("cid", "secret", iss, pr, nil, Options{}, nil)
	m.Adopt(mintToken(t, time.Now().Add(2*time.Hour))) // far from expiry

	if !m.CheckAndRefresh(context.Background()) {
		t.Fatalf("expected success after forced refresh")
	}
	if iss.calls != 1 {
		t.Fatalf("issuer called %d times, want 1 (revocation must force refresh)", iss.calls)
	}
}

func TestCheckAndRefresh_HealthyTokenNoRefresh(t *testing.T) {
	iss := &fakeIssuer{t: t}
	m := NewManager("cid", "secret", iss, &fakeProber{}, nil, Options{}, nil)
	m.Adopt(mintToken(t, time.Now().Add(time.Hour)))

	if !m.CheckAndRefresh(context.Background()) {
		t.Fatalf("expected success")
	}
	if iss.calls != 0 {
		t.Fatalf("healthy token must not trigger refresh, issuer called %d times", iss.calls)
	}
}

func TestCheckAndRefresh_InsideBufferRefreshes(t *testing.T) {
	iss := &fakeIssuer{t: t, expiry: time.Now().Add(time.Hour), step: time.Hour}
	m := NewManager("cid", "secret", iss, &fakeProber{}, nil, Options{}, nil)
	old := m.Current()
	m.Adopt(mintToken(t, time.Now().Add(2*time.Minute))) // inside 5m buffer

	if !m.CheckAndRefresh(context.Background()) {
		t.Fatalf("expected success")
	}
	if iss.calls != 1 {
		t.Fatalf("expected one refresh, issuer called %d times", iss.calls)
	}
	if !m.Rotated(old) {
		t.Fatalf("token should have rotated")
	}
}

func TestCheckAndRefresh_IntervalGuardSkipsRefresh(t *testing.T) {
	iss := &fakeIssuer{t: t, expiry: time.Now().Add(time.Hour), step: time.Hour}
	m := NewManager("cid", "secret", iss, &fakeProber{}, nil, Options{MinRefreshInterval: 30 * time.Minute}, nil)

	// Seed via a real refresh so lastRefresh is set.
	if !m.ForceRefresh(context.Background()) {
		t.Fatalf("seed refresh failed")
	}
	// Replace with a token inside the buffer; the guard should still skip.
	m.Adopt(mintToken(t, time.Now().Add(2*time.Minute)))

	if !m.CheckAndRefresh(context.Background()) {
		t.Fatalf("expected success (guard keeps current token)")
	}
	if iss.calls != 1 {
		t.Fatalf("guard should skip the refresh, issuer called %d times", iss.calls)
	}
}

func TestCheckAndRefresh_RefreshFailureFallsBack(t *testing.T) {
	now := time.Now()

	// Refresh fails, current token inside the buffer but not expired at
	// zero buffer, probe keeps passing: continue on the current token.
	iss := &fakeIssuer{t: t, err: errors.New("issuer down")}
	m := NewManager("cid", "secret", iss, &fakeProber{}, nil, Options{}, nil)
	m.Adopt(mintToken(t, now.Add(2*time.Minute)))
	if !m.CheckAndRefresh(context.Background()) {
		t.Fatalf("expected fallback to current token")
	}

	// Same, but the token is fully expired: must fail.
	m2 := NewManager("cid", "secret", iss, &fakeProber{}, nil, Options{}, nil)
	m2.Adopt(mintToken(t, now.Add(-time.Minute)))
	if m2.CheckAndRefresh(context.Background()) {
		t.Fatalf("expected failure with expired token and failing issuer")
	}
}
