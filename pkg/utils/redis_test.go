package utils

import "testing"

func TestCallSlotScriptsCompile(t *testing.T) {
	// Compile-time smoke test: scripts should be initialized.
	if callSlotAcquireScript == nil || callSlotReleaseScript == nil {
		t.Fatalf("expected scripts to be initialized")
	}
}

func TestCallSlotKey(t *testing.T) {
	if got := callSlotKey("P1"); got != "dialer:callslots:P1" {
		t.Fatalf("unexpected slot key %q", got)
	}
}
