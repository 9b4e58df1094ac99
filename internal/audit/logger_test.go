package audit

import "testing"

func TestLoggerRespectsEnabledToggle(t *testing.T) {
	l := New(false)
	// Disabled logger should not panic and should simply be a no-op.
	l.LogSuccess(OpSessionConnect, "sess-1", "https://example.test")

	l.SetEnabled(true)
	l.LogFailure(OpOAuthStep, "sess-1", "https://example.test", nil)
}
