package logger

import "testing"

func TestSanitizeKVsRedactsSecrets(t *testing.T) {
	t.Parallel()

	out := sanitizeKVs([]interface{}{
		"admin_token", "abc",
		"analysis_id", "a-1",
		"header", "eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiJ1c2VyLTEifQ.sig",
		"dangling",
	})
	if len(out) != 7 {
		t.Fatalf("len = %d, want 7", len(out))
	}
	if out[1] != "[REDACTED]" {
		t.Fatalf("admin_token = %v, want redacted", out[1])
	}
	if out[3] != "a-1" {
		t.Fatalf("analysis_id = %v, want a-1", out[3])
	}
	if out[5] != "[REDACTED]" {
		t.Fatalf("jwt-looking value = %v, want redacted", out[5])
	}
	if out[6] != "dangling" {
		t.Fatalf("trailing key = %v, want dangling", out[6])
	}
}

func TestNopDoesNotPanic(t *testing.T) {
	t.Parallel()

	l := Nop().With("component", "test")
	l.Info("hello", "k", 1)
	l.Sync()
}
