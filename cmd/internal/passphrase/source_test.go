package passphrase

import "testing"

func TestSourceReadsEnvironment(t *testing.T) {
	t.Setenv("LENDCTL_TEST_PASS", "correct horse")
	src := NewSource("LENDCTL_TEST_PASS", "")
	got, err := src.Get()
	if err != nil || got != "correct horse" {
		t.Fatalf("unexpected passphrase %q %v", got, err)
	}
	t.Setenv("LENDCTL_TEST_PASS", "changed")
	if again, _ := src.Get(); again != "correct horse" {
		t.Fatalf("expected cached value, got %q", again)
	}
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("LENDCTL_TEST_PASS", "   ")
	if _, err := NewSource("LENDCTL_TEST_PASS", "lender keystore").Get(); err == nil {
		t.Fatalf("expected blank passphrase to be rejected")
	}
}
