package common

import (
	"errors"
	"testing"
)

func TestGuardHonoursPauses(t *testing.T) {
	pauses := NewPauses("Lending")
	if err := Guard(pauses, "lending"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	pauses.Set("lending", false)
	if err := Guard(pauses, "lending"); err != nil {
		t.Fatalf("expected module resumed, got %v", err)
	}
	if err := Guard(nil, "lending"); err != nil {
		t.Fatalf("nil view must not pause: %v", err)
	}
}

func TestAnyPaused(t *testing.T) {
	views := AnyPaused{nil, NewPauses(), NewPauses("oracle")}
	if views.IsPaused("lending") {
		t.Fatalf("lending should not be paused")
	}
	if !views.IsPaused("oracle") {
		t.Fatalf("oracle should be paused")
	}
}
