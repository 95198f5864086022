package common

import (
	"errors"
	"testing"
)

func TestGuardAction(t *testing.T) {
	if err := GuardAction(nil, "lending", "borrow"); err != nil {
		t.Fatalf("nil pause view must allow: %v", err)
	}
	pauses := NewPauses("Lending.Borrow ")
	if err := GuardAction(pauses, "lending", "borrow"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := GuardAction(pauses, "lending", "deposit"); err != nil {
		t.Fatalf("deposit must stay open: %v", err)
	}
	pauses.Set("lending", true)
	if err := GuardAction(pauses, "lending", "deposit"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("module pause must cover every action, got %v", err)
	}
	pauses.Set("lending", false)
	pauses.Set("lending.borrow", false)
	if len(pauses.List()) != 0 {
		t.Fatalf("expected no switches, got %v", pauses.List())
	}
}
