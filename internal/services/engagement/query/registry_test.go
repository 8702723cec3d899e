package query

import (
	"context"
	"testing"
)

type nopHook struct{}

func (nopHook) AttachCounts(context.Context, string, []Record, map[string]string) error {
	return nil
}

func (nopHook) TopByScore(context.Context, string, int, int) ([]RankedRecord, error) {
	return nil, nil
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	if err := registry.Register("engagement", nopHook{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	hook, ok := registry.Lookup("engagement")
	if !ok || hook == nil {
		t.Fatal("registered hook should resolve")
	}
	if _, ok := registry.Lookup("absent"); ok {
		t.Fatal("unknown hook should not resolve")
	}
}

func TestRegistryRejectsDuplicatesAndInvalid(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	if err := registry.Register("engagement", nopHook{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register("engagement", nopHook{}); err == nil {
		t.Fatal("duplicate name should be rejected")
	}
	if err := registry.Register("", nopHook{}); err == nil {
		t.Fatal("empty name should be rejected")
	}
	if err := registry.Register("other", nil); err == nil {
		t.Fatal("nil hook should be rejected")
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := registry.Register(name, nopHook{}); err != nil {
			t.Fatalf("register %q: %v", name, err)
		}
	}
	names := registry.Names()
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("expected %d names, got %d", len(want), len(names))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}
