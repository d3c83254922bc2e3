package router

import (
	"errors"
	"fmt"
	"testing"

	"github.com/huykn/livecache/types"
)

func shotBuilder() KeyBuilder {
	return KeyBuilder{
		Family: "shot",
		Build: func(scope types.Scope) types.CacheKey {
			return types.CacheKey(fmt.Sprintf("shot/%s", scope.ID))
		},
	}
}

func gridBuilder() KeyBuilder {
	return KeyBuilder{
		Family: "grid",
		Build: func(scope types.Scope) types.CacheKey {
			return types.CacheKey(fmt.Sprintf("grid/%s", scope.Domain))
		},
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry(false)
	if err := r.Register("Shot", types.OpUpdate, shotBuilder()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register("Shot", types.OpUpdate, gridBuilder()); err != nil {
		t.Fatalf("Register second family failed: %v", err)
	}

	builders := r.Lookup("Shot", types.OpUpdate)
	if len(builders) != 2 {
		t.Fatalf("Lookup returned %d builders, want 2", len(builders))
	}
	if builders := r.Lookup("Shot", types.OpDelete); len(builders) != 0 {
		t.Fatalf("unmapped route returned %d builders", len(builders))
	}
}

func TestRegistryRejectsIncompleteBuilder(t *testing.T) {
	r := NewRegistry(false)
	if err := r.Register("Shot", types.OpUpdate, KeyBuilder{Family: "shot"}); err == nil {
		t.Fatal("expected error for builder without Build func")
	}
	if err := r.Register("Shot", "replace", shotBuilder()); err == nil {
		t.Fatal("expected error for unknown operation")
	}
}

func TestRegistryDuplicateFamilyOnRoute(t *testing.T) {
	r := NewRegistry(false)
	if err := r.Register("Shot", types.OpUpdate, shotBuilder()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	err := r.Register("Shot", types.OpUpdate, shotBuilder())
	if !errors.Is(err, ErrDuplicateFamily) {
		t.Fatalf("expected ErrDuplicateFamily, got %v", err)
	}
}

func TestRegistryDuplicateFamilyAcrossRoutes(t *testing.T) {
	r := NewRegistry(false)
	if err := r.Register("Shot", types.OpUpdate, shotBuilder()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Same builder on another route extends the mapping.
	if err := r.Register("Shot", types.OpDelete, shotBuilder()); err != nil {
		t.Fatalf("re-registering the same builder failed: %v", err)
	}

	// A different builder claiming the family would silently change the
	// keys KeysForScope produces for it.
	imposter := KeyBuilder{
		Family: "shot",
		Build: func(scope types.Scope) types.CacheKey {
			return types.CacheKey(fmt.Sprintf("shots/%s", scope.Domain))
		},
	}
	err := r.Register("Note", types.OpInsert, imposter)
	if !errors.Is(err, ErrDuplicateFamily) {
		t.Fatalf("expected ErrDuplicateFamily, got %v", err)
	}

	keys := r.KeysForScope(types.Scope{Domain: "project-1", ID: "abc123"})
	if len(keys) != 1 || keys[0] != "shot/abc123" {
		t.Fatalf("family builder was replaced: %v", keys)
	}
}

func TestRegistryNonDeterministicBuilderFailsLoudly(t *testing.T) {
	r := NewRegistry(true)
	n := 0
	bad := KeyBuilder{
		Family: "flaky",
		Build: func(scope types.Scope) types.CacheKey {
			n++
			return types.CacheKey(fmt.Sprintf("flaky/%s-%d", scope.ID, n))
		},
	}
	err := r.Register("Shot", types.OpUpdate, bad)
	if !errors.Is(err, ErrNonDeterministicBuilder) {
		t.Fatalf("expected ErrNonDeterministicBuilder, got %v", err)
	}
}

func TestRegistryKeysForScope(t *testing.T) {
	r := NewRegistry(false)
	if err := r.Register("Shot", types.OpUpdate, shotBuilder()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register("Shot", types.OpInsert, gridBuilder()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	keys := r.KeysForScope(types.Scope{Domain: "project-1", ID: "abc123"})
	if len(keys) != 2 {
		t.Fatalf("KeysForScope returned %d keys, want 2", len(keys))
	}
	seen := map[types.CacheKey]bool{}
	for _, k := range keys {
		seen[k] = true
	}
	if !seen["shot/abc123"] || !seen["grid/project-1"] {
		t.Fatalf("unexpected keys: %v", keys)
	}
}
