package router

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/huykn/livecache/types"
)

// KeyBuilder derives the CacheKey for one key family from a scope. Build
// must be pure: deterministic and side-effect free. All cache keys in the
// system are produced by registered builders; nothing else constructs keys.
type KeyBuilder struct {
	// Family is the key family (entityType partition) this builder serves.
	Family string

	// Build derives the key for a scope.
	Build func(scope types.Scope) types.CacheKey
}

// ErrNonDeterministicBuilder is returned when a registered builder yields
// different keys for the same scope. Invalidation routing cannot be
// guaranteed; treat as a fatal configuration defect.
var ErrNonDeterministicBuilder = fmt.Errorf("key builder is non-deterministic")

// ErrDuplicateFamily is returned when a family is registered twice for the
// same route, or when a second builder claims a family another builder
// already serves.
var ErrDuplicateFamily = fmt.Errorf("key family already registered")

type route struct {
	entityType string
	operation  types.Operation
}

// Registry is the declarative mapping from (entityType, operation) to the
// key builders whose families that change invalidates. It is populated at
// startup and is the single source of truth for invalidation routing.
type Registry struct {
	mu       sync.RWMutex
	builders map[route][]KeyBuilder
	families map[string]KeyBuilder

	// verify enables the determinism probe at registration time.
	// Intended for development builds.
	verify bool
}

// NewRegistry creates an empty registry. When verify is true each
// registered builder is probed for determinism and registration fails
// loudly on a mismatch.
func NewRegistry(verify bool) *Registry {
	return &Registry{
		builders: make(map[route][]KeyBuilder),
		families: make(map[string]KeyBuilder),
		verify:   verify,
	}
}

// Register maps a change route to a key builder. A builder's family may be
// mapped from many routes but only one builder may serve a family.
func (r *Registry) Register(entityType string, op types.Operation, b KeyBuilder) error {
	if b.Family == "" || b.Build == nil {
		return fmt.Errorf("register %s/%s: incomplete key builder", entityType, op)
	}
	if !op.Valid() {
		return fmt.Errorf("register %s/%s: unknown operation", entityType, op)
	}

	if r.verify {
		probe := types.Scope{Domain: "probe", ID: "determinism-check"}
		if b.Build(probe) != b.Build(probe) {
			return fmt.Errorf("register %s/%s family %q: %w", entityType, op, b.Family, ErrNonDeterministicBuilder)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rt := route{entityType: entityType, operation: op}
	for _, existing := range r.builders[rt] {
		if existing.Family == b.Family {
			return fmt.Errorf("register %s/%s: %w (%s)", entityType, op, ErrDuplicateFamily, b.Family)
		}
	}

	// One builder per family, across all routes. Mapping the same Build
	// func from additional routes is fine; a different func silently
	// changing which keys the family produces is not.
	if existing, ok := r.families[b.Family]; ok {
		if reflect.ValueOf(existing.Build).Pointer() != reflect.ValueOf(b.Build).Pointer() {
			return fmt.Errorf("register %s/%s: %w (%s served by another builder)", entityType, op, ErrDuplicateFamily, b.Family)
		}
	}

	r.families[b.Family] = b
	r.builders[rt] = append(r.builders[rt], b)
	return nil
}

// Lookup returns the builders mapped for a change route.
func (r *Registry) Lookup(entityType string, op types.Operation) []KeyBuilder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.builders[route{entityType: entityType, operation: op}]
}

// KeysForScope applies every registered family builder to a scope,
// returning one key per family. Used to materialize a scope's entries on
// first subscribe.
func (r *Registry) KeysForScope(scope types.Scope) []types.CacheKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]types.CacheKey, 0, len(r.families))
	seen := make(map[types.CacheKey]struct{}, len(r.families))
	for _, b := range r.families {
		key := b.Build(scope)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

// Families returns the registered family names.
func (r *Registry) Families() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.families))
	for f := range r.families {
		out = append(out, f)
	}
	return out
}
