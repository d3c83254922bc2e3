package optimistic

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/huykn/livecache/cache"
	"github.com/huykn/livecache/types"
)

// DefaultTimeout is how long a placeholder may stay unreconciled before it
// expires and the write is surfaced as failed.
const DefaultTimeout = 30 * time.Second

// ErrExpired is delivered to the originating caller when an optimistic
// record is never reconciled within the timeout.
var ErrExpired = errors.New("optimistic write expired without confirmation")

// IdentityFunc extracts the stable correlation key from an authoritative
// record. Reconciliation matches on this key, never on position, because
// the server assigns true identity.
type IdentityFunc func(record any) (string, bool)

// Placeholder is the wrapper the buffer injects into visible collection
// values. Consumers can render it as a pending item; the buffer finds it
// again by LocalID.
type Placeholder struct {
	LocalID        string
	CorrelationKey string
	Value          any
}

// Config configures a Buffer.
type Config struct {
	// Store is the cache the placeholders are merged into. Required.
	Store *cache.Store

	// KeyForScope maps a scope to the cache key holding its visible
	// collection. Hosts pass the registered key builder for the written
	// entity. Required.
	KeyForScope func(scope types.Scope) types.CacheKey

	// Identity extracts the correlation key from authoritative records.
	// Required.
	Identity IdentityFunc

	// Timeout is the reconciliation deadline. Zero means DefaultTimeout.
	Timeout time.Duration

	// Clock is the time source. If nil, system.
	Clock cache.Clock

	// Logger is the logger. If nil, no-op.
	Logger cache.Logger
}

// Buffer is the optimistic write buffer: it injects locally-originated
// pending records into the cache ahead of server confirmation and
// reconciles them by identity once authoritative data arrives. Only the
// buffer transitions a record's status.
type Buffer struct {
	cfg Config

	mu      sync.Mutex
	records map[string]*tracked
	closed  bool
}

type tracked struct {
	rec   types.OptimisticRecord
	errCh chan error
	done  chan struct{}
	once  sync.Once
}

// NewBuffer creates a Buffer.
func NewBuffer(cfg Config) *Buffer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = cache.NewSystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = cache.NewNoOpLogger()
	}
	return &Buffer{
		cfg:     cfg,
		records: make(map[string]*tracked),
	}
}

// Insert merges a placeholder for a write intent into the scope's visible
// value immediately and returns the record's local id plus a channel the
// outcome is delivered on: closed on reconciliation, ErrExpired if the
// write is never confirmed. The channel is buffered; a caller that went
// away misses nothing and blocks nobody.
func (b *Buffer) Insert(scope types.Scope, correlationKey string, placeholder any) (string, <-chan error) {
	localID := uuid.NewString()

	t := &tracked{
		rec: types.OptimisticRecord{
			LocalID:        localID,
			Scope:          scope,
			CorrelationKey: correlationKey,
			Placeholder:    placeholder,
			CreatedAt:      b.cfg.Clock.Now(),
			Status:         types.OptimisticPending,
		},
		errCh: make(chan error, 1),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		t.errCh <- ErrExpired
		return localID, t.errCh
	}
	b.records[localID] = t
	b.mu.Unlock()

	b.merge(scope, t)

	timer := b.cfg.Clock.NewTimer(b.cfg.Timeout)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C():
			b.expire(localID)
		case <-t.done:
		}
	}()

	b.cfg.Logger.Debug("optimistic insert", "scope", scope.String(), "localId", localID, "correlationKey", correlationKey)
	return localID, t.errCh
}

// Reconcile scans newly-arrived authoritative records for the scope and
// resolves pending placeholders by correlation key. Unmatched placeholders
// are re-merged into the fresh value so a refetch never makes a pending
// write disappear. Call after any refetch or event delivery touching the
// scope; the engine wires this to the store's refresh hook.
func (b *Buffer) Reconcile(scope types.Scope, key types.CacheKey, value any) {
	identities := b.collectIdentities(value)

	b.mu.Lock()
	var matched, unmatched []*tracked
	for _, t := range b.records {
		if t.rec.Status != types.OptimisticPending || t.rec.Scope.String() != scope.String() {
			continue
		}
		if _, ok := identities[t.rec.CorrelationKey]; ok {
			t.rec.Status = types.OptimisticReconciled
			matched = append(matched, t)
		} else {
			unmatched = append(unmatched, t)
		}
	}
	for _, t := range matched {
		delete(b.records, t.rec.LocalID)
	}
	b.mu.Unlock()

	for _, t := range matched {
		// The authoritative record is already in the refreshed value; the
		// placeholder simply stops being re-merged. No duplicate, no
		// flicker beyond the single apply.
		t.resolve(nil)
		b.cfg.Logger.Debug("optimistic record reconciled", "localId", t.rec.LocalID, "correlationKey", t.rec.CorrelationKey)
	}

	for _, t := range unmatched {
		b.mergeKey(key, t)
	}
}

// Records returns a snapshot of the scope's tracked records.
func (b *Buffer) Records(scope types.Scope) []types.OptimisticRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []types.OptimisticRecord
	for _, t := range b.records {
		if t.rec.Scope.String() == scope.String() {
			out = append(out, t.rec)
		}
	}
	return out
}

// PendingCount returns the number of pending records across all scopes.
func (b *Buffer) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Close expires nothing but stops tracking; outstanding callers receive
// ErrExpired.
func (b *Buffer) Close() {
	b.mu.Lock()
	records := b.records
	b.records = make(map[string]*tracked)
	b.closed = true
	b.mu.Unlock()

	for _, t := range records {
		t.resolve(ErrExpired)
	}
}

func (t *tracked) resolve(err error) {
	t.once.Do(func() {
		if err != nil {
			t.errCh <- err
		}
		close(t.done)
		if err == nil {
			close(t.errCh)
		}
	})
}

// merge injects the placeholder into the scope's visible collection.
func (b *Buffer) merge(scope types.Scope, t *tracked) {
	b.mergeKey(b.cfg.KeyForScope(scope), t)
}

func (b *Buffer) mergeKey(key types.CacheKey, t *tracked) {
	ph := &Placeholder{
		LocalID:        t.rec.LocalID,
		CorrelationKey: t.rec.CorrelationKey,
		Value:          t.rec.Placeholder,
	}

	b.cfg.Store.MutateVisible(key, func(old any) any {
		switch coll := old.(type) {
		case nil:
			return []any{ph}
		case []any:
			for _, el := range coll {
				if existing, ok := el.(*Placeholder); ok && existing.LocalID == ph.LocalID {
					return coll
				}
			}
			return append(coll, ph)
		default:
			// Scalar-shaped value: the placeholder replaces it until
			// reconciliation or expiry.
			return ph
		}
	})
}

// expire removes a never-confirmed placeholder from the visible value and
// surfaces the failure to the originating caller if still listening.
func (b *Buffer) expire(localID string) {
	b.mu.Lock()
	t := b.records[localID]
	if t == nil || t.rec.Status != types.OptimisticPending {
		b.mu.Unlock()
		return
	}
	t.rec.Status = types.OptimisticExpired
	delete(b.records, localID)
	scope := t.rec.Scope
	b.mu.Unlock()

	b.remove(b.cfg.KeyForScope(scope), localID)
	t.resolve(ErrExpired)
	b.cfg.Logger.Warn("optimistic record expired", "localId", localID, "scope", scope.String())
}

func (b *Buffer) remove(key types.CacheKey, localID string) {
	b.cfg.Store.MutateVisible(key, func(old any) any {
		switch coll := old.(type) {
		case []any:
			// Callers may still hold the slice returned by an earlier
			// read; never compact in place.
			kept := make([]any, 0, len(coll))
			for _, el := range coll {
				if ph, ok := el.(*Placeholder); ok && ph.LocalID == localID {
					continue
				}
				kept = append(kept, el)
			}
			return kept
		case *Placeholder:
			if coll.LocalID == localID {
				return nil
			}
			return old
		default:
			return old
		}
	})
}

// collectIdentities builds the set of correlation keys present in an
// authoritative value. Collections contribute each element; scalar values
// contribute themselves. Placeholders never count as authoritative.
func (b *Buffer) collectIdentities(value any) map[string]struct{} {
	out := make(map[string]struct{})

	add := func(el any) {
		if _, isPH := el.(*Placeholder); isPH {
			return
		}
		if id, ok := b.cfg.Identity(el); ok {
			out[id] = struct{}{}
		}
	}

	switch coll := value.(type) {
	case []any:
		for _, el := range coll {
			add(el)
		}
	case nil:
	default:
		add(coll)
	}
	return out
}
