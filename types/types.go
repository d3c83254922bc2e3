package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Scope identifies a logical partition of server state a consumer watches,
// e.g. {Domain: "project", ID: "p42"}. Scopes are treated as an unordered
// set of keys; hierarchy between scopes is expressed by the event router's
// mapping table, not here.
type Scope struct {
	Domain  string            `json:"domain"`
	ID      string            `json:"id"`
	Filters map[string]string `json:"filters,omitempty"`
}

// String returns the canonical form of the scope: "domain:id" with filter
// pairs appended in sorted key order. Two scopes with the same canonical
// form are the same scope.
func (s Scope) String() string {
	var b strings.Builder
	b.WriteString(s.Domain)
	b.WriteByte(':')
	b.WriteString(s.ID)
	if len(s.Filters) > 0 {
		keys := make([]string, 0, len(s.Filters))
		for k := range s.Filters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sep := byte('?')
		for _, k := range keys {
			b.WriteByte(sep)
			sep = '&'
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(s.Filters[k])
		}
	}
	return b.String()
}

// ParseScope parses the canonical form produced by String.
func ParseScope(s string) (Scope, error) {
	base, query, hasQuery := strings.Cut(s, "?")
	domain, id, ok := strings.Cut(base, ":")
	if !ok || domain == "" {
		return Scope{}, fmt.Errorf("malformed scope %q", s)
	}
	scope := Scope{Domain: domain, ID: id}
	if hasQuery && query != "" {
		scope.Filters = make(map[string]string)
		for _, pair := range strings.Split(query, "&") {
			k, v, ok := strings.Cut(pair, "=")
			if !ok || k == "" {
				return Scope{}, fmt.Errorf("malformed scope filter %q in %q", pair, s)
			}
			scope.Filters[k] = v
		}
	}
	return scope, nil
}

// CacheKey is a deterministic identifier for a cached query result.
// Keys must only ever be produced by a registered KeyBuilder; ad hoc key
// construction breaks invalidation routing.
type CacheKey string

// Family returns the key family (entityType partition) prefix of the key.
// Keys are built as "family/..." by the router's registered builders.
func (k CacheKey) Family() string {
	family, _, _ := strings.Cut(string(k), "/")
	return family
}

// Operation is the kind of change a ChangeEvent describes.
type Operation string

// Operation values for change events.
const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether the operation is one of insert/update/delete.
func (op Operation) Valid() bool {
	return op == OpInsert || op == OpUpdate || op == OpDelete
}

// ChangeEvent is the wire contract for domain change notifications.
// Collaborators producing domain changes must emit this shape (or the push
// transport must translate into it) for the event router to consume.
type ChangeEvent struct {
	EntityType string    `json:"entityType"`
	Operation  Operation `json:"operation"`
	ScopeHints []Scope   `json:"scopeHints"`
	OccurredAt time.Time `json:"occurredAt"`
}

// ConnectionState describes the health of the push channel. It is owned
// exclusively by the connection manager; other components only read it.
type ConnectionState int32

// Connection states.
const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDegraded
)

// String returns the state name used on the wire and in logs.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// MarshalJSON encodes the state as its string name.
func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// PollingPolicy is the refetch cadence computed per scope from the
// connection state and the host's foreground/background status.
type PollingPolicy struct {
	Interval        time.Duration `json:"intervalMs"`
	Jitter          time.Duration `json:"jitterMs"`
	ForegroundFloor time.Duration `json:"foregroundFloorMs"`
	BackgroundFloor time.Duration `json:"backgroundFloorMs"`
}

// OptimisticStatus is the lifecycle state of an optimistic record.
type OptimisticStatus string

// Optimistic record statuses. Only the optimistic write buffer may
// transition between them.
const (
	OptimisticPending    OptimisticStatus = "pending"
	OptimisticReconciled OptimisticStatus = "reconciled"
	OptimisticExpired    OptimisticStatus = "expired"
)

// OptimisticRecord is a locally-inserted placeholder representing a write
// not yet confirmed by the server. CorrelationKey is the application-supplied
// stable identity used for reconciliation; LocalID is only a handle for the
// originating caller.
type OptimisticRecord struct {
	LocalID        string           `json:"localId"`
	Scope          Scope            `json:"scope"`
	CorrelationKey string           `json:"correlationKey"`
	Placeholder    any              `json:"placeholder"`
	CreatedAt      time.Time        `json:"createdAt"`
	Status         OptimisticStatus `json:"status"`
}

// LeaseClaim is the coordinator wire message asserting leadership of a
// scope. Last claim wins by timestamp; a lease expires after the holder
// stays silent past the lease duration.
type LeaseClaim struct {
	Scope      Scope     `json:"scope"`
	InstanceID string    `json:"instanceId"`
	ClaimedAt  time.Time `json:"claimedAt"`
	Release    bool      `json:"release,omitempty"`
}
