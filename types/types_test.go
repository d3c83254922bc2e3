package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestScopeString(t *testing.T) {
	tests := []struct {
		name  string
		scope Scope
		want  string
	}{
		{
			name:  "bare",
			scope: Scope{Domain: "project", ID: "p42"},
			want:  "project:p42",
		},
		{
			name:  "single filter",
			scope: Scope{Domain: "shot", ID: "abc123", Filters: map[string]string{"status": "ready"}},
			want:  "shot:abc123?status=ready",
		},
		{
			name: "filters sorted by key",
			scope: Scope{Domain: "item", ID: "i1", Filters: map[string]string{
				"zeta": "1", "alpha": "2", "mid": "3",
			}},
			want: "item:i1?alpha=2&mid=3&zeta=1",
		},
		{
			name:  "empty id",
			scope: Scope{Domain: "session", ID: ""},
			want:  "session:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.scope.String(); got != tt.want {
				t.Fatalf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseScopeRoundTrip(t *testing.T) {
	scopes := []Scope{
		{Domain: "project", ID: "p42"},
		{Domain: "shot", ID: "abc123", Filters: map[string]string{"status": "ready", "page": "2"}},
	}

	for _, scope := range scopes {
		parsed, err := ParseScope(scope.String())
		if err != nil {
			t.Fatalf("ParseScope(%q) failed: %v", scope.String(), err)
		}
		if parsed.String() != scope.String() {
			t.Fatalf("round trip mismatch: %q != %q", parsed.String(), scope.String())
		}
	}
}

func TestParseScopeMalformed(t *testing.T) {
	for _, input := range []string{"", "noseparator", ":missingdomain", "a:b?novalue"} {
		if _, err := ParseScope(input); err == nil {
			t.Fatalf("ParseScope(%q) should fail", input)
		}
	}
}

func TestCacheKeyFamily(t *testing.T) {
	if got := CacheKey("item/project:p42").Family(); got != "item" {
		t.Fatalf("Family() = %q, want %q", got, "item")
	}
	if got := CacheKey("bare").Family(); got != "bare" {
		t.Fatalf("Family() = %q, want %q", got, "bare")
	}
}

func TestOperationValid(t *testing.T) {
	for _, op := range []Operation{OpInsert, OpUpdate, OpDelete} {
		if !op.Valid() {
			t.Fatalf("%q should be valid", op)
		}
	}
	if Operation("upsert").Valid() {
		t.Fatal("unknown operation should not be valid")
	}
}

func TestChangeEventWireShape(t *testing.T) {
	event := ChangeEvent{
		EntityType: "item",
		Operation:  OpUpdate,
		ScopeHints: []Scope{{Domain: "project", ID: "p42"}},
		OccurredAt: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	// The wire contract uses these exact field names and ISO8601 time.
	for _, want := range []string{`"entityType":"item"`, `"operation":"update"`, `"scopeHints"`, `"occurredAt":"2026-03-14T09:26:53Z"`} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("wire shape missing %s in %s", want, data)
		}
	}

	var decoded ChangeEvent
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.EntityType != event.EntityType || decoded.Operation != event.Operation {
		t.Fatalf("decoded event mismatch: %+v", decoded)
	}
}

func TestConnectionStateString(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateDegraded, "degraded"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Fatalf("String() = %q, want %q", got, tt.want)
		}
	}
}
