package coord

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/huykn/livecache/cache"
	"github.com/huykn/livecache/types"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newCoord(t *testing.T, hub *MemoryHub, id string, clock cache.Clock) *Coordinator {
	t.Helper()
	c := NewCoordinator(Config{
		Bus:        hub.Join(),
		InstanceID: id,
		Clock:      clock,
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func leaderCount(scope types.Scope, cs ...*Coordinator) int {
	n := 0
	for _, c := range cs {
		if c.IsLeader(scope) {
			n++
		}
	}
	return n
}

func TestExactlyOneLeaderConverges(t *testing.T) {
	hub := NewMemoryHub()
	clock := cache.NewFakeClock(time.Unix(7000, 0))
	scope := types.Scope{Domain: "project-1", ID: "abc123"}

	a := newCoord(t, hub, "instance-a", clock)
	b := newCoord(t, hub, "instance-b", clock)
	c := newCoord(t, hub, "instance-c", clock)

	if !a.AcquireLeadership(scope) {
		t.Fatal("first claimant must win an uncontested lease")
	}

	// Later claims carry newer timestamps and win; earlier holders step
	// down when they observe them.
	clock.Advance(time.Second)
	b.AcquireLeadership(scope)
	clock.Advance(time.Second)
	c.AcquireLeadership(scope)

	waitFor(t, time.Second, func() bool {
		return c.IsLeader(scope) && leaderCount(scope, a, b, c) == 1
	})
}

func TestKilledLeaderReplacedWithinRenewalCycle(t *testing.T) {
	hub := NewMemoryHub()
	clock := cache.NewFakeClock(time.Unix(7000, 0))
	scope := types.Scope{Domain: "project-1", ID: "abc123"}

	// Staggered creation staggers the renewal sweeps, so survivors do not
	// race each other with identical claim timestamps.
	a := newCoord(t, hub, "instance-a", clock)
	clock.Advance(time.Second)
	b := newCoord(t, hub, "instance-b", clock)
	clock.Advance(time.Second)

	crashBus := hub.Join()
	crashed := NewCoordinator(Config{Bus: crashBus, InstanceID: "instance-c", Clock: clock})

	a.AcquireLeadership(scope)
	clock.Advance(time.Second)
	b.AcquireLeadership(scope)
	clock.Advance(time.Second)
	crashed.AcquireLeadership(scope)
	waitFor(t, time.Second, func() bool {
		return crashed.IsLeader(scope) && leaderCount(scope, a, b, crashed) == 1
	})

	// A crash publishes no release; the instance just goes silent.
	crashBus.Close()

	clock.Advance(DefaultLeaseDuration + 2*DefaultRenewInterval)
	waitFor(t, time.Second, func() bool { return leaderCount(scope, a, b) == 1 })
}

func TestAcquireDefersToLiveLease(t *testing.T) {
	hub := NewMemoryHub()
	clock := cache.NewFakeClock(time.Unix(7000, 0))
	scope := types.Scope{Domain: "project-1", ID: "abc123"}

	a := newCoord(t, hub, "instance-a", clock)
	b := newCoord(t, hub, "instance-b", clock)

	a.AcquireLeadership(scope)
	clock.Advance(time.Second)
	b.AcquireLeadership(scope)
	waitFor(t, time.Second, func() bool { return b.IsLeader(scope) && !a.IsLeader(scope) })

	// a now tracks b's live lease and must not self-promote.
	if a.AcquireLeadership(scope) {
		t.Fatal("acquire must defer to a live foreign lease")
	}
}

func TestReleasePromotesInterestedFollower(t *testing.T) {
	hub := NewMemoryHub()
	clock := cache.NewFakeClock(time.Unix(7000, 0))
	scope := types.Scope{Domain: "project-1", ID: "abc123"}

	a := newCoord(t, hub, "instance-a", clock)
	b := newCoord(t, hub, "instance-b", clock)

	a.AcquireLeadership(scope)
	clock.Advance(time.Second)
	b.AcquireLeadership(scope)
	waitFor(t, time.Second, func() bool { return b.IsLeader(scope) && !a.IsLeader(scope) })

	// The departing leader releases; the follower promotes without
	// waiting out the lease.
	b.Release(scope)
	waitFor(t, time.Second, func() bool { return a.IsLeader(scope) })
}

func TestSilentLeaseExpiresAndFollowerPromotes(t *testing.T) {
	hub := NewMemoryHub()
	clock := cache.NewFakeClock(time.Unix(7000, 0))
	scope := types.Scope{Domain: "project-1", ID: "abc123"}

	a := newCoord(t, hub, "instance-a", clock)

	a.AcquireLeadership(scope)
	clock.Advance(time.Second)

	// A ghost instance claims the lease and then goes silent forever.
	ghost := hub.Join()
	defer ghost.Close()
	claim := types.LeaseClaim{Scope: scope, InstanceID: "ghost", ClaimedAt: clock.Now()}
	if err := ghost.Publish(context.Background(), Message{Sender: "ghost", Claim: &claim}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return !a.IsLeader(scope) })

	// Renewal sweeps past the lease duration find the holder silent and
	// promote.
	clock.Advance(DefaultLeaseDuration + 2*DefaultRenewInterval)
	waitFor(t, time.Second, func() bool { return a.IsLeader(scope) })
}

func TestLeadershipChangeCallbacks(t *testing.T) {
	hub := NewMemoryHub()
	clock := cache.NewFakeClock(time.Unix(7000, 0))
	scope := types.Scope{Domain: "project-1", ID: "abc123"}

	a := newCoord(t, hub, "instance-a", clock)
	b := newCoord(t, hub, "instance-b", clock)

	gained := make(chan types.Scope, 4)
	lost := make(chan types.Scope, 4)
	a.OnLeadershipChange(func(s types.Scope, isLeader bool) {
		if isLeader {
			gained <- s
		} else {
			lost <- s
		}
	})

	a.AcquireLeadership(scope)
	select {
	case s := <-gained:
		if s.String() != scope.String() {
			t.Fatalf("gained wrong scope: %s", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no leadership-gained callback")
	}

	clock.Advance(time.Second)
	b.AcquireLeadership(scope)
	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("no leadership-lost callback after displacement")
	}
}

func TestResultBroadcastReachesFollowersOnly(t *testing.T) {
	hub := NewMemoryHub()
	clock := cache.NewFakeClock(time.Unix(7000, 0))

	received := make(chan RefreshResult, 4)
	leader := NewCoordinator(Config{
		Bus:        hub.Join(),
		InstanceID: "leader",
		Clock:      clock,
		OnResult: func(RefreshResult) {
			t.Error("sender must not observe its own result")
		},
	})
	defer leader.Close()

	follower := NewCoordinator(Config{
		Bus:        hub.Join(),
		InstanceID: "follower",
		Clock:      clock,
		OnResult:   func(r RefreshResult) { received <- r },
	})
	defer follower.Close()

	result := RefreshResult{
		Scope: types.Scope{Domain: "project-1", ID: "abc123"},
		Key:   "shot/abc123",
		Value: json.RawMessage(`{"status":"done"}`),
	}
	if err := leader.PublishResult(context.Background(), result); err != nil {
		t.Fatalf("PublishResult failed: %v", err)
	}

	select {
	case got := <-received:
		if got.Key != "shot/abc123" || string(got.Value) != `{"status":"done"}` {
			t.Fatalf("unexpected result: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("follower never received the result")
	}
}

func TestMemoryHubLoopsBackToSender(t *testing.T) {
	hub := NewMemoryHub()
	bus := hub.Join()
	defer bus.Close()

	msg := Message{Sender: "self"}
	if err := bus.Publish(context.Background(), msg); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case got := <-bus.Messages():
		if got.Sender != "self" {
			t.Fatalf("unexpected sender: %s", got.Sender)
		}
	case <-time.After(time.Second):
		t.Fatal("loopback delivery missing")
	}
}
