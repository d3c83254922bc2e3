package coord

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/huykn/livecache/cache"
	"github.com/huykn/livecache/types"
)

// Lease timing. A leader renews its claim every renewal interval; other
// instances promote themselves when a lease goes silent past its duration.
const (
	DefaultRenewInterval = 10 * time.Second
	DefaultLeaseDuration = 25 * time.Second
)

// Config configures a Coordinator.
type Config struct {
	// Bus is the cross-instance broadcast channel. Required.
	Bus Bus

	// InstanceID identifies this instance in claims. Empty generates one.
	InstanceID string

	// RenewInterval and LeaseDuration bound the lease protocol. Zero
	// values use the defaults.
	RenewInterval time.Duration
	LeaseDuration time.Duration

	// OnResult is called with refresh results broadcast by scope leaders.
	// Follower instances wire this to their cache's remote-apply path.
	OnResult func(result RefreshResult)

	// Clock is the time source. If nil, system.
	Clock cache.Clock

	// Logger is the logger. If nil, no-op.
	Logger cache.Logger
}

// Coordinator elects one leader per scope across same-origin instances so
// only one of them polls and holds the push channel. Leadership is a lease:
// claim plus periodic renewal, last claim wins by timestamp, silent leases
// expire and another interested instance promotes itself. Transient
// duplicate leadership is tolerated; both sides converge within one
// renewal cycle.
type Coordinator struct {
	cfg Config

	mu        sync.Mutex
	interest  map[string]*lease
	callbacks []func(scope types.Scope, isLeader bool)

	done chan struct{}
	wg   sync.WaitGroup
}

type lease struct {
	scope       types.Scope
	holder      string
	holderSince time.Time // ClaimedAt of the winning claim
	lastSeen    time.Time // when we last heard the holder
	weLead      bool
}

// NewCoordinator creates and starts a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = DefaultRenewInterval
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.Clock == nil {
		cfg.Clock = cache.NewSystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = cache.NewNoOpLogger()
	}

	c := &Coordinator{
		cfg:      cfg,
		interest: make(map[string]*lease),
		done:     make(chan struct{}),
	}

	c.wg.Add(1)
	go c.run()
	return c
}

// InstanceID returns this instance's identity on the bus.
func (c *Coordinator) InstanceID() string {
	return c.cfg.InstanceID
}

// AcquireLeadership registers interest in a scope and claims leadership if
// no live lease stands. It reports whether this instance now considers
// itself leader; a newer competing claim may still displace it within one
// renewal cycle.
func (c *Coordinator) AcquireLeadership(scope types.Scope) bool {
	now := c.cfg.Clock.Now()

	c.mu.Lock()
	l := c.interest[scope.String()]
	if l == nil {
		l = &lease{scope: scope}
		c.interest[scope.String()] = l
	}

	if l.weLead {
		c.mu.Unlock()
		return true
	}
	if l.holder != "" && l.holder != c.cfg.InstanceID && now.Sub(l.lastSeen) < c.cfg.LeaseDuration {
		// Someone else holds a live lease.
		c.mu.Unlock()
		return false
	}

	l.weLead = true
	l.holder = c.cfg.InstanceID
	l.holderSince = now
	l.lastSeen = now
	c.mu.Unlock()

	c.publishClaim(scope, now, false)
	c.notify(scope, true)
	c.cfg.Logger.Info("acquired leadership", "scope", scope.String(), "instance", c.cfg.InstanceID)
	return true
}

// Release drops interest in a scope. A held lease is released on the bus
// so another instance can promote without waiting for expiry.
func (c *Coordinator) Release(scope types.Scope) {
	c.mu.Lock()
	l := c.interest[scope.String()]
	delete(c.interest, scope.String())
	led := l != nil && l.weLead
	c.mu.Unlock()

	if led {
		c.publishClaim(scope, c.cfg.Clock.Now(), true)
		c.notify(scope, false)
	}
}

// IsLeader reports whether this instance currently leads the scope.
func (c *Coordinator) IsLeader(scope types.Scope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.interest[scope.String()]
	return l != nil && l.weLead
}

// LeaderScopes returns the scopes this instance currently leads.
func (c *Coordinator) LeaderScopes() []types.Scope {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []types.Scope
	for _, l := range c.interest {
		if l.weLead {
			out = append(out, l.scope)
		}
	}
	return out
}

// OnLeadershipChange registers a callback for leadership transitions of
// scopes this instance is interested in.
func (c *Coordinator) OnLeadershipChange(fn func(scope types.Scope, isLeader bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, fn)
}

// PublishResult broadcasts a leader's refresh result to followers.
func (c *Coordinator) PublishResult(ctx context.Context, result RefreshResult) error {
	return c.cfg.Bus.Publish(ctx, Message{Sender: c.cfg.InstanceID, Result: &result})
}

// Close releases all held leases and stops the coordinator.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	var held []types.Scope
	for _, l := range c.interest {
		if l.weLead {
			held = append(held, l.scope)
		}
	}
	c.mu.Unlock()

	for _, scope := range held {
		c.publishClaim(scope, c.cfg.Clock.Now(), true)
	}

	close(c.done)
	c.wg.Wait()
	return c.cfg.Bus.Close()
}

func (c *Coordinator) run() {
	defer c.wg.Done()

	timer := c.cfg.Clock.NewTimer(c.cfg.RenewInterval)
	defer timer.Stop()

	messages := c.cfg.Bus.Messages()

	for {
		select {
		case <-c.done:
			return

		case msg, ok := <-messages:
			if !ok {
				return
			}
			c.handleMessage(msg)

		case <-timer.C():
			c.renewAndSweep()
			timer.Reset(c.cfg.RenewInterval)
		}
	}
}

func (c *Coordinator) handleMessage(msg Message) {
	if msg.Result != nil && msg.Sender != c.cfg.InstanceID && c.cfg.OnResult != nil {
		c.cfg.OnResult(*msg.Result)
	}
	if msg.Claim != nil {
		c.handleClaim(*msg.Claim)
	}
}

func (c *Coordinator) handleClaim(claim types.LeaseClaim) {
	now := c.cfg.Clock.Now()

	c.mu.Lock()
	l := c.interest[claim.Scope.String()]
	if l == nil {
		// Not interested in this scope.
		c.mu.Unlock()
		return
	}

	if claim.InstanceID == c.cfg.InstanceID {
		// Our own echo keeps our lease warm.
		l.lastSeen = now
		c.mu.Unlock()
		return
	}

	if claim.Release {
		vacated := l.holder == claim.InstanceID
		if vacated {
			l.holder = ""
		}
		c.mu.Unlock()
		if vacated {
			// Promote immediately so no renewal cycle passes with nobody
			// polling.
			c.AcquireLeadership(claim.Scope)
		}
		return
	}

	steppedDown := false
	if l.weLead && !claim.ClaimedAt.Before(l.holderSince) {
		// Last claim wins by timestamp. Both sides converge within one
		// renewal cycle; the brief duplicate work is tolerated.
		l.weLead = false
		steppedDown = true
	}
	if !l.weLead {
		l.holder = claim.InstanceID
		l.holderSince = claim.ClaimedAt
		l.lastSeen = now
	}
	c.mu.Unlock()

	if steppedDown {
		c.notify(claim.Scope, false)
		c.cfg.Logger.Info("stepped down: newer claim observed", "scope", claim.Scope.String(), "winner", claim.InstanceID)
	}
}

// renewAndSweep renews held leases and promotes on expired foreign leases.
func (c *Coordinator) renewAndSweep() {
	now := c.cfg.Clock.Now()

	c.mu.Lock()
	var renew, promote []types.Scope
	for _, l := range c.interest {
		switch {
		case l.weLead:
			renew = append(renew, l.scope)
		case l.holder == "" || now.Sub(l.lastSeen) >= c.cfg.LeaseDuration:
			promote = append(promote, l.scope)
		}
	}
	c.mu.Unlock()

	for _, scope := range renew {
		c.publishClaim(scope, now, false)
	}
	for _, scope := range promote {
		c.cfg.Logger.Info("lease expired, promoting", "scope", scope.String(), "instance", c.cfg.InstanceID)
		c.AcquireLeadership(scope)
	}
}

// publishClaim broadcasts a claim. Renewals carry a fresh timestamp, which
// keeps last-claim-wins semantics: a standing leader's renewals are newer
// than any stale claim.
func (c *Coordinator) publishClaim(scope types.Scope, at time.Time, release bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	claim := types.LeaseClaim{
		Scope:      scope,
		InstanceID: c.cfg.InstanceID,
		ClaimedAt:  at,
		Release:    release,
	}
	if err := c.cfg.Bus.Publish(ctx, Message{Sender: c.cfg.InstanceID, Claim: &claim}); err != nil {
		c.cfg.Logger.Warn("failed to publish lease claim", "scope", scope.String(), "error", err.Error())
	}
}

func (c *Coordinator) notify(scope types.Scope, isLeader bool) {
	c.mu.Lock()
	callbacks := c.callbacks
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn(scope, isLeader)
	}
}
