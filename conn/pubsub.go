package conn

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/huykn/livecache/cache"
	"github.com/huykn/livecache/types"
)

// DefaultEventChannelPrefix prefixes the Redis pub/sub channel name for a
// scope's change events.
const DefaultEventChannelPrefix = "livecache:events:"

// PubSubConfig configures a PubSubChannel.
type PubSubConfig struct {
	// Addr is the Redis server address (e.g., "localhost:6379").
	Addr string

	// Password is the optional Redis password.
	Password string

	// DB is the Redis database number.
	DB int

	// ChannelPrefix prefixes scope names to form pub/sub channel names.
	// Empty means DefaultEventChannelPrefix.
	ChannelPrefix string

	// Marshaller decodes inbound event payloads. If nil, JSON.
	Marshaller cache.Marshaller

	// Logger is the logger. If nil, no-op.
	Logger cache.Logger
}

// PubSubChannel delivers change events over Redis pub/sub, one Redis
// channel per scope. Producers publish the ChangeEvent wire shape as JSON
// to "livecache:events:<scope>".
type PubSubChannel struct {
	client     *redis.Client
	prefix     string
	marshaller cache.Marshaller
	logger     cache.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	events chan types.ChangeEvent
	done   chan error
	subs   map[string]struct{}
}

// NewPubSubChannel creates a Redis pub/sub push channel. The connection is
// not established until Connect.
func NewPubSubChannel(cfg PubSubConfig) *PubSubChannel {
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = DefaultEventChannelPrefix
	}
	if cfg.Marshaller == nil {
		cfg.Marshaller = cache.NewJSONMarshaller()
	}
	if cfg.Logger == nil {
		cfg.Logger = cache.NewNoOpLogger()
	}

	return &PubSubChannel{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix:     cfg.ChannelPrefix,
		marshaller: cfg.Marshaller,
		logger:     cfg.Logger,
		events:     make(chan types.ChangeEvent, 64),
		subs:       make(map[string]struct{}),
	}
}

// Connect verifies the Redis connection and starts the pub/sub listener.
// Called again after a drop, it tears down the old subscription first and
// re-establishes the Redis channels that were subscribed before the drop.
func (pc *PubSubChannel) Connect(ctx context.Context) error {
	if err := pc.client.Ping(ctx).Err(); err != nil {
		return err
	}

	pc.mu.Lock()
	if pc.pubsub != nil {
		pc.pubsub.Close()
	}
	ps := pc.client.Subscribe(ctx)
	pc.pubsub = ps
	pc.done = make(chan error, 1)
	done := pc.done
	names := make([]string, 0, len(pc.subs))
	for name := range pc.subs {
		names = append(names, name)
	}
	pc.mu.Unlock()

	go pc.listen(ps, done)

	if len(names) > 0 {
		return ps.Subscribe(ctx, names...)
	}
	return nil
}

// Subscribe adds the scope's Redis channel to the subscription.
func (pc *PubSubChannel) Subscribe(ctx context.Context, scope types.Scope) error {
	pc.mu.Lock()
	ps := pc.pubsub
	name := pc.prefix + scope.String()
	pc.subs[name] = struct{}{}
	pc.mu.Unlock()

	if ps == nil {
		return ErrNotConnected
	}
	return ps.Subscribe(ctx, name)
}

// Unsubscribe removes the scope's Redis channel from the subscription.
func (pc *PubSubChannel) Unsubscribe(ctx context.Context, scope types.Scope) error {
	pc.mu.Lock()
	ps := pc.pubsub
	name := pc.prefix + scope.String()
	delete(pc.subs, name)
	pc.mu.Unlock()

	if ps == nil {
		return ErrNotConnected
	}
	return ps.Unsubscribe(ctx, name)
}

// Events streams inbound change events.
func (pc *PubSubChannel) Events() <-chan types.ChangeEvent {
	return pc.events
}

// Done receives an error when the pub/sub connection drops.
func (pc *PubSubChannel) Done() <-chan error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.done == nil {
		// Not connected yet; a never-firing channel keeps selects simple.
		pc.done = make(chan error, 1)
	}
	return pc.done
}

// Close tears the channel down permanently.
func (pc *PubSubChannel) Close() error {
	pc.mu.Lock()
	ps := pc.pubsub
	pc.pubsub = nil
	pc.mu.Unlock()

	if ps != nil {
		ps.Close()
	}
	return pc.client.Close()
}

// listen decodes pub/sub payloads into change events. Malformed payloads
// are skipped.
func (pc *PubSubChannel) listen(ps *redis.PubSub, done chan error) {
	ch := ps.Channel()
	for msg := range ch {
		var event types.ChangeEvent
		if err := pc.marshaller.Unmarshal([]byte(msg.Payload), &event); err != nil {
			pc.logger.Warn("skipping malformed change event", "channel", msg.Channel, "error", err.Error())
			continue
		}
		pc.events <- event
	}

	// Channel closed: either Close() or a connection failure.
	select {
	case done <- ErrChannelClosed:
	default:
	}
}

// Publish emits a change event for a scope. Used by collaborators that
// produce domain changes in-process (e.g. after a confirmed write) and by
// tests; remote producers publish the same wire shape themselves.
func (pc *PubSubChannel) Publish(ctx context.Context, scope types.Scope, event types.ChangeEvent) error {
	data, err := pc.marshaller.Marshal(event)
	if err != nil {
		return err
	}
	return pc.client.Publish(ctx, pc.prefix+scope.String(), data).Err()
}
