package coord

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/huykn/livecache/cache"
)

// DefaultBusChannel is the Redis pub/sub channel instances coordinate on.
const DefaultBusChannel = "livecache:coord"

// RedisBus is a Bus over Redis pub/sub. All instances sharing the channel
// see every message, their own included.
type RedisBus struct {
	client     *redis.Client
	channel    string
	marshaller cache.Marshaller
	logger     cache.Logger

	pubsub   *redis.PubSub
	messages chan Message
}

// RedisBusConfig configures a RedisBus.
type RedisBusConfig struct {
	// Addr is the Redis server address.
	Addr string

	// Password is the optional Redis password.
	Password string

	// DB is the Redis database number.
	DB int

	// Channel is the pub/sub channel name. Empty means DefaultBusChannel.
	Channel string

	// Marshaller encodes messages. If nil, JSON.
	Marshaller cache.Marshaller

	// Logger is the logger. If nil, no-op.
	Logger cache.Logger
}

// NewRedisBus connects to Redis and subscribes to the coordination
// channel.
func NewRedisBus(ctx context.Context, cfg RedisBusConfig) (*RedisBus, error) {
	if cfg.Channel == "" {
		cfg.Channel = DefaultBusChannel
	}
	if cfg.Marshaller == nil {
		cfg.Marshaller = cache.NewJSONMarshaller()
	}
	if cfg.Logger == nil {
		cfg.Logger = cache.NewNoOpLogger()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	b := &RedisBus{
		client:     client,
		channel:    cfg.Channel,
		marshaller: cfg.Marshaller,
		logger:     cfg.Logger,
		pubsub:     client.Subscribe(ctx, cfg.Channel),
		messages:   make(chan Message, 256),
	}
	go b.listen()
	return b, nil
}

// Publish broadcasts a message to every instance on the channel.
func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	data, err := b.marshaller.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Messages streams inbound messages.
func (b *RedisBus) Messages() <-chan Message {
	return b.messages
}

// Close detaches from the bus.
func (b *RedisBus) Close() error {
	b.pubsub.Close()
	return b.client.Close()
}

func (b *RedisBus) listen() {
	defer close(b.messages)

	for msg := range b.pubsub.Channel() {
		var m Message
		if err := b.marshaller.Unmarshal([]byte(msg.Payload), &m); err != nil {
			b.logger.Warn("skipping malformed coordination message", "error", err.Error())
			continue
		}
		select {
		case b.messages <- m:
		default:
			b.logger.Warn("coordination bus backlogged, dropping message")
		}
	}
}
