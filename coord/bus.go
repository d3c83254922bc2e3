package coord

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/huykn/livecache/types"
)

// RefreshResult is a leader-produced refetch result broadcast to follower
// instances so they can mirror it without polling or connecting
// themselves. Value is the serialized authoritative value.
type RefreshResult struct {
	Scope types.Scope     `json:"scope"`
	Key   types.CacheKey  `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Message is the coordinator wire envelope: either a lease claim or a
// refresh result.
type Message struct {
	Sender string             `json:"sender"`
	Claim  *types.LeaseClaim  `json:"claim,omitempty"`
	Result *RefreshResult     `json:"result,omitempty"`
}

// Bus is the broadcast channel connecting same-origin client instances.
// The coordinator only needs send/receive semantics; transports include
// Redis pub/sub and the in-process hub used by tests.
type Bus interface {
	// Publish broadcasts a message to every instance on the bus.
	Publish(ctx context.Context, msg Message) error

	// Messages streams inbound messages, including the instance's own
	// echoes on transports that loop back.
	Messages() <-chan Message

	// Close detaches from the bus.
	Close() error
}

// MemoryHub connects in-process Bus members. Every published message is
// delivered to all members including the sender, matching pub/sub loopback
// semantics.
type MemoryHub struct {
	mu      sync.Mutex
	members map[int]chan Message
	nextID  int
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{members: make(map[int]chan Message)}
}

// Join attaches a new member bus to the hub.
func (h *MemoryHub) Join() Bus {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Message, 256)
	h.members[id] = ch
	return &memoryBus{hub: h, id: id, ch: ch}
}

func (h *MemoryHub) broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.members {
		select {
		case ch <- msg:
		default:
			// Member is not draining; drop rather than block the hub.
		}
	}
}

func (h *MemoryHub) leave(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.members[id]; ok {
		delete(h.members, id)
		close(ch)
	}
}

type memoryBus struct {
	hub  *MemoryHub
	id   int
	ch   chan Message
	once sync.Once
}

func (b *memoryBus) Publish(ctx context.Context, msg Message) error {
	b.hub.broadcast(msg)
	return nil
}

func (b *memoryBus) Messages() <-chan Message {
	return b.ch
}

func (b *memoryBus) Close() error {
	b.once.Do(func() { b.hub.leave(b.id) })
	return nil
}
