package session

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultChannelCapacity is the bounded queue depth each subscriber gets.
const DefaultChannelCapacity = 256

// ReadBufferSize is the chunk size the PTY reader pulls per blocking read.
const ReadBufferSize = 4096

// ClientId identifies one attached subscriber of a session's output.
type ClientId uuid.UUID

func newClientId() ClientId { return ClientId(uuid.New()) }

func (c ClientId) String() string { return uuid.UUID(c).String() }

// ClientStats snapshots one subscriber's delivery counters.
type ClientStats struct {
	Sent          uint64
	Dropped       uint64
	Backpressured bool
}

// ClientHandle is a broadcaster's view of one subscriber: a bounded
// channel plus delivery counters. try_send never blocks — a full queue
// means the message is dropped, never that the reader stalls.
type ClientHandle struct {
	id ClientId
	ch chan []byte

	sent          atomic.Uint64
	dropped       atomic.Uint64
	backpressured atomic.Bool
}

// ID returns the subscriber's identity.
func (c *ClientHandle) ID() ClientId { return c.id }

// Output returns the channel new broadcast chunks arrive on; it is closed
// when the subscriber is removed.
func (c *ClientHandle) Output() <-chan []byte { return c.ch }

// Stats snapshots this handle's counters.
func (c *ClientHandle) Stats() ClientStats {
	return ClientStats{
		Sent:          c.sent.Load(),
		Dropped:       c.dropped.Load(),
		Backpressured: c.backpressured.Load(),
	}
}

// trySend is the non-blocking enqueue the broadcaster calls on every
// subscriber for every PTY read: succeeds and clears backpressure, or
// drops and sets/keeps it.
func (c *ClientHandle) trySend(data []byte) {
	select {
	case c.ch <- data:
		c.sent.Add(1)
		c.backpressured.Store(false)
	default:
		c.dropped.Add(1)
		// First-transition edge-logging is the caller's job (it owns the
		// logger and the client_id); we just record the sticky flag here.
		c.backpressured.Store(true)
	}
}

// Broadcaster fans PTY output out to N concurrently attached subscribers
// without letting a slow one stall the others. It does not own the PTY
// itself (Session does), which breaks the cyclic reference: the
// broadcaster owns subscriber handles and Session holds only a reference
// back to it.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[ClientId]*ClientHandle

	onBackpressureEdge func(ClientId)
}

// NewBroadcaster constructs an empty broadcaster. onBackpressureEdge, if
// non-nil, is invoked the first time a subscriber transitions into
// backpressure (edge-logging, not level-logging).
func NewBroadcaster(onBackpressureEdge func(ClientId)) *Broadcaster {
	return &Broadcaster{
		subscribers:        make(map[ClientId]*ClientHandle),
		onBackpressureEdge: onBackpressureEdge,
	}
}

// Subscribe attaches a new client with a bounded queue of
// DefaultChannelCapacity messages.
func (b *Broadcaster) Subscribe() *ClientHandle {
	h := &ClientHandle{
		id: newClientId(),
		ch: make(chan []byte, DefaultChannelCapacity),
	}
	b.mu.Lock()
	b.subscribers[h.id] = h
	b.mu.Unlock()
	return h
}

// Unsubscribe detaches a client and closes its channel.
func (b *Broadcaster) Unsubscribe(id ClientId) {
	b.mu.Lock()
	h, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		close(h.ch)
	}
}

// Broadcast delivers data to every current subscriber via a non-blocking
// enqueue. It takes a write lock over the subscriber map for the duration
// of the fan-out and reports edge transitions into backpressure via
// onBackpressureEdge.
func (b *Broadcaster) Broadcast(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, h := range b.subscribers {
		wasBackpressured := h.backpressured.Load()
		h.trySend(data)
		if !wasBackpressured && h.backpressured.Load() && b.onBackpressureEdge != nil {
			b.onBackpressureEdge(id)
		}
	}
}

// CloseAll closes every subscriber's channel, signaling EOF to clients that
// are still draining queued messages.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, h := range b.subscribers {
		close(h.ch)
		delete(b.subscribers, id)
	}
}

// Count returns the current subscriber count.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
