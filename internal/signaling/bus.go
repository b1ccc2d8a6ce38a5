package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/1ureka/rtcall/internal/protocol"
)

// Bus is an in-process signaling fabric. Every joined user gets a Channel;
// frames go through the same codec and ordering path as the network
// implementations.
type Bus struct {
	mu      sync.RWMutex
	members map[string]*busChannel
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{members: make(map[string]*busChannel)}
}

// Join attaches userID to the bus, replacing any previous attachment.
func (b *Bus) Join(userID string) Channel {
	ch := &busChannel{bus: b, self: userID, seq: newSequencer(), in: newInbound(userID)}
	b.mu.Lock()
	if old, ok := b.members[userID]; ok {
		old.in.close()
	}
	b.members[userID] = ch
	b.mu.Unlock()
	return ch
}

func (b *Bus) route(to string) (*busChannel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.members[to]
	return ch, ok
}

type busChannel struct {
	bus  *Bus
	self string
	seq  *sequencer
	in   *inbound

	mu     sync.Mutex
	closed bool
}

func (c *busChannel) Send(ctx context.Context, to string, ev protocol.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	dst, ok := c.bus.route(to)
	if !ok {
		return fmt.Errorf("send %s to %s: %w", ev.Type(), to, ErrPeerUnavailable)
	}
	data, err := c.seq.encode(c.self, to, ev)
	if err != nil {
		return err
	}
	dst.in.handle(data)
	return nil
}

func (c *busChannel) Messages() <-chan Message { return c.in.messages() }

func (c *busChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.bus.mu.Lock()
	if c.bus.members[c.self] == c {
		delete(c.bus.members, c.self)
	}
	c.bus.mu.Unlock()
	c.in.close()
	return nil
}
