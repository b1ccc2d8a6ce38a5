package util

import "sync"

// Mailbox is an unbounded FIFO delivered through a channel. Push never blocks,
// so producers holding their own locks (pion callbacks, negotiator state) can
// publish events without risking a deadlock against a slow consumer.
type Mailbox[T any] struct {
	mu     sync.Mutex
	queue  []T
	wake   chan struct{}
	out    chan T
	done   chan struct{}
	closed bool
}

// NewMailbox creates a mailbox and starts its delivery goroutine.
func NewMailbox[T any]() *Mailbox[T] {
	m := &Mailbox[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
		done: make(chan struct{}),
	}
	go m.loop()
	return m
}

// Push enqueues v. It is a no-op after Close.
func (m *Mailbox[T]) Push(v T) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, v)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Out returns the delivery channel. It is closed after Close once the
// delivery goroutine exits; undelivered items are discarded.
func (m *Mailbox[T]) Out() <-chan T { return m.out }

// Close stops delivery. Safe to call multiple times.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}

func (m *Mailbox[T]) loop() {
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.wake:
				continue
			case <-m.done:
				return
			}
		}
		v := m.queue[0]
		var zero T
		m.queue[0] = zero
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- v:
		case <-m.done:
			return
		}
	}
}
