// Package signaling carries call events between identified users. The state
// machine depends only on the Channel interface; the implementations are an
// in-process Bus, a WebSocket client for the relay Server, and Redis pub/sub.
package signaling

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/1ureka/rtcall/internal/metrics"
	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/util"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("signaling channel closed")

// ErrPeerUnavailable is returned when the destination is not reachable.
var ErrPeerUnavailable = errors.New("peer not connected")

// Message is one event delivered to the local user.
type Message struct {
	From  string
	Event protocol.Event
}

// Channel is an authenticated, ordered, bidirectional event channel between
// the local user and any other user.
type Channel interface {
	// Send delivers ev to user `to`. Events sent to the same user arrive in
	// send order.
	Send(ctx context.Context, to string, ev protocol.Event) error
	// Messages delivers inbound events in arrival order. The channel is
	// closed after Close.
	Messages() <-chan Message
	Close() error
}

// sequencer stamps outgoing envelopes with the sender epoch and a
// per-destination sequence number.
type sequencer struct {
	epoch string
	mu    sync.Mutex
	next  map[string]uint64
}

func newSequencer() *sequencer {
	return &sequencer{epoch: uuid.NewString(), next: make(map[string]uint64)}
}

// encode builds the wire frame for ev. The sequence number is only consumed
// when encoding succeeds.
func (s *sequencer) encode(from, to string, ev protocol.Event) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.next[to] + 1
	data, err := protocol.Encode(from, to, s.epoch, seq, ev)
	if err != nil {
		return nil, err
	}
	s.next[to] = seq
	util.Stats.AddSent()
	metrics.SignalSent(string(ev.Type()))
	return data, nil
}

// inbound decodes frames, restores per-sender order and hands events to the
// consumer mailbox.
type inbound struct {
	self string
	mu   sync.Mutex
	rsm  *Reassembler
	box  *util.Mailbox[Message]
}

func newInbound(self string) *inbound {
	return &inbound{self: self, rsm: NewReassembler(), box: util.NewMailbox[Message]()}
}

func (in *inbound) handle(data []byte) {
	env, ev, err := protocol.Decode(data)
	if err != nil {
		util.LogWarning("dropping signaling frame: %v", err)
		metrics.SignalDropped("malformed")
		return
	}
	if env.To != "" && env.To != in.self {
		util.LogWarning("dropping %s addressed to %s", env.Type, env.To)
		metrics.SignalDropped("misrouted")
		return
	}

	in.mu.Lock()
	ready := in.rsm.Feed(Frame{From: env.From, Epoch: env.Epoch, Seq: env.Seq, Event: ev})
	for _, f := range ready {
		util.Stats.AddRecv()
		metrics.SignalReceived(string(f.Event.Type()))
		in.box.Push(Message{From: f.From, Event: f.Event})
	}
	in.mu.Unlock()
}

func (in *inbound) messages() <-chan Message { return in.box.Out() }

func (in *inbound) close() { in.box.Close() }
