// Package session is the call-session state machine: the single writer of
// the current call. Every mutation runs on one goroutine; user operations do
// their I/O outside it and re-validate the session when they come back.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/1ureka/rtcall/internal/call"
	"github.com/1ureka/rtcall/internal/config"
	"github.com/1ureka/rtcall/internal/lifecycle"
	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/quality"
	"github.com/1ureka/rtcall/internal/signaling"
	"github.com/1ureka/rtcall/internal/transport"
	"github.com/1ureka/rtcall/internal/util"
)

// ErrClosed is returned by operations on a closed machine.
var ErrClosed = errors.New("session machine closed")

const effectTimeout = 10 * time.Second

// Options wires a Machine.
type Options struct {
	Self     call.Participant
	Signal   signaling.Channel
	Service  lifecycle.Service
	Strategy transport.Strategy
	Quality  *quality.Monitor // optional
	Call     config.Call
	// Visible reports whether the user can currently see the incoming-call
	// prompt. Ring timeouts only run while visible.
	Visible bool
}

// Machine owns the current call session.
type Machine struct {
	opts Options

	ops     chan func()
	effects *util.Mailbox[func(context.Context)]
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup

	// Loop state. Only touched on the loop goroutine.
	sess       call.Session
	gen        uint64 // bumped whenever a new session starts
	accepting  bool
	connected  bool // transport connected before the session could go active
	ringTimer  *time.Timer
	ringSince  time.Time
	graceTimer *time.Timer
	tickStop   chan struct{}
	visible    bool

	mu   sync.Mutex
	last call.Session
	subs map[int]*util.Mailbox[call.Session]
	next int
}

// New creates a machine and starts its loop.
func New(opts Options) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		opts:    opts,
		ops:     make(chan func()),
		effects: util.NewMailbox[func(context.Context)](),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		visible: opts.Visible,
		subs:    make(map[int]*util.Mailbox[call.Session]),
	}
	m.sess = m.idle()
	m.last = m.sess

	m.wg.Add(2)
	go m.run()
	go m.runEffects()
	return m
}

func (m *Machine) idle() call.Session {
	return call.Session{Status: call.StatusIdle, Local: m.opts.Self}
}

func (m *Machine) run() {
	defer m.wg.Done()
	defer close(m.done)

	signals := m.opts.Signal.Messages()
	events := m.opts.Strategy.Events()
	var samples <-chan quality.Sample
	if m.opts.Quality != nil {
		samples = m.opts.Quality.Updates()
	}

	for {
		select {
		case op := <-m.ops:
			op()
		case msg, ok := <-signals:
			if !ok {
				util.LogWarning("signaling channel closed")
				signals = nil
				continue
			}
			m.onSignal(msg)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.onTransport(ev)
		case smp, ok := <-samples:
			if !ok {
				samples = nil
				continue
			}
			if smp.CallID == m.sess.ID && smp.Level != quality.LevelUnknown {
				util.Call(smp.CallID).Debug("quality %s (rtt %v)", smp.Level, smp.RTT)
			}
		case <-m.ctx.Done():
			m.stopTimers()
			return
		}
	}
}

// runEffects performs remote notifications and record updates in order, off
// the loop. Local state never waits for them.
func (m *Machine) runEffects() {
	defer m.wg.Done()
	for fx := range m.effects.Out() {
		ctx, cancel := context.WithTimeout(m.ctx, effectTimeout)
		fx(ctx)
		cancel()
	}
}

// do runs fn on the loop and waits for it.
func (m *Machine) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case m.ops <- func() { fn(); close(finished) }:
	case <-m.done:
		return ErrClosed
	}
	<-finished
	return nil
}

// post runs fn on the loop without waiting. Used by timers.
func (m *Machine) post(fn func()) {
	select {
	case m.ops <- fn:
	case <-m.done:
	}
}

// still reports whether the session started as gen is still the current one.
func (m *Machine) still(gen uint64) bool {
	ok := false
	if err := m.do(func() { ok = m.gen == gen && m.sess.Status.Live() }); err != nil {
		return false
	}
	return ok
}

// Snapshot returns the latest published session.
func (m *Machine) Snapshot() call.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Subscribe delivers the current session and every later change. The
// returned func unsubscribes.
func (m *Machine) Subscribe() (<-chan call.Session, func()) {
	box := util.NewMailbox[call.Session]()
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = box
	box.Push(m.last)
	m.mu.Unlock()

	return box.Out(), func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		box.Close()
	}
}

// publish copies the loop state to subscribers.
func (m *Machine) publish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = m.sess
	for _, box := range m.subs {
		box.Push(m.sess)
	}
}

// SetVisible records whether the incoming-call prompt can be seen. Ring
// timeouts are suspended while hidden and resume with the remaining time.
func (m *Machine) SetVisible(visible bool) {
	m.do(func() {
		m.visible = visible
		if m.sess.Status != call.StatusRingingIncoming || m.accepting {
			return
		}
		if !visible {
			m.stopRing()
			return
		}
		if m.ringTimer == nil {
			m.armRing(time.Duration(m.opts.Call.RingTimeout) - time.Since(m.ringSince))
		}
	})
}

// Close stops the machine. A live call is torn down locally.
func (m *Machine) Close() {
	m.do(func() {
		if m.sess.Status.Live() {
			m.finish(call.StatusEnded, call.ReasonHangup, noticeEnded)
		}
	})
	m.cancel()
	<-m.done
	m.effects.Close()
	m.wg.Wait()

	m.mu.Lock()
	for id, box := range m.subs {
		box.Close()
		delete(m.subs, id)
	}
	m.mu.Unlock()
}

// queue schedules a remote effect.
func (m *Machine) queue(fx func(ctx context.Context)) { m.effects.Push(fx) }

func (m *Machine) sendEffect(to string, ev protocol.Event) {
	m.queue(func(ctx context.Context) {
		if err := m.opts.Signal.Send(ctx, to, ev); err != nil {
			util.Call(ev.Call()).Warning("sending %s: %v", ev.Type(), err)
		}
	})
}
