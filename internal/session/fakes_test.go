package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/rtcall/internal/call"
	"github.com/1ureka/rtcall/internal/config"
	"github.com/1ureka/rtcall/internal/lifecycle"
	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/signaling"
	"github.com/1ureka/rtcall/internal/transport"
	"github.com/1ureka/rtcall/internal/util"
)

// fakeStrategy records what the machine asks of the transport and lets the
// test inject transport events.
type fakeStrategy struct {
	mu         sync.Mutex
	calls      []string
	signals    []protocol.Event
	captureErr error
	state      call.MediaState
	events     *util.Mailbox[transport.Event]
}

func newFakeStrategy() *fakeStrategy {
	return &fakeStrategy{events: util.NewMailbox[transport.Event]()}
}

func (f *fakeStrategy) record(c string) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeStrategy) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeStrategy) Signals() []protocol.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Event(nil), f.signals...)
}

func (f *fakeStrategy) emit(ev transport.Event) { f.events.Push(ev) }

func (f *fakeStrategy) Name() string { return "fake" }

func (f *fakeStrategy) InitializeMedia(ctx context.Context, callID string, kind call.Kind) error {
	f.record("init:" + callID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captureErr != nil {
		return f.captureErr
	}
	f.state = call.MediaState{Audio: true, Video: kind.WantsVideo()}
	return nil
}

func (f *fakeStrategy) StartAsInitiator(ctx context.Context, callID, peerID string) error {
	f.record("start:" + callID)
	return nil
}

func (f *fakeStrategy) PrepareAsReceiver(callID, peerID string, kind call.Kind) error {
	f.record("prepare:" + callID)
	return nil
}

func (f *fakeStrategy) Answer(ctx context.Context, callID string) error {
	f.record("answer")
	return nil
}

func (f *fakeStrategy) HandleSignal(from string, ev protocol.Event) error {
	f.mu.Lock()
	f.signals = append(f.signals, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeStrategy) ToggleAudio(on bool) (call.MediaState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Audio = on
	return f.state, nil
}

func (f *fakeStrategy) ToggleVideo(on bool) (call.MediaState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Video = on
	return f.state, nil
}

func (f *fakeStrategy) SampleRTT(ctx context.Context) (time.Duration, error) {
	return 20 * time.Millisecond, nil
}

func (f *fakeStrategy) RetryCount() int { return 0 }

func (f *fakeStrategy) Teardown(callID string) { f.record("teardown:" + callID) }

func (f *fakeStrategy) Events() <-chan transport.Event { return f.events.Out() }

func (f *fakeStrategy) Close() { f.events.Close() }

func (f *fakeStrategy) tornDown(callID string) bool {
	for _, c := range f.Calls() {
		if c == "teardown:"+callID {
			return true
		}
	}
	return false
}

// gatedService blocks InitiateCall until released.
type gatedService struct {
	lifecycle.Service
	gate chan struct{}
}

func (g *gatedService) InitiateCall(ctx context.Context, req lifecycle.InitiateRequest) (*call.Record, error) {
	<-g.gate
	return g.Service.InitiateCall(ctx, req)
}

func testCallConfig() config.Call {
	c := config.Default().Call
	c.GraceDelay = config.Duration(time.Hour)
	c.SettleDelay = config.Duration(10 * time.Millisecond)
	return c
}

type node struct {
	m     *Machine
	strat *fakeStrategy
}

func newNode(t *testing.T, bus *signaling.Bus, svc lifecycle.Service, id string, cfg config.Call) node {
	t.Helper()
	strat := newFakeStrategy()
	ch := bus.Join(id)
	m := New(Options{
		Self:     call.Participant{ID: id, Username: id},
		Signal:   ch,
		Service:  svc,
		Strategy: strat,
		Call:     cfg,
		Visible:  true,
	})
	t.Cleanup(func() {
		m.Close()
		ch.Close()
		strat.Close()
	})
	return node{m: m, strat: strat}
}

func waitFor(t *testing.T, m *Machine, cond func(call.Session) bool) call.Session {
	t.Helper()
	var s call.Session
	require.Eventually(t, func() bool {
		s = m.Snapshot()
		return cond(s)
	}, 2*time.Second, 5*time.Millisecond)
	return s
}

func inStatus(st call.Status) func(call.Session) bool {
	return func(s call.Session) bool { return s.Status == st }
}

func timersOf(m *Machine) int {
	n := 0
	m.do(func() { n = m.timers() })
	return n
}
