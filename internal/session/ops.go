package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/rtcall/internal/call"
	"github.com/1ureka/rtcall/internal/lifecycle"
	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/util"
)

// Initiate places a call to remote. The session is created speculatively
// before the record exists and is rolled back to idle if the record cannot
// be created.
func (m *Machine) Initiate(ctx context.Context, remote call.Participant, chatID string, kind call.Kind) (call.Session, error) {
	if !kind.Valid() {
		return m.Snapshot(), fmt.Errorf("unknown call kind %q", kind)
	}
	if remote.ID == "" || remote.ID == m.opts.Self.ID {
		return m.Snapshot(), fmt.Errorf("invalid callee %q", remote.ID)
	}

	var (
		gen  uint64
		busy error
	)
	if err := m.do(func() {
		if m.sess.Status.Live() {
			busy = call.Conflict("initiate", m.sess.ID, nil)
			return
		}
		m.begin(call.Session{
			ChatID:      chatID,
			Kind:        kind,
			Role:        call.RoleInitiator,
			Status:      call.StatusCalling,
			Local:       m.opts.Self,
			Remote:      remote,
			Speculative: true,
		})
		gen = m.gen
		m.publish()
	}); err != nil {
		return call.Session{}, err
	}
	if busy != nil {
		return m.Snapshot(), busy
	}

	rec, err := m.createRecord(ctx, lifecycle.InitiateRequest{ReceiverID: remote.ID, ChatID: chatID, CallType: kind})
	if err != nil {
		m.do(func() {
			if m.gen == gen && m.sess.Status == call.StatusCalling {
				m.rollback(err)
			}
		})
		return m.Snapshot(), err
	}

	confirmed := false
	m.do(func() {
		if m.gen != gen || m.sess.Status != call.StatusCalling {
			return
		}
		m.sess.ID = rec.ID
		m.sess.ChatID = rec.ChatID
		m.sess.Speculative = false
		m.sess.MediaEnabled = call.MediaState{Audio: true, Video: kind.WantsVideo()}
		confirmed = true
		util.Stats.AddCall()
		m.publish()
	})
	if !confirmed {
		// Ended while the record was being created.
		m.endRecord(rec.ID, call.ReasonCancelled)
		return m.Snapshot(), call.Stale("initiate", rec.ID)
	}
	util.Call(rec.ID).Info("calling %s", remote.DisplayName())

	if err := m.opts.Strategy.InitializeMedia(ctx, rec.ID, kind); err != nil {
		return m.abort(gen, rec.ID, err)
	}
	if !m.still(gen) {
		m.opts.Strategy.Teardown(rec.ID)
		return m.Snapshot(), call.Stale("initiate", rec.ID)
	}

	invite := protocol.IncomingCall{
		CallID:    rec.ID,
		ChatID:    rec.ChatID,
		CallType:  kind,
		Caller:    m.opts.Self,
		Timestamp: time.Now(),
	}
	if err := m.opts.Signal.Send(ctx, remote.ID, invite); err != nil {
		return m.abort(gen, rec.ID, call.Signaling("invite", rec.ID, err))
	}
	if err := m.opts.Strategy.StartAsInitiator(ctx, rec.ID, remote.ID); err != nil {
		return m.abort(gen, rec.ID, err)
	}
	if !m.still(gen) {
		m.opts.Strategy.Teardown(rec.ID)
		return m.Snapshot(), call.Stale("initiate", rec.ID)
	}
	return m.Snapshot(), nil
}

// createRecord asks the service for a record. A conflict with a stray live
// record of ours is cleaned up and retried once.
func (m *Machine) createRecord(ctx context.Context, req lifecycle.InitiateRequest) (*call.Record, error) {
	rec, err := m.opts.Service.InitiateCall(ctx, req)
	if err == nil || !errors.Is(err, call.ErrConflict) {
		return rec, err
	}

	util.LogWarning("service still has a call in progress, cleaning up")
	stray, aerr := m.opts.Service.GetActiveCall(ctx)
	switch {
	case aerr != nil:
		util.LogWarning("looking up active call: %v", aerr)
	case stray != nil:
		if eerr := m.opts.Service.EndCall(ctx, stray.ID, call.ReasonCancelled); eerr != nil {
			logRecordError(stray.ID, "end", eerr)
		}
	}

	select {
	case <-time.After(time.Duration(m.opts.Call.SettleDelay)):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return m.opts.Service.InitiateCall(ctx, req)
}

// abort fails the session started as gen after a setup error. A stale error
// means the session moved on and only the transport of callID is cleaned up.
func (m *Machine) abort(gen uint64, callID string, err error) (call.Session, error) {
	if errors.Is(err, call.ErrStaleState) {
		m.opts.Strategy.Teardown(callID)
		return m.Snapshot(), err
	}
	failed := false
	m.do(func() {
		if m.gen != gen || !m.sess.Status.Live() {
			return
		}
		m.sess.LastError = err.Error()
		m.finish(call.StatusFailed, call.ReasonFailed, noticeEnded)
		failed = true
	})
	if !failed {
		m.opts.Strategy.Teardown(callID)
	}
	return m.Snapshot(), err
}

// Accept picks up the ringing call. Concurrent or repeated calls are no-ops.
func (m *Machine) Accept(ctx context.Context) (call.Session, error) {
	var (
		gen uint64
		s   call.Session
		ok  bool
	)
	if err := m.do(func() {
		if m.sess.Status != call.StatusRingingIncoming || m.accepting {
			return
		}
		m.accepting = true
		m.stopRing()
		m.setStatus(call.StatusAccepting)
		m.publish()
		gen, s, ok = m.gen, m.sess, true
	}); err != nil {
		return call.Session{}, err
	}
	if !ok {
		return m.Snapshot(), nil
	}

	if err := m.opts.Service.AcceptCall(ctx, s.ID); err != nil {
		if lifecycle.Gone(err) {
			m.do(func() {
				if m.gen == gen && m.sess.Status.Live() {
					m.finish(call.StatusEnded, call.ReasonCancelled, noticeNone)
				}
			})
			return m.Snapshot(), call.Stale("accept", s.ID)
		}
		return m.abort(gen, s.ID, err)
	}
	if !m.still(gen) {
		return m.Snapshot(), call.Stale("accept", s.ID)
	}

	if err := m.opts.Strategy.InitializeMedia(ctx, s.ID, s.Kind); err != nil {
		return m.abort(gen, s.ID, err)
	}
	if !m.still(gen) {
		m.opts.Strategy.Teardown(s.ID)
		return m.Snapshot(), call.Stale("accept", s.ID)
	}
	if err := m.opts.Strategy.Answer(ctx, s.ID); err != nil {
		return m.abort(gen, s.ID, err)
	}
	if err := m.opts.Signal.Send(ctx, s.Remote.ID, protocol.CallAccepted{CallID: s.ID}); err != nil {
		return m.abort(gen, s.ID, call.Signaling("accept", s.ID, err))
	}

	stale := true
	m.do(func() {
		if m.gen != gen || m.sess.Status != call.StatusAccepting {
			return
		}
		stale = false
		m.accepting = false
		m.sess.MediaEnabled = call.MediaState{Audio: true, Video: s.Kind.WantsVideo()}
		m.setStatus(call.StatusConnecting)
		if m.connected {
			m.goActive()
		}
		m.publish()
	})
	if stale {
		m.opts.Strategy.Teardown(s.ID)
		return m.Snapshot(), call.Stale("accept", s.ID)
	}
	return m.Snapshot(), nil
}

// Decline refuses the ringing call. Anything else is a no-op.
func (m *Machine) Decline(ctx context.Context) error {
	return m.do(func() {
		if m.sess.Status != call.StatusRingingIncoming || m.accepting {
			return
		}
		m.finish(call.StatusEnded, call.ReasonDeclined, noticeDeclined)
	})
}

// End hangs up. Local cleanup happens before End returns; telling the remote
// side and the record service happens in the background. Ending an idle or
// already ending session is a no-op.
func (m *Machine) End(ctx context.Context, reason call.EndReason) error {
	return m.do(func() {
		if !m.sess.Status.Live() {
			return
		}
		if reason == "" {
			reason = call.ReasonHangup
		}
		switch {
		case m.sess.Status == call.StatusRingingIncoming && !m.accepting:
			m.finish(call.StatusEnded, call.ReasonDeclined, noticeDeclined)
		case m.sess.Status == call.StatusCalling && reason == call.ReasonHangup:
			m.finish(call.StatusEnded, call.ReasonCancelled, noticeEnded)
		default:
			m.finish(call.StatusEnded, reason, noticeEnded)
		}
	})
}

// ToggleAudio enables or disables the microphone track.
func (m *Machine) ToggleAudio(on bool) (call.MediaState, error) {
	return m.toggle(on, m.opts.Strategy.ToggleAudio)
}

// ToggleVideo enables or disables the camera track.
func (m *Machine) ToggleVideo(on bool) (call.MediaState, error) {
	return m.toggle(on, m.opts.Strategy.ToggleVideo)
}

func (m *Machine) toggle(on bool, apply func(bool) (call.MediaState, error)) (call.MediaState, error) {
	var id string
	if err := m.do(func() {
		if m.sess.Status.Live() {
			id = m.sess.ID
		}
	}); err != nil {
		return call.MediaState{}, err
	}
	if id == "" {
		return call.MediaState{}, call.Stale("toggle", "")
	}
	state, err := apply(on)
	if err != nil {
		return state, err
	}
	m.do(func() {
		if m.sess.ID == id && m.sess.Status.Live() {
			m.sess.MediaEnabled = state
			m.publish()
		}
	})
	return state, nil
}
