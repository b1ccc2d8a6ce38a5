package session

import (
	"context"
	"errors"
	"time"

	"github.com/1ureka/rtcall/internal/call"
	"github.com/1ureka/rtcall/internal/lifecycle"
	"github.com/1ureka/rtcall/internal/metrics"
	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/signaling"
	"github.com/1ureka/rtcall/internal/transport"
	"github.com/1ureka/rtcall/internal/util"
)

// ours reports whether an event for callID from `from` belongs to the live
// session.
func (m *Machine) ours(from, callID string) bool {
	return m.sess.ID != "" && m.sess.ID == callID && m.sess.Status.Live() && from == m.sess.Remote.ID
}

func (m *Machine) drop(from string, ev protocol.Event) {
	util.Call(ev.Call()).Debug("dropping %s from %s", ev.Type(), from)
	metrics.SignalDropped("stale")
}

func (m *Machine) onSignal(msg signaling.Message) {
	switch e := msg.Event.(type) {
	case protocol.IncomingCall:
		m.onIncoming(msg.From, e)

	case protocol.CallAccepted:
		if !m.ours(msg.From, e.CallID) || m.sess.Role != call.RoleInitiator {
			m.drop(msg.From, e)
			return
		}
		if m.sess.Status != call.StatusCalling {
			return
		}
		util.Call(e.CallID).Info("%s accepted", m.sess.Remote.DisplayName())
		m.setStatus(call.StatusConnecting)
		if m.connected {
			m.goActive()
		}
		m.publish()

	case protocol.CallDeclined:
		if !m.ours(msg.From, e.CallID) {
			m.drop(msg.From, e)
			return
		}
		m.finish(call.StatusEnded, call.ReasonDeclined, noticeNone)

	case protocol.CallEnded:
		if !m.ours(msg.From, e.CallID) {
			m.drop(msg.From, e)
			return
		}
		reason := e.EndReason
		if reason == "" {
			reason = call.ReasonRemote
		}
		m.finish(call.StatusEnded, reason, noticeNone)

	case protocol.CallStatusUpdate:
		if !m.ours(msg.From, e.CallID) {
			m.drop(msg.From, e)
			return
		}
		switch e.Status {
		case lifecycle.RecordDeclined:
			m.finish(call.StatusEnded, call.ReasonDeclined, noticeNone)
		case lifecycle.RecordEnded:
			m.finish(call.StatusEnded, call.ReasonRemote, noticeNone)
		default:
			util.Call(e.CallID).Debug("remote record is %s", e.Status)
		}

	default:
		if !m.ours(msg.From, msg.Event.Call()) {
			m.drop(msg.From, msg.Event)
			return
		}
		if err := m.opts.Strategy.HandleSignal(msg.From, msg.Event); err != nil {
			if errors.Is(err, call.ErrStaleState) {
				m.drop(msg.From, msg.Event)
				return
			}
			util.Call(e.Call()).Warning("%s: %v", e.Type(), err)
			metrics.SignalDropped("rejected")
		}
	}
}

// onIncoming admits, declines or arbitrates an incoming call.
func (m *Machine) onIncoming(from string, e protocol.IncomingCall) {
	if e.CallID == m.sess.ID {
		m.drop(from, e)
		return
	}
	if m.sess.Status.Live() {
		if from == m.sess.Remote.ID {
			switch {
			case m.sess.Role == call.RoleInitiator && m.sess.Status == call.StatusCalling:
				// Both sides called each other. The call placed by the
				// lexicographically smaller user id survives; letting the
				// incoming call win on both sides would end both calls.
				// See DESIGN.md, "Glare".
				if m.opts.Self.ID < from {
					util.Call(e.CallID).Info("crossed call from %s, keeping ours", from)
					m.autoDecline(from, e.CallID)
					return
				}
				util.Call(m.sess.ID).Info("crossed call from %s, yielding", from)
				m.yield()
			case m.sess.Status == call.StatusRingingIncoming && !m.accepting:
				// The caller gave up on the previous attempt.
				m.finish(call.StatusEnded, call.ReasonCancelled, noticeNone)
			default:
				m.autoDecline(from, e.CallID)
				return
			}
		} else {
			util.Call(m.sess.ID).Info("preempted by a call from %s", from)
			m.finish(call.StatusEnded, call.ReasonCancelled, noticeEnded)
		}
	}
	m.admit(from, e)
}

// yield abandons our own outgoing call.
func (m *Machine) yield() {
	if m.sess.ID == "" {
		m.rollback(errors.New("crossed by an incoming call"))
		return
	}
	m.finish(call.StatusEnded, call.ReasonCancelled, noticeEnded)
}

func (m *Machine) autoDecline(from, callID string) {
	m.sendEffect(from, protocol.CallDeclined{CallID: callID})
	m.queue(func(ctx context.Context) {
		if err := m.opts.Service.DeclineCall(ctx, callID); err != nil {
			logRecordError(callID, "decline", err)
		}
	})
}

func (m *Machine) admit(from string, e protocol.IncomingCall) {
	remote := e.Caller
	remote.ID = from
	m.begin(call.Session{
		ID:     e.CallID,
		ChatID: e.ChatID,
		Kind:   e.CallType,
		Role:   call.RoleReceiver,
		Status: call.StatusRingingIncoming,
		Local:  m.opts.Self,
		Remote: remote,
	})
	util.Stats.AddCall()
	if err := m.opts.Strategy.PrepareAsReceiver(e.CallID, from, e.CallType); err != nil {
		util.Call(e.CallID).Warning("prepare receiver: %v", err)
	}
	m.ringSince = time.Now()
	if m.visible {
		m.armRing(time.Duration(m.opts.Call.RingTimeout))
	}
	util.Call(e.CallID).Info("incoming %s call from %s", e.CallType, remote.DisplayName())
	m.publish()
}

func (m *Machine) onTransport(ev transport.Event) {
	if ev.Call() != m.sess.ID || !m.sess.Status.Live() {
		return
	}
	switch e := ev.(type) {
	case transport.Connected:
		m.connected = true
		m.sess.RetryCount = 0
		if m.sess.Status == call.StatusConnecting {
			m.goActive()
		}
		m.publish()
	case transport.Retrying:
		util.Call(e.CallID).Warning("reconnecting (%d/%d)", e.Attempt, e.Max)
		m.sess.RetryCount = e.Attempt
		m.publish()
	case transport.Failure:
		m.sess.LastError = e.Err.Error()
		m.finish(call.StatusFailed, call.ReasonFailed, noticeEnded)
	case transport.StateChanged:
		util.Call(e.CallID).Debug("peer connection %s (attempt %d)", e.State, e.Attempt)
	case transport.RemoteMediaAvailable:
		util.Call(e.CallID).Info("remote %s track available", e.Track.Kind)
	}
}
