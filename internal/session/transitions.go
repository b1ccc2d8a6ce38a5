package session

import (
	"context"
	"time"

	"github.com/1ureka/rtcall/internal/call"
	"github.com/1ureka/rtcall/internal/lifecycle"
	"github.com/1ureka/rtcall/internal/metrics"
	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/util"
)

// notice selects what finish tells the remote side and the record service.
type notice int

const (
	noticeNone     notice = iota
	noticeEnded           // call_ended + EndCall
	noticeDeclined        // call_declined + DeclineCall
)

func (m *Machine) setStatus(s call.Status) {
	from := m.sess.Status
	if from == s {
		return
	}
	m.sess.Status = s
	metrics.Transition(string(from), string(s))
	util.Call(m.sess.ID).Debug("%s -> %s", from, s)
}

// begin replaces the session with a fresh one.
func (m *Machine) begin(sess call.Session) {
	m.stopTimers()
	m.gen++
	m.accepting = false
	m.connected = false
	from := m.sess.Status
	m.sess = sess
	metrics.Transition(string(from), string(sess.Status))
	util.Call(sess.ID).Debug("%s -> %s", from, sess.Status)
}

// rollback drops a speculative session that never got a record.
func (m *Machine) rollback(cause error) {
	util.LogWarning("call to %s rolled back: %v", m.sess.Remote.DisplayName(), cause)
	m.begin(m.idle())
	m.publish()
}

// finish takes the live session through ending to status (ended or failed).
// Local teardown happens here and now; what the remote side and the record
// service are told is queued and never waited for.
func (m *Machine) finish(status call.Status, reason call.EndReason, n notice) {
	s := m.sess
	m.setStatus(call.StatusEnding)
	m.sess.EndReason = reason
	m.publish()

	m.stopRing()
	m.stopTicker()
	m.accepting = false
	if m.opts.Quality != nil {
		if status == call.StatusFailed {
			m.opts.Quality.MarkFailed(s.ID)
		} else {
			m.opts.Quality.Stop()
		}
	}
	if s.ID != "" {
		m.opts.Strategy.Teardown(s.ID)
	}

	m.setStatus(status)
	m.sess.MediaEnabled = call.MediaState{}
	m.publish()
	metrics.CallFinished(string(s.Role), string(reason))
	util.Stats.EndCall()
	if status == call.StatusFailed {
		util.Call(s.ID).Error("call failed: %s", m.sess.LastError)
	} else {
		util.Call(s.ID).Info("call ended (%s)", reason)
	}

	if s.ID != "" {
		switch n {
		case noticeEnded:
			m.sendEffect(s.Remote.ID, protocol.CallEnded{CallID: s.ID, EndReason: reason})
			m.endRecord(s.ID, reason)
		case noticeDeclined:
			m.sendEffect(s.Remote.ID, protocol.CallDeclined{CallID: s.ID})
			m.queue(func(ctx context.Context) {
				if err := m.opts.Service.DeclineCall(ctx, s.ID); err != nil {
					logRecordError(s.ID, "decline", err)
				}
			})
		}
	}
	m.armGrace()
}

func (m *Machine) endRecord(callID string, reason call.EndReason) {
	m.queue(func(ctx context.Context) {
		if err := m.opts.Service.EndCall(ctx, callID, reason); err != nil {
			logRecordError(callID, "end", err)
		}
	})
}

func logRecordError(callID, op string, err error) {
	if lifecycle.Gone(err) {
		util.Call(callID).Debug("%s: record already closed", op)
		return
	}
	util.Call(callID).Warning("%s record: %v", op, err)
}

// goActive enters active once the transport is up.
func (m *Machine) goActive() {
	m.setStatus(call.StatusActive)
	m.sess.StartedAt = time.Now()
	m.sess.DurationSeconds = 0
	m.sess.RetryCount = 0
	m.startTicker()
	if m.opts.Quality != nil {
		m.opts.Quality.Start(m.sess.ID, m.opts.Strategy)
	}
	util.Call(m.sess.ID).Success("call with %s is active", m.sess.Remote.DisplayName())

	if m.sess.Role == call.RoleInitiator {
		callID := m.sess.ID
		m.queue(func(ctx context.Context) {
			if err := m.opts.Service.UpdateCallStatus(ctx, callID, lifecycle.RecordActive); err != nil {
				logRecordError(callID, "activate", err)
			}
		})
	}
}

func (m *Machine) armGrace() {
	m.stopGrace()
	delay := time.Duration(m.opts.Call.GraceDelay)
	if delay <= 0 {
		m.reset()
		return
	}
	gen := m.gen
	m.graceTimer = time.AfterFunc(delay, func() {
		m.post(func() {
			if m.gen != gen || !m.sess.Status.Terminal() {
				return
			}
			m.graceTimer = nil
			m.reset()
		})
	})
}

// reset returns a terminal session to idle.
func (m *Machine) reset() {
	from := m.sess.Status
	m.sess = m.idle()
	metrics.Transition(string(from), string(call.StatusIdle))
	m.publish()
}

func (m *Machine) armRing(d time.Duration) {
	m.stopRing()
	if d < 0 {
		d = 0
	}
	gen := m.gen
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		m.post(func() {
			if m.ringTimer != t {
				return
			}
			m.ringTimer = nil
			if m.gen != gen || m.sess.Status != call.StatusRingingIncoming || m.accepting {
				return
			}
			util.Call(m.sess.ID).Info("no answer, declining")
			m.finish(call.StatusEnded, call.ReasonTimeout, noticeDeclined)
		})
	})
	m.ringTimer = t
}

func (m *Machine) stopRing() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

func (m *Machine) stopGrace() {
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
}

func (m *Machine) startTicker() {
	m.stopTicker()
	stop := make(chan struct{})
	m.tickStop = stop
	gen := m.gen
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.post(func() {
					if m.gen != gen || m.sess.Status != call.StatusActive {
						return
					}
					m.sess.DurationSeconds++
					m.publish()
				})
			}
		}
	}()
}

func (m *Machine) stopTicker() {
	if m.tickStop != nil {
		close(m.tickStop)
		m.tickStop = nil
	}
}

func (m *Machine) stopTimers() {
	m.stopRing()
	m.stopGrace()
	m.stopTicker()
}

// timers counts the timers still armed.
func (m *Machine) timers() int {
	n := 0
	for _, armed := range []bool{m.ringTimer != nil, m.graceTimer != nil, m.tickStop != nil} {
		if armed {
			n++
		}
	}
	return n
}
