package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide call/signaling counter.
var Stats = &stats{}

type stats struct {
	CallsStarted atomic.Int64 // sessions admitted (outgoing or incoming)
	CallsEnded   atomic.Int64 // sessions that reached ended or failed
	SignalsSent  atomic.Int64 // signaling events written to the channel
	SignalsRecv  atomic.Int64 // signaling events delivered by the channel
	Retries      atomic.Int64 // transport rebuilds after a failed state
	LastRTTMicro atomic.Int64 // last sampled round-trip time in microseconds
}

func (s *stats) AddCall()                  { s.CallsStarted.Add(1) }
func (s *stats) EndCall()                  { s.CallsEnded.Add(1) }
func (s *stats) AddSent()                  { s.SignalsSent.Add(1) }
func (s *stats) AddRecv()                  { s.SignalsRecv.Add(1) }
func (s *stats) AddRetry()                 { s.Retries.Add(1) }
func (s *stats) SetRTT(rtt time.Duration)  { s.LastRTTMicro.Store(rtt.Microseconds()) }
func (s *stats) RTT() time.Duration        { return time.Duration(s.LastRTTMicro.Load()) * time.Microsecond }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs call statistics every
// interval when something changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevStarted, prevEnded int64
		for {
			select {
			case <-ticker.C:
				started := Stats.CallsStarted.Load()
				ended := Stats.CallsEnded.Load()
				sent := Stats.SignalsSent.Load()
				recv := Stats.SignalsRecv.Load()

				if started != prevStarted || ended != prevEnded || sent != prevSent || recv != prevRecv {
					pterm.DefaultLogger.Info(formatStats(sent-prevSent, recv-prevRecv, started, ended, Stats.RTT()))
				}

				prevSent = sent
				prevRecv = recv
				prevStarted = started
				prevEnded = ended

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatRTT renders a round-trip time with fixed width, e.g. " 42 ms" or "  - ms".
func formatRTT(rtt time.Duration) string {
	if rtt <= 0 {
		return "  - ms"
	}
	return fmt.Sprintf("%3d ms", rtt.Milliseconds())
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(sent, recv, started, ended int64, rtt time.Duration) string {
	return fmt.Sprintf("Signals: %3d↑ %3d↓ | Calls: %2d started %2d ended | RTT: %s",
		sent,
		recv,
		started,
		ended,
		formatRTT(rtt),
	)
}
