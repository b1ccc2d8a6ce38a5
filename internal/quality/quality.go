// Package quality samples the round-trip time of the live call and classifies
// it. It never changes call state.
package quality

import (
	"context"
	"sync"
	"time"

	"github.com/1ureka/rtcall/internal/metrics"
	"github.com/1ureka/rtcall/internal/util"
)

// Level is a connection quality class.
type Level string

const (
	LevelUnknown   Level = "unknown"
	LevelExcellent Level = "excellent"
	LevelGood      Level = "good"
	LevelPoor      Level = "poor"
	LevelFailed    Level = "failed"
)

func (l Level) score() int {
	switch l {
	case LevelFailed:
		return 1
	case LevelPoor:
		return 2
	case LevelGood:
		return 3
	case LevelExcellent:
		return 4
	}
	return 0
}

// Thresholds are the upper RTT bounds of the excellent and good classes.
type Thresholds struct {
	Excellent time.Duration
	Good      time.Duration
}

// DefaultThresholds are 100ms and 300ms.
var DefaultThresholds = Thresholds{Excellent: 100 * time.Millisecond, Good: 300 * time.Millisecond}

// Classify maps an RTT to its level.
func Classify(rtt time.Duration, th Thresholds) Level {
	switch {
	case rtt < th.Excellent:
		return LevelExcellent
	case rtt < th.Good:
		return LevelGood
	default:
		return LevelPoor
	}
}

// Sampler measures the current round-trip time of a connection.
type Sampler interface {
	SampleRTT(ctx context.Context) (time.Duration, error)
}

// Sample is one classified measurement.
type Sample struct {
	CallID string        `json:"callId"`
	RTT    time.Duration `json:"rtt"`
	Level  Level         `json:"level"`
	At     time.Time     `json:"at"`
}

// Monitor samples one call at a fixed interval while started.
type Monitor struct {
	interval   time.Duration
	thresholds Thresholds

	mu      sync.Mutex
	current Sample
	cancel  context.CancelFunc
	done    chan struct{}
	updates *util.Mailbox[Sample]
}

// NewMonitor creates a stopped monitor.
func NewMonitor(interval time.Duration, th Thresholds) *Monitor {
	return &Monitor{
		interval:   interval,
		thresholds: th,
		current:    Sample{Level: LevelUnknown},
		updates:    util.NewMailbox[Sample](),
	}
}

// Updates delivers every sample and every failure mark.
func (m *Monitor) Updates() <-chan Sample { return m.updates.Out() }

// Start begins sampling callID through s, replacing any previous run.
func (m *Monitor) Start(callID string, s Sampler) {
	m.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.current = Sample{CallID: callID, Level: LevelUnknown, At: time.Now()}
	m.mu.Unlock()
	metrics.SetQuality(LevelUnknown.score())

	go m.run(ctx, done, callID, s)
}

func (m *Monitor) run(ctx context.Context, done chan struct{}, callID string, s Sampler) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rtt, err := s.SampleRTT(ctx)
			if err != nil {
				util.Call(callID).Debug("no RTT sample: %v", err)
				continue
			}
			m.publish(ctx, Sample{CallID: callID, RTT: rtt, Level: Classify(rtt, m.thresholds), At: time.Now()})
		}
	}
}

func (m *Monitor) publish(ctx context.Context, smp Sample) {
	m.mu.Lock()
	if ctx.Err() != nil || m.current.CallID != smp.CallID {
		m.mu.Unlock()
		return
	}
	m.current = smp
	m.mu.Unlock()

	util.Stats.SetRTT(smp.RTT)
	metrics.ObserveRTT(smp.RTT.Seconds())
	metrics.SetQuality(smp.Level.score())
	m.updates.Push(smp)
}

// MarkFailed mirrors a transport failure of callID and stops sampling.
func (m *Monitor) MarkFailed(callID string) {
	m.Stop()
	smp := Sample{CallID: callID, Level: LevelFailed, At: time.Now()}
	m.mu.Lock()
	m.current = smp
	m.mu.Unlock()
	metrics.SetQuality(LevelFailed.score())
	m.updates.Push(smp)
}

// Stop ends sampling and waits for the sampler goroutine. The last sample
// stays readable through Current.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Current returns the latest sample.
func (m *Monitor) Current() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Close stops sampling and closes Updates.
func (m *Monitor) Close() {
	m.Stop()
	m.updates.Close()
}
