package signaling

import (
	"container/heap"

	"github.com/1ureka/rtcall/internal/metrics"
	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/util"
)

// maxPending bounds the frames buffered behind a gap. Past it the gap is
// skipped: a frame the relay never delivered must not stall the stream.
const maxPending = 64

// Frame is a decoded event with its ordering header.
type Frame struct {
	From  string
	Epoch string
	Seq   uint64
	Event protocol.Event
}

// Reassembler restores send order per sender. A sender's first frame within
// an epoch sets the expected sequence, so joining mid-stream works; a new
// epoch from the same sender resets its state. Frames with Seq 0 are
// unsequenced and delivered as they come. Not safe for concurrent use.
type Reassembler struct {
	streams map[string]*stream
}

type stream struct {
	epoch    string
	expected uint64
	buffer   frameHeap
}

// NewReassembler creates an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{streams: make(map[string]*stream)}
}

// Feed processes one frame and returns every frame that can now be delivered
// in order. Returns nil if nothing is ready.
func (r *Reassembler) Feed(f Frame) []Frame {
	if f.Seq == 0 {
		return []Frame{f}
	}

	st, ok := r.streams[f.From]
	if !ok || st.epoch != f.Epoch {
		st = &stream{epoch: f.Epoch, expected: f.Seq}
		r.streams[f.From] = st
	}

	if f.Seq < st.expected {
		util.LogDebug("duplicate %s from %s (seq %d, expected %d), ignoring",
			f.Event.Type(), f.From, f.Seq, st.expected)
		metrics.SignalDropped("duplicate")
		return nil
	}

	if f.Seq > st.expected {
		heap.Push(&st.buffer, f)
		if st.buffer.Len() <= maxPending {
			return nil
		}
		util.LogWarning("gap in signaling from %s at seq %d, skipping ahead", f.From, st.expected)
		st.expected = st.buffer[0].Seq
		return st.drain(nil)
	}

	// f.Seq == st.expected: deliver it and drain any consecutive buffered frames.
	st.expected++
	return st.drain([]Frame{f})
}

func (st *stream) drain(result []Frame) []Frame {
	for st.buffer.Len() > 0 {
		head := st.buffer[0]
		if head.Seq < st.expected {
			heap.Pop(&st.buffer) // duplicate of a delivered frame
			continue
		}
		if head.Seq != st.expected {
			break
		}
		result = append(result, heap.Pop(&st.buffer).(Frame))
		st.expected++
	}
	return result
}

// ---------------------------------------------------------------------------
// frameHeap implements a min-heap sorted by Seq.
// ---------------------------------------------------------------------------

type frameHeap []Frame

func (h frameHeap) Len() int            { return len(h) }
func (h frameHeap) Less(i, j int) bool  { return h[i].Seq < h[j].Seq }
func (h frameHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *frameHeap) Push(x interface{}) { *h = append(*h, x.(Frame)) }

func (h *frameHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = Frame{} // avoid memory leak
	*h = old[:n-1]
	return item
}
