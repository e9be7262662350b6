// Package tcploss tracks per-flow TCP sequence state and classifies each
// data-carrying segment as in-order, a gap (loss signal), a duplicate, or a
// reorder. Sequence comparisons are modular-2^32 and wraparound-aware: the
// producer (Observe) and the sweeper (Sweep) share one coarse mutex, the
// same best-effort-lock discipline used by internal/rateacc.
package tcploss

import (
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	gapCeiling      = 1_000_000
	shrinkThreshold = 0.3
	staleAfter      = 60 * time.Second
)

// EventKind names the kind of loss event reported through a Tracker's event
// sink.
type EventKind string

const (
	EventGap        EventKind = "missing-sequence"
	EventDuplicate  EventKind = "duplicate"
	EventReorder    EventKind = "out-of-order"
)

// Event is emitted synchronously, from inside Observe, the moment a segment
// is classified as anything other than in-order.
type Event struct {
	Kind EventKind
	Flow string
	Gap  uint32
}

type flowState struct {
	expectedNext   uint32
	lastObserved   uint32
	lastAck        uint32
	haveAck        bool
	packetCount    uint64
	lossCount      uint64
	duplicateCount uint64
	reorderCount   uint64
	lastWindow     uint16
	lastSeen       time.Time
}

// Stats is a point-in-time snapshot suitable for driving Prometheus gauges.
type Stats struct {
	Loss              uint64
	Duplicate         uint64
	Reorder           uint64
	WindowShrink      uint64
	ActiveConnections int
	AggregateLossRate float64
	CurrentWindowSize uint16
}

// Tracker maintains TCP flow state keyed by directed 4-tuple.
type Tracker struct {
	mu      sync.Mutex
	flows   map[string]*flowState
	onEvent func(Event)

	windowShrinkCount uint64
	globalLoss        uint64
	globalDuplicate   uint64
	globalReorder     uint64
	lastWindow        uint16
	aggregateLossRate float64
}

// New creates a Tracker. onEvent may be nil; when set it is invoked
// synchronously from Observe for every non-in-order classification (the
// histogram observation point).
func New(onEvent func(Event)) *Tracker {
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Tracker{
		flows:   make(map[string]*flowState),
		onEvent: onEvent,
	}
}

// Key builds the directed flow key "src:sport-dst:dport".
func Key(src net.IP, sport uint16, dst net.IP, dport uint16) string {
	return fmt.Sprintf("%s:%d-%s:%d", src.String(), sport, dst.String(), dport)
}

// Observe applies one TCP segment. payloadLen == 0 (pure ACK/SYN/FIN) still
// creates/refreshes the flow, updates packet_count, window tracking, and
// last_seen, but never enters sequence classification (spec.md §4.4 step 5).
func (t *Tracker) Observe(key string, seq, ack uint32, window uint16, payloadLen int, now time.Time) {
	if !t.mu.TryLock() {
		return
	}
	defer t.mu.Unlock()

	t.lastWindow = window

	f, ok := t.flows[key]
	if !ok {
		f = &flowState{
			expectedNext: seq + uint32(max(payloadLen, 1)),
			lastObserved: seq,
			lastWindow:   window,
		}
		t.flows[key] = f
	}

	f.packetCount++
	f.lastSeen = now

	if f.lastWindow > 0 && window < f.lastWindow {
		shrinkRatio := float64(f.lastWindow-window) / float64(f.lastWindow)
		if shrinkRatio > shrinkThreshold {
			t.windowShrinkCount++
		}
	}
	f.lastWindow = window

	if payloadLen == 0 {
		return
	}

	if !ok {
		// The segment that created the flow seeded expectedNext and
		// lastObserved above; there is nothing earlier to classify it against.
		f.lastAck = ack
		f.haveAck = true
		return
	}

	diff := int32(seq - f.expectedNext)
	switch {
	case diff == 0:
		f.lastObserved = seq
		f.expectedNext = seq + uint32(payloadLen)
	case diff > 0:
		gap := uint32(diff)
		if gap < gapCeiling {
			f.lossCount++
			t.globalLoss++
			t.onEvent(Event{Kind: EventGap, Flow: key, Gap: gap})
		}
		// Either a genuine small gap (counted above) or a ceiling-exceeding
		// jump (silently ignored): both resynchronize state to the new
		// sequence.
		f.lastObserved = seq
		f.expectedNext = seq + uint32(payloadLen)
	default:
		if seq == f.lastObserved {
			f.duplicateCount++
			t.globalDuplicate++
			t.onEvent(Event{Kind: EventDuplicate, Flow: key, Gap: 0})
		} else {
			backward := f.expectedNext - seq
			f.reorderCount++
			t.globalReorder++
			t.onEvent(Event{Kind: EventReorder, Flow: key, Gap: backward})
		}
	}

	if !f.haveAck || int32(ack-f.lastAck) > 0 {
		f.lastAck = ack
		f.haveAck = true
	}
}

// Sweep evicts flows idle for more than the staleness threshold and
// recomputes the aggregate loss rate over the flows that survive. Invoke
// once per second, per spec.md §4.4.
func (t *Tracker) Sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k, f := range t.flows {
		if now.Sub(f.lastSeen) > staleAfter {
			delete(t.flows, k)
		}
	}

	var lossSum, packetSum uint64
	for _, f := range t.flows {
		lossSum += f.lossCount
		packetSum += f.packetCount
	}

	if packetSum == 0 {
		t.aggregateLossRate = 0
		return
	}
	t.aggregateLossRate = float64(lossSum) / float64(packetSum) * 100
}

// Stats returns a snapshot for the scrape exporter's gauges.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Stats{
		Loss:              t.globalLoss,
		Duplicate:         t.globalDuplicate,
		Reorder:           t.globalReorder,
		WindowShrink:      t.windowShrinkCount,
		ActiveConnections: len(t.flows),
		AggregateLossRate: t.aggregateLossRate,
		CurrentWindowSize: t.lastWindow,
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
