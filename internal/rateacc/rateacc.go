// Package rateacc maintains per-local-IP bidirectional byte counters and
// turns them into periodically sampled byte-rate gauges. The producer
// (Observe) and the sampler (Tick) share a single mutex; Observe uses a
// best-effort TryLock so a busy sampler never blocks the packet path (see
// spec.md §5 on the lock-contention drop policy).
package rateacc

import (
	"encoding/binary"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/simeonmiteff/netmon/internal/decoder"
	"github.com/simeonmiteff/netmon/internal/locality"
)

// Rate is one published sample: bytes per second in each direction.
type Rate struct {
	TxBps float64
	RxBps float64
}

type counterEntry struct {
	txBytes, rxBytes         uint64
	txSnapshot, rxSnapshot   uint64
	lastActive               time.Time
}

// Accumulator tracks cumulative tx/rx bytes per local IP and publishes rates
// on each Tick.
type Accumulator struct {
	mu          sync.Mutex
	classifier  *locality.Classifier
	inactivity  time.Duration
	counters    map[string]*counterEntry
	published   map[string]Rate
	pendingEvict []string

	lastTick             time.Time
	lastTotalTx, lastTotalRx float64
}

// New creates an Accumulator. inactivity is the idle threshold after which a
// local IP's counters are evicted on a sampling tick (spec.md recommends
// 300s).
func New(classifier *locality.Classifier, inactivity time.Duration) *Accumulator {
	return &Accumulator{
		classifier: classifier,
		inactivity: inactivity,
		counters:   make(map[string]*counterEntry),
		published:  make(map[string]Rate),
	}
}

// Observe applies one decoded packet record. Exactly one of tx/rx is
// incremented when precisely one endpoint is local; purely local or purely
// external traffic has no effect. A contended mutex causes the observation
// to be dropped rather than block the capture thread.
func (a *Accumulator) Observe(rec decoder.Record) {
	if rec.SrcIP == nil || rec.DstIP == nil {
		return
	}
	if !a.mu.TryLock() {
		return
	}
	defer a.mu.Unlock()

	srcLocal := a.classifier.IsLocal(rec.SrcIP)
	dstLocal := a.classifier.IsLocal(rec.DstIP)

	var key string
	var isTx bool
	switch {
	case srcLocal && !dstLocal:
		key, isTx = ipKey(rec.SrcIP), true
	case !srcLocal && dstLocal:
		key, isTx = ipKey(rec.DstIP), false
	default:
		return
	}

	c, ok := a.counters[key]
	if !ok {
		c = &counterEntry{}
		a.counters[key] = c
	}

	size := uint64(rec.CapturedLen)
	if isTx {
		c.txBytes = satAdd(c.txBytes, size)
	} else {
		c.rxBytes = satAdd(c.rxBytes, size)
	}
	c.lastActive = rec.Timestamp
}

// Tick runs one sampling pass: compute and publish rates, snapshot cumulative
// counters, and evict idle entries. Ticks arriving less than one second after
// the previous successful tick are a no-op and return the previously
// published totals unchanged (spec.md §4.3: "sub-second ticks must be a
// no-op").
func (a *Accumulator) Tick(now time.Time) (totalTx, totalRx float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	first := a.lastTick.IsZero()
	if !first && now.Sub(a.lastTick) < time.Second {
		return a.lastTotalTx, a.lastTotalRx
	}

	for _, k := range a.pendingEvict {
		if c, ok := a.counters[k]; ok && now.Sub(c.lastActive) <= a.inactivity {
			continue // active again since its zero publication
		}
		delete(a.counters, k)
		delete(a.published, k)
	}
	a.pendingEvict = a.pendingEvict[:0]

	var dtSeconds float64
	if !first {
		dtSeconds = now.Sub(a.lastTick).Seconds()
	}

	for ip, c := range a.counters {
		var r Rate
		if !first && dtSeconds > 0 {
			deltaTx := satSub(c.txBytes, c.txSnapshot)
			deltaRx := satSub(c.rxBytes, c.rxSnapshot)
			r.TxBps = float64(deltaTx) / dtSeconds
			r.RxBps = float64(deltaRx) / dtSeconds
		}
		c.txSnapshot = c.txBytes
		c.rxSnapshot = c.rxBytes

		if now.Sub(c.lastActive) > a.inactivity {
			a.published[ip] = Rate{} // zero for at least one scrape before eviction
			a.pendingEvict = append(a.pendingEvict, ip)
			continue
		}

		a.published[ip] = r
		totalTx += r.TxBps
		totalRx += r.RxBps
	}

	a.lastTick = now
	a.lastTotalTx, a.lastTotalRx = totalTx, totalRx
	return totalTx, totalRx
}

// Snapshot returns a copy of the currently published per-IP rates. It is
// intended for the scrape exporter's Collect path and never touches the
// cumulative counters the producer mutates.
func (a *Accumulator) Snapshot() map[string]Rate {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]Rate, len(a.published))
	for k, v := range a.published {
		out[k] = v
	}
	return out
}

func satAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}

func satSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

// ipKey renders ip as the gauge's local_ip label value: canonical
// dotted-decimal for IPv4, and a privacy-preserving truncation to the first
// four 16-bit groups followed by "::" for IPv6.
func ipKey(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}

	v6 := ip.To16()
	if v6 == nil {
		return ip.String()
	}

	groups := make([]string, 4)
	for i := 0; i < 4; i++ {
		g := binary.BigEndian.Uint16(v6[i*2 : i*2+2])
		groups[i] = strconv.FormatUint(uint64(g), 16)
	}
	return strings.Join(groups, ":") + "::"
}
