package rateacc

import (
	"net"
	"testing"
	"time"

	"github.com/simeonmiteff/netmon/internal/decoder"
	"github.com/simeonmiteff/netmon/internal/locality"
)

func rec(src, dst string, size int, ts time.Time) decoder.Record {
	return decoder.Record{
		Family:      decoder.FamilyIPv4,
		SrcIP:       net.ParseIP(src),
		DstIP:       net.ParseIP(dst),
		CapturedLen: size,
		Timestamp:   ts,
	}
}

func TestObserveOnlyCountsMixedLocality(t *testing.T) {
	c := locality.New(net.ParseIP("10.0.0.5"), net.CIDRMask(24, 32))
	a := New(c, time.Minute)
	base := time.Unix(1000, 0)

	a.Tick(base) // establish baseline, first tick publishes nothing

	a.Observe(rec("10.0.0.5", "10.0.0.6", 100, base))  // both local: ignored
	a.Observe(rec("8.8.8.8", "1.1.1.1", 100, base))     // both global: ignored
	a.Observe(rec("10.0.0.5", "8.8.8.8", 100, base))    // tx from 10.0.0.5
	a.Observe(rec("8.8.8.8", "10.0.0.5", 50, base))     // rx to 10.0.0.5

	totalTx, totalRx := a.Tick(base.Add(time.Second))
	if totalTx != 100 {
		t.Fatalf("expected totalTx=100, got %v", totalTx)
	}
	if totalRx != 50 {
		t.Fatalf("expected totalRx=50, got %v", totalRx)
	}
}

func TestTickComputesRateOverElapsedInterval(t *testing.T) {
	c := locality.New(net.ParseIP("10.0.0.5"), net.CIDRMask(24, 32))
	a := New(c, time.Minute)
	base := time.Unix(2000, 0)

	a.Tick(base) // establish baseline, first tick publishes nothing

	a.Observe(rec("10.0.0.5", "8.8.8.8", 200, base.Add(200*time.Millisecond)))
	a.Observe(rec("10.0.0.5", "8.8.8.8", 300, base.Add(400*time.Millisecond)))

	totalTx, _ := a.Tick(base.Add(2 * time.Second))
	if totalTx != 250 { // 500 bytes / 2s
		t.Fatalf("expected totalTx=250, got %v", totalTx)
	}
}

func TestTickSubSecondIsNoOp(t *testing.T) {
	c := locality.New(net.ParseIP("10.0.0.5"), net.CIDRMask(24, 32))
	a := New(c, time.Minute)
	base := time.Unix(3000, 0)

	a.Tick(base)
	a.Observe(rec("10.0.0.5", "8.8.8.8", 1000, base))
	first, _ := a.Tick(base.Add(time.Second))

	a.Observe(rec("10.0.0.5", "8.8.8.8", 999999, base.Add(time.Second+100*time.Millisecond)))
	second, _ := a.Tick(base.Add(time.Second + 500*time.Millisecond))

	if first != second {
		t.Fatalf("expected sub-second tick to be a no-op: first=%v second=%v", first, second)
	}
}

func TestTickEvictsIdleEntriesAfterOneZeroPublication(t *testing.T) {
	c := locality.New(net.ParseIP("10.0.0.5"), net.CIDRMask(24, 32))
	a := New(c, 2*time.Second)
	base := time.Unix(4000, 0)

	a.Tick(base)
	a.Observe(rec("10.0.0.5", "8.8.8.8", 100, base))
	a.Tick(base.Add(time.Second))

	snap := a.Snapshot()
	if _, ok := snap[ipKey(net.ParseIP("10.0.0.5"))]; !ok {
		t.Fatalf("expected entry to still be published immediately after activity")
	}

	// now idle past the threshold: next tick must zero it, not just silently drop it
	a.Tick(base.Add(4 * time.Second))
	snap = a.Snapshot()
	if r, ok := snap[ipKey(net.ParseIP("10.0.0.5"))]; ok && (r.TxBps != 0 || r.RxBps != 0) {
		t.Fatalf("expected a zeroed publication before eviction, got %+v", r)
	}

	// the following tick completes the eviction: entry disappears entirely
	a.Tick(base.Add(5 * time.Second))
	snap = a.Snapshot()
	if _, ok := snap[ipKey(net.ParseIP("10.0.0.5"))]; ok {
		t.Fatalf("expected entry to be fully evicted")
	}
}

func TestSaturatingAddNeverWraps(t *testing.T) {
	if got := satAdd(^uint64(0)-5, 10); got != ^uint64(0) {
		t.Fatalf("expected saturating add to clamp at max uint64, got %d", got)
	}
}

func TestIPKeyIPv4(t *testing.T) {
	if got := ipKey(net.ParseIP("192.168.1.1")); got != "192.168.1.1" {
		t.Fatalf("unexpected IPv4 key: %s", got)
	}
}

func TestIPKeyIPv6TruncatesToFourGroups(t *testing.T) {
	got := ipKey(net.ParseIP("2001:0db8:85a3:0001:ffff:ffff:ffff:ffff"))
	want := "2001:db8:85a3:1::"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestObserveDropsOnContendedLock(t *testing.T) {
	c := locality.New(net.ParseIP("10.0.0.5"), net.CIDRMask(24, 32))
	a := New(c, time.Minute)

	a.mu.Lock()
	a.Observe(rec("10.0.0.5", "8.8.8.8", 100, time.Now()))
	a.mu.Unlock()

	if len(a.counters) != 0 {
		t.Fatalf("expected observation to be dropped while lock was held")
	}
}
