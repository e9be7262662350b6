// Package capture defines the boundary between this process and whatever
// supplies raw link-layer frames. Only this package imports gopacket/pcap;
// every other package depends solely on the CaptureSource interface so it
// can be driven by a fake in tests.
package capture

import (
	"context"
	"errors"
	"net"
	"time"
)

// ErrTimeout is returned by CaptureSource.Next when no frame arrived within
// the source's configured read timeout. Callers must retry transparently
// (spec.md §7: transient capture errors are silently retried).
var ErrTimeout = errors.New("capture: read timeout")

// Frame is one link-layer unit delivered by a CaptureSource.
type Frame struct {
	Data      []byte
	CapLen    int
	Timestamp time.Time
}

// CaptureSource yields frames, one at a time, from a live or simulated
// packet source.
type CaptureSource interface {
	// Next blocks until a frame arrives, the read timeout elapses (returning
	// ErrTimeout), ctx is canceled, or a fatal I/O error occurs.
	Next(ctx context.Context) (Frame, error)
	// SetFilter installs a BPF expression on the source.
	SetFilter(bpf string) error
	Close() error
}

// InterfaceInfo describes one network interface available for capture.
type InterfaceInfo struct {
	Name        string
	Description string
	Addrs       []net.IPNet
}

// InterfaceEnumerator lists interfaces available for capture.
type InterfaceEnumerator interface {
	Interfaces() ([]InterfaceInfo, error)
}
