package capture

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket/pcap"
)

// Config configures a live pcap capture.
type Config struct {
	Interface    string
	SnapLen      int32
	Promiscuous  bool
	Timeout      time.Duration
	BufferSizeMB int
}

// DefaultConfig returns sensible capture defaults: full-size Ethernet
// snaplen, promiscuous mode on, and the 100ms read timeout spec.md §5 names.
func DefaultConfig(iface string) Config {
	return Config{
		Interface:    iface,
		SnapLen:      65535,
		Promiscuous:  true,
		Timeout:      100 * time.Millisecond,
		BufferSizeMB: 32,
	}
}

// PcapSource is a CaptureSource backed by libpcap.
type PcapSource struct {
	handle *pcap.Handle
}

// OpenLive activates a live capture per cfg.
func OpenLive(cfg Config) (*PcapSource, error) {
	inactive, err := pcap.NewInactiveHandle(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("capture: creating inactive handle for %s: %w", cfg.Interface, err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(int(cfg.SnapLen)); err != nil {
		return nil, fmt.Errorf("capture: set snaplen: %w", err)
	}
	if err := inactive.SetPromisc(cfg.Promiscuous); err != nil {
		return nil, fmt.Errorf("capture: set promiscuous mode: %w", err)
	}
	if err := inactive.SetTimeout(cfg.Timeout); err != nil {
		return nil, fmt.Errorf("capture: set read timeout: %w", err)
	}
	if cfg.BufferSizeMB > 0 {
		if err := inactive.SetBufferSize(cfg.BufferSizeMB * 1024 * 1024); err != nil {
			return nil, fmt.Errorf("capture: set buffer size: %w", err)
		}
	}

	handle, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("capture: activate %s: %w", cfg.Interface, err)
	}

	return &PcapSource{handle: handle}, nil
}

// SetFilter installs a BPF expression on the live handle.
func (p *PcapSource) SetFilter(bpf string) error {
	if err := p.handle.SetBPFFilter(bpf); err != nil {
		return fmt.Errorf("capture: set BPF filter %q: %w", bpf, err)
	}
	return nil
}

// Next reads the next packet, translating libpcap's timeout sentinel into
// ErrTimeout.
func (p *PcapSource) Next(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	default:
	}

	data, ci, err := p.handle.ReadPacketData()
	if err == pcap.NextErrorTimeoutExpired {
		return Frame{}, ErrTimeout
	}
	if err != nil {
		return Frame{}, fmt.Errorf("capture: read packet: %w", err)
	}

	return Frame{
		Data:      data,
		CapLen:    ci.Length,
		Timestamp: ci.Timestamp,
	}, nil
}

// Close releases the underlying pcap handle.
func (p *PcapSource) Close() error {
	p.handle.Close()
	return nil
}

// PcapEnumerator lists interfaces via libpcap's device enumeration.
type PcapEnumerator struct{}

func (PcapEnumerator) Interfaces() ([]InterfaceInfo, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("capture: enumerate interfaces: %w", err)
	}

	out := make([]InterfaceInfo, 0, len(devs))
	for _, d := range devs {
		info := InterfaceInfo{Name: d.Name, Description: d.Description}
		for _, a := range d.Addresses {
			if ip4 := a.IP.To4(); ip4 != nil {
				info.Addrs = append(info.Addrs, net.IPNet{IP: ip4, Mask: net.IPMask(a.Netmask)})
			}
		}
		out = append(out, info)
	}
	return out, nil
}
