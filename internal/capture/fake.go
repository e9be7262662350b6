package capture

import (
	"context"
	"sync"
)

// FakeSource is an in-memory CaptureSource for driving the decode/accumulate
// pipeline in tests without a real capture device.
type FakeSource struct {
	mu     sync.Mutex
	frames []Frame
	idx    int
	filter string
	closed bool
}

// NewFakeSource builds a FakeSource that yields frames in order, then
// ErrTimeout forever.
func NewFakeSource(frames []Frame) *FakeSource {
	return &FakeSource{frames: frames}
}

func (f *FakeSource) SetFilter(bpf string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = bpf
	return nil
}

// Filter returns the last BPF expression installed via SetFilter.
func (f *FakeSource) Filter() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filter
}

func (f *FakeSource) Next(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	default:
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.idx >= len(f.frames) {
		return Frame{}, ErrTimeout
	}
	fr := f.frames[f.idx]
	f.idx++
	return fr, nil
}

func (f *FakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (f *FakeSource) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
