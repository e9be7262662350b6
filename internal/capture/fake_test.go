package capture

import (
	"context"
	"testing"
	"time"
)

func TestFakeSourceYieldsFramesThenTimeout(t *testing.T) {
	f1 := Frame{Data: []byte{1}, CapLen: 1, Timestamp: time.Unix(0, 0)}
	f2 := Frame{Data: []byte{2}, CapLen: 1, Timestamp: time.Unix(1, 0)}
	src := NewFakeSource([]Frame{f1, f2})

	ctx := context.Background()
	got1, err := src.Next(ctx)
	if err != nil || got1.Data[0] != 1 {
		t.Fatalf("expected first frame, got %+v err=%v", got1, err)
	}
	got2, err := src.Next(ctx)
	if err != nil || got2.Data[0] != 2 {
		t.Fatalf("expected second frame, got %+v err=%v", got2, err)
	}
	if _, err := src.Next(ctx); err != ErrTimeout {
		t.Fatalf("expected ErrTimeout once frames are exhausted, got %v", err)
	}
}

func TestFakeSourceRespectsFilterAndClose(t *testing.T) {
	src := NewFakeSource(nil)
	if err := src.SetFilter("tcp"); err != nil {
		t.Fatalf("unexpected error setting filter: %v", err)
	}
	if src.Filter() != "tcp" {
		t.Fatalf("expected filter to be recorded, got %q", src.Filter())
	}
	if src.Closed() {
		t.Fatalf("expected source to not be closed yet")
	}
	if err := src.Close(); err != nil {
		t.Fatalf("unexpected error closing: %v", err)
	}
	if !src.Closed() {
		t.Fatalf("expected source to be closed")
	}
}

func TestFakeSourceCancelledContext(t *testing.T) {
	src := NewFakeSource([]Frame{{Data: []byte{1}}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := src.Next(ctx); err == nil {
		t.Fatalf("expected context cancellation error")
	}
}
