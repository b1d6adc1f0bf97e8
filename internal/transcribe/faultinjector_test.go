package transcribe

import (
	"context"
	"errors"
	"testing"
)

func TestFaultInjectorAlwaysFails(t *testing.T) {
	f := NewFaultInjector(1.0, 1)
	_, err := f.Transcribe(context.Background(), "call-1")
	if !errors.Is(err, ErrInjectedFailure) {
		t.Fatalf("expected ErrInjectedFailure, got %v", err)
	}
}

func TestFaultInjectorNeverFails(t *testing.T) {
	f := NewFaultInjector(0.0, 1)
	res, err := f.Transcribe(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Transcript == "" {
		t.Error("expected a non-empty transcript")
	}
}

func TestFaultInjectorRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := NewFaultInjector(0.0, 1)
	if _, err := f.Transcribe(ctx, "call-1"); err == nil {
		t.Error("expected context cancellation error")
	}
}

func TestFaultInjectorClampsRate(t *testing.T) {
	f := NewFaultInjector(5.0, 1)
	if f.failureRate != 1 {
		t.Errorf("expected clamp to 1.0, got %v", f.failureRate)
	}
	f2 := NewFaultInjector(-1.0, 1)
	if f2.failureRate != 0 {
		t.Errorf("expected clamp to 0.0, got %v", f2.failureRate)
	}
}
