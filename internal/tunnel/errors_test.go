package tunnel

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewError(ErrTransportConnectFailed, "connect", "dial failed", cause)
	want := "TransportConnectFailed connect: dial failed: connection refused"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}

func TestErrorIsComparesKindOnly(t *testing.T) {
	a := NewError(ErrHeartbeatTimeout, "op-a", "msg-a", nil)
	b := NewError(ErrHeartbeatTimeout, "op-b", "msg-b", errors.New("x"))
	c := NewError(ErrProtocolViolation, "op-a", "msg-a", nil)

	if !errors.Is(a, b) {
		t.Error("expected errors with the same kind to match")
	}
	if errors.Is(a, c) {
		t.Error("expected errors with different kinds not to match")
	}
}

func TestKindOfUnwrapsWrappedErrors(t *testing.T) {
	inner := NewError(ErrReplayWindowLost, "resync", "too old", nil)
	wrapped := fmt.Errorf("session failed: %w", inner)

	kind, ok := KindOf(wrapped)
	if !ok || kind != ErrReplayWindowLost {
		t.Fatalf("expected to recover ErrReplayWindowLost, got %v, %v", kind, ok)
	}

	if _, ok := KindOf(errors.New("plain error")); ok {
		t.Error("expected KindOf to report false for a non-tunnel error")
	}
}
