package main

import (
	"errors"
	"testing"

	"github.com/vdibroker/tunnelproxy/internal/tunnel"
)

func TestReasonOfTunnelError(t *testing.T) {
	err := tunnel.NewError(tunnel.ErrHeartbeatTimeout, "ready-loop", "no traffic from peer", nil)
	if got := reasonOf(err); got != "HeartbeatTimeout" {
		t.Fatalf("expected reason %q, got %q", "HeartbeatTimeout", got)
	}
}

func TestReasonOfPlainError(t *testing.T) {
	err := errors.New("boom")
	if got := reasonOf(err); got != "boom" {
		t.Fatalf("expected fallback to the error text, got %q", got)
	}
}
