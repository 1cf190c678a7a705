package tunnel

import (
	"net"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu     sync.Mutex
	data   [][]byte
	closed []string
}

func (s *fakeSink) sendChannelData(id ChannelID, p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	s.data = append(s.data, cp)
}

func (s *fakeSink) sendChannelClose(id ChannelID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, reason)
}

func (s *fakeSink) numData() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func testLogger() Logger {
	return NewLogger("test", LogLevelError)
}

func newTestChannel(t *testing.T, sink ChannelSink) (*Channel, net.Conn) {
	t.Helper()
	appSide, connSide := net.Pipe()
	sc, err := NewSocketConn(testLogger(), connSide)
	if err != nil {
		t.Fatalf("NewSocketConn: %v", err)
	}
	ch := NewChannel(ChannelID(1), sc, "example.com", 80, sink, testLogger())
	return ch, appSide
}

func TestChannelOpenForwardsLocalReadsAsData(t *testing.T) {
	sink := &fakeSink{}
	ch, appSide := newTestChannel(t, sink)
	defer appSide.Close()

	ch.Open()
	if ch.State() != ChannelOpen {
		t.Fatalf("expected state Open, got %s", ch.State())
	}

	go func() {
		appSide.Write([]byte("hello"))
	}()

	deadline := time.After(time.Second)
	for sink.numData() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for sendChannelData")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestChannelHandleInboundDataWritesLocal(t *testing.T) {
	sink := &fakeSink{}
	ch, appSide := newTestChannel(t, sink)
	defer appSide.Close()
	ch.Open()

	go func() {
		if err := ch.HandleInboundData(1, []byte("world")); err != nil {
			t.Errorf("HandleInboundData: %v", err)
		}
	}()

	buf := make([]byte, 5)
	appSide.SetReadDeadline(time.Now().Add(time.Second))
	n, err := appSide.Read(buf)
	if err != nil {
		t.Fatalf("read from local side: %v", err)
	}
	if string(buf[:n]) != "world" {
		t.Fatalf("expected 'world', got %q", buf[:n])
	}
}

func TestChannelLocalEOFSendsClose(t *testing.T) {
	sink := &fakeSink{}
	ch, appSide := newTestChannel(t, sink)
	ch.Open()

	appSide.Close() // local EOF

	deadline := time.After(time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.closed)
		sink.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for sendChannelClose")
		case <-time.After(time.Millisecond):
		}
	}
	if ch.State() != ChannelHalfClosedLocal {
		t.Fatalf("expected HalfClosedLocal after local EOF, got %s", ch.State())
	}
}

func TestChannelHandleInboundCloseThenLocalEOFReachesClosed(t *testing.T) {
	sink := &fakeSink{}
	ch, appSide := newTestChannel(t, sink)
	defer appSide.Close()
	ch.Open()

	ch.HandleInboundClose("")
	if ch.State() != ChannelHalfClosedRemote {
		t.Fatalf("expected HalfClosedRemote, got %s", ch.State())
	}

	appSide.Close()

	deadline := time.Now().Add(time.Second)
	for ch.State() != ChannelClosed && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ch.State() != ChannelClosed {
		t.Fatalf("expected Closed after both sides closed, got %s", ch.State())
	}
}

func TestChannelCancelIsIdempotent(t *testing.T) {
	sink := &fakeSink{}
	ch, appSide := newTestChannel(t, sink)
	defer appSide.Close()
	ch.Open()

	ch.Cancel()
	ch.Cancel() // must not panic or block

	if ch.State() != ChannelClosed {
		t.Fatalf("expected Closed after Cancel, got %s", ch.State())
	}
}

func TestChannelHandleInboundDataDoesNotBlockOnSlowLocalSocket(t *testing.T) {
	sink := &fakeSink{}
	ch, appSide := newTestChannel(t, sink)
	defer appSide.Close()
	ch.Open()

	done := make(chan error, 1)
	go func() { done <- ch.HandleInboundData(1, []byte("buffered")) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("HandleInboundData: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("HandleInboundData blocked on an unread local socket")
	}

	if seq, ok := ch.PendingSeq(); !ok || seq != 1 {
		t.Fatalf("expected PendingSeq to report seq 1 pending, got %d, %v", seq, ok)
	}

	buf := make([]byte, 8)
	appSide.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := appSide.Read(buf); err != nil {
		t.Fatalf("read from local side: %v", err)
	}
}

func TestChannelHandleInboundDataRejectsOverBudget(t *testing.T) {
	sink := &fakeSink{}
	ch, appSide := newTestChannel(t, sink)
	defer appSide.Close()
	ch.Open()
	ch.Lock.Lock()
	ch.inboundBudget = 4
	ch.Lock.Unlock()

	if err := ch.HandleInboundData(1, []byte("toolong")); err == nil {
		t.Fatal("expected error when inbound payload exceeds the channel's flow budget")
	}
}

func TestChannelAwaitOutboundWindowUnblocksOnAdjust(t *testing.T) {
	sink := &fakeSink{}
	ch, appSide := newTestChannel(t, sink)
	defer appSide.Close()

	ch.Lock.Lock()
	ch.outboundWindow = 0
	ch.Lock.Unlock()

	done := make(chan bool, 1)
	go func() {
		done <- ch.awaitOutboundWindow(10)
	}()

	select {
	case <-done:
		t.Fatal("awaitOutboundWindow returned before window was available")
	case <-time.After(20 * time.Millisecond):
	}

	ch.AdjustOutboundWindow(10)

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected awaitOutboundWindow to succeed after AdjustOutboundWindow")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for awaitOutboundWindow to unblock")
	}
}

func TestChannelAwaitOutboundWindowUnblocksOnCancel(t *testing.T) {
	sink := &fakeSink{}
	ch, appSide := newTestChannel(t, sink)
	defer appSide.Close()

	ch.Lock.Lock()
	ch.outboundWindow = 0
	ch.Lock.Unlock()

	done := make(chan bool, 1)
	go func() {
		done <- ch.awaitOutboundWindow(10)
	}()

	ch.Cancel()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected awaitOutboundWindow to report failure after Cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for awaitOutboundWindow to unblock on cancel")
	}
}
