package tunnel

import (
	"net"
	"testing"
	"time"
)

func newTestSession() *Session {
	return NewSession(SessionConfig{
		ConnectionID: "test-conn",
		Logger:       testLogger(),
	})
}

func TestSessionHandleMessageRejectsSequenceGap(t *testing.T) {
	s := newTestSession()
	s.receivedAny = true
	s.lastReceivedSeq = 5

	err := s.handleMessage(&FramedMessage{Type: MsgEchoReply, Seq: 7})
	kind, ok := KindOf(err)
	if !ok || kind != ErrProtocolViolation {
		t.Fatalf("expected ErrProtocolViolation for a sequence gap, got %v", err)
	}
}

func TestSessionHandleMessageAcceptsFirstMessageAtAnySeq(t *testing.T) {
	s := newTestSession()
	// Before anything is received, the first message establishes the
	// baseline regardless of its sequence number.
	if err := s.handleMessage(&FramedMessage{Type: MsgEchoReply, Seq: 100}); err != nil {
		t.Fatalf("unexpected error on first message: %v", err)
	}
	if s.lastReceivedSeq != 100 || !s.receivedAny {
		t.Fatalf("expected lastReceivedSeq=100, receivedAny=true, got %d, %v", s.lastReceivedSeq, s.receivedAny)
	}
}

func TestSessionHandleMessageAckRestoresChannelWindow(t *testing.T) {
	s := newTestSession()
	id := s.channels.Alloc()
	ch := NewChannel(id, nil, "host", 80, s, testLogger())
	ch.Lock.Lock()
	ch.outboundWindow = 0
	ch.Lock.Unlock()
	s.channels.Add(ch)

	err := s.handleMessage(&FramedMessage{Type: MsgAck, Seq: 1, Payload: EncodeAckPayload(10)})
	if err != nil {
		t.Fatalf("unexpected error handling ACK: %v", err)
	}

	ch.Lock.Lock()
	window := ch.outboundWindow
	ch.Lock.Unlock()
	if window != DefaultChannelFlowBudget {
		t.Fatalf("expected outbound window restored to %d, got %d", DefaultChannelFlowBudget, window)
	}
	if s.lastPeerAckSeq != 10 {
		t.Fatalf("expected lastPeerAckSeq=10, got %d", s.lastPeerAckSeq)
	}
}

func TestSessionHandleMessageChannelDataQueuesOnChannel(t *testing.T) {
	s := newTestSession()
	id := s.channels.Alloc()
	appSide, connSide := net.Pipe()
	defer appSide.Close()
	sc, err := NewSocketConn(testLogger(), connSide)
	if err != nil {
		t.Fatalf("NewSocketConn: %v", err)
	}
	ch := NewChannel(id, sc, "host", 80, s, testLogger())
	s.channels.Add(ch)

	if err := s.handleMessage(&FramedMessage{Type: MsgChannelData, HasChan: true, Channel: id, Seq: 1, Payload: []byte("hi")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seq, ok := ch.PendingSeq(); !ok || seq != 1 {
		t.Fatalf("expected channel data to be queued at seq 1, got %d, %v", seq, ok)
	}
}

func TestSessionHandleMessageEchoReqRepliesWithEchoReply(t *testing.T) {
	s := newTestSession()
	if err := s.handleMessage(&FramedMessage{Type: MsgEchoReq, Seq: 1, Payload: EncodeEchoPayload(5)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.framer.Pending() == 0 {
		t.Fatal("expected an ECHO_REPLY to be enqueued")
	}
}

func TestSessionHandleMessageUnknownTypeIsProtocolViolation(t *testing.T) {
	s := newTestSession()
	err := s.handleMessage(&FramedMessage{Type: MessageType(0xFF), Seq: 1})
	kind, ok := KindOf(err)
	if !ok || kind != ErrProtocolViolation {
		t.Fatalf("expected ErrProtocolViolation for unknown type, got %v", err)
	}
}

func TestSessionEnqueueAssignsSequentialSeqAndRecordsReplay(t *testing.T) {
	s := newTestSession()
	s.enqueue(&FramedMessage{Type: MsgEchoReq, Payload: EncodeEchoPayload(1)})
	s.enqueue(&FramedMessage{Type: MsgEchoReq, Payload: EncodeEchoPayload(2)})

	earliest, ok := s.replay.EarliestSeq()
	if !ok {
		t.Fatal("expected enqueue to record entries in the replay buffer")
	}
	if frames, _ := s.replay.Replay(0); earliest != 1 || len(frames) != 2 {
		t.Fatalf("expected seqs 1 and 2 recorded, got earliest %d and %d frames", earliest, len(frames))
	}
}

func TestIsTerminalReplayWindowLost(t *testing.T) {
	if !isTerminal(NewError(ErrReplayWindowLost, "resync", "too old", nil)) {
		t.Fatal("expected ErrReplayWindowLost to be terminal")
	}
	if isTerminal(NewError(ErrTransportConnectFailed, "connect", "dial failed", nil)) {
		t.Fatal("expected ErrTransportConnectFailed not to be terminal")
	}
	if isTerminal(nil) {
		t.Fatal("expected a non-tunnel nil error not to be terminal")
	}
}

func TestSessionCanRetryRequiresReconnectSecret(t *testing.T) {
	s := newTestSession()
	var deadline time.Time
	if s.canRetry(&deadline) {
		t.Fatal("expected canRetry to be false without a reconnect secret")
	}
	s.reconnectSecret = "secret"
	if !s.canRetry(&deadline) {
		t.Fatal("expected canRetry to be true once a reconnect secret is set")
	}
}
