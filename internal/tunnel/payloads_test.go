package tunnel

import "testing"

func TestInitPayloadRoundTrip(t *testing.T) {
	p := &InitPayload{Version: protocolVersion, ConnectionID: "conn-1", ReconnectSecret: "s3cr3t", LastReceivedSeq: 42}
	got, err := DecodeInitPayload(p.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *got != *p {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestInitReplyPayloadRoundTrip(t *testing.T) {
	p := &InitReplyPayload{Version: protocolVersion, ReconnectSecret: "abc", HeartbeatIntervalMs: 15000, LastReceivedSeq: 7}
	got, err := DecodeInitReplyPayload(p.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *got != *p {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestAuthReplyPayloadRoundTrip(t *testing.T) {
	for _, p := range []*AuthReplyPayload{
		{OK: true, Cause: ""},
		{OK: false, Cause: "bad credentials"},
	} {
		got, err := DecodeAuthReplyPayload(p.Encode())
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if *got != *p {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
		}
	}
}

func TestListenPayloadRoundTrip(t *testing.T) {
	p := &ListenPayload{Port: 8080, BindAddr: "127.0.0.1", Name: "rdp", TargetHost: "desktop.internal", TargetPort: 3389}
	got, err := DecodeListenPayload(p.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *got != *p {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestChannelOpenPayloadRoundTrip(t *testing.T) {
	p := &ChannelOpenPayload{TargetHost: "desktop.internal", TargetPort: 3389}
	got, err := DecodeChannelOpenPayload(p.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *got != *p {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestChannelOpenReplyPayloadRoundTrip(t *testing.T) {
	p := &ChannelOpenReplyPayload{OK: false, Cause: "connection refused"}
	got, err := DecodeChannelOpenReplyPayload(p.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *got != *p {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestAckAndEchoPayloadRoundTrip(t *testing.T) {
	seq, err := DecodeAckPayload(EncodeAckPayload(123))
	if err != nil || seq != 123 {
		t.Fatalf("ack round trip: got %d, %v", seq, err)
	}
	nonce, err := DecodeEchoPayload(EncodeEchoPayload(456))
	if err != nil || nonce != 456 {
		t.Fatalf("echo round trip: got %d, %v", nonce, err)
	}
}

func TestDisconnectPayloadRoundTrip(t *testing.T) {
	p := &DisconnectPayload{Reason: string(ErrServerDisconnect), ReconnectSecret: "s3cr3t"}
	got, err := DecodeDisconnectPayload(p.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *got != *p {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestDecodeTruncatedPayloadsFail(t *testing.T) {
	if _, err := DecodeInitPayload(nil); err == nil {
		t.Error("expected error decoding empty INIT payload")
	}
	if _, err := DecodeAckPayload([]byte{0x01}); err == nil {
		t.Error("expected error decoding truncated ACK payload")
	}
	if _, err := DecodeListenClosePayload(nil); err == nil {
		t.Error("expected error decoding truncated LISTEN_CLOSE payload")
	}
}
