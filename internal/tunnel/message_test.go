package tunnel

import (
	"bytes"
	"testing"
)

func TestFramedMessageRoundTrip(t *testing.T) {
	cases := []*FramedMessage{
		{Type: MsgInit, Seq: 1, Payload: []byte("hello")},
		{Type: MsgAck, Seq: 7, Payload: EncodeAckPayload(7)},
		{Type: MsgChannelData, Seq: 42, HasChan: true, Channel: ChannelID(9), Payload: []byte("payload bytes")},
		{Type: MsgChannelOpen, Seq: 2, HasChan: true, Channel: ChannelID(0), Payload: nil},
	}

	for _, m := range cases {
		encoded := m.Encode()
		// Encode's length prefix is consumed by Framer before decode is
		// called; strip it here the same way.
		decoded, err := DecodeFramedMessage(encoded[lengthPrefixLen:])
		if err != nil {
			t.Fatalf("decode %s: %v", m.Type, err)
		}
		if decoded.Type != m.Type || decoded.Seq != m.Seq || decoded.HasChan != m.HasChan || decoded.Channel != m.Channel {
			t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, m)
		}
		if !bytes.Equal(decoded.Payload, m.Payload) {
			t.Fatalf("payload mismatch: got %v, want %v", decoded.Payload, m.Payload)
		}
	}
}

func TestMessageTypeString(t *testing.T) {
	if MsgChannelClose.String() != "CHANNEL_CLOSE" {
		t.Errorf("unexpected name: %s", MsgChannelClose.String())
	}
	unknown := MessageType(0xFF)
	if unknown.IsKnown() {
		t.Error("0xFF should not be a known message type")
	}
}

func TestDecodeFramedMessageTooShort(t *testing.T) {
	if _, err := DecodeFramedMessage([]byte{0x01}); err == nil {
		t.Error("expected error decoding truncated frame")
	}
}
