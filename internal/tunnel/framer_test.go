package tunnel

import "testing"

func TestFramerEnqueueDrainTo(t *testing.T) {
	f := NewFramer(0)
	seq1 := f.Enqueue(&FramedMessage{Type: MsgInit, Payload: []byte("a")})
	seq2 := f.Enqueue(&FramedMessage{Type: MsgInit, Payload: []byte("b")})
	if seq1 != 0 || seq2 != 1 {
		t.Fatalf("expected sequential seqs 0,1 got %d,%d", seq1, seq2)
	}

	drained := f.DrainTo(1024)
	msgs, err := NewFramer(0).Feed(drained)
	if err != nil {
		t.Fatalf("feed drained bytes: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Seq != 0 || msgs[1].Seq != 1 {
		t.Fatalf("unexpected seqs: %d, %d", msgs[0].Seq, msgs[1].Seq)
	}
}

func TestFramerDrainToNeverSplitsAFrame(t *testing.T) {
	f := NewFramer(0)
	f.Enqueue(&FramedMessage{Type: MsgInit, Payload: make([]byte, 100)})
	f.Enqueue(&FramedMessage{Type: MsgInit, Payload: make([]byte, 100)})

	first := f.DrainTo(50) // smaller than one frame
	if len(first) == 0 {
		t.Fatal("expected the oversized first frame to be returned alone")
	}
	rest := f.DrainTo(1024)
	if f.Pending() != 0 {
		t.Fatalf("expected queue drained, %d bytes remain", f.Pending())
	}
	full := append(append([]byte{}, first...), rest...)
	msgs, err := NewFramer(0).Feed(full)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages reassembled, got %d", len(msgs))
	}
}

func TestFramerFeedOneByteAtATime(t *testing.T) {
	src := NewFramer(0)
	src.Enqueue(&FramedMessage{Type: MsgEchoReq, Payload: EncodeEchoPayload(99)})
	src.Enqueue(&FramedMessage{Type: MsgEchoReply, Payload: EncodeEchoPayload(99)})
	encoded := src.DrainTo(4096)

	dst := NewFramer(0)
	var got []*FramedMessage
	for i := 0; i < len(encoded); i++ {
		msgs, err := dst.Feed(encoded[i : i+1])
		if err != nil {
			t.Fatalf("feed byte %d: %v", i, err)
		}
		got = append(got, msgs...)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages fed one byte at a time, got %d", len(got))
	}
	if got[0].Type != MsgEchoReq || got[1].Type != MsgEchoReply {
		t.Fatalf("unexpected message types: %s, %s", got[0].Type, got[1].Type)
	}
}

func TestFramerResetReadBuffer(t *testing.T) {
	f := NewFramer(0)
	if _, err := f.Feed([]byte{0x00, 0x00, 0x00}); err != nil {
		t.Fatalf("feed partial bytes: %v", err)
	}
	f.ResetReadBuffer()
	if len(f.readBuf) != 0 {
		t.Fatalf("expected empty read buffer after reset, got %d bytes", len(f.readBuf))
	}
}

func TestFramerFeedRejectsImpossibleLength(t *testing.T) {
	f := NewFramer(0)
	bad := []byte{0x00, 0x00, 0x00, 0x01} // totalLength=1, smaller than frameHeaderLen
	if _, err := f.Feed(bad); err == nil {
		t.Fatal("expected error for impossible frame length")
	}
}
