package tunnel

import (
	"encoding/binary"
	"sync"
)

// Framer owns the outgoing send queue and the incoming partial-read buffer
// for one Session's outer stream. It assigns each outgoing message a
// monotonic sequence number and hands completed inbound frames back to the
// dispatcher as they arrive, regardless of how the underlying transport
// chooses to chunk its reads and writes.
type Framer struct {
	Lock sync.Mutex

	nextSeq uint32
	pending [][]byte // encoded frames not yet drained to the transport

	readBuf []byte // bytes read from the transport, not yet a complete frame
}

// NewFramer creates an empty Framer whose first Enqueue assigns startSeq.
func NewFramer(startSeq uint32) *Framer {
	return &Framer{nextSeq: startSeq}
}

// ResetReadBuffer discards any partially-read bytes left over from a dead
// transport. Called before attaching a Framer to a freshly reconnected
// transport, whose byte stream shares no continuity with the old one.
func (f *Framer) ResetReadBuffer() {
	f.Lock.Lock()
	defer f.Lock.Unlock()
	f.readBuf = nil
}

// Enqueue assigns msg the next sequence number, encodes it, and appends it
// to the send queue. It returns the assigned sequence number.
func (f *Framer) Enqueue(msg *FramedMessage) uint32 {
	f.Lock.Lock()
	defer f.Lock.Unlock()

	seq := f.nextSeq
	f.nextSeq++
	msg.Seq = seq
	f.pending = append(f.pending, msg.Encode())
	return seq
}

// Pending reports the number of bytes queued for DrainTo.
func (f *Framer) Pending() int {
	f.Lock.Lock()
	defer f.Lock.Unlock()
	n := 0
	for _, b := range f.pending {
		n += len(b)
	}
	return n
}

// DrainTo removes up to budget bytes of queued, encoded frames from the send
// queue and returns them concatenated, ready to write to the transport. A
// frame is never split across two DrainTo calls: if the next queued frame
// would overflow budget, draining stops before it (unless nothing has been
// drained yet in this call, in which case the oversized frame is returned
// alone).
func (f *Framer) DrainTo(budget int) []byte {
	f.Lock.Lock()
	defer f.Lock.Unlock()

	var out []byte
	i := 0
	for i < len(f.pending) {
		frame := f.pending[i]
		if len(out) > 0 && len(out)+len(frame) > budget {
			break
		}
		out = append(out, frame...)
		i++
		if len(out) >= budget {
			break
		}
	}
	f.pending = f.pending[i:]
	return out
}

// Feed appends newly read bytes from the transport and extracts every
// complete frame now available, in arrival order. Leftover partial bytes
// are retained for the next call.
func (f *Framer) Feed(data []byte) ([]*FramedMessage, error) {
	f.Lock.Lock()
	defer f.Lock.Unlock()

	f.readBuf = append(f.readBuf, data...)

	var out []*FramedMessage
	for {
		if len(f.readBuf) < lengthPrefixLen {
			break
		}
		totalLength := binary.BigEndian.Uint32(f.readBuf[0:4])
		if totalLength < frameHeaderLen {
			return out, errorf(ErrProtocolViolation, "feed", nil,
				"frame length %d smaller than header size %d", totalLength, frameHeaderLen)
		}
		need := lengthPrefixLen + int(totalLength)
		if len(f.readBuf) < need {
			break
		}
		msg, err := DecodeFramedMessage(f.readBuf[lengthPrefixLen:need])
		if err != nil {
			return out, err
		}
		out = append(out, msg)
		f.readBuf = f.readBuf[need:]
	}
	// Keep the backing array from growing unboundedly across many small Feed
	// calls once everything queued has been consumed.
	if len(f.readBuf) == 0 {
		f.readBuf = nil
	}
	return out, nil
}
