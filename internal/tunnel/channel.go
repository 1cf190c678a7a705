package tunnel

import (
	"io"
	"sync"
)

// ChannelState is a position in the Channel state machine described in
// spec.md §4.3: Connecting -> Open -> (HalfClosedLocal|HalfClosedRemote) -> Closed.
type ChannelState int

const (
	ChannelConnecting ChannelState = iota
	ChannelOpen
	ChannelHalfClosedLocal
	ChannelHalfClosedRemote
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelHalfClosedLocal:
		return "half-closed-local"
	case ChannelHalfClosedRemote:
		return "half-closed-remote"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultChannelFlowBudget is the default per-direction flow-control window
// in bytes, per spec.md §4.4.
const DefaultChannelFlowBudget = 64 * 1024

// ChannelSink is invoked directly from a Channel's pump goroutine to turn
// local data and close events into outbound frames. Both methods must be
// safe to call from any goroutine; the Session serializes the actual framed
// sends internally.
type ChannelSink interface {
	// sendChannelData enqueues a CHANNEL_DATA frame carrying p for this channel.
	sendChannelData(id ChannelID, p []byte)

	// sendChannelClose enqueues a CHANNEL_CLOSE frame for this channel.
	sendChannelClose(id ChannelID, reason string)
}

// Channel is one multiplexed virtual TCP connection: a local ChannelConn
// paired with a remote host:port dialed by the peer, identified by a small
// integer id unique within the owning Session.
type Channel struct {
	Lock sync.Mutex
	cond *sync.Cond

	ID         ChannelID
	TargetHost string
	TargetPort uint16

	logger Logger
	sink   ChannelSink
	conn   ChannelConn

	state       ChannelState
	closeReason string

	outboundWindow int // remaining bytes this channel may send before blocking on ACK
	inboundBudget  int // total bytes this channel may buffer from inbound CHANNEL_DATA

	inboundQueue  []inboundChunk // buffered CHANNEL_DATA not yet written to the local socket
	inboundQueued int            // sum of len(data) over inboundQueue

	readDone  chan struct{}
	closeOnce sync.Once
}

// inboundChunk is one buffered, not-yet-delivered CHANNEL_DATA payload along
// with the outer sequence number it arrived on.
type inboundChunk struct {
	seq  uint32
	data []byte
}

// NewChannel creates a Channel in the Connecting state, wrapping conn as its
// local socket endpoint.
func NewChannel(id ChannelID, conn ChannelConn, targetHost string, targetPort uint16, sink ChannelSink, logger Logger) *Channel {
	c := &Channel{
		ID:             id,
		TargetHost:     targetHost,
		TargetPort:     targetPort,
		logger:         logger.Fork("channel[%d]", id),
		sink:           sink,
		conn:           conn,
		state:          ChannelConnecting,
		outboundWindow: DefaultChannelFlowBudget,
		inboundBudget:  DefaultChannelFlowBudget,
		readDone:       make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.Lock)
	go c.writePump()
	return c
}

// State returns the channel's current state.
func (c *Channel) State() ChannelState {
	c.Lock.Lock()
	defer c.Lock.Unlock()
	return c.state
}

// Open transitions a Connecting channel to Open and starts the local-read
// pump that turns local socket bytes into CHANNEL_DATA frames. Called once
// CHANNEL_OPEN_REPLY(ok) has been processed by the dispatcher.
func (c *Channel) Open() {
	c.Lock.Lock()
	if c.state != ChannelConnecting {
		c.Lock.Unlock()
		return
	}
	c.state = ChannelOpen
	c.Lock.Unlock()

	go c.readPump()
}

// readPump copies local socket reads into CHANNEL_DATA frames until EOF or
// error, then signals local half-close.
func (c *Channel) readPump() {
	defer close(c.readDone)
	buf := make([]byte, 32*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !c.awaitOutboundWindow(len(chunk)) {
				return // channel closed while waiting for flow-control headroom
			}
			c.sink.sendChannelData(c.ID, chunk)
		}
		if err != nil {
			if err != io.EOF {
				c.logger.DLogf("local read error: %s", err)
			}
			c.localEOF()
			return
		}
	}
}

// awaitOutboundWindow blocks until at least n bytes of outbound flow-control
// budget are available, then reserves them. It returns false if the channel
// closed while waiting.
func (c *Channel) awaitOutboundWindow(n int) bool {
	c.Lock.Lock()
	defer c.Lock.Unlock()
	for c.outboundWindow < n {
		if c.state == ChannelClosed {
			return false
		}
		c.cond.Wait()
	}
	c.outboundWindow -= n
	return true
}

// localEOF handles local socket EOF: sends CHANNEL_CLOSE and moves to
// HalfClosedLocal (or Closed, if the remote side already half-closed).
func (c *Channel) localEOF() {
	c.Lock.Lock()
	switch c.state {
	case ChannelOpen:
		c.state = ChannelHalfClosedLocal
	case ChannelHalfClosedRemote:
		c.state = ChannelClosed
	default:
		c.Lock.Unlock()
		return
	}
	done := c.state == ChannelClosed
	c.Lock.Unlock()

	c.sink.sendChannelClose(c.ID, "")
	if done {
		c.closeLocal(nil)
	}
}

// HandleInboundData queues peer-sent CHANNEL_DATA payload for delivery to the
// local socket by writePump. Called from the Session's single dispatch
// loop, so it never itself blocks on the local socket: spec.md §4.4 requires
// inbound data to reach the socket non-blockingly, with overflow buffered
// per channel up to the same flow-control budget used for the outbound
// direction.
func (c *Channel) HandleInboundData(seq uint32, p []byte) error {
	c.Lock.Lock()
	defer c.Lock.Unlock()
	if c.state == ChannelClosed || c.state == ChannelHalfClosedRemote {
		return errorf(ErrProtocolViolation, "channel-data", nil, "channel %d: data after remote close", c.ID)
	}
	if c.inboundQueued+len(p) > c.inboundBudget {
		return errorf(ErrProtocolViolation, "channel-data", nil, "channel %d: peer exceeded inbound flow budget", c.ID)
	}
	c.inboundQueued += len(p)
	c.inboundQueue = append(c.inboundQueue, inboundChunk{seq: seq, data: p})
	c.cond.Broadcast()
	return nil
}

// PendingSeq returns the sequence number of the oldest CHANNEL_DATA frame
// still buffered for this channel (not yet written to the local socket), if
// any. The Session uses this to hold back the outer ACK watermark per
// spec.md §8 invariant 5: ACK(n) must not be sent until every message with
// sequence <= n has been fully dispatched to its owner.
func (c *Channel) PendingSeq() (uint32, bool) {
	c.Lock.Lock()
	defer c.Lock.Unlock()
	if len(c.inboundQueue) == 0 {
		return 0, false
	}
	return c.inboundQueue[0].seq, true
}

// writePump delivers buffered inbound CHANNEL_DATA to the local socket off
// the Session's dispatch goroutine, one chunk at a time, in order.
func (c *Channel) writePump() {
	for {
		c.Lock.Lock()
		for len(c.inboundQueue) == 0 && c.state != ChannelClosed {
			c.cond.Wait()
		}
		if c.state == ChannelClosed {
			c.inboundQueue = nil
			c.inboundQueued = 0
			c.Lock.Unlock()
			return
		}
		// The chunk stays at the head of the queue until written, so
		// PendingSeq keeps reporting it while the local socket is slow.
		chunk := c.inboundQueue[0]
		c.Lock.Unlock()

		_, err := c.conn.Write(chunk.data)

		c.Lock.Lock()
		if len(c.inboundQueue) > 0 {
			c.inboundQueue = c.inboundQueue[1:]
		}
		c.inboundQueued -= len(chunk.data)
		c.Lock.Unlock()
		c.cond.Broadcast()

		if err != nil {
			c.logger.DLogf("local write error: %s", err)
			c.closeLocal(err)
			return
		}
	}
}

// HandleInboundClose processes a peer CHANNEL_CLOSE: half-close the local
// socket's write side (if supported) and move to HalfClosedRemote/Closed.
func (c *Channel) HandleInboundClose(reason string) {
	c.Lock.Lock()
	c.closeReason = reason
	switch c.state {
	case ChannelOpen:
		c.state = ChannelHalfClosedRemote
	case ChannelHalfClosedLocal:
		c.state = ChannelClosed
	}
	done := c.state == ChannelClosed
	c.Lock.Unlock()
	c.cond.Broadcast()

	c.conn.CloseWrite()
	if done {
		c.closeLocal(nil)
	}
}

// AdjustOutboundWindow applies a cumulative ACK to this channel's remaining
// send budget, restoring headroom and waking any readPump blocked in
// awaitOutboundWindow.
func (c *Channel) AdjustOutboundWindow(delta int) {
	c.Lock.Lock()
	c.outboundWindow += delta
	if c.outboundWindow > DefaultChannelFlowBudget {
		c.outboundWindow = DefaultChannelFlowBudget
	}
	c.Lock.Unlock()
	c.cond.Broadcast()
}

// closeLocal closes the local socket and reports err via Close (once only).
func (c *Channel) closeLocal(err error) {
	c.closeOnce.Do(func() {
		c.conn.StartShutdown(err)
	})
}

// Cancel forcibly closes the channel's local socket regardless of state,
// used during session teardown.
func (c *Channel) Cancel() {
	c.Lock.Lock()
	c.state = ChannelClosed
	c.Lock.Unlock()
	c.cond.Broadcast()
	c.closeLocal(nil)
}
