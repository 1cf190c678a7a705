package tunnel

import (
	"sync"
	"time"

	"github.com/jpillora/sizestr"
)

// DefaultReplayBufferBudget is the default byte budget for a ReplayBuffer,
// per spec.md §3.
const DefaultReplayBufferBudget = 256 * 1024

// replayEntry is one retained outbound message, kept until it is pruned.
type replayEntry struct {
	seq    uint32
	frame  []byte
	stored time.Time
}

// ReplayBuffer retains recently sent FramedMessages so they can be
// retransmitted after a reconnect. It is bounded by a byte budget and a time
// window; messages older than the last peer acknowledgement are eligible
// for pruning.
type ReplayBuffer struct {
	Lock sync.Mutex

	logger     Logger
	byteBudget int
	timeWindow time.Duration

	entries   []replayEntry
	totalSize int
	ackedSeq  uint32 // last sequence acknowledged by the peer, or 0 if none
}

// NewReplayBuffer creates a ReplayBuffer with the given byte budget and
// retention time window. A zero byteBudget selects DefaultReplayBufferBudget.
func NewReplayBuffer(logger Logger, byteBudget int, timeWindow time.Duration) *ReplayBuffer {
	if byteBudget <= 0 {
		byteBudget = DefaultReplayBufferBudget
	}
	return &ReplayBuffer{
		logger:     logger,
		byteBudget: byteBudget,
		timeWindow: timeWindow,
	}
}

// Append records a just-sent, already-encoded frame under its sequence
// number, then prunes anything now past budget or window.
func (b *ReplayBuffer) Append(seq uint32, frame []byte) {
	b.Lock.Lock()
	defer b.Lock.Unlock()

	b.entries = append(b.entries, replayEntry{seq: seq, frame: frame, stored: time.Now()})
	b.totalSize += len(frame)
	b.pruneLocked()
}

// Ack records the peer's cumulative last-received sequence, making every
// entry at or before it eligible for pruning, then prunes as pruneLocked
// describes.
func (b *ReplayBuffer) Ack(seq uint32) {
	b.Lock.Lock()
	defer b.Lock.Unlock()

	if seq > b.ackedSeq {
		b.ackedSeq = seq
	}
	b.pruneLocked()
}

// pruneLocked drops entries that are both acknowledged and either over the
// byte budget or older than the time window. Unacknowledged entries are
// never dropped, even over budget, since dropping them would make a future
// resync or ACK accounting impossible to satisfy correctly; the budget is
// instead enforced by the caller refusing to enqueue further sends (not
// modeled here, since the embedder is expected to apply backpressure via
// flow control before the buffer grows unbounded).
func (b *ReplayBuffer) pruneLocked() {
	cut := 0
	now := time.Now()
	for cut < len(b.entries) {
		e := b.entries[cut]
		if e.seq > b.ackedSeq {
			break
		}
		overBudget := b.totalSize > b.byteBudget
		expired := b.timeWindow > 0 && now.Sub(e.stored) > b.timeWindow
		if !overBudget && !expired {
			break
		}
		b.totalSize -= len(e.frame)
		cut++
	}
	if cut > 0 {
		dropped := b.entries[:cut]
		b.entries = b.entries[cut:]
		if b.logger != nil {
			b.logger.DLogf("replay buffer pruned %d frames (%s), window now %s",
				len(dropped), sizestr.ToString(int64(b.totalSize)), b.windowString())
		}
	}
}

func (b *ReplayBuffer) windowString() string {
	if len(b.entries) == 0 {
		return "empty"
	}
	return sizestr.ToString(int64(b.totalSize))
}

// EarliestSeq returns the sequence number of the oldest retained entry and
// true, or (0, false) if the buffer is empty.
func (b *ReplayBuffer) EarliestSeq() (uint32, bool) {
	b.Lock.Lock()
	defer b.Lock.Unlock()
	if len(b.entries) == 0 {
		return 0, false
	}
	return b.entries[0].seq, true
}

// Replay returns, in order, the encoded frames for every retained message
// with sequence strictly greater than afterSeq. It reports ok=false if
// afterSeq is older than the earliest retained entry (ErrReplayWindowLost):
// the caller cannot satisfy the peer's requested resync point.
func (b *ReplayBuffer) Replay(afterSeq uint32) (frames [][]byte, ok bool) {
	b.Lock.Lock()
	defer b.Lock.Unlock()

	if len(b.entries) > 0 && b.entries[0].seq > afterSeq+1 {
		return nil, false
	}
	for _, e := range b.entries {
		if e.seq > afterSeq {
			frames = append(frames, e.frame)
		}
	}
	return frames, true
}
