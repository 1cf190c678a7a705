package tunnel

import (
	"container/heap"
	"sync"
)

// idHeap is a min-heap of free ChannelIDs, so allocation always returns the
// smallest available id, per spec.md §4.4 ("allocated from a free pool,
// smallest first").
type idHeap []ChannelID

func (h idHeap) Len() int            { return len(h) }
func (h idHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x interface{}) { *h = append(*h, x.(ChannelID)) }
func (h *idHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// ChannelTable is the set of active Channels for one Session, keyed by id.
// Ids are recycled only after the peer has acknowledged the channel's close
// (spec.md §3), so callers must call Release only once a channel is fully
// Closed on both sides.
type ChannelTable struct {
	Lock sync.Mutex

	channels map[ChannelID]*Channel
	free     idHeap
	nextNew  ChannelID

	Stats ConnStats
}

// NewChannelTable creates an empty ChannelTable.
func NewChannelTable() *ChannelTable {
	t := &ChannelTable{
		channels: make(map[ChannelID]*Channel),
	}
	heap.Init(&t.free)
	return t
}

// Alloc reserves the smallest available channel id and returns it. The
// caller is responsible for constructing the Channel and calling Add.
func (t *ChannelTable) Alloc() ChannelID {
	t.Lock.Lock()
	defer t.Lock.Unlock()

	if len(t.free) > 0 {
		return heap.Pop(&t.free).(ChannelID)
	}
	id := t.nextNew
	t.nextNew++
	return id
}

// Add registers ch under its id. Add panics if the id is already in use,
// since that would indicate a double allocation.
func (t *ChannelTable) Add(ch *Channel) {
	t.Lock.Lock()
	defer t.Lock.Unlock()
	if _, exists := t.channels[ch.ID]; exists {
		panic("channel id already registered")
	}
	t.channels[ch.ID] = ch
	t.Stats.New()
	t.Stats.Open()
}

// Get looks up a Channel by id.
func (t *ChannelTable) Get(id ChannelID) (*Channel, bool) {
	t.Lock.Lock()
	defer t.Lock.Unlock()
	ch, ok := t.channels[id]
	return ch, ok
}

// Release removes id from the table and returns it to the free pool. Must
// only be called once the channel is fully Closed.
func (t *ChannelTable) Release(id ChannelID) {
	t.Lock.Lock()
	defer t.Lock.Unlock()
	if _, ok := t.channels[id]; !ok {
		return
	}
	delete(t.channels, id)
	heap.Push(&t.free, id)
	t.Stats.Close()
}

// Len returns the number of currently registered channels.
func (t *ChannelTable) Len() int {
	t.Lock.Lock()
	defer t.Lock.Unlock()
	return len(t.channels)
}

// Each calls fn for every registered channel. fn must not call back into
// the ChannelTable, since Each holds the table lock for its duration.
func (t *ChannelTable) Each(fn func(*Channel)) {
	t.Lock.Lock()
	defer t.Lock.Unlock()
	for _, ch := range t.channels {
		fn(ch)
	}
}

// CancelAll forcibly cancels every registered channel, used during session
// teardown. It does not remove them from the table; the caller discards
// the table afterward.
func (t *ChannelTable) CancelAll() {
	t.Lock.Lock()
	chans := make([]*Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		chans = append(chans, ch)
	}
	t.Lock.Unlock()

	for _, ch := range chans {
		ch.Cancel()
	}
}
