package tunnel

import "sync"

// ListenerTable is the set of active Listeners for one Session, keyed by
// the announced port (spec.md §4.5).
type ListenerTable struct {
	Lock sync.Mutex

	listeners  map[uint16]*Listener
	allowNonLB map[string]bool // allow-list of non-loopback bind addresses
}

// NewListenerTable creates an empty ListenerTable. allowedNonLoopback names
// bind addresses (besides loopback) that LISTEN is permitted to bind,
// per spec.md §4.5's "non-loopback requires an allow-list".
func NewListenerTable(allowedNonLoopback []string) *ListenerTable {
	allow := make(map[string]bool, len(allowedNonLoopback))
	for _, a := range allowedNonLoopback {
		allow[a] = true
	}
	return &ListenerTable{
		listeners:  make(map[uint16]*Listener),
		allowNonLB: allow,
	}
}

// CheckBindAllowed reports whether bindAddr may be used for a new Listener.
func (t *ListenerTable) CheckBindAllowed(bindAddr string) bool {
	if isLoopbackAddr(bindAddr) {
		return true
	}
	return t.allowNonLB[bindAddr]
}

// Add registers a newly created Listener under its announced port. It
// replaces and does not close any previous listener on the same port; the
// caller is expected to have closed a stale listener before re-announcing.
func (t *ListenerTable) Add(l *Listener) {
	t.Lock.Lock()
	defer t.Lock.Unlock()
	t.listeners[l.Port] = l
}

// Get looks up the Listener announced on port.
func (t *ListenerTable) Get(port uint16) (*Listener, bool) {
	t.Lock.Lock()
	defer t.Lock.Unlock()
	l, ok := t.listeners[port]
	return l, ok
}

// Remove drops port from the table and returns its Listener, if any. The
// caller is responsible for shutting the Listener down; existing channels
// opened through it are unaffected (spec.md §4.5).
func (t *ListenerTable) Remove(port uint16) (*Listener, bool) {
	t.Lock.Lock()
	defer t.Lock.Unlock()
	l, ok := t.listeners[port]
	if ok {
		delete(t.listeners, port)
	}
	return l, ok
}

// CloseAll shuts down every registered listener, used during session
// teardown.
func (t *ListenerTable) CloseAll() {
	t.Lock.Lock()
	ls := make([]*Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		ls = append(ls, l)
	}
	t.listeners = make(map[uint16]*Listener)
	t.Lock.Unlock()

	for _, l := range ls {
		l.StartShutdown(nil)
	}
}
