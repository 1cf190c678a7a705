package tunnel

import (
	"fmt"
	"net"
	"sync"
)

// ListenerSink is the subset of Session behavior a Listener needs to open a
// Channel for each accepted local connection.
type ListenerSink interface {
	// openChannelForAccept allocates a channel id, registers the Channel in
	// the Channel table in state Connecting, and sends CHANNEL_OPEN toward
	// the peer naming targetHost/targetPort. The accepted local conn is
	// buffered on the Channel until CHANNEL_OPEN_REPLY arrives.
	openChannelForAccept(conn ChannelConn, targetHost string, targetPort uint16)
}

// Listener is a local TCP listener announced by the peer via LISTEN
// (spec.md §4.5): binds bindAddr:port, and on each accept asks the Session
// to open a Channel targeting the broker-side endpoint this listener
// represents.
type Listener struct {
	BasicConn // reuses ShutdownHelper + id/name plumbing, not byte counters

	Port       uint16
	BindAddr   string
	TargetHost string
	TargetPort uint16

	logger Logger
	sink   ListenerSink

	mu       sync.Mutex
	listener net.Listener
}

// NewListener creates a Listener for the given announced port/bind
// address/target and starts accepting immediately.
func NewListener(logger Logger, port uint16, bindAddr, targetHost string, targetPort uint16, sink ListenerSink) (*Listener, error) {
	l := &Listener{
		Port:       port,
		BindAddr:   bindAddr,
		TargetHost: targetHost,
		TargetPort: targetPort,
		sink:       sink,
	}
	l.InitBasicConn(logger, l, "Listener(%s:%d->%s:%d)", bindAddr, port, targetHost, targetPort)
	l.logger = logger

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bindAddr, port))
	if err != nil {
		return nil, errorf(ErrResourceExhausted, "listen", err, "bind %s:%d failed", bindAddr, port)
	}
	l.listener = ln

	go l.acceptLoop()
	return l, nil
}

// HandleOnceShutdown closes the bound socket exactly once.
func (l *Listener) HandleOnceShutdown(completionErr error) error {
	l.mu.Lock()
	ln := l.listener
	l.listener = nil
	l.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

func (l *Listener) acceptLoop() {
	for {
		netConn, err := l.listener.Accept()
		if err != nil {
			if l.IsStartedShutdown() {
				return
			}
			l.ELogf("accept failed: %s", err)
			l.StartShutdown(err)
			return
		}

		conn, err := NewSocketConn(l.logger, netConn)
		if err != nil {
			l.ELogf("failed to wrap accepted connection: %s", err)
			netConn.Close()
			continue
		}
		// conn is owned by the Channel opened for it, not by the Listener, so
		// shutting the Listener down leaves accepted connections open.
		l.sink.openChannelForAccept(conn, l.TargetHost, l.TargetPort)
	}
}

// isLoopbackAddr reports whether addr names a loopback interface, used by
// the Session to enforce spec.md §4.5's "must be loopback unless explicitly
// overridden" rule before constructing a Listener.
func isLoopbackAddr(addr string) bool {
	if addr == "" || addr == "localhost" {
		return true
	}
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}
