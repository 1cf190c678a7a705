package tunnel

import (
	"net/url"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// SessionPhase is a position in the phase state machine from spec.md §4.3.
type SessionPhase int

const (
	PhaseConnecting SessionPhase = iota
	PhaseHandshakingTLS
	PhasePostingHeaders
	PhaseWaitingForWelcome
	PhaseReady
	PhaseReconnecting
	PhaseClosed
)

func (p SessionPhase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseHandshakingTLS:
		return "handshaking-tls"
	case PhasePostingHeaders:
		return "posting-headers"
	case PhaseWaitingForWelcome:
		return "waiting-for-welcome"
	case PhaseReady:
		return "ready"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultReconnectMaxTotal = 5 * time.Minute
	welcomeTimeout           = 30 * time.Second
)

// SessionConfig names everything a Session needs to create (spec.md §4.8's
// create operation).
type SessionConfig struct {
	ConnectionID string
	ServerURL    *url.URL
	CAPath       string
	ProxyURL     *url.URL // overrides ProxyResolver when non-nil

	ProxyResolver      ProxyURLResolver
	RewriteLocalhost   bool
	AllowedNonLoopback []string

	HeartbeatInterval time.Duration
	ReconnectMaxTotal time.Duration

	OnReady             func()
	OnDisconnect        func(cancelled bool, err error)
	OnReconnectBegin    func()
	OnReconnectEnd      func(ok bool)
	OnListenerAnnounced func(port uint16)
	OnListenerClosed    func(port uint16)

	Logger Logger
}

// Session orchestrates one tunnel proxy run: the phase state machine,
// Transport lifecycle, Framer, ReplayBuffer, Channel table, Listener table,
// heartbeats, and reconnect-and-replay. It is the only type the embedding
// binary (main.go) talks to directly, per spec.md §4.8.
type Session struct {
	ShutdownHelper

	cfg SessionConfig

	mu              sync.Mutex
	phase           SessionPhase
	reconnectSecret string
	lastReceivedSeq uint32 // highest seq accepted from peer so far
	receivedAny     bool
	lastPeerAckSeq  uint32 // peer's cumulative ack of our sends
	localAddr       string
	localHost       string

	framer    *Framer
	replay    *ReplayBuffer
	channels  *ChannelTable
	listeners *ListenerTable
	transport *Transport

	dirty   chan struct{}
	inbound chan *FramedMessage
	ioErr   chan error
	cancel  chan struct{}

	echoNonce uint32
}

// NewSession constructs a Session; it does not start any I/O.
func NewSession(cfg SessionConfig) *Session {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ReconnectMaxTotal <= 0 {
		cfg.ReconnectMaxTotal = defaultReconnectMaxTotal
	}
	if cfg.ProxyResolver == nil {
		cfg.ProxyResolver = EnvProxyURLResolver(cfg.Logger)
	}

	s := &Session{
		cfg:       cfg,
		phase:     PhaseConnecting,
		channels:  NewChannelTable(),
		listeners: NewListenerTable(cfg.AllowedNonLoopback),
		replay:    NewReplayBuffer(cfg.Logger, DefaultReplayBufferBudget, 0),
		dirty:     make(chan struct{}, 1),
		inbound:   make(chan *FramedMessage, 64),
		ioErr:     make(chan error, 2),
		cancel:    make(chan struct{}),
	}
	s.framer = NewFramer(1)
	s.InitShutdownHelper(cfg.Logger, s)
	return s
}

// Phase returns the Session's current phase.
func (s *Session) Phase() SessionPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) setPhase(p SessionPhase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// GetLocalAddress reports the Session's recorded local address while it is
// Ready or Reconnecting (ok is false in every other phase). No code path
// assigns that address, so ip and hostname are always empty strings.
func (s *Session) GetLocalAddress() (ip, hostname string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseReady && s.phase != PhaseReconnecting {
		return "", "", false
	}
	return s.localAddr, s.localHost, true
}

// Start drives the phase machine in a background goroutine and returns
// immediately. Shutdown stays paused until runLoop finishes, so a Cancel
// during Ready flushes DISCONNECT before teardown closes the transport.
func (s *Session) Start() {
	s.PauseShutdown()
	go s.runLoop()
}

// Cancel requests graceful termination: DISCONNECT(ClientCancel) is sent if
// a transport is attached, then teardown proceeds. Idempotent.
func (s *Session) Cancel() {
	select {
	case <-s.cancel:
	default:
		close(s.cancel)
	}
	s.StartShutdown(NewError(ErrClientCancel, "cancel", "client requested disconnect", nil))
}

// HandleOnceShutdown tears down listeners, channels, and the transport.
// Part of OnceShutdownHandler.
func (s *Session) HandleOnceShutdown(completionErr error) error {
	s.listeners.CloseAll()
	s.channels.CancelAll()
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t != nil {
		t.Close()
	}
	return completionErr
}

// runLoop is the top-level state machine: connect, handshake, run Ready
// until the transport dies, then either reconnect or close permanently.
func (s *Session) runLoop() {
	bo := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: true}
	reconnectDeadline := time.Time{}

	var finalErr error
	cancelled := false
	reconnecting := false

	for {
		select {
		case <-s.cancel:
			cancelled = true
			finalErr = NewError(ErrClientCancel, "run-loop", "cancelled before connect", nil)
			goto done
		default:
		}

		s.setPhase(PhaseConnecting)
		t, err := Connect(TransportConfig{ServerURL: s.cfg.ServerURL, ProxyURL: s.effectiveProxyURL(), CAPath: s.cfg.CAPath})
		if err != nil {
			finalErr = err
			if !s.canRetry(&reconnectDeadline) {
				goto done
			}
			s.waitBackoff(bo)
			continue
		}

		s.setPhase(PhasePostingHeaders)
		if err := t.SendRequestHeaders(); err != nil {
			t.Close()
			finalErr = err
			if !s.canRetry(&reconnectDeadline) {
				goto done
			}
			s.waitBackoff(bo)
			continue
		}
		if err := t.ConsumeResponseHeaders(); err != nil {
			t.Close()
			finalErr = err
			if !s.canRetry(&reconnectDeadline) {
				goto done
			}
			s.waitBackoff(bo)
			continue
		}

		s.setPhase(PhaseWaitingForWelcome)
		if err := s.handshake(t); err != nil {
			t.Close()
			finalErr = err
			if isTerminal(err) || !s.canRetry(&reconnectDeadline) {
				goto done
			}
			s.waitBackoff(bo)
			continue
		}

		// Handshake succeeded: reset backoff/deadline tracking and run Ready.
		bo.Reset()
		reconnectDeadline = time.Time{}
		s.framer.ResetReadBuffer()
		wasReconnect := reconnecting
		reconnecting = false
		s.setPhase(PhaseReady)
		s.mu.Lock()
		s.transport = t
		s.mu.Unlock()
		if wasReconnect && s.cfg.OnReconnectEnd != nil {
			s.cfg.OnReconnectEnd(true)
		}
		if s.cfg.OnReady != nil {
			s.cfg.OnReady()
		}

		err = s.readyLoop(t)
		s.mu.Lock()
		s.transport = nil
		s.mu.Unlock()
		t.Close()

		if err == errCancelled {
			cancelled = true
			finalErr = NewError(ErrClientCancel, "ready-loop", "client requested disconnect", nil)
			goto done
		}

		finalErr = err
		if isTerminal(err) || s.reconnectSecret == "" || !s.canRetry(&reconnectDeadline) {
			goto done
		}
		s.setPhase(PhaseReconnecting)
		reconnecting = true
		if s.cfg.OnReconnectBegin != nil {
			s.cfg.OnReconnectBegin()
		}
		s.waitBackoff(bo)
	}

done:
	s.setPhase(PhaseClosed)
	if s.cfg.OnDisconnect != nil {
		s.cfg.OnDisconnect(cancelled, finalErr)
	}
	s.ResumeAndShutdown(finalErr)
}

func (s *Session) effectiveProxyURL() *url.URL {
	if s.cfg.ProxyURL != nil {
		return s.cfg.ProxyURL
	}
	u, err := s.cfg.ProxyResolver(s.cfg.ServerURL)
	if err != nil || u == nil {
		return nil
	}
	return u
}

// canRetry reports whether another reconnect attempt fits within the total
// reconnect window (spec.md §4.6), initializing the deadline on first call.
func (s *Session) canRetry(deadline *time.Time) bool {
	if s.reconnectSecret == "" {
		return false
	}
	if deadline.IsZero() {
		*deadline = time.Now().Add(s.cfg.ReconnectMaxTotal)
	}
	return time.Now().Before(*deadline)
}

// isTerminal reports whether err's kind makes the session unrecoverable
// regardless of reconnect budget remaining, per spec.md §4.6: a lost replay
// window means the peer can never be resynced, so retrying is pointless.
func isTerminal(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	return kind == ErrReplayWindowLost
}

func (s *Session) waitBackoff(bo *backoff.Backoff) {
	select {
	case <-time.After(bo.Duration()):
	case <-s.cancel:
	}
}

var errCancelled = NewError(ErrClientCancel, "ready-loop", "cancelled", nil)

// handshake sends INIT (carrying the reconnect secret and last-received
// sequence, if resuming) and waits for INIT_REPLY + AUTH_REPLY, per
// spec.md §4.3/§4.6.
func (s *Session) handshake(t *Transport) error {
	s.mu.Lock()
	secret := s.reconnectSecret
	lastReceived := s.lastReceivedSeq
	s.mu.Unlock()

	init := &InitPayload{
		Version:         protocolVersion,
		ConnectionID:    s.cfg.ConnectionID,
		ReconnectSecret: secret,
		LastReceivedSeq: lastReceived,
	}
	if err := t.WriteChunk((&FramedMessage{Type: MsgInit, Payload: init.Encode()}).Encode()); err != nil {
		return err
	}

	framer := NewFramer(0) // handshake framing is independent of the steady-state Framer's sequence space
	deadline := time.Now().Add(welcomeTimeout)
	gotInitReply := false
	gotAuthOK := false

	for !gotInitReply || !gotAuthOK {
		if time.Now().After(deadline) {
			return errorf(ErrProtocolViolation, "handshake", nil, "timed out waiting for welcome")
		}
		chunk, err := t.ReadChunk()
		if err != nil {
			return errorf(ErrTransportConnectFailed, "handshake", err, "failed reading welcome")
		}
		msgs, err := framer.Feed(chunk)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			switch m.Type {
			case MsgInitReply:
				reply, err := DecodeInitReplyPayload(m.Payload)
				if err != nil {
					return err
				}
				if reply.Version != protocolVersion {
					return errorf(ErrProtocolViolation, "handshake", nil, "version mismatch: peer=%d local=%d", reply.Version, protocolVersion)
				}
				s.mu.Lock()
				s.reconnectSecret = reply.ReconnectSecret
				s.mu.Unlock()
				if reply.HeartbeatIntervalMs > 0 {
					s.cfg.HeartbeatInterval = time.Duration(reply.HeartbeatIntervalMs) * time.Millisecond
				}
				if secret != "" {
					if err := s.resyncReplay(t, reply.LastReceivedSeq); err != nil {
						return err
					}
				}
				gotInitReply = true
			case MsgAuthReply:
				auth, err := DecodeAuthReplyPayload(m.Payload)
				if err != nil {
					return err
				}
				if !auth.OK {
					return errorf(ErrHTTPRejected, "handshake", nil, "authentication rejected: %s", auth.Cause)
				}
				gotAuthOK = true
			case MsgDisconnect:
				d, _ := DecodeDisconnectPayload(m.Payload)
				reason := ErrServerDisconnect
				if d != nil && d.Reason != "" {
					reason = ErrorKind(d.Reason)
				}
				return NewError(reason, "handshake", "peer disconnected during handshake", nil)
			default:
				return errorf(ErrProtocolViolation, "handshake", nil, "unexpected message %s during handshake", m.Type)
			}
		}
	}
	return nil
}

// resyncReplay retransmits every ReplayBuffer entry newer than the peer's
// last-received sequence, per spec.md §4.6. Called only when resuming an
// existing reconnect secret.
func (s *Session) resyncReplay(t *Transport, peerLastReceived uint32) error {
	frames, ok := s.replay.Replay(peerLastReceived)
	if !ok {
		return NewError(ErrReplayWindowLost, "resync", "peer requested a sequence older than our buffered window", nil)
	}
	for _, f := range frames {
		if err := t.WriteChunk(f); err != nil {
			return err
		}
	}
	return nil
}

// readyLoop runs the single dispatch loop for one connected transport: every
// inbound message is handled here. Channel pumps and listener accept loops
// also enqueue frames and register channels from their own goroutines,
// through the internally locked Framer, ReplayBuffer and ChannelTable. It
// always returns a non-nil error: errCancelled when cancellation was
// requested, otherwise the transport, protocol or peer-disconnect error
// that ended the loop.
func (s *Session) readyLoop(t *Transport) error {
	done := make(chan struct{})
	var closeDoneOnce sync.Once
	closeDone := func() { closeDoneOnce.Do(func() { close(done) }) }
	defer closeDone()

	writeStopped := make(chan struct{})
	go s.readPump(t, done)
	go func() {
		defer close(writeStopped)
		s.writePump(t, done)
	}()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	peerAlive := time.NewTimer(3 * s.cfg.HeartbeatInterval)
	defer peerAlive.Stop()
	ackTicker := time.NewTicker(time.Second)
	defer ackTicker.Stop()

	var lastAckSent uint32
	var haveSentAck bool

	for {
		select {
		case <-s.cancel:
			disc := &DisconnectPayload{Reason: string(ErrClientCancel)}
			s.enqueue(&FramedMessage{Type: MsgDisconnect, Payload: disc.Encode()})
			// Stop the write pump and wait for it to actually exit before
			// taking over the wire directly, so the final DISCONNECT flush
			// never interleaves with a write pump still in flight.
			closeDone()
			<-writeStopped
			s.flush(t)
			return errCancelled

		case err := <-s.ioErr:
			return err

		case msg := <-s.inbound:
			peerAlive.Reset(3 * s.cfg.HeartbeatInterval)
			if err := s.handleMessage(msg); err != nil {
				return err
			}

		case <-heartbeat.C:
			s.echoNonce++
			s.enqueue(&FramedMessage{Type: MsgEchoReq, Payload: EncodeEchoPayload(s.echoNonce)})
			s.cfg.Logger.DLogf("channels %s", s.channels.Stats.String())

		case <-ackTicker.C:
			s.mu.Lock()
			seq := s.lastReceivedSeq
			received := s.receivedAny
			s.mu.Unlock()
			// spec.md §8 invariant 5: never ack past a message still sitting in
			// a channel's inbound buffer, waiting on a slow local socket.
			s.channels.Each(func(ch *Channel) {
				if pending, ok := ch.PendingSeq(); ok && pending-1 < seq {
					seq = pending - 1
				}
			})
			if received && (!haveSentAck || seq != lastAckSent) {
				s.enqueue(&FramedMessage{Type: MsgAck, Payload: EncodeAckPayload(seq)})
				lastAckSent = seq
				haveSentAck = true
			}

		case <-peerAlive.C:
			return NewError(ErrHeartbeatTimeout, "ready-loop", "no traffic from peer within deadline", nil)
		}
	}
}

// enqueue hands msg to the Framer, records it in the ReplayBuffer, and
// wakes the write pump.
func (s *Session) enqueue(msg *FramedMessage) {
	seq := s.framer.Enqueue(msg)
	s.replay.Append(seq, msg.Encode())
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// flush blocks briefly, draining the Framer directly, used only for the
// final DISCONNECT on graceful cancel where waiting on the write pump's
// normal cadence would race session teardown.
func (s *Session) flush(t *Transport) {
	for i := 0; i < 100; i++ {
		b := s.framer.DrainTo(16 * 1024)
		if len(b) == 0 {
			break
		}
		if err := t.WriteChunk(b); err != nil {
			return
		}
	}
	t.WriteFinalChunk()
}

func (s *Session) handleMessage(m *FramedMessage) error {
	s.mu.Lock()
	if s.receivedAny && m.Seq != s.lastReceivedSeq+1 {
		s.mu.Unlock()
		return errorf(ErrProtocolViolation, "dispatch", nil, "sequence gap: expected %d, got %d", s.lastReceivedSeq+1, m.Seq)
	}
	s.lastReceivedSeq = m.Seq
	s.receivedAny = true
	s.mu.Unlock()

	switch m.Type {
	case MsgListen:
		return s.handleListen(m)
	case MsgListenClose:
		port, err := DecodeListenClosePayload(m.Payload)
		if err != nil {
			return err
		}
		if l, ok := s.listeners.Remove(port); ok {
			l.StartShutdown(nil)
			if s.cfg.OnListenerClosed != nil {
				s.cfg.OnListenerClosed(port)
			}
		}
		return nil
	case MsgChannelOpenReply:
		return s.handleChannelOpenReply(m)
	case MsgChannelData:
		ch, ok := s.channels.Get(m.Channel)
		if !ok {
			return nil // channel already closed locally; peer hasn't caught up yet
		}
		return ch.HandleInboundData(m.Seq, m.Payload)
	case MsgChannelClose:
		ch, ok := s.channels.Get(m.Channel)
		if !ok {
			return nil
		}
		reason, err := DecodeChannelClosePayload(m.Payload)
		if err != nil {
			return err
		}
		ch.HandleInboundClose(reason)
		if ch.State() == ChannelClosed {
			s.channels.Release(m.Channel)
		}
		return nil
	case MsgAck:
		seq, err := DecodeAckPayload(m.Payload)
		if err != nil {
			return err
		}
		s.mu.Lock()
		advanced := seq > s.lastPeerAckSeq
		s.lastPeerAckSeq = seq
		s.mu.Unlock()
		s.replay.Ack(seq)
		if advanced {
			// The outer ACK is cumulative over the whole session stream, not
			// per channel, so headroom is restored uniformly rather than
			// precisely attributed to the channel(s) whose data it covers.
			s.channels.Each(func(ch *Channel) {
				ch.AdjustOutboundWindow(DefaultChannelFlowBudget)
			})
		}
		return nil
	case MsgEchoReq:
		nonce, err := DecodeEchoPayload(m.Payload)
		if err != nil {
			return err
		}
		s.enqueue(&FramedMessage{Type: MsgEchoReply, Payload: EncodeEchoPayload(nonce)})
		return nil
	case MsgEchoReply:
		return nil
	case MsgDisconnect:
		d, _ := DecodeDisconnectPayload(m.Payload)
		reason := ErrServerDisconnect
		if d != nil && d.Reason != "" {
			reason = ErrorKind(d.Reason)
		}
		if d != nil {
			s.mu.Lock()
			s.reconnectSecret = d.ReconnectSecret
			s.mu.Unlock()
		}
		return NewError(reason, "dispatch", "peer sent DISCONNECT", nil)
	default:
		return errorf(ErrProtocolViolation, "dispatch", nil, "unexpected message type %s", m.Type)
	}
}

func (s *Session) handleListen(m *FramedMessage) error {
	l, err := DecodeListenPayload(m.Payload)
	if err != nil {
		return err
	}
	bindAddr := l.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	if s.cfg.RewriteLocalhost && bindAddr == "localhost" {
		bindAddr = "127.0.0.1"
	}
	if !s.listeners.CheckBindAllowed(bindAddr) {
		return errorf(ErrProtocolViolation, "listen", nil, "bind address %q not loopback and not allow-listed", bindAddr)
	}

	ln, err := NewListener(s.cfg.Logger, l.Port, bindAddr, l.TargetHost, l.TargetPort, s)
	if err != nil {
		return err
	}
	s.listeners.Add(ln)
	if s.cfg.OnListenerAnnounced != nil {
		s.cfg.OnListenerAnnounced(l.Port)
	}
	return nil
}

func (s *Session) handleChannelOpenReply(m *FramedMessage) error {
	ch, ok := s.channels.Get(m.Channel)
	if !ok {
		return nil
	}
	reply, err := DecodeChannelOpenReplyPayload(m.Payload)
	if err != nil {
		return err
	}
	if !reply.OK {
		s.channels.Release(m.Channel)
		ch.Cancel()
		return nil
	}
	ch.Open()
	return nil
}

// openChannelForAccept implements ListenerSink: allocate a channel id,
// register the Channel, and send CHANNEL_OPEN.
func (s *Session) openChannelForAccept(conn ChannelConn, targetHost string, targetPort uint16) {
	id := s.channels.Alloc()
	ch := NewChannel(id, conn, targetHost, targetPort, s, s.cfg.Logger)
	s.channels.Add(ch)

	open := &ChannelOpenPayload{TargetHost: targetHost, TargetPort: targetPort}
	s.enqueue(&FramedMessage{Type: MsgChannelOpen, HasChan: true, Channel: id, Payload: open.Encode()})
}

// sendChannelData implements ChannelSink.
func (s *Session) sendChannelData(id ChannelID, p []byte) {
	s.enqueue(&FramedMessage{Type: MsgChannelData, HasChan: true, Channel: id, Payload: p})
}

// sendChannelClose implements ChannelSink.
func (s *Session) sendChannelClose(id ChannelID, reason string) {
	s.enqueue(&FramedMessage{Type: MsgChannelClose, HasChan: true, Channel: id, Payload: EncodeChannelClosePayload(reason)})
}

// readPump turns inbound chunks into FramedMessages and feeds them to the
// dispatch loop. It moves bytes only; all interpretation happens in
// handleMessage on the readyLoop goroutine.
func (s *Session) readPump(t *Transport, done <-chan struct{}) {
	for {
		chunk, err := t.ReadChunk()
		if err != nil {
			select {
			case s.ioErr <- errorf(ErrTransportConnectFailed, "read-pump", err, "transport read failed"):
			case <-done:
			}
			return
		}
		msgs, err := s.framer.Feed(chunk)
		if err != nil {
			select {
			case s.ioErr <- err:
			case <-done:
			}
			return
		}
		for _, m := range msgs {
			select {
			case s.inbound <- m:
			case <-done:
				return
			}
		}
	}
}

// writePump drains the Framer's send queue to the transport whenever
// enqueue() signals new data, or periodically as a fallback.
func (s *Session) writePump(t *Transport, done <-chan struct{}) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.dirty:
		case <-ticker.C:
		}
		for {
			b := s.framer.DrainTo(16 * 1024)
			if len(b) == 0 {
				break
			}
			if err := t.WriteChunk(b); err != nil {
				select {
				case s.ioErr <- errorf(ErrTransportConnectFailed, "write-pump", err, "transport write failed"):
				case <-done:
				}
				return
			}
		}
	}
}
