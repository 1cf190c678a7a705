package tunnel

import "encoding/binary"

// This file defines the payload encodings for each message type named in
// spec.md §4.3. Strings are u16-length-prefixed UTF-8; integers are
// big-endian, matching the outer frame header's own encoding.

const protocolVersion = 1

func putString(buf []byte, s string) []byte {
	b := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(b, uint16(len(s)))
	copy(b[2:], s)
	return append(buf, b...)
}

func getString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, errorf(ErrProtocolViolation, "decode", nil, "truncated string length")
	}
	n := int(binary.BigEndian.Uint16(b))
	if len(b) < 2+n {
		return "", nil, errorf(ErrProtocolViolation, "decode", nil, "truncated string body")
	}
	return string(b[2 : 2+n]), b[2+n:], nil
}

// InitPayload is the payload of an INIT message: the connecting side's
// protocol version and opaque connection id, plus (only nonzero on a
// reconnect attempt) the reconnect secret and the last sequence this side
// received from the peer before the transport died.
type InitPayload struct {
	Version            uint8
	ConnectionID       string
	ReconnectSecret    string
	LastReceivedSeq    uint32
}

func (p *InitPayload) Encode() []byte {
	buf := []byte{p.Version}
	buf = putString(buf, p.ConnectionID)
	buf = putString(buf, p.ReconnectSecret)
	seq := make([]byte, 4)
	binary.BigEndian.PutUint32(seq, p.LastReceivedSeq)
	return append(buf, seq...)
}

func DecodeInitPayload(b []byte) (*InitPayload, error) {
	if len(b) < 1 {
		return nil, errorf(ErrProtocolViolation, "decode-init", nil, "empty INIT payload")
	}
	p := &InitPayload{Version: b[0]}
	rest := b[1:]
	var err error
	p.ConnectionID, rest, err = getString(rest)
	if err != nil {
		return nil, err
	}
	p.ReconnectSecret, rest, err = getString(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) < 4 {
		return nil, errorf(ErrProtocolViolation, "decode-init", nil, "truncated INIT last-received-seq")
	}
	p.LastReceivedSeq = binary.BigEndian.Uint32(rest)
	return p, nil
}

// InitReplyPayload is the payload of an INIT_REPLY message.
type InitReplyPayload struct {
	Version             uint8
	ReconnectSecret     string
	HeartbeatIntervalMs uint32
	LastReceivedSeq     uint32
}

func (p *InitReplyPayload) Encode() []byte {
	buf := []byte{p.Version}
	buf = putString(buf, p.ReconnectSecret)
	tail := make([]byte, 8)
	binary.BigEndian.PutUint32(tail[0:4], p.HeartbeatIntervalMs)
	binary.BigEndian.PutUint32(tail[4:8], p.LastReceivedSeq)
	return append(buf, tail...)
}

func DecodeInitReplyPayload(b []byte) (*InitReplyPayload, error) {
	if len(b) < 1 {
		return nil, errorf(ErrProtocolViolation, "decode-init-reply", nil, "empty INIT_REPLY payload")
	}
	p := &InitReplyPayload{Version: b[0]}
	rest := b[1:]
	var err error
	p.ReconnectSecret, rest, err = getString(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) < 8 {
		return nil, errorf(ErrProtocolViolation, "decode-init-reply", nil, "truncated INIT_REPLY tail")
	}
	p.HeartbeatIntervalMs = binary.BigEndian.Uint32(rest[0:4])
	p.LastReceivedSeq = binary.BigEndian.Uint32(rest[4:8])
	return p, nil
}

// AuthReplyPayload is the payload of an AUTH_REPLY message.
type AuthReplyPayload struct {
	OK    bool
	Cause string
}

func (p *AuthReplyPayload) Encode() []byte {
	status := byte(0)
	if !p.OK {
		status = 1
	}
	return putString([]byte{status}, p.Cause)
}

func DecodeAuthReplyPayload(b []byte) (*AuthReplyPayload, error) {
	if len(b) < 1 {
		return nil, errorf(ErrProtocolViolation, "decode-auth-reply", nil, "empty AUTH_REPLY payload")
	}
	cause, _, err := getString(b[1:])
	if err != nil {
		return nil, err
	}
	return &AuthReplyPayload{OK: b[0] == 0, Cause: cause}, nil
}

// ListenPayload is the payload of a LISTEN message.
type ListenPayload struct {
	Port       uint16
	BindAddr   string
	Name       string
	TargetHost string
	TargetPort uint16
}

func (p *ListenPayload) Encode() []byte {
	head := make([]byte, 2)
	binary.BigEndian.PutUint16(head, p.Port)
	buf := putString(head, p.BindAddr)
	buf = putString(buf, p.Name)
	buf = putString(buf, p.TargetHost)
	tail := make([]byte, 2)
	binary.BigEndian.PutUint16(tail, p.TargetPort)
	return append(buf, tail...)
}

func DecodeListenPayload(b []byte) (*ListenPayload, error) {
	if len(b) < 2 {
		return nil, errorf(ErrProtocolViolation, "decode-listen", nil, "truncated LISTEN port")
	}
	p := &ListenPayload{Port: binary.BigEndian.Uint16(b)}
	rest := b[2:]
	var err error
	p.BindAddr, rest, err = getString(rest)
	if err != nil {
		return nil, err
	}
	p.Name, rest, err = getString(rest)
	if err != nil {
		return nil, err
	}
	p.TargetHost, rest, err = getString(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) < 2 {
		return nil, errorf(ErrProtocolViolation, "decode-listen", nil, "truncated LISTEN target port")
	}
	p.TargetPort = binary.BigEndian.Uint16(rest)
	return p, nil
}

// DecodeListenClosePayload extracts the announced port from a LISTEN_CLOSE payload.
func DecodeListenClosePayload(b []byte) (uint16, error) {
	if len(b) < 2 {
		return 0, errorf(ErrProtocolViolation, "decode-listen-close", nil, "truncated LISTEN_CLOSE payload")
	}
	return binary.BigEndian.Uint16(b), nil
}

// ChannelOpenPayload is the CHANNEL_OPEN payload (the channel id itself
// travels as a two-byte prefix ahead of it, per message.go's
// channelPrefixedTypes).
type ChannelOpenPayload struct {
	TargetHost string
	TargetPort uint16
}

func (p *ChannelOpenPayload) Encode() []byte {
	buf := putString(nil, p.TargetHost)
	tail := make([]byte, 2)
	binary.BigEndian.PutUint16(tail, p.TargetPort)
	return append(buf, tail...)
}

func DecodeChannelOpenPayload(b []byte) (*ChannelOpenPayload, error) {
	host, rest, err := getString(b)
	if err != nil {
		return nil, err
	}
	if len(rest) < 2 {
		return nil, errorf(ErrProtocolViolation, "decode-channel-open", nil, "truncated CHANNEL_OPEN target port")
	}
	return &ChannelOpenPayload{TargetHost: host, TargetPort: binary.BigEndian.Uint16(rest)}, nil
}

// ChannelOpenReplyPayload is the CHANNEL_OPEN_REPLY payload.
type ChannelOpenReplyPayload struct {
	OK    bool
	Cause string
}

func (p *ChannelOpenReplyPayload) Encode() []byte {
	status := byte(0)
	if !p.OK {
		status = 1
	}
	return putString([]byte{status}, p.Cause)
}

func DecodeChannelOpenReplyPayload(b []byte) (*ChannelOpenReplyPayload, error) {
	if len(b) < 1 {
		return nil, errorf(ErrProtocolViolation, "decode-channel-open-reply", nil, "empty CHANNEL_OPEN_REPLY payload")
	}
	cause, _, err := getString(b[1:])
	if err != nil {
		return nil, err
	}
	return &ChannelOpenReplyPayload{OK: b[0] == 0, Cause: cause}, nil
}

// DecodeChannelClosePayload extracts the close reason string, if any.
func DecodeChannelClosePayload(b []byte) (string, error) {
	reason, _, err := getString(b)
	if err != nil {
		return "", err
	}
	return reason, nil
}

func EncodeChannelClosePayload(reason string) []byte {
	return putString(nil, reason)
}

// EncodeAckPayload/DecodeAckPayload handle the ACK message's cumulative
// acknowledged sequence number.
func EncodeAckPayload(seq uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, seq)
	return b
}

func DecodeAckPayload(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, errorf(ErrProtocolViolation, "decode-ack", nil, "truncated ACK payload")
	}
	return binary.BigEndian.Uint32(b), nil
}

// EncodeEchoPayload/DecodeEchoPayload handle ECHO_REQ/ECHO_REPLY's nonce.
func EncodeEchoPayload(nonce uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, nonce)
	return b
}

func DecodeEchoPayload(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, errorf(ErrProtocolViolation, "decode-echo", nil, "truncated ECHO payload")
	}
	return binary.BigEndian.Uint32(b), nil
}

// DisconnectPayload is the DISCONNECT payload.
type DisconnectPayload struct {
	Reason          string
	ReconnectSecret string
}

func (p *DisconnectPayload) Encode() []byte {
	buf := putString(nil, p.Reason)
	return putString(buf, p.ReconnectSecret)
}

func DecodeDisconnectPayload(b []byte) (*DisconnectPayload, error) {
	reason, rest, err := getString(b)
	if err != nil {
		return nil, err
	}
	secret, _, err := getString(rest)
	if err != nil {
		return nil, err
	}
	return &DisconnectPayload{Reason: reason, ReconnectSecret: secret}, nil
}
