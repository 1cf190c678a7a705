package tunnel

import (
	"encoding/binary"
	"fmt"
)

// MessageType is the wire tag of a FramedMessage. Values are fixed by the
// protocol and must match the peer exactly.
type MessageType uint8

const (
	MsgInit              MessageType = 0x01
	MsgInitReply         MessageType = 0x02
	MsgAuthenticate      MessageType = 0x03
	MsgAuthReply         MessageType = 0x04
	MsgListen            MessageType = 0x05
	MsgListenClose       MessageType = 0x06
	MsgChannelOpen       MessageType = 0x07
	MsgChannelOpenReply  MessageType = 0x08
	MsgChannelData       MessageType = 0x09
	MsgChannelClose      MessageType = 0x0A
	MsgAck               MessageType = 0x0B
	MsgEchoReq           MessageType = 0x0C
	MsgEchoReply         MessageType = 0x0D
	MsgDisconnect        MessageType = 0x0E
)

var messageTypeNames = map[MessageType]string{
	MsgInit:             "INIT",
	MsgInitReply:        "INIT_REPLY",
	MsgAuthenticate:     "AUTHENTICATE",
	MsgAuthReply:        "AUTH_REPLY",
	MsgListen:           "LISTEN",
	MsgListenClose:      "LISTEN_CLOSE",
	MsgChannelOpen:      "CHANNEL_OPEN",
	MsgChannelOpenReply: "CHANNEL_OPEN_REPLY",
	MsgChannelData:      "CHANNEL_DATA",
	MsgChannelClose:     "CHANNEL_CLOSE",
	MsgAck:              "ACK",
	MsgEchoReq:          "ECHO_REQ",
	MsgEchoReply:        "ECHO_REPLY",
	MsgDisconnect:       "DISCONNECT",
}

func (t MessageType) String() string {
	if n, ok := messageTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
}

// IsKnown reports whether t is one of the fourteen protocol message types.
func (t MessageType) IsKnown() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// ChannelID identifies a multiplexed Channel within a Session.
type ChannelID uint16

// FramedMessage is one length-prefixed unit on the outer HTTP body stream.
//
// On-wire format: [u32 total_length][u8 type][u32 sequence][payload], where
// total_length counts every byte after itself (type + sequence + payload).
type FramedMessage struct {
	Type     MessageType
	Seq      uint32
	HasChan  bool
	Channel  ChannelID
	Payload  []byte
}

const (
	// frameHeaderLen is the fixed type+sequence header length counted inside
	// total_length, following the u32 total_length field itself.
	frameHeaderLen = 1 + 4
	// lengthPrefixLen is the size of the leading u32 total_length field.
	lengthPrefixLen = 4
)

// channelPrefixedTypes carries a channel id as the first two bytes of its
// payload, per spec.md §4.3's "channel id" column.
var channelPrefixedTypes = map[MessageType]bool{
	MsgChannelOpen:      true,
	MsgChannelOpenReply: true,
	MsgChannelData:      true,
	MsgChannelClose:     true,
}

// Encode serializes the message to its on-wire byte representation.
func (m *FramedMessage) Encode() []byte {
	body := m.Payload
	if channelPrefixedTypes[m.Type] {
		prefixed := make([]byte, 2+len(m.Payload))
		binary.BigEndian.PutUint16(prefixed, uint16(m.Channel))
		copy(prefixed[2:], m.Payload)
		body = prefixed
	}
	totalLength := uint32(frameHeaderLen + len(body))
	buf := make([]byte, lengthPrefixLen+int(totalLength))
	binary.BigEndian.PutUint32(buf[0:4], totalLength)
	buf[4] = byte(m.Type)
	binary.BigEndian.PutUint32(buf[5:9], m.Seq)
	copy(buf[9:], body)
	return buf
}

// DecodeFramedMessage decodes a single complete frame body (everything after
// the u32 total_length prefix, exactly totalLength bytes) into a
// FramedMessage. It does not consume the length prefix itself; Framer.Feed
// handles splitting the stream into frame bodies.
func DecodeFramedMessage(frameBody []byte) (*FramedMessage, error) {
	if len(frameBody) < frameHeaderLen {
		return nil, errorf(ErrProtocolViolation, "decode", nil, "frame too short: %d bytes", len(frameBody))
	}
	typ := MessageType(frameBody[0])
	seq := binary.BigEndian.Uint32(frameBody[1:5])
	rest := frameBody[5:]
	m := &FramedMessage{Type: typ, Seq: seq}
	if channelPrefixedTypes[typ] {
		if len(rest) < 2 {
			return nil, errorf(ErrProtocolViolation, "decode", nil, "%s frame missing channel id", typ)
		}
		m.HasChan = true
		m.Channel = ChannelID(binary.BigEndian.Uint16(rest[0:2]))
		m.Payload = rest[2:]
	} else {
		m.Payload = rest
	}
	return m, nil
}
