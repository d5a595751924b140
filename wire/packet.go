// Package wire implements the H-UDP on-wire packet format: an 8-byte
// fixed header (channel, flags, sequence, timestamp) followed by an
// opaque payload. Encode/decode are pure functions — no state, no I/O.
package wire

import (
	"encoding/binary"
	"errors"
)

// Channel identifies which of the two logical services a packet belongs to.
type Channel uint8

const (
	// ChannelUnreliable carries best-effort, unordered datagrams.
	ChannelUnreliable Channel = 0
	// ChannelReliable carries Selective-Repeat ARQ data and ACKs.
	ChannelReliable Channel = 1
)

// Flag bits occupy the single flags byte at offset 1.
const (
	// FlagACK marks a packet as a bare acknowledgment (no payload).
	FlagACK uint8 = 1 << 0
	// FlagNACK is reserved by the wire format and never set by this
	// implementation. Decoders accept it but ignore it.
	FlagNACK uint8 = 1 << 1
	// FlagRETX marks a reliable data packet as a retransmission.
	FlagRETX uint8 = 1 << 2
)

// HeaderSize is the fixed width of the H-UDP header in bytes.
const HeaderSize = 8

var (
	// ErrShortPacket is returned when a buffer is too small to hold a header.
	ErrShortPacket = errors.New("wire: packet shorter than header")
	// ErrUnknownChannel is returned when the channel byte is outside {0,1}.
	ErrUnknownChannel = errors.New("wire: unknown channel")
	// ErrPayloadTooLarge is returned by Encode when header+payload exceeds the caller's MTU.
	ErrPayloadTooLarge = errors.New("wire: payload too large for MTU")
)

// String renders the channel name used in logs and CLI output.
func (c Channel) String() string {
	switch c {
	case ChannelUnreliable:
		return "UNRELIABLE"
	case ChannelReliable:
		return "RELIABLE"
	default:
		return "UNKNOWN"
	}
}

// Header is the decoded form of the 8-byte H-UDP header.
type Header struct {
	Channel Channel
	Flags   uint8
	Seq     uint16
	TsMs    uint32
}

// IsACK reports whether the header's ACK bit is set.
func (h Header) IsACK() bool { return h.Flags&FlagACK != 0 }

// IsRetx reports whether the header's RETX bit is set.
func (h Header) IsRetx() bool { return h.Flags&FlagRETX != 0 }

// Encode serializes a header and payload into a single wire buffer.
// mtu is the caller's configured maximum total packet size; Encode
// rejects payloads that would not fit.
func Encode(h Header, payload []byte, mtu int) ([]byte, error) {
	if HeaderSize+len(payload) > mtu {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(h.Channel)
	buf[1] = h.Flags
	binary.BigEndian.PutUint16(buf[2:4], h.Seq)
	binary.BigEndian.PutUint32(buf[4:8], h.TsMs)
	copy(buf[HeaderSize:], payload)

	return buf, nil
}

// Decode parses a wire buffer into a header and payload slice. The
// returned payload aliases data and must be copied by the caller
// before the underlying buffer is reused.
func Decode(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, ErrShortPacket
	}

	ch := Channel(data[0])
	if ch != ChannelUnreliable && ch != ChannelReliable {
		return Header{}, nil, ErrUnknownChannel
	}

	h := Header{
		Channel: ch,
		Flags:   data[1],
		Seq:     binary.BigEndian.Uint16(data[2:4]),
		TsMs:    binary.BigEndian.Uint32(data[4:8]),
	}

	return h, data[HeaderSize:], nil
}
