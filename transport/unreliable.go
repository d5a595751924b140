package transport

import (
	"sync/atomic"
	"time"

	"github.com/hudpio/hudp/wire"
)

// UnreliableForwarder implements §4.4: pass-through datagrams stamped
// with an independent 16-bit sequence counter, no buffering, no ACKs,
// no duplicate detection. One instance per direction (send path), kept
// per-peer on the server so sequence spaces never collide across
// peers, matching the reliable channel's per-peer isolation.
type UnreliableForwarder struct {
	seq uint32 // accessed atomically; truncated to uint16 on use
}

// NextSeq allocates the next unreliable sequence number. The field
// exists solely for observability and potential reordering metrics
// (duplicate detection is intentionally not performed).
func (f *UnreliableForwarder) NextSeq() uint16 {
	return uint16(atomic.AddUint32(&f.seq, 1) - 1)
}

// Header builds the wire header for one outbound unreliable datagram.
func (f *UnreliableForwarder) Header(clock func() time.Time) wire.Header {
	if clock == nil {
		clock = time.Now
	}
	return wire.Header{
		Channel: wire.ChannelUnreliable,
		Flags:   0,
		Seq:     f.NextSeq(),
		TsMs:    uint32(clock().UnixMilli()),
	}
}
