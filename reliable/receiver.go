package reliable

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hudpio/hudp/wire"
)

// ErrInvalidRecvWindow is returned by NewReceiver when recvWindowSize violates the serial-arithmetic constraint.
var ErrInvalidRecvWindow = errors.New("reliable: recv_window_size must be in [1, 32768)")

// GapSkipScanInterval is the cadence of the gap-skip scanner started by
// Run. Other periodic sweeps tied to the same liveness notion (server
// peer-table eviction) reuse this constant rather than hard-coding
// their own cadence.
const GapSkipScanInterval = 50 * time.Millisecond

// AckFunc emits a bare ACK for the given sequence on the reliable
// channel. Called unconditionally for every arrival, including
// duplicates and out-of-window packets.
type AckFunc func(seq uint16)

// DeliverFunc hands a payload to the application. It must not block
// the caller's scheduler goroutine for long — the receiver invokes it
// synchronously from OnDataPacket (on the shell's ingress loop) and
// from the 50ms gap-skip scanner in Run.
type DeliverFunc func(seq uint16, payload []byte, inOrder, skipped bool)

type bufEntry struct {
	payload []byte
	arrival time.Time
}

type delivery struct {
	seq             uint16
	payload         []byte
	inOrder, skipped bool
}

// Receiver is the per-peer, per-reliable-channel delivery engine of
// §4.3: duplicate suppression, out-of-order buffering, in-order
// delivery, and the bounded gap-skip state machine.
type Receiver struct {
	mu             sync.Mutex
	expected       uint16
	buffer         map[uint16]bufEntry
	recvWindowSize int
	gapSet         bool
	gapFirstSeen   time.Time
	closed         bool

	gapSkipTimeout time.Duration
	clock          Clock
	ack            AckFunc
	deliver        DeliverFunc
	events         EventSink

	closeCh chan struct{}
}

// NewReceiver builds a receiver engine. recvWindowSize must be in
// [1, 2^15) per §4.2's wraparound-correctness constraint (shared with
// the sender side).
func NewReceiver(recvWindowSize int, gapSkipTimeout time.Duration, clock Clock, ack AckFunc, deliver DeliverFunc, events EventSink) (*Receiver, error) {
	if recvWindowSize <= 0 || recvWindowSize >= 1<<15 {
		return nil, ErrInvalidRecvWindow
	}
	if clock == nil {
		clock = time.Now
	}
	return &Receiver{
		buffer:         make(map[uint16]bufEntry),
		recvWindowSize: recvWindowSize,
		gapSkipTimeout: gapSkipTimeout,
		clock:          clock,
		ack:            ack,
		deliver:        deliver,
		events:         events,
		closeCh:        make(chan struct{}),
	}, nil
}

// OnDataPacket processes one reliable data packet. It always answers
// with exactly one ACK, then classifies seq relative to the current
// expected cursor per the §4.3 case analysis.
func (r *Receiver) OnDataPacket(seq uint16, payload []byte) {
	r.ack(seq)
	emit(r.events, Event{Kind: EventAckTx, Seq: seq})
	emit(r.events, Event{Kind: EventRxData, Seq: seq})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	var deliveries []delivery
	now := r.clock()

	switch {
	case seq == r.expected:
		deliveries = append(deliveries, delivery{seq: seq, payload: clone(payload), inOrder: true})
		r.expected++
		deliveries = append(deliveries, r.drainContiguousLocked()...)
		r.refreshGapStateLocked(now)

	case wire.SeqLT(seq, r.expected):
		// Duplicate or replay. The ACK above already covers it.

	case wire.SeqInWindow(seq, r.expected, uint16(r.recvWindowSize)):
		if _, exists := r.buffer[seq]; !exists {
			r.buffer[seq] = bufEntry{payload: clone(payload), arrival: now}
		}
		if !r.gapSet {
			r.gapSet = true
			r.gapFirstSeen = now
		}

	default:
		// Outside the receive window entirely: discard.
	}
	r.mu.Unlock()

	r.deliverAll(deliveries)
}

// drainContiguousLocked delivers every sequence buffered contiguously
// from the (already-advanced) expected cursor. Caller holds r.mu.
func (r *Receiver) drainContiguousLocked() []delivery {
	var out []delivery
	for {
		buffered, ok := r.buffer[r.expected]
		if !ok {
			break
		}
		delete(r.buffer, r.expected)
		out = append(out, delivery{seq: r.expected, payload: buffered.payload, inOrder: true})
		r.expected++
	}
	return out
}

// refreshGapStateLocked clears gap tracking when the buffer has
// drained, or starts the clock on a newly-appeared gap. Caller holds r.mu.
func (r *Receiver) refreshGapStateLocked(now time.Time) {
	if len(r.buffer) == 0 {
		r.gapSet = false
		return
	}
	if !r.gapSet {
		r.gapSet = true
		r.gapFirstSeen = now
	}
}

// CheckGapSkip is invoked periodically (every ~50ms, §4.3) by the
// receiver's own scanner, Run. When the oldest gap has been open at
// least gapSkipTimeout, it force-advances expected past the missing
// range and delivers the buffered sequence that unblocked it with
// skipped=true.
func (r *Receiver) CheckGapSkip() {
	r.mu.Lock()
	if r.closed || !r.gapSet {
		r.mu.Unlock()
		return
	}

	now := r.clock()
	waited := now.Sub(r.gapFirstSeen)
	if waited < r.gapSkipTimeout {
		r.mu.Unlock()
		return
	}

	target, ok := r.smallestBufferedAboveExpectedLocked()
	if !ok {
		r.gapSet = false
		r.mu.Unlock()
		return
	}

	from := r.expected
	entry := r.buffer[target]
	delete(r.buffer, target)
	r.expected = target + 1

	deliveries := []delivery{{seq: target, payload: entry.payload, inOrder: false, skipped: true}}
	deliveries = append(deliveries, r.drainContiguousLocked()...)
	r.refreshGapStateLocked(now)
	r.mu.Unlock()

	r.deliverAll(deliveries)
	emit(r.events, Event{Kind: EventSkipGap, FromSeq: from, ToSeq: target, WaitedMs: waited.Milliseconds()})
}

func (r *Receiver) smallestBufferedAboveExpectedLocked() (uint16, bool) {
	var best uint16
	found := false
	for k := range r.buffer {
		if !found || wire.SeqLT(k, best) {
			best = k
			found = true
		}
	}
	return best, found
}

func (r *Receiver) deliverAll(deliveries []delivery) {
	for _, d := range deliveries {
		r.deliver(d.seq, d.payload, d.inOrder, d.skipped)
		emit(r.events, Event{Kind: EventDeliver, Seq: d.seq, InOrder: d.inOrder, Skipped: d.skipped})
	}
}

// Run drains the gap-skip scanner on a fixed ~50ms cadence until Close
// is called.
func (r *Receiver) Run() {
	ticker := time.NewTicker(GapSkipScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.closeCh:
			return
		case <-ticker.C:
			r.CheckGapSkip()
		}
	}
}

// Expected returns the next sequence the receiver expects in order.
func (r *Receiver) Expected() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expected
}

// Idle reports whether the receiver currently holds no buffered
// out-of-order packets, for the server's peer-eviction scan.
func (r *Receiver) Idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer) == 0
}

// Close stops the gap-skip scanner.
func (r *Receiver) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	close(r.closeCh)
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
