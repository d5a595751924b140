// Package reliable implements the sender- and receiver-side halves of
// the H-UDP reliable channel: Selective-Repeat ARQ with per-packet
// retransmission timers, a sliding send window, RTT sampling, and a
// bounded gap-skip receive policy. Neither engine touches the network
// directly — they call back into transport-supplied functions, so the
// same engine works for both the client's single peer and each entry
// in the server's peer table.
package reliable

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hudpio/hudp/wire"
)

var (
	// ErrPayloadTooLarge is returned by Send when header+payload would exceed the configured MTU.
	ErrPayloadTooLarge = errors.New("reliable: payload too large for mtu")
	// ErrBackpressureCancelled is returned when the caller's context is cancelled while Send is blocked on a full window.
	ErrBackpressureCancelled = errors.New("reliable: send cancelled while waiting for window")
	// ErrClosed is returned by Send (or was already in flight) once the engine has been closed.
	ErrClosed = errors.New("reliable: sender closed")
	// ErrInvalidWindow is returned by NewSender when windowCapacity violates the serial-arithmetic constraint.
	ErrInvalidWindow = errors.New("reliable: window_capacity must be in [1, 32768)")
)

// Transmitter hands a reliable-channel payload to the transport shell
// for encoding and socket write. flags carries FlagRETX on
// retransmissions and 0 on first transmission.
type Transmitter func(seq uint16, payload []byte, flags uint8) error

// Clock abstracts the monotonic millisecond source (§2.3) so tests can
// control time without sleeping.
type Clock func() time.Time

type inFlightEntry struct {
	payload     []byte
	firstSendMs int64
	txCount     int
	deadline    time.Time
	gen         uint64
}

type timerItem struct {
	seq      uint16
	gen      uint64
	deadline time.Time
	index    int
}

type timerHeap []*timerItem

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) {
	item := x.(*timerItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Sender is the per-peer, per-reliable-channel sending engine of §4.2.
// Sequence, window and in-flight state is guarded by one mutex (the
// RTT estimate by a second, smaller one); a single background
// goroutine (Run) drains the retransmission timer heap, so from the
// caller's point of view the engine behaves like the single-threaded
// cooperative scheduler described in §5.
type Sender struct {
	mu        sync.Mutex
	nextSeq   uint16
	sendBase  uint16
	inFlight  map[uint16]*inFlightEntry
	windowCap int
	slots     chan struct{}
	timers    timerHeap
	closed    bool
	closeCh   chan struct{}
	wake      chan struct{}

	retxTimeout time.Duration
	maxRetries  int
	mtu         int

	rttMu   sync.Mutex
	rttAvg  float64
	rttSeen bool

	clock     Clock
	transmit  Transmitter
	events    EventSink
}

// NewSender builds a sender engine. windowCapacity must be in [1, 2^15)
// per the wraparound-correctness constraint of §4.2.
func NewSender(windowCapacity int, retxTimeout time.Duration, maxRetries, mtu int, clock Clock, transmit Transmitter, events EventSink) (*Sender, error) {
	if windowCapacity <= 0 || windowCapacity >= 1<<15 {
		return nil, ErrInvalidWindow
	}
	if clock == nil {
		clock = time.Now
	}

	s := &Sender{
		inFlight:    make(map[uint16]*inFlightEntry, windowCapacity),
		windowCap:   windowCapacity,
		slots:       make(chan struct{}, windowCapacity),
		closeCh:     make(chan struct{}),
		wake:        make(chan struct{}, 1),
		retxTimeout: retxTimeout,
		maxRetries:  maxRetries,
		mtu:         mtu,
		clock:       clock,
		transmit:    transmit,
		events:      events,
	}
	for i := 0; i < windowCapacity; i++ {
		s.slots <- struct{}{}
	}
	return s, nil
}

// Send allocates a sequence number, transmits the payload on the
// reliable channel, and returns once it has been handed to the
// transport (not once it has been ACKed). It blocks while the send
// window is full; cancelling ctx releases the slot without
// transmitting and returns ErrBackpressureCancelled.
func (s *Sender) Send(ctx context.Context, payload []byte) (uint16, error) {
	if wire.HeaderSize+len(payload) > s.mtu {
		return 0, ErrPayloadTooLarge
	}

	select {
	case <-s.closeCh:
		return 0, ErrClosed
	default:
	}

	select {
	case <-s.slots:
	case <-ctx.Done():
		return 0, ErrBackpressureCancelled
	case <-s.closeCh:
		return 0, ErrClosed
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}

	seq := s.nextSeq
	s.nextSeq++
	now := s.clock()
	entry := &inFlightEntry{
		payload:     append([]byte(nil), payload...),
		firstSendMs: now.UnixMilli(),
		txCount:     1,
		deadline:    now.Add(s.retxTimeout),
	}
	s.inFlight[seq] = entry
	heap.Push(&s.timers, &timerItem{seq: seq, gen: entry.gen, deadline: entry.deadline})
	s.mu.Unlock()

	// A transient SocketIOError at the syscall layer is not surfaced
	// here (§7): the retransmission timer will retry it.
	_ = s.transmit(seq, entry.payload, 0)
	emit(s.events, Event{Kind: EventTxData, Seq: seq})
	s.nudge()

	return seq, nil
}

// OnAck processes an acknowledgment for sequence seq. Late or
// duplicate ACKs (seq not in flight) are ignored.
func (s *Sender) OnAck(seq uint16) {
	s.mu.Lock()
	entry, ok := s.inFlight[seq]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.inFlight, seq)
	now := s.clock()
	rtt := now.UnixMilli() - entry.firstSendMs
	if rtt < 0 {
		rtt = 0
	}
	s.advanceSendBaseLocked()
	s.mu.Unlock()

	s.sampleRTT(rtt)
	emit(s.events, Event{Kind: EventAckRx, Seq: seq, RTTMs: rtt})
	s.releaseSlot()
}

// advanceSendBaseLocked restores invariant 1: send_base is the
// smallest sequence still in flight, or equals next_seq when empty.
// Must be called with s.mu held.
func (s *Sender) advanceSendBaseLocked() {
	for s.sendBase != s.nextSeq {
		if _, ok := s.inFlight[s.sendBase]; ok {
			return
		}
		s.sendBase++
	}
}

func (s *Sender) sampleRTT(rttMs int64) {
	s.rttMu.Lock()
	defer s.rttMu.Unlock()
	if !s.rttSeen {
		s.rttAvg = float64(rttMs)
		s.rttSeen = true
		return
	}
	// Exponentially weighted moving average; no RTO derivation (retx
	// timeout is a fixed configured constant, never adaptive).
	const alpha = 0.125
	s.rttAvg = (1-alpha)*s.rttAvg + alpha*float64(rttMs)
}

// AvgRTTMs returns the current smoothed RTT estimate, or -1 if no
// sample has been taken yet.
func (s *Sender) AvgRTTMs() float64 {
	s.rttMu.Lock()
	defer s.rttMu.Unlock()
	if !s.rttSeen {
		return -1
	}
	return s.rttAvg
}

func (s *Sender) releaseSlot() {
	select {
	case s.slots <- struct{}{}:
	default:
	}
}

func (s *Sender) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// InFlightCount reports the number of unacknowledged reliable
// sequences currently outstanding (invariant 2: never exceeds the
// configured window capacity).
func (s *Sender) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// SendBase returns the oldest unacknowledged sequence.
func (s *Sender) SendBase() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendBase
}

// Run drains the retransmission timer heap until Close is called.
// NewClient and the server's PeerTable start exactly one of these per
// sender engine.
func (s *Sender) Run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		var sleepFor time.Duration
		if len(s.timers) == 0 {
			sleepFor = time.Hour
		} else {
			sleepFor = time.Until(s.timers[0].deadline)
			if sleepFor < 0 {
				sleepFor = 0
			}
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sleepFor)

		select {
		case <-s.closeCh:
			return
		case <-s.wake:
			continue
		case <-timer.C:
		}

		s.fireDueTimers()
	}
}

func (s *Sender) fireDueTimers() {
	for {
		s.mu.Lock()
		if s.closed || len(s.timers) == 0 {
			s.mu.Unlock()
			return
		}
		now := s.clock()
		if s.timers[0].deadline.After(now) {
			s.mu.Unlock()
			return
		}

		item := heap.Pop(&s.timers).(*timerItem)
		entry, ok := s.inFlight[item.seq]
		if !ok || entry.gen != item.gen {
			// Stale: acked, already retransmitted, or dropped since scheduled.
			s.mu.Unlock()
			continue
		}

		if entry.txCount >= s.maxRetries {
			delete(s.inFlight, item.seq)
			s.advanceSendBaseLocked()
			s.mu.Unlock()
			emit(s.events, Event{Kind: EventDropMaxRetx, Seq: item.seq})
			s.releaseSlot()
			continue
		}

		entry.txCount++
		entry.gen++
		entry.deadline = now.Add(s.retxTimeout)
		heap.Push(&s.timers, &timerItem{seq: item.seq, gen: entry.gen, deadline: entry.deadline})
		payload := entry.payload
		count := entry.txCount
		s.mu.Unlock()

		_ = s.transmit(item.seq, payload, wire.FlagRETX)
		emit(s.events, Event{Kind: EventRetx, Seq: item.seq, Count: count})
	}
}

// Close cancels every pending retransmission timer and completes any
// blocked Send calls with ErrClosed.
func (s *Sender) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.closeCh)
}
