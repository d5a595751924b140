package reliable

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type deliveredPacket struct {
	seq              uint16
	payload          []byte
	inOrder, skipped bool
}

type recordingReceiverSink struct {
	mu        sync.Mutex
	acks      []uint16
	delivered []deliveredPacket
}

func (s *recordingReceiverSink) ack(seq uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, seq)
}

func (s *recordingReceiverSink) deliver(seq uint16, payload []byte, inOrder, skipped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.delivered = append(s.delivered, deliveredPacket{seq: seq, payload: cp, inOrder: inOrder, skipped: skipped})
}

func (s *recordingReceiverSink) deliveredSeqs() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint16, len(s.delivered))
	for i, d := range s.delivered {
		out[i] = d.seq
	}
	return out
}

func newTestReceiver(t *testing.T, recvWindow int, gapSkipTimeout time.Duration, clk *fakeClock, sink *recordingReceiverSink) *Receiver {
	t.Helper()
	r, err := NewReceiver(recvWindow, gapSkipTimeout, clk.Now, sink.ack, sink.deliver, nil)
	require.NoError(t, err)
	return r
}

func TestReceiverDeliversInOrder(t *testing.T) {
	clk := newFakeClock()
	sink := &recordingReceiverSink{}
	r := newTestReceiver(t, 64, time.Second, clk, sink)

	r.OnDataPacket(0, []byte("a"))
	r.OnDataPacket(1, []byte("b"))
	r.OnDataPacket(2, []byte("c"))

	require.Equal(t, []uint16{0, 1, 2}, sink.deliveredSeqs())
	require.Equal(t, []uint16{0, 1, 2}, sink.acks)
	require.Equal(t, uint16(3), r.Expected())
}

func TestReceiverBuffersOutOfOrderAndDrainsContiguous(t *testing.T) {
	clk := newFakeClock()
	sink := &recordingReceiverSink{}
	r := newTestReceiver(t, 64, time.Second, clk, sink)

	r.OnDataPacket(0, []byte("a"))
	r.OnDataPacket(2, []byte("c"))
	r.OnDataPacket(3, []byte("d"))
	require.Equal(t, []uint16{0}, sink.deliveredSeqs())

	r.OnDataPacket(1, []byte("b"))
	require.Equal(t, []uint16{0, 1, 2, 3}, sink.deliveredSeqs())
	require.Equal(t, uint16(4), r.Expected())
}

func TestReceiverAcksEveryArrivalIncludingDuplicates(t *testing.T) {
	clk := newFakeClock()
	sink := &recordingReceiverSink{}
	r := newTestReceiver(t, 64, time.Second, clk, sink)

	r.OnDataPacket(0, []byte("a"))
	r.OnDataPacket(0, []byte("a-dup"))
	r.OnDataPacket(0, []byte("a-dup-2"))

	require.Equal(t, []uint16{0, 0, 0}, sink.acks)
	require.Equal(t, []uint16{0}, sink.deliveredSeqs(), "duplicate deliveries must not reach the application")
}

func TestReceiverDiscardsOutsideWindow(t *testing.T) {
	clk := newFakeClock()
	sink := &recordingReceiverSink{}
	r := newTestReceiver(t, 4, time.Second, clk, sink)

	r.OnDataPacket(100, []byte("far"))
	require.Equal(t, []uint16{100}, sink.acks, "an ack is still sent even for a discarded packet")
	require.Empty(t, sink.deliveredSeqs())
	require.Equal(t, uint16(0), r.Expected())
}

func TestReceiverGapSkipForcesProgressAfterTimeout(t *testing.T) {
	clk := newFakeClock()
	sink := &recordingReceiverSink{}
	r := newTestReceiver(t, 64, 100*time.Millisecond, clk, sink)

	r.OnDataPacket(0, []byte("a"))
	r.OnDataPacket(5, []byte("f")) // seq 1-4 never arrive

	require.Equal(t, []uint16{0}, sink.deliveredSeqs())

	clk.Advance(50 * time.Millisecond)
	r.CheckGapSkip()
	require.Equal(t, []uint16{0}, sink.deliveredSeqs(), "gap has not been open long enough yet")

	clk.Advance(60 * time.Millisecond)
	r.CheckGapSkip()

	delivered := sink.deliveredSeqs()
	require.Equal(t, []uint16{0, 5}, delivered)
	require.Equal(t, uint16(6), r.Expected())

	sink.mu.Lock()
	last := sink.delivered[len(sink.delivered)-1]
	sink.mu.Unlock()
	require.True(t, last.skipped)
	require.False(t, last.inOrder)
}

func TestReceiverGapSkipDrainsContiguousAfterSkip(t *testing.T) {
	clk := newFakeClock()
	sink := &recordingReceiverSink{}
	r := newTestReceiver(t, 64, 50*time.Millisecond, clk, sink)

	r.OnDataPacket(0, []byte("a"))
	r.OnDataPacket(5, []byte("f"))
	r.OnDataPacket(6, []byte("g"))
	r.OnDataPacket(7, []byte("h"))

	clk.Advance(60 * time.Millisecond)
	r.CheckGapSkip()

	require.Equal(t, []uint16{0, 5, 6, 7}, sink.deliveredSeqs())
	require.Equal(t, uint16(8), r.Expected())
}

func TestReceiverIdleReflectsBufferState(t *testing.T) {
	clk := newFakeClock()
	sink := &recordingReceiverSink{}
	r := newTestReceiver(t, 64, time.Second, clk, sink)

	require.True(t, r.Idle())
	r.OnDataPacket(3, []byte("x"))
	require.False(t, r.Idle())
	r.OnDataPacket(0, []byte("a"))
	r.OnDataPacket(1, []byte("b"))
	r.OnDataPacket(2, []byte("c"))
	require.True(t, r.Idle())
}

func TestReceiverRejectsInvalidWindow(t *testing.T) {
	clk := newFakeClock()
	sink := &recordingReceiverSink{}
	_, err := NewReceiver(0, time.Second, clk.Now, sink.ack, sink.deliver, nil)
	require.ErrorIs(t, err, ErrInvalidRecvWindow)

	_, err = NewReceiver(1<<15, time.Second, clk.Now, sink.ack, sink.deliver, nil)
	require.ErrorIs(t, err, ErrInvalidRecvWindow)
}

func TestReceiverClosedIgnoresFurtherPackets(t *testing.T) {
	clk := newFakeClock()
	sink := &recordingReceiverSink{}
	r := newTestReceiver(t, 64, time.Second, clk, sink)
	r.Close()

	r.OnDataPacket(0, []byte("a"))
	require.Empty(t, sink.deliveredSeqs())
}
