package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hudpio/hudp/reliable"
)

type peerClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *peerClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *peerClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPeerTable(t *testing.T, clk *peerClock, idleTimeout time.Duration) *PeerTable {
	t.Helper()
	factory := func(addr *net.UDPAddr) (*reliable.Sender, *reliable.Receiver, error) {
		sender, err := reliable.NewSender(64, time.Second, 10, 1200, clk.Now, func(uint16, []byte, uint8) error { return nil }, nil)
		require.NoError(t, err)
		recv, err := reliable.NewReceiver(64, time.Second, clk.Now, func(uint16) {}, func(uint16, []byte, bool, bool) {}, nil)
		require.NoError(t, err)
		return sender, recv, nil
	}
	return NewPeerTable(factory, idleTimeout, clk.Now, nil)
}

func TestPeerTableGetOrCreateReusesExistingPeer(t *testing.T) {
	clk := &peerClock{now: time.Unix(0, 0)}
	pt := newTestPeerTable(t, clk, time.Minute)
	defer pt.Close()

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}
	p1, err := pt.GetOrCreate(addr)
	require.NoError(t, err)
	p2, err := pt.GetOrCreate(addr)
	require.NoError(t, err)

	require.Equal(t, p1.ID, p2.ID)
	require.Equal(t, 1, pt.Len())
}

func TestPeerTableEvictsIdlePeers(t *testing.T) {
	clk := &peerClock{now: time.Unix(0, 0)}
	pt := newTestPeerTable(t, clk, 100*time.Millisecond)
	defer pt.Close()

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9001}
	_, err := pt.GetOrCreate(addr)
	require.NoError(t, err)
	require.Equal(t, 1, pt.Len())

	clk.Advance(200 * time.Millisecond)
	pt.EvictIdle()
	require.Equal(t, 0, pt.Len())
}

func TestPeerTableDoesNotEvictRecentlyTouchedPeer(t *testing.T) {
	clk := &peerClock{now: time.Unix(0, 0)}
	pt := newTestPeerTable(t, clk, 100*time.Millisecond)
	defer pt.Close()

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9002}
	_, err := pt.GetOrCreate(addr)
	require.NoError(t, err)

	clk.Advance(60 * time.Millisecond)
	_, err = pt.GetOrCreate(addr) // touches lastSeen
	require.NoError(t, err)

	clk.Advance(60 * time.Millisecond)
	pt.EvictIdle()
	require.Equal(t, 1, pt.Len(), "peer touched 60ms ago should survive a 100ms idle timeout")
}

func TestPeerTableDoesNotEvictPeerWithInFlightSends(t *testing.T) {
	clk := &peerClock{now: time.Unix(0, 0)}
	pt := newTestPeerTable(t, clk, 50*time.Millisecond)
	defer pt.Close()

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9004}
	p, err := pt.GetOrCreate(addr)
	require.NoError(t, err)

	_, err = p.Sender.Send(context.Background(), []byte("unacked"))
	require.NoError(t, err)
	require.Equal(t, 1, p.Sender.InFlightCount())

	clk.Advance(100 * time.Millisecond)
	pt.EvictIdle()
	require.Equal(t, 1, pt.Len(), "a peer with an unacked reliable send in flight must not be evicted")
}

func TestPeerTableDoesNotEvictPeerWithBufferedPackets(t *testing.T) {
	clk := &peerClock{now: time.Unix(0, 0)}
	pt := newTestPeerTable(t, clk, 50*time.Millisecond)
	defer pt.Close()

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9003}
	p, err := pt.GetOrCreate(addr)
	require.NoError(t, err)

	p.Recv.OnDataPacket(5, []byte("out of order")) // expected is 0; this buffers

	clk.Advance(100 * time.Millisecond)
	pt.EvictIdle()
	require.Equal(t, 1, pt.Len(), "a peer with buffered out-of-order packets must not be evicted")
}
