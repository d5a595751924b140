package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hudpio/hudp/wire"
)

func loopbackPair(t *testing.T) (*net.UDPConn, *net.UDPConn) {
	t.Helper()
	a, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	b, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	return a, b
}

func TestShellRoundTripsPackets(t *testing.T) {
	connA, connB := loopbackPair(t)
	defer connA.Close()

	var mu sync.Mutex
	var got []wire.Header

	shellB := NewShell(connB, 1200, 0, 0, func(addr *net.UDPAddr, hdr wire.Header, payload []byte) {
		mu.Lock()
		got = append(got, hdr)
		mu.Unlock()
	}, nil)
	go shellB.Run()
	defer shellB.Close()

	shellA := NewShell(connA, 1200, 0, 0, func(*net.UDPAddr, wire.Header, []byte) {}, nil)
	defer shellA.Close()

	hdr := wire.Header{Channel: wire.ChannelReliable, Seq: 7, TsMs: 42}
	err := shellA.SendTo(connB.LocalAddr().(*net.UDPAddr), hdr, []byte("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, uint16(7), got[0].Seq)
}

func TestShellEgressLossDropsEverything(t *testing.T) {
	connA, connB := loopbackPair(t)
	defer connA.Close()

	var mu sync.Mutex
	count := 0
	shellB := NewShell(connB, 1200, 0, 0, func(*net.UDPAddr, wire.Header, []byte) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)
	go shellB.Run()
	defer shellB.Close()

	shellA := NewShell(connA, 1200, 1.0, 0, func(*net.UDPAddr, wire.Header, []byte) {}, nil)
	defer shellA.Close()

	for i := 0; i < 20; i++ {
		err := shellA.SendTo(connB.LocalAddr().(*net.UDPAddr), wire.Header{Channel: wire.ChannelUnreliable, Seq: uint16(i)}, nil)
		require.NoError(t, err)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, count, "loss_prob=1.0 must drop every egress packet")
}

func TestShellClosedStopsIngress(t *testing.T) {
	connA, connB := loopbackPair(t)
	connA.Close()

	shellB := NewShell(connB, 1200, 0, 0, func(*net.UDPAddr, wire.Header, []byte) {}, nil)
	done := make(chan struct{})
	go func() {
		shellB.Run()
		close(done)
	}()

	require.NoError(t, shellB.Close())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}
