package transport

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hudpio/hudp/wire"
)

// PacketHandler receives one decoded inbound datagram. addr is the
// sender; for a client shell it is always the single configured
// remote, for a server shell it varies per caller.
type PacketHandler func(addr *net.UDPAddr, hdr wire.Header, payload []byte)

// Shell owns the UDP socket shared by every channel and (on a server)
// every peer. It serializes outbound writes so they are atomic from
// the OS's point of view, and applies the loss_prob/jitter_ms testing
// hooks at egress only — ingress is never tampered with.
type Shell struct {
	conn *net.UDPConn
	mtu  int

	writeMu sync.Mutex

	lossProb float64
	jitterMs int
	rngMu    sync.Mutex
	rng      *rand.Rand

	onPacket PacketHandler
	log      *logrus.Entry

	closeCh chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewShell wraps conn. lossProb and jitterMs implement the egress-only
// testing hooks of the transport's configuration; both default to
// inert values (0.0, 0) in production use.
func NewShell(conn *net.UDPConn, mtu int, lossProb float64, jitterMs int, onPacket PacketHandler, log *logrus.Entry) *Shell {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Shell{
		conn:     conn,
		mtu:      mtu,
		lossProb: lossProb,
		jitterMs: jitterMs,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		onPacket: onPacket,
		log:      log,
		closeCh:  make(chan struct{}),
	}
}

// SendTo encodes hdr+payload and hands it to the egress path for addr.
// A nil addr writes on the "connected" socket (client mode).
func (s *Shell) SendTo(addr *net.UDPAddr, hdr wire.Header, payload []byte) error {
	data, err := wire.Encode(hdr, payload, s.mtu)
	if err != nil {
		return err
	}
	s.egress(addr, data)
	return nil
}

// egress applies the loss/jitter hooks and then performs the
// serialized socket write. A dropped packet is not an error: from
// the caller's perspective the write "succeeded" exactly as a real
// lossy network would behave.
func (s *Shell) egress(addr *net.UDPAddr, data []byte) {
	if s.lossProb > 0 && s.roll() < s.lossProb {
		return
	}

	delay := s.jitter()
	if delay <= 0 {
		s.write(addr, data)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-s.closeCh:
			return
		}
		s.write(addr, data)
	}()
}

func (s *Shell) write(addr *net.UDPAddr, data []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var err error
	if addr == nil {
		_, err = s.conn.Write(data)
	} else {
		_, err = s.conn.WriteToUDP(data, addr)
	}
	if err != nil {
		// SocketIOError on egress (§7): dropped, logged, never surfaced
		// to the application.
		s.log.WithError(err).Debug("udp write failed")
	}
}

func (s *Shell) roll() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

func (s *Shell) jitter() time.Duration {
	if s.jitterMs <= 0 {
		return 0
	}
	s.rngMu.Lock()
	n := s.rng.Intn(s.jitterMs + 1)
	s.rngMu.Unlock()
	return time.Duration(n) * time.Millisecond
}

// Run drains the inbound loop until Close is called. A malformed
// packet (short header, unknown channel) is dropped silently per §7.
func (s *Shell) Run() {
	buf := make([]byte, RecvBufferSize)
	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
			}
			// Transient SocketIOError on ingress (§7): retried on the
			// next scheduling opportunity.
			s.log.WithError(err).Debug("udp read failed")
			continue
		}

		hdr, payload, err := wire.Decode(buf[:n])
		if err != nil {
			continue
		}
		s.onPacket(addr, hdr, payload)
	}
}

// Close stops the inbound loop, discards jittered writes still waiting
// out their delay and waits for their goroutines to exit, then closes
// the socket.
func (s *Shell) Close() error {
	s.once.Do(func() { close(s.closeCh) })
	s.wg.Wait()
	return s.conn.Close()
}
