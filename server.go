package hudp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hudpio/hudp/metrics"
	"github.com/hudpio/hudp/reliable"
	"github.com/hudpio/hudp/transport"
	"github.com/hudpio/hudp/wire"
)

// Server is the multi-peer half of a H-UDP transport: one bound UDP
// socket shared by every remote address, each tracked in a PeerTable
// with its own reliable sender/receiver pair and unreliable forwarder.
type Server struct {
	conn  *net.UDPConn
	shell *transport.Shell
	peers *transport.PeerTable

	unreliable map[string]*transport.UnreliableForwarder
	unrelMu    sync.Mutex

	metricsColl *metrics.Collector
	cfg         Config
	onRecv      ReceiveCallback
	onEvent     EventCallback
	log         *logrus.Entry
}

// NewServer binds port and starts the inbound loop and the peer-table
// idle-eviction sweep. onRecv is required; onEvent may be nil.
func NewServer(port uint16, cfg Config, onRecv ReceiveCallback, onEvent EventCallback) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if onRecv == nil {
		return nil, errors.New("hudp: onRecv callback is required")
	}

	conn, err := transport.UDPBind(port)
	if err != nil {
		return nil, errors.Wrap(err, "hudp: bind")
	}
	if err := transport.SetBufferSizes(conn, cfg.SocketRecvBuffer, cfg.SocketSendBuffer); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "hudp: set socket buffers")
	}

	log := logrus.WithField("component", "hudp.server")
	coll := metrics.NewCollector("hudp_server")

	s := &Server{
		conn:        conn,
		unreliable:  make(map[string]*transport.UnreliableForwarder),
		metricsColl: coll,
		cfg:         cfg,
		onRecv:      onRecv,
		onEvent:     onEvent,
		log:         log,
	}

	s.shell = transport.NewShell(conn, cfg.MTU, cfg.LossProb, int(cfg.Jitter/time.Millisecond), s.onPacket, log)
	s.peers = transport.NewPeerTable(s.buildPeer, cfg.PeerIdleTimeout, time.Now, log)

	go s.shell.Run()
	go s.peers.Run()

	return s, nil
}

func (s *Server) buildPeer(addr *net.UDPAddr) (*reliable.Sender, *reliable.Receiver, error) {
	label := addr.String()
	sink := s.metricsColl.AddPeer(label)
	eventSink := sink
	if s.onEvent != nil {
		eventSink = func(ev reliable.Event) {
			sink(ev)
			s.onEvent(label, ev)
		}
	}

	sender, err := reliable.NewSender(s.cfg.SendWindowSize, s.cfg.RetxTimeout, s.cfg.MaxRetx, s.cfg.MTU, time.Now,
		func(seq uint16, payload []byte, flags uint8) error {
			hdr := wire.Header{Channel: wire.ChannelReliable, Flags: flags, Seq: seq, TsMs: uint32(time.Now().UnixMilli())}
			return s.shell.SendTo(addr, hdr, payload)
		}, eventSink)
	if err != nil {
		return nil, nil, err
	}

	recv, err := reliable.NewReceiver(s.cfg.RecvWindowSize, s.cfg.GapSkipTimeout, time.Now,
		func(seq uint16) {
			hdr := wire.Header{Channel: wire.ChannelReliable, Flags: wire.FlagACK, Seq: seq, TsMs: uint32(time.Now().UnixMilli())}
			_ = s.shell.SendTo(addr, hdr, nil)
		},
		func(seq uint16, payload []byte, inOrder, skipped bool) {
			rtt := sender.AvgRTTMs()
			var rttPtr *int64
			if rtt >= 0 {
				r := int64(rtt)
				rttPtr = &r
			}
			s.onRecv(Received{Channel: wire.ChannelReliable, Seq: seq, TsMs: uint32(time.Now().UnixMilli()), RTTMs: rttPtr, Payload: payload, Skipped: skipped})
		}, eventSink)
	if err != nil {
		sender.Close()
		return nil, nil, err
	}

	s.unrelMu.Lock()
	s.unreliable[label] = &transport.UnreliableForwarder{}
	s.unrelMu.Unlock()

	return sender, recv, nil
}

func (s *Server) onPacket(addr *net.UDPAddr, hdr wire.Header, payload []byte) {
	peer, err := s.peers.GetOrCreate(addr)
	if err != nil {
		s.log.WithError(err).Warn("failed to create peer")
		return
	}

	switch hdr.Channel {
	case wire.ChannelReliable:
		if hdr.IsACK() {
			peer.Sender.OnAck(hdr.Seq)
			return
		}
		peer.Recv.OnDataPacket(hdr.Seq, payload)
	case wire.ChannelUnreliable:
		cp := make([]byte, len(payload))
		copy(cp, payload)
		s.onRecv(Received{Channel: wire.ChannelUnreliable, Seq: hdr.Seq, TsMs: hdr.TsMs, Payload: cp})
	}
}

// SendTo transmits payload to a specific, already-known peer address.
// The peer must have sent at least one datagram already (the table is
// populated lazily from ingress, per §4.5).
func (s *Server) SendTo(ctx context.Context, addr *net.UDPAddr, payload []byte, reliableChannel bool) (uint16, error) {
	peer, ok := s.peers.Lookup(addr)
	if !ok {
		return 0, errors.Errorf("hudp: unknown peer %s", addr)
	}

	if !reliableChannel {
		if wire.HeaderSize+len(payload) > s.cfg.MTU {
			return 0, reliable.ErrPayloadTooLarge
		}
		s.unrelMu.Lock()
		fwd := s.unreliable[addr.String()]
		s.unrelMu.Unlock()
		hdr := fwd.Header(time.Now)
		if err := s.shell.SendTo(addr, hdr, payload); err != nil {
			return 0, err
		}
		return hdr.Seq, nil
	}

	return peer.Sender.Send(ctx, payload)
}

// Metrics returns the server's Prometheus collector for registration
// with a metrics registry or HTTP handler.
func (s *Server) Metrics() *metrics.Collector { return s.metricsColl }

// Addr returns the socket's bound local address, useful when NewServer
// was called with port 0 to let the OS pick one.
func (s *Server) Addr() *net.UDPAddr { return s.conn.LocalAddr().(*net.UDPAddr) }

// Close stops the inbound loop, the idle-eviction sweep, and every
// tracked peer's reliable engines, then closes the socket.
func (s *Server) Close() error {
	s.peers.Close()
	return s.shell.Close()
}
