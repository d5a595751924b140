package hudp

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hudpio/hudp/metrics"
	"github.com/hudpio/hudp/reliable"
	"github.com/hudpio/hudp/transport"
	"github.com/hudpio/hudp/wire"
)

// Client is the single-peer half of a H-UDP transport: a connected UDP
// socket, one reliable sender/receiver pair, and one unreliable
// forwarder, all talking to exactly the remote address given to
// NewClient.
type Client struct {
	conn  *net.UDPConn
	shell *transport.Shell

	sender      *reliable.Sender
	recv        *reliable.Receiver
	unreliable  transport.UnreliableForwarder
	metricsColl *metrics.Collector

	cfg    Config
	onRecv ReceiveCallback
	log    *logrus.Entry
}

// NewClient dials remoteHost:remotePort and starts the reliable engines
// and inbound loop. onRecv is required; onEvent may be nil.
func NewClient(remoteHost string, remotePort uint16, cfg Config, onRecv ReceiveCallback, onEvent EventCallback) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if onRecv == nil {
		return nil, errors.New("hudp: onRecv callback is required")
	}

	conn, err := transport.UDPConnect(remoteHost, remotePort)
	if err != nil {
		return nil, errors.Wrap(err, "hudp: dial")
	}
	if err := transport.SetBufferSizes(conn, cfg.SocketRecvBuffer, cfg.SocketSendBuffer); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "hudp: set socket buffers")
	}

	log := logrus.WithField("component", "hudp.client")
	coll := metrics.NewCollector("hudp_client")
	sink := coll.AddPeer("client")

	eventSink := sink
	if onEvent != nil {
		eventSink = func(ev reliable.Event) {
			sink(ev)
			onEvent("client", ev)
		}
	}

	c := &Client{conn: conn, cfg: cfg, onRecv: onRecv, log: log, metricsColl: coll}

	c.shell = transport.NewShell(conn, cfg.MTU, cfg.LossProb, int(cfg.Jitter/time.Millisecond), c.onPacket, log)

	c.sender, err = reliable.NewSender(cfg.SendWindowSize, cfg.RetxTimeout, cfg.MaxRetx, cfg.MTU, time.Now, c.transmitReliable, eventSink)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.recv, err = reliable.NewReceiver(cfg.RecvWindowSize, cfg.GapSkipTimeout, time.Now, c.sendAck, c.deliver, eventSink)
	if err != nil {
		conn.Close()
		return nil, err
	}

	go c.sender.Run()
	go c.recv.Run()
	go c.shell.Run()

	return c, nil
}

func (c *Client) transmitReliable(seq uint16, payload []byte, flags uint8) error {
	hdr := wire.Header{Channel: wire.ChannelReliable, Flags: flags, Seq: seq, TsMs: uint32(time.Now().UnixMilli())}
	return c.shell.SendTo(nil, hdr, payload)
}

func (c *Client) sendAck(seq uint16) {
	hdr := wire.Header{Channel: wire.ChannelReliable, Flags: wire.FlagACK, Seq: seq, TsMs: uint32(time.Now().UnixMilli())}
	_ = c.shell.SendTo(nil, hdr, nil)
}

func (c *Client) deliver(seq uint16, payload []byte, inOrder, skipped bool) {
	_ = inOrder
	rtt := c.sender.AvgRTTMs()
	var rttPtr *int64
	if rtt >= 0 {
		r := int64(rtt)
		rttPtr = &r
	}
	c.onRecv(Received{Channel: wire.ChannelReliable, Seq: seq, TsMs: uint32(time.Now().UnixMilli()), RTTMs: rttPtr, Payload: payload, Skipped: skipped})
}

func (c *Client) onPacket(_ *net.UDPAddr, hdr wire.Header, payload []byte) {
	switch hdr.Channel {
	case wire.ChannelReliable:
		if hdr.IsACK() {
			c.sender.OnAck(hdr.Seq)
			return
		}
		c.recv.OnDataPacket(hdr.Seq, payload)
	case wire.ChannelUnreliable:
		cp := make([]byte, len(payload))
		copy(cp, payload)
		c.onRecv(Received{Channel: wire.ChannelUnreliable, Seq: hdr.Seq, TsMs: hdr.TsMs, Payload: cp})
	}
}

// Send transmits payload on the reliable or unreliable channel. On the
// reliable channel it blocks while the send window is full; cancel ctx
// to abort with ErrBackpressureCancelled.
func (c *Client) Send(ctx context.Context, payload []byte, reliableChannel bool) (uint16, error) {
	if !reliableChannel {
		if wire.HeaderSize+len(payload) > c.cfg.MTU {
			return 0, reliable.ErrPayloadTooLarge
		}
		hdr := c.unreliable.Header(time.Now)
		if err := c.shell.SendTo(nil, hdr, payload); err != nil {
			return 0, err
		}
		return hdr.Seq, nil
	}
	return c.sender.Send(ctx, payload)
}

// Metrics returns the client's Prometheus collector for registration
// with a metrics registry or HTTP handler.
func (c *Client) Metrics() *metrics.Collector { return c.metricsColl }

// Close releases every resource the client holds: it cancels pending
// retransmission timers, stops the gap-skip scanner, and closes the
// socket. Any sender blocked in Send completes with ErrClosed.
func (c *Client) Close() error {
	c.sender.Close()
	c.recv.Close()
	return c.shell.Close()
}
