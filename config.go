package hudp

import (
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidConfig is returned by Config.Validate (and surfaced from
// NewClient/NewServer) when a field violates its documented constraint.
var ErrInvalidConfig = errors.New("hudp: invalid configuration")

// Config holds every tunable named in the transport's external
// interface. The zero value is not valid; use DefaultConfig and
// override individual fields.
type Config struct {
	// MTU bounds the total on-wire packet size, header included.
	MTU int
	// RetxTimeout is the fixed per-packet retransmission timeout. Never
	// adapted from measured RTT.
	RetxTimeout time.Duration
	// SendWindowSize bounds unacknowledged in-flight reliable packets.
	// Must be in [1, 32768).
	SendWindowSize int
	// RecvWindowSize bounds buffered out-of-order reliable packets.
	// Must be in [1, 32768).
	RecvWindowSize int
	// MaxRetx is the total number of transmissions of a sequence, the
	// first send included; when the last of them goes unacknowledged
	// past its timeout the sequence is silently dropped.
	MaxRetx int
	// GapSkipTimeout is how long a receive gap may persist before the
	// receiver forces its cursor past it.
	GapSkipTimeout time.Duration
	// SocketRecvBuffer and SocketSendBuffer set SO_RCVBUF/SO_SNDBUF.
	// The kernel may cap these lower than requested.
	SocketRecvBuffer int
	SocketSendBuffer int
	// LossProb and Jitter are egress-only testing hooks; leave at their
	// zero values in production.
	LossProb float64
	Jitter   time.Duration
	// PeerIdleTimeout evicts a server-side peer once nothing has been
	// received from it for at least this long, its reliable receiver
	// holds no buffered out-of-order packets, and its sender has no
	// unacknowledged sends in flight. Zero disables eviction. The client ignores this
	// field: it has exactly one peer, the configured remote.
	PeerIdleTimeout time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MTU:              1200,
		RetxTimeout:      200 * time.Millisecond,
		SendWindowSize:   64,
		RecvWindowSize:   64,
		MaxRetx:          10,
		GapSkipTimeout:   200 * time.Millisecond,
		SocketRecvBuffer: 1 << 20,
		SocketSendBuffer: 1 << 20,
		LossProb:         0,
		Jitter:           0,
		PeerIdleTimeout:  5 * time.Minute,
	}
}

// Validate checks the window-size wraparound constraint and rejects
// obviously broken values. Both window sizes must stay under 2^15 so
// 16-bit serial-number comparisons never ambiguate in-window from
// out-of-window.
func (c Config) Validate() error {
	if c.MTU <= 8 {
		return errors.Wrap(ErrInvalidConfig, "mtu must exceed the 8-byte header")
	}
	if c.SendWindowSize <= 0 || c.SendWindowSize >= 1<<15 {
		return errors.Wrap(ErrInvalidConfig, "send_window_size must be in [1, 32768)")
	}
	if c.RecvWindowSize <= 0 || c.RecvWindowSize >= 1<<15 {
		return errors.Wrap(ErrInvalidConfig, "recv_window_size must be in [1, 32768)")
	}
	if c.MaxRetx <= 0 {
		return errors.Wrap(ErrInvalidConfig, "max_retx must be positive")
	}
	if c.RetxTimeout <= 0 {
		return errors.Wrap(ErrInvalidConfig, "retx_timeout_ms must be positive")
	}
	if c.LossProb < 0 || c.LossProb > 1 {
		return errors.Wrap(ErrInvalidConfig, "loss_prob must be in [0, 1]")
	}
	return nil
}
