package transport

import (
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/hudpio/hudp/reliable"
)

// Peer bundles the per-remote-address state a server keeps: a unique
// identifier for logging, the reliable sender/receiver pair for that
// address, and the wall-clock moment it was last heard from.
type Peer struct {
	ID     xid.ID
	Addr   *net.UDPAddr
	Sender *reliable.Sender
	Recv   *reliable.Receiver

	mu       sync.Mutex
	lastSeen time.Time
}

func newPeer(addr *net.UDPAddr, sender *reliable.Sender, recv *reliable.Receiver, now time.Time) *Peer {
	return &Peer{
		ID:       xid.New(),
		Addr:     addr,
		Sender:   sender,
		Recv:     recv,
		lastSeen: now,
	}
}

func (p *Peer) touch(now time.Time) {
	p.mu.Lock()
	p.lastSeen = now
	p.mu.Unlock()
}

func (p *Peer) idleSince(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Sub(p.lastSeen)
}

// PeerFactory builds the reliable sender/receiver pair for a newly seen
// remote address. The shell owns transmission; the factory only wires
// up the engines against it.
type PeerFactory func(addr *net.UDPAddr) (*reliable.Sender, *reliable.Receiver, error)

// PeerTable is a server's address-keyed session map, with a periodic
// sweep that evicts peers that have gone quiet for longer than
// idleTimeout. A client never uses this; it talks to exactly one peer.
type PeerTable struct {
	mu      sync.RWMutex
	peers   map[string]*Peer
	factory PeerFactory

	idleTimeout time.Duration
	clock       reliable.Clock
	log         *logrus.Entry

	closeCh chan struct{}
	once    sync.Once
}

// NewPeerTable builds an empty peer table. idleTimeout <= 0 disables
// eviction entirely.
func NewPeerTable(factory PeerFactory, idleTimeout time.Duration, clock reliable.Clock, log *logrus.Entry) *PeerTable {
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PeerTable{
		peers:       make(map[string]*Peer),
		factory:     factory,
		idleTimeout: idleTimeout,
		clock:       clock,
		log:         log,
		closeCh:     make(chan struct{}),
	}
}

// GetOrCreate returns the existing peer for addr, or builds one via the
// factory and starts its reliable engines. Also bumps the peer's
// last-seen timestamp, since this is called on every received packet.
func (t *PeerTable) GetOrCreate(addr *net.UDPAddr) (*Peer, error) {
	key := addr.String()
	now := t.clock()

	t.mu.RLock()
	p, ok := t.peers[key]
	t.mu.RUnlock()
	if ok {
		p.touch(now)
		return p, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok = t.peers[key]; ok {
		p.touch(now)
		return p, nil
	}

	sender, recv, err := t.factory(addr)
	if err != nil {
		return nil, err
	}
	p = newPeer(addr, sender, recv, now)
	t.peers[key] = p
	go sender.Run()
	go recv.Run()

	t.log.WithFields(logrus.Fields{"peer_id": p.ID.String(), "addr": key}).Info("peer added")
	return p, nil
}

// Lookup returns the peer for addr without creating one.
func (t *PeerTable) Lookup(addr *net.UDPAddr) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[addr.String()]
	return p, ok
}

// Len reports the number of tracked peers.
func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// EvictIdle closes and removes every peer that is fully idle: no
// buffered out-of-order packets, no in-flight reliable sends awaiting
// ACK, and silent for at least idleTimeout. A peer with unacked sends
// in flight is kept regardless of how long it's been since the last
// inbound packet, since evicting it would drop those retransmissions
// with no drop_max_retx event and no signal to the remote peer.
func (t *PeerTable) EvictIdle() {
	if t.idleTimeout <= 0 {
		return
	}
	now := t.clock()

	var stale []string
	t.mu.RLock()
	for key, p := range t.peers {
		if p.idleSince(now) >= t.idleTimeout && p.Recv.Idle() && p.Sender.InFlightCount() == 0 {
			stale = append(stale, key)
		}
	}
	t.mu.RUnlock()
	if len(stale) == 0 {
		return
	}

	t.mu.Lock()
	for _, key := range stale {
		if p, ok := t.peers[key]; ok {
			p.Sender.Close()
			p.Recv.Close()
			delete(t.peers, key)
			t.log.WithFields(logrus.Fields{"peer_id": p.ID.String(), "addr": key}).Info("peer evicted (idle)")
		}
	}
	t.mu.Unlock()
}

// Run sweeps for idle peers on the same cadence as the gap-skip
// scanner until Close is called.
func (t *PeerTable) Run() {
	ticker := time.NewTicker(reliable.GapSkipScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.closeCh:
			return
		case <-ticker.C:
			t.EvictIdle()
		}
	}
}

// Close stops the eviction sweep and tears down every tracked peer.
func (t *PeerTable) Close() {
	t.once.Do(func() { close(t.closeCh) })

	t.mu.Lock()
	defer t.mu.Unlock()
	for key, p := range t.peers {
		p.Sender.Close()
		p.Recv.Close()
		delete(t.peers, key)
	}
}
