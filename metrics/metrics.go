// Package metrics exposes the transport's observable event stream as
// Prometheus metrics. Each reliable channel registers itself with a
// peer label via AddPeer, and its counters stay exported until
// RemovePeer is called with that label, the same add/remove lifecycle
// a connection-tracking Collector uses for any other per-connection
// Prometheus export. The server does not call RemovePeer when its
// peer table evicts an idle peer, so an evicted peer's counters remain.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hudpio/hudp/reliable"
)

type peerCounters struct {
	labels []string

	txData, rxData       uint64
	ackTx, ackRx         uint64
	retx                 uint64
	deliverInOrder       uint64
	deliverSkipped       uint64
	skipGap              uint64
	dropMaxRetx          uint64
	rttSumMs, rttSamples uint64
}

// Collector implements prometheus.Collector over a dynamic set of
// peers, each identified by a label (the peer's remote address string
// on a server, or a fixed "client" label for a client transport).
type Collector struct {
	mu    sync.Mutex
	peers map[string]*peerCounters

	txDataDesc      *prometheus.Desc
	rxDataDesc      *prometheus.Desc
	ackTxDesc       *prometheus.Desc
	ackRxDesc       *prometheus.Desc
	retxDesc        *prometheus.Desc
	deliverDesc     *prometheus.Desc
	skipGapDesc     *prometheus.Desc
	dropMaxRetxDesc *prometheus.Desc
	rttAvgDesc      *prometheus.Desc
}

// NewCollector builds an empty collector. namespace prefixes every
// exported metric name (e.g. "hudp").
func NewCollector(namespace string) *Collector {
	labels := []string{"peer"}
	return &Collector{
		peers: make(map[string]*peerCounters),

		txDataDesc:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "reliable", "tx_data_total"), "Reliable data packets transmitted (first send only).", labels, nil),
		rxDataDesc:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "reliable", "rx_data_total"), "Reliable data packets received, including duplicates.", labels, nil),
		ackTxDesc:       prometheus.NewDesc(prometheus.BuildFQName(namespace, "reliable", "ack_tx_total"), "ACKs emitted.", labels, nil),
		ackRxDesc:       prometheus.NewDesc(prometheus.BuildFQName(namespace, "reliable", "ack_rx_total"), "ACKs received for in-flight sequences.", labels, nil),
		retxDesc:        prometheus.NewDesc(prometheus.BuildFQName(namespace, "reliable", "retx_total"), "Retransmissions sent.", labels, nil),
		deliverDesc:     prometheus.NewDesc(prometheus.BuildFQName(namespace, "reliable", "deliver_total"), "Payloads delivered to the application.", append(append([]string{}, labels...), "skipped"), nil),
		skipGapDesc:     prometheus.NewDesc(prometheus.BuildFQName(namespace, "reliable", "skip_gap_total"), "Gap-skip events (forced cursor advance).", labels, nil),
		dropMaxRetxDesc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "reliable", "drop_max_retx_total"), "Sequences dropped after exhausting max_retx.", labels, nil),
		rttAvgDesc:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "reliable", "rtt_avg_ms"), "Mean sampled RTT in milliseconds across all ACKed sequences.", labels, nil),
	}
}

// AddPeer registers a new, zeroed counter set under label and returns
// an EventSink that feeds it. Call RemovePeer with the same label when
// the peer is torn down.
func (c *Collector) AddPeer(label string) reliable.EventSink {
	c.mu.Lock()
	pc := &peerCounters{labels: []string{label}}
	c.peers[label] = pc
	c.mu.Unlock()

	return func(ev reliable.Event) {
		switch ev.Kind {
		case reliable.EventTxData:
			atomic.AddUint64(&pc.txData, 1)
		case reliable.EventRxData:
			atomic.AddUint64(&pc.rxData, 1)
		case reliable.EventAckTx:
			atomic.AddUint64(&pc.ackTx, 1)
		case reliable.EventAckRx:
			atomic.AddUint64(&pc.ackRx, 1)
			atomic.AddUint64(&pc.rttSumMs, uint64(ev.RTTMs))
			atomic.AddUint64(&pc.rttSamples, 1)
		case reliable.EventRetx:
			atomic.AddUint64(&pc.retx, 1)
		case reliable.EventDeliver:
			if ev.Skipped {
				atomic.AddUint64(&pc.deliverSkipped, 1)
			} else {
				atomic.AddUint64(&pc.deliverInOrder, 1)
			}
		case reliable.EventSkipGap:
			atomic.AddUint64(&pc.skipGap, 1)
		case reliable.EventDropMaxRetx:
			atomic.AddUint64(&pc.dropMaxRetx, 1)
		}
	}
}

// RemovePeer drops label's counters from future Collect calls.
func (c *Collector) RemovePeer(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, label)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.txDataDesc
	descs <- c.rxDataDesc
	descs <- c.ackTxDesc
	descs <- c.ackRxDesc
	descs <- c.retxDesc
	descs <- c.deliverDesc
	descs <- c.skipGapDesc
	descs <- c.dropMaxRetxDesc
	descs <- c.rttAvgDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	snapshot := make([]*peerCounters, 0, len(c.peers))
	for _, pc := range c.peers {
		snapshot = append(snapshot, pc)
	}
	c.mu.Unlock()

	for _, pc := range snapshot {
		metrics <- prometheus.MustNewConstMetric(c.txDataDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&pc.txData)), pc.labels...)
		metrics <- prometheus.MustNewConstMetric(c.rxDataDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&pc.rxData)), pc.labels...)
		metrics <- prometheus.MustNewConstMetric(c.ackTxDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&pc.ackTx)), pc.labels...)
		metrics <- prometheus.MustNewConstMetric(c.ackRxDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&pc.ackRx)), pc.labels...)
		metrics <- prometheus.MustNewConstMetric(c.retxDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&pc.retx)), pc.labels...)
		metrics <- prometheus.MustNewConstMetric(c.deliverDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&pc.deliverInOrder)), append(append([]string{}, pc.labels...), "false")...)
		metrics <- prometheus.MustNewConstMetric(c.deliverDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&pc.deliverSkipped)), append(append([]string{}, pc.labels...), "true")...)
		metrics <- prometheus.MustNewConstMetric(c.skipGapDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&pc.skipGap)), pc.labels...)
		metrics <- prometheus.MustNewConstMetric(c.dropMaxRetxDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&pc.dropMaxRetx)), pc.labels...)

		samples := atomic.LoadUint64(&pc.rttSamples)
		avg := 0.0
		if samples > 0 {
			avg = float64(atomic.LoadUint64(&pc.rttSumMs)) / float64(samples)
		}
		metrics <- prometheus.MustNewConstMetric(c.rttAvgDesc, prometheus.GaugeValue, avg, pc.labels...)
	}
}
