package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/hudpio/hudp/reliable"
)

func TestCollectorTracksPeerLifecycle(t *testing.T) {
	c := NewCollector("hudp_test")
	sink := c.AddPeer("peer-a")

	sink(reliable.Event{Kind: reliable.EventTxData, Seq: 1})
	sink(reliable.Event{Kind: reliable.EventAckRx, Seq: 1, RTTMs: 40})
	sink(reliable.Event{Kind: reliable.EventAckRx, Seq: 2, RTTMs: 60})
	sink(reliable.Event{Kind: reliable.EventDeliver, Seq: 1, Skipped: false})
	sink(reliable.Event{Kind: reliable.EventDeliver, Seq: 5, Skipped: true})
	sink(reliable.Event{Kind: reliable.EventDropMaxRetx, Seq: 9})

	c.mu.Lock()
	pc := c.peers["peer-a"]
	c.mu.Unlock()
	require.NotNil(t, pc)
	require.EqualValues(t, 1, pc.txData)
	require.EqualValues(t, 2, pc.ackRx)
	require.EqualValues(t, 100, pc.rttSumMs)
	require.EqualValues(t, 1, pc.deliverInOrder)
	require.EqualValues(t, 1, pc.deliverSkipped)
	require.EqualValues(t, 1, pc.dropMaxRetx)

	c.RemovePeer("peer-a")
	c.mu.Lock()
	_, stillPresent := c.peers["peer-a"]
	c.mu.Unlock()
	require.False(t, stillPresent)
}

func TestCollectorRegistersAndGathersCleanly(t *testing.T) {
	c := NewCollector("hudp_test")
	sink := c.AddPeer("peer-b")
	sink(reliable.Event{Kind: reliable.EventRetx, Seq: 3, Count: 1})

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
