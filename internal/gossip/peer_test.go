package gossip

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerManager_AddRejectsDuplicateAndOverCapacity(t *testing.T) {
	pm := NewPeerManager(1)
	a := newPeer("node-a", "127.0.0.1:1", nil)
	b := newPeer("node-b", "127.0.0.1:2", nil)

	assert.True(t, pm.Add(a))
	assert.False(t, pm.Add(a), "duplicate id must be rejected")
	assert.False(t, pm.Add(b), "manager at capacity must reject new peers")
	assert.Equal(t, 1, pm.Count())
}

func TestPeerManager_RemoveIsIdempotent(t *testing.T) {
	pm := NewPeerManager(4)
	server, client := net.Pipe()
	defer client.Close()
	p := newPeer("node-a", "127.0.0.1:1", server)
	require.True(t, pm.Add(p))

	pm.Remove("node-a")
	pm.Remove("node-a")
	assert.Equal(t, 0, pm.Count())
}

func TestPeerManager_SelectForRelayExcludesSourceAndOrdersByRTT(t *testing.T) {
	pm := NewPeerManager(8)
	fast := newPeer("fast", "127.0.0.1:1", nil)
	slow := newPeer("slow", "127.0.0.1:2", nil)
	unmeasured := newPeer("unmeasured", "127.0.0.1:3", nil)
	source := newPeer("source", "127.0.0.1:4", nil)

	fast.rtt, fast.hasRTT = 10*time.Millisecond, true
	slow.rtt, slow.hasRTT = 100*time.Millisecond, true

	for _, p := range []*Peer{fast, slow, unmeasured, source} {
		require.True(t, pm.Add(p))
	}

	selected := pm.SelectForRelay("source", 8)
	require.Len(t, selected, 3)
	assert.Equal(t, "fast", selected[0].ID)
	assert.Equal(t, "slow", selected[1].ID)
	assert.Equal(t, "unmeasured", selected[2].ID)
}

func TestPeerManager_SelectForRelayTruncatesToFanout(t *testing.T) {
	pm := NewPeerManager(8)
	for _, id := range []string{"a", "b", "c", "d"} {
		require.True(t, pm.Add(newPeer(id, "addr", nil)))
	}
	selected := pm.SelectForRelay("", 2)
	assert.Len(t, selected, 2)
}

func TestPeer_RecordPongResolvesPendingPing(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	p := newPeer("node-a", "addr", server)

	p.recordPingSent("ping-1")
	rtt, ok := p.recordPong("ping-1")
	assert.True(t, ok)
	assert.GreaterOrEqual(t, rtt, time.Duration(0))

	_, ok = p.recordPong("ping-1")
	assert.False(t, ok, "resolving the same ping twice must fail the second time")
}

func TestPeer_ExpirePendingPingsDropsOldOnly(t *testing.T) {
	p := newPeer("node-a", "addr", nil)
	p.pendingPings["old"] = time.Now().Add(-time.Hour)
	p.pendingPings["fresh"] = time.Now()

	p.expirePendingPings(time.Minute)

	_, hasOld := p.pendingPings["old"]
	_, hasFresh := p.pendingPings["fresh"]
	assert.False(t, hasOld)
	assert.True(t, hasFresh)
}
