package gossip

import (
	"encoding/json"
	"errors"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"
)

// Peer is a live connection to a remote node, bound to a stable identity
// once its handshake has been received. Grounded on gocuria/p2p/peers.go's
// Peer type, adding the write lock, RTT tracking, and pending-ping map the
// heartbeat/RTT-ranking requirements of spec §4.3 need.
type Peer struct {
	ID       string
	Address  string
	Port     string
	LastSeen time.Time

	conn    net.Conn
	writeMu sync.Mutex
	closed  bool

	rttMu  sync.Mutex
	rtt    time.Duration
	hasRTT bool

	pingMu       sync.Mutex
	pendingPings map[string]time.Time
}

func newPeer(id, address string, conn net.Conn) *Peer {
	return &Peer{
		ID:           id,
		Address:      address,
		conn:         conn,
		LastSeen:     time.Now(),
		pendingPings: make(map[string]time.Time),
	}
}

// send writes a single JSON-encoded line to the peer. Never blocks the
// caller beyond the connection's own write deadline handling.
func (p *Peer) send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.closed {
		return errors.New("gossip: peer closed")
	}
	_, err = p.conn.Write(data)
	return err
}

func (p *Peer) close() {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	_ = p.conn.Close()
}

func (p *Peer) recordPingSent(pingID string) {
	p.pingMu.Lock()
	defer p.pingMu.Unlock()
	p.pendingPings[pingID] = time.Now()
}

// recordPong resolves a pending ping and updates the RTT sample.
func (p *Peer) recordPong(pingID string) (time.Duration, bool) {
	p.pingMu.Lock()
	sentAt, ok := p.pendingPings[pingID]
	if ok {
		delete(p.pendingPings, pingID)
	}
	p.pingMu.Unlock()
	if !ok {
		return 0, false
	}
	rtt := time.Since(sentAt)
	p.rttMu.Lock()
	p.rtt = rtt
	p.hasRTT = true
	p.rttMu.Unlock()
	p.LastSeen = time.Now()
	return rtt, true
}

// expirePendingPings drops pending pings older than maxAge without
// penalizing the peer, per spec §4.3.
func (p *Peer) expirePendingPings(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	p.pingMu.Lock()
	defer p.pingMu.Unlock()
	for id, sentAt := range p.pendingPings {
		if sentAt.Before(cutoff) {
			delete(p.pendingPings, id)
		}
	}
}

func (p *Peer) rttSample() (time.Duration, bool) {
	p.rttMu.Lock()
	defer p.rttMu.Unlock()
	return p.rtt, p.hasRTT
}

// PeerManager tracks connected peers by node id, grounded on
// gocuria/p2p/peers.go's PeerManager but keyed by the handshake-announced
// nodeId instead of the raw socket address, and extended with RTT-ranked
// selection for flood relay.
type PeerManager struct {
	mu       sync.RWMutex
	peers    map[string]*Peer
	maxPeers int
}

// NewPeerManager creates a manager bounded to maxPeers concurrent peers.
func NewPeerManager(maxPeers int) *PeerManager {
	return &PeerManager{peers: make(map[string]*Peer), maxPeers: maxPeers}
}

// Add registers a peer under its stable id. Returns false if the id is
// already present or the manager is at capacity.
func (pm *PeerManager) Add(p *Peer) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, ok := pm.peers[p.ID]; ok {
		return false
	}
	if len(pm.peers) >= pm.maxPeers {
		return false
	}
	pm.peers[p.ID] = p
	return true
}

// Remove disconnects and forgets a peer. Idempotent.
func (pm *PeerManager) Remove(id string) {
	pm.mu.Lock()
	p, ok := pm.peers[id]
	if ok {
		delete(pm.peers, id)
	}
	pm.mu.Unlock()
	if ok {
		p.close()
	}
}

// Get returns the peer with the given id, if connected.
func (pm *PeerManager) Get(id string) (*Peer, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	p, ok := pm.peers[id]
	return p, ok
}

// All returns a snapshot of every connected peer.
func (pm *PeerManager) All() []*Peer {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]*Peer, 0, len(pm.peers))
	for _, p := range pm.peers {
		out = append(out, p)
	}
	return out
}

// Count returns the number of connected peers.
func (pm *PeerManager) Count() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.peers)
}

// SelectForRelay orders candidate peers by measured RTT ascending, places
// unmeasured peers (shuffled) after the measured ones, excludes excludeID
// (the peer the message arrived from), and truncates to fanout, per
// spec §4.3.
func (pm *PeerManager) SelectForRelay(excludeID string, fanout int) []*Peer {
	pm.mu.RLock()
	candidates := make([]*Peer, 0, len(pm.peers))
	for id, p := range pm.peers {
		if id == excludeID {
			continue
		}
		candidates = append(candidates, p)
	}
	pm.mu.RUnlock()

	var measured, unmeasured []*Peer
	for _, p := range candidates {
		if _, ok := p.rttSample(); ok {
			measured = append(measured, p)
		} else {
			unmeasured = append(unmeasured, p)
		}
	}
	sort.Slice(measured, func(i, j int) bool {
		ri, _ := measured[i].rttSample()
		rj, _ := measured[j].rttSample()
		return ri < rj
	})
	rand.Shuffle(len(unmeasured), func(i, j int) {
		unmeasured[i], unmeasured[j] = unmeasured[j], unmeasured[i]
	})

	ordered := append(measured, unmeasured...)
	if fanout > 0 && fanout < len(ordered) {
		ordered = ordered[:fanout]
	}
	return ordered
}
