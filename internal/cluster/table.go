package cluster

import (
	"sync"
	"time"

	"github.com/oxidehq/oxide/pkg/types"
)

// peerTable is the in-memory peer registry. Insertion order is preserved so
// score ties resolve deterministically to the longest-known peer. All
// accessors copy; callers never see live map entries.
type peerTable struct {
	mu    sync.RWMutex
	peers map[string]*types.PeerNode
	order []string
}

func newPeerTable() *peerTable {
	return &peerTable{peers: make(map[string]*types.PeerNode)}
}

// upsert merges a freshly received descriptor. enabled and first_seen are
// local decisions and survive the update; everything else is taken from the
// datagram. Returns the stored copy.
func (t *peerTable) upsert(node types.PeerNode) types.PeerNode {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.peers[node.NodeID]
	if ok {
		node.Enabled = existing.Enabled
		node.FirstSeen = existing.FirstSeen
	} else {
		node.Enabled = true
		node.FirstSeen = time.Now()
		t.order = append(t.order, node.NodeID)
	}
	node.Healthy = true
	stored := node
	t.peers[node.NodeID] = &stored
	return stored
}

// seed inserts a peer restored from the store without touching its
// recorded state.
func (t *peerTable) seed(node types.PeerNode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[node.NodeID]; ok {
		return
	}
	stored := node
	t.peers[node.NodeID] = &stored
	t.order = append(t.order, node.NodeID)
}

func (t *peerTable) get(nodeID string) (types.PeerNode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[nodeID]
	if !ok {
		return types.PeerNode{}, false
	}
	return *p, true
}

// list returns copies in insertion order.
func (t *peerTable) list() []types.PeerNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.PeerNode, 0, len(t.order))
	for _, id := range t.order {
		if p, ok := t.peers[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

func (t *peerTable) setEnabled(nodeID string, enabled bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[nodeID]
	if !ok {
		return false
	}
	p.Enabled = enabled
	return true
}

// markUnhealthy flips peers silent since cutoff and returns the ids whose
// state changed, so the caller can log the edge once instead of every sweep.
func (t *peerTable) markUnhealthy(cutoff time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var flipped []string
	for _, p := range t.peers {
		if p.Healthy && p.LastSeen.Before(cutoff) {
			p.Healthy = false
			flipped = append(flipped, p.NodeID)
		}
	}
	return flipped
}

// evict removes peers silent since cutoff, returning the evicted ids.
func (t *peerTable) evict(cutoff time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var gone []string
	kept := t.order[:0]
	for _, id := range t.order {
		p, ok := t.peers[id]
		if !ok {
			continue
		}
		if p.LastSeen.Before(cutoff) {
			delete(t.peers, id)
			gone = append(gone, id)
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
	return gone
}
