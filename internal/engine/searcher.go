package engine

import (
	"time"

	"github.com/kestrel-dht/crawler/internal/kademlia"
	"github.com/kestrel-dht/crawler/internal/krpc"
)

func (e *Engine) startSearcher(infoHash kademlia.InfoHash) {
	e.searcherSeq++
	t := krpc.SearcherTxID(e.searcherSeq)

	st := &searcherState{
		infoHash:  infoHash,
		nodes:     make(map[kademlia.NodeID]kademlia.Node),
		peers:     make(map[string]krpc.PeerAddr),
		attempts:  searcherAttempts,
		startedAt: time.Now(),
	}
	// The initial closest set is only probed, not folded into st.nodes:
	// the first reply establishes the baseline closest set so it never
	// decrements attempts by comparing against itself.
	closest := e.table.ClosestToInfoHash(infoHash, kClosest)
	e.searchers[t] = st
	e.stats.SearchersStarted.Add(1)

	e.probeSearcher(t, st.infoHash, closest)
}

func (e *Engine) probeSearcher(t string, infoHash kademlia.InfoHash, targets []kademlia.Node) {
	for _, n := range targets {
		e.sendRaw(krpc.EncodeGetPeers(t, e.queryID(), infoHash), n.Addr)
	}
}

// onSearcherReply folds a get_peers reply into a searcher's accumulated
// state and decides whether to re-probe the new closest set or finish.
func (e *Engine) onSearcherReply(t string, nodes []kademlia.Node, values []krpc.PeerAddr) {
	st, ok := e.searchers[t]
	if !ok {
		return
	}

	oldClosest := closestOf(st.nodes, st.infoHash)
	oldIDs := idSet(oldClosest)

	for _, n := range nodes {
		st.nodes[n.ID] = n
	}
	for _, p := range values {
		st.peers[p.String()] = p
	}

	newClosest := closestOf(st.nodes, st.infoHash)
	newIDs := idSet(newClosest)

	if sameIDs(oldIDs, newIDs) {
		st.attempts--
	}

	if st.attempts > 0 {
		e.probeSearcher(t, st.infoHash, newClosest)
		return
	}

	e.finishSearcher(t, st, "converged")
}

func (e *Engine) finishSearcher(t string, st *searcherState, reason string) {
	delete(e.searchers, t)

	peers := make([]krpc.PeerAddr, 0, len(st.peers))
	for _, p := range st.peers {
		peers = append(peers, p)
	}

	switch reason {
	case "converged":
		e.stats.SearchersConverged.Add(1)
	case "deadline":
		e.stats.SearchersExpired.Add(1)
	}

	e.logger.Debug().
		Str("info_hash", st.infoHash.String()).
		Str("reason", reason).
		Int("peers", len(peers)).
		Msg("searcher finished")

	e.observer.PeersValuesReceived(st.infoHash, peers)
}

func closestOf(nodes map[kademlia.NodeID]kademlia.Node, target kademlia.InfoHash) []kademlia.Node {
	all := make([]kademlia.Node, 0, len(nodes))
	for _, n := range nodes {
		all = append(all, n)
	}
	return kademlia.ClosestOf(all, [kademlia.IDLen]byte(target), kClosest)
}

func idSet(nodes []kademlia.Node) map[kademlia.NodeID]struct{} {
	s := make(map[kademlia.NodeID]struct{}, len(nodes))
	for _, n := range nodes {
		s[n.ID] = struct{}{}
	}
	return s
}

func sameIDs(a, b map[kademlia.NodeID]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}
