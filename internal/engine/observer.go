package engine

import (
	"net"

	"github.com/kestrel-dht/crawler/internal/kademlia"
	"github.com/kestrel-dht/crawler/internal/krpc"
)

// Observer is the capability interface the engine notifies on every
// inbound query and on searcher completion. It replaces the overridable
// hook methods of a base-class crawler with an explicit interface a caller
// wires in; cmd/crawlerd implements PeersValuesReceived to drive the
// metadata fetcher.
type Observer interface {
	PingReceived(sender kademlia.NodeID, addr *net.UDPAddr)
	FindNodeReceived(sender, target kademlia.NodeID, addr *net.UDPAddr)
	GetPeersReceived(sender kademlia.NodeID, infoHash kademlia.InfoHash, addr *net.UDPAddr)
	AnnouncePeerReceived(sender kademlia.NodeID, infoHash kademlia.InfoHash, port int, addr *net.UDPAddr)
	PeersValuesReceived(infoHash kademlia.InfoHash, peers []krpc.PeerAddr)
}

// NopObserver implements Observer with no-ops, for callers that only care
// about a subset of events (embed and override).
type NopObserver struct{}

func (NopObserver) PingReceived(kademlia.NodeID, *net.UDPAddr)                          {}
func (NopObserver) FindNodeReceived(kademlia.NodeID, kademlia.NodeID, *net.UDPAddr)      {}
func (NopObserver) GetPeersReceived(kademlia.NodeID, kademlia.InfoHash, *net.UDPAddr)    {}
func (NopObserver) AnnouncePeerReceived(kademlia.NodeID, kademlia.InfoHash, int, *net.UDPAddr) {}
func (NopObserver) PeersValuesReceived(kademlia.InfoHash, []krpc.PeerAddr)               {}
