package krpc

import (
	"encoding/binary"
	"net"

	"github.com/kestrel-dht/crawler/internal/bencode"
	"github.com/kestrel-dht/crawler/internal/kademlia"
)

const (
	compactNodeLen = kademlia.IDLen + 6
	compactPeerLen = 6
)

// EncodeCompactNode encodes a node as a 26-byte compact string. Returns
// false if the node's address isn't representable (non-IPv4, or port 0).
func EncodeCompactNode(n kademlia.Node) ([]byte, bool) {
	ip4 := n.Addr.IP.To4()
	if ip4 == nil || n.Addr.Port == 0 {
		return nil, false
	}
	buf := make([]byte, compactNodeLen)
	copy(buf[:kademlia.IDLen], n.ID[:])
	copy(buf[kademlia.IDLen:kademlia.IDLen+4], ip4)
	binary.BigEndian.PutUint16(buf[kademlia.IDLen+4:], uint16(n.Addr.Port))
	return buf, true
}

// EncodeCompactNodes concatenates the compact encoding of every node that
// can be represented, silently skipping the rest.
func EncodeCompactNodes(nodes []kademlia.Node) []byte {
	buf := make([]byte, 0, compactNodeLen*len(nodes))
	for _, n := range nodes {
		if enc, ok := EncodeCompactNode(n); ok {
			buf = append(buf, enc...)
		}
	}
	return buf
}

// DecodeCompactNodes parses a "nodes" string into individual nodes,
// dropping any entry whose port is 0 or whose address is 0.0.0.0, and any
// trailing partial record.
func DecodeCompactNodes(data []byte) []kademlia.Node {
	var nodes []kademlia.Node
	for i := 0; i+compactNodeLen <= len(data); i += compactNodeLen {
		chunk := data[i : i+compactNodeLen]
		var id kademlia.NodeID
		copy(id[:], chunk[:kademlia.IDLen])
		ip := net.IP(append([]byte(nil), chunk[kademlia.IDLen:kademlia.IDLen+4]...))
		port := int(binary.BigEndian.Uint16(chunk[kademlia.IDLen+4:]))
		if port == 0 || ip.Equal(net.IPv4zero) {
			continue
		}
		nodes = append(nodes, kademlia.Node{ID: id, Addr: &net.UDPAddr{IP: ip, Port: port}})
	}
	return nodes
}

// EncodeCompactPeer encodes a peer contact as a 6-byte compact string.
func EncodeCompactPeer(p PeerAddr) ([]byte, bool) {
	ip4 := p.IP.To4()
	if ip4 == nil || p.Port == 0 {
		return nil, false
	}
	buf := make([]byte, compactPeerLen)
	copy(buf[:4], ip4)
	binary.BigEndian.PutUint16(buf[4:], uint16(p.Port))
	return buf, true
}

func DecodeCompactPeer(data []byte) (PeerAddr, bool) {
	if len(data) != compactPeerLen {
		return PeerAddr{}, false
	}
	ip := net.IP(append([]byte(nil), data[:4]...))
	port := int(binary.BigEndian.Uint16(data[4:]))
	if port == 0 || ip.Equal(net.IPv4zero) {
		return PeerAddr{}, false
	}
	return PeerAddr{IP: ip, Port: port}, true
}

// DecodeValues decodes a get_peers "values" list, dropping any entry that
// isn't a valid 6-byte compact peer string.
func DecodeValues(raw []bencode.Value) []PeerAddr {
	var out []PeerAddr
	for _, v := range raw {
		s, ok := v.AsString()
		if !ok {
			continue
		}
		if p, ok := DecodeCompactPeer(s); ok {
			out = append(out, p)
		}
	}
	return out
}
