package krpc

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/kestrel-dht/crawler/internal/kademlia"
)

func TestEncodePingCanonical(t *testing.T) {
	var id kademlia.NodeID
	for i := range id {
		id[i] = 0x01
	}
	got := EncodePing("aa", id)
	want := "d1:ad2:id20:" + string(id[:]) + "e1:q4:ping1:t2:aa1:y1:qe"
	if string(got) != want {
		t.Fatalf("EncodePing() = %q, want %q", got, want)
	}
}

func TestDecodeQueryRoundTrip(t *testing.T) {
	id := kademlia.RandomNodeID()
	target := kademlia.RandomNodeID()
	raw := EncodeFindNode("bb", id, target)

	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if msg.Query == nil {
		t.Fatalf("expected a query message")
	}
	q := msg.Query
	if q.TxID != "bb" || q.Method != MethodFindNode {
		t.Fatalf("unexpected query: %+v", q)
	}
	if q.SenderID != id {
		t.Fatalf("sender id mismatch")
	}
	if q.Target != target {
		t.Fatalf("target mismatch")
	}
}

func TestDecodeReplyWithNodesAndValues(t *testing.T) {
	localID := kademlia.RandomNodeID()
	node := kademlia.Node{ID: kademlia.RandomNodeID(), Addr: &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 6881}}

	raw := EncodeGetPeersReply("cc", localID, []kademlia.Node{node}, "tok")
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if msg.Reply == nil {
		t.Fatalf("expected a reply message")
	}
	r := msg.Reply
	if r.SenderID != localID {
		t.Fatalf("sender id mismatch")
	}
	if r.Token != "tok" {
		t.Fatalf("token mismatch: %q", r.Token)
	}
	if len(r.Nodes) != 1 || r.Nodes[0].ID != node.ID {
		t.Fatalf("nodes mismatch: %+v", r.Nodes)
	}
}

func TestDecodeErrorMessage(t *testing.T) {
	raw := EncodeError("dd", 203, "Protocol Error")
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if msg.Err == nil {
		t.Fatalf("expected an error message")
	}
	if msg.Err.Code != 203 || msg.Err.Message != "Protocol Error" {
		t.Fatalf("unexpected error: %+v", msg.Err)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	raw := []byte("d1:t2:ee1:y1:ze")
	_, err := Decode(raw)
	if !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
}

func TestDecodeRejectsMissingID(t *testing.T) {
	raw := []byte("d1:ad5:dummyi0ee1:q4:ping1:t2:aa1:y1:qe")
	_, err := Decode(raw)
	if !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
}

func TestCompactNodeRoundTrip(t *testing.T) {
	node := kademlia.Node{ID: kademlia.RandomNodeID(), Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 12345}}
	enc, ok := EncodeCompactNode(node)
	if !ok || len(enc) != compactNodeLen {
		t.Fatalf("expected a valid 26-byte encoding, got %d bytes ok=%v", len(enc), ok)
	}
	decoded := DecodeCompactNodes(enc)
	if len(decoded) != 1 || decoded[0].ID != node.ID || decoded[0].Addr.Port != 12345 {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestCompactNodeFiltersZeroPortAndAddr(t *testing.T) {
	buf := make([]byte, compactNodeLen*2)
	// Second entry: valid id, port 0 -> must be dropped.
	copy(buf[compactNodeLen:compactNodeLen+kademlia.IDLen], bytes.Repeat([]byte{1}, kademlia.IDLen))
	decoded := DecodeCompactNodes(buf)
	if len(decoded) != 0 {
		t.Fatalf("expected all-zero and zero-port entries to be dropped, got %d", len(decoded))
	}
}

func TestCompactPeerRoundTrip(t *testing.T) {
	p := PeerAddr{IP: net.IPv4(8, 8, 8, 8), Port: 443}
	enc, ok := EncodeCompactPeer(p)
	if !ok {
		t.Fatalf("expected valid encoding")
	}
	decoded, ok := DecodeCompactPeer(enc)
	if !ok || decoded.Port != 443 || !decoded.IP.Equal(p.IP) {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestSearcherTxIDIsStableAcrossProbes(t *testing.T) {
	t1 := SearcherTxID(7)
	t2 := SearcherTxID(7)
	if t1 != t2 {
		t.Fatalf("expected identical tx id for the same sequence number")
	}
	if len(t1) != 4 {
		t.Fatalf("expected a 4-byte transaction id, got %d bytes", len(t1))
	}
}
