// Package krpc implements the typed KRPC message codec used by the DHT
// engine: encoding of outbound queries/replies/errors, and decoding of
// inbound datagrams into one of Query, Reply, or ErrorMsg.
package krpc

import (
	"errors"

	"github.com/kestrel-dht/crawler/internal/kademlia"
)

var (
	ErrMalformedMessage   = errors.New("krpc: malformed message")
	ErrUnknownMessageType = errors.New("krpc: unknown message type")
)

type MessageType string

const (
	TypeQuery MessageType = "q"
	TypeReply MessageType = "r"
	TypeError MessageType = "e"
)

type QueryMethod string

const (
	MethodPing         QueryMethod = "ping"
	MethodFindNode     QueryMethod = "find_node"
	MethodGetPeers     QueryMethod = "get_peers"
	MethodAnnouncePeer QueryMethod = "announce_peer"
)

// Query is a decoded "q" message. Only the fields relevant to Method are
// populated.
type Query struct {
	TxID     string
	Method   QueryMethod
	SenderID kademlia.NodeID
	Target   kademlia.NodeID
	InfoHash kademlia.InfoHash
	Port     int
}

// Reply is a decoded "r" message.
type Reply struct {
	TxID     string
	SenderID kademlia.NodeID
	Nodes    []kademlia.Node
	Values   []PeerAddr
	Token    string
}

// ErrorMsg is a decoded "e" message.
type ErrorMsg struct {
	TxID    string
	Code    int
	Message string
}

// Message wraps the result of decoding a datagram. Exactly one of Query,
// Reply, Err is non-nil.
type Message struct {
	Query *Query
	Reply *Reply
	Err   *ErrorMsg
}
