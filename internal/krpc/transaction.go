package krpc

import (
	"crypto/rand"
	"encoding/binary"
)

// RandomTxID returns a 2-byte random transaction id for unsolicited
// queries (ping, bootstrap find_node) that aren't tied to a searcher.
func RandomTxID() string {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return string(b[:])
}

// SearcherTxID encodes a searcher sequence counter as a big-endian 4-byte
// transaction id, shared across every outbound probe belonging to that
// searcher so replies can be routed back to it.
func SearcherTxID(seq uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], seq)
	return string(b[:])
}

// NewToken returns a fresh 20-byte get_peers reply token.
func NewToken() string {
	var b [20]byte
	_, _ = rand.Read(b[:])
	return string(b[:])
}
