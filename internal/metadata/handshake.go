package metadata

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"github.com/kestrel-dht/crawler/internal/kademlia"
)

const (
	// Protocol is the BEP-3 protocol identifier string.
	Protocol = "BitTorrent protocol"

	// HandshakeSize is the fixed 68-byte handshake: 1 (pstrlen) +
	// len(Protocol) + 8 (reserved) + 20 (info_hash) + 20 (peer_id).
	HandshakeSize = 1 + len(Protocol) + 8 + 20 + 20

	reservedExtendedBit = 0x10 // reserved byte 5, bit 4: BEP-10 extended messaging
)

func buildHandshake(infoHash kademlia.InfoHash, peerID [20]byte) []byte {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(Protocol))
	copy(buf[1:], Protocol)

	reserved := buf[1+len(Protocol) : 1+len(Protocol)+8]
	reserved[5] = reservedExtendedBit

	copy(buf[1+len(Protocol)+8:], infoHash[:])
	copy(buf[1+len(Protocol)+8+20:], peerID[:])
	return buf
}

func parseHandshake(buf []byte, wantInfoHash kademlia.InfoHash) error {
	if len(buf) != HandshakeSize {
		return fmt.Errorf("%w: short handshake (%d bytes)", ErrHandshakeMismatch, len(buf))
	}
	pstrLen := int(buf[0])
	if pstrLen != len(Protocol) || string(buf[1:1+pstrLen]) != Protocol {
		return fmt.Errorf("%w: unexpected protocol string", ErrHandshakeMismatch)
	}

	reserved := buf[1+pstrLen : 1+pstrLen+8]
	if reserved[5]&reservedExtendedBit == 0 {
		return fmt.Errorf("%w: peer does not advertise the extension protocol", ErrHandshakeMismatch)
	}

	gotHash := buf[1+pstrLen+8 : 1+pstrLen+8+20]
	if !bytes.Equal(gotHash, wantInfoHash[:]) {
		return fmt.Errorf("%w: info_hash in handshake does not match", ErrInfoHashMismatch)
	}
	return nil
}

func randomPeerID() [20]byte {
	var id [20]byte
	copy(id[:], "-KC0001-")
	_, _ = rand.Read(id[8:])
	return id
}
