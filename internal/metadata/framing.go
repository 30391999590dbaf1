package metadata

import (
	"bufio"
	"encoding/binary"
	"io"
)

const extendedMsgID = 20

type wireMessage struct {
	id      byte
	payload []byte
}

// readWireMessage reads length-prefixed peer-wire messages from r,
// transparently skipping zero-length keep-alives, until a real message
// arrives. Works regardless of whether the underlying reads deliver one
// message, several at once, or a single message split across reads: r is
// a bufio.Reader, so io.ReadFull handles both cases.
func readWireMessage(r *bufio.Reader) (*wireMessage, error) {
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		if length == 0 {
			continue // keep-alive
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
		return &wireMessage{id: body[0], payload: body[1:]}, nil
	}
}

func wrapExtended(extID byte, payload []byte) []byte {
	body := make([]byte, 2+len(payload))
	body[0] = extendedMsgID
	body[1] = extID
	copy(body[2:], payload)

	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}
