package metadata

import (
	"fmt"

	"github.com/kestrel-dht/crawler/internal/bencode"
)

const (
	extHandshakeID = 0

	extMsgRequest = 0
	extMsgData    = 1
	extMsgReject  = 2

	pieceSize       = 16 * 1024
	maxMetadataSize = 10 * 1024 * 1024
)

func buildExtendedHandshake() []byte {
	payload := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"m": bencode.Dict(map[string]bencode.Value{
			"ut_metadata": bencode.Int(1),
		}),
	}))
	return wrapExtended(extHandshakeID, payload)
}

// parseExtendedHandshake extracts the peer's ut_metadata extension id and
// the declared metadata size from its BEP-10 handshake payload.
func parseExtendedHandshake(payload []byte) (peerUTMetadataID uint8, metadataSize int, err error) {
	v, err := bencode.Decode(payload)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	dict, ok := v.AsDict()
	if !ok {
		return 0, 0, fmt.Errorf("%w: extended handshake is not a dict", ErrMalformedMessage)
	}

	mDict, ok := dictField(dict, "m")
	if !ok {
		return 0, 0, fmt.Errorf("%w: extended handshake missing m", ErrMalformedMessage)
	}
	utVal, ok := mDict["ut_metadata"]
	utID, ok2 := utVal.AsInt()
	if !ok || !ok2 {
		return 0, 0, fmt.Errorf("%w: peer does not support ut_metadata", ErrMalformedMessage)
	}

	szVal, ok := dict["metadata_size"]
	sz, ok2 := szVal.AsInt()
	if !ok || !ok2 || sz <= 0 || sz > maxMetadataSize {
		return 0, 0, fmt.Errorf("%w: metadata_size=%v", ErrMetadataTooLarge, sz)
	}

	return uint8(utID), int(sz), nil
}

func dictField(dict map[string]bencode.Value, key string) (map[string]bencode.Value, bool) {
	v, ok := dict[key]
	if !ok {
		return nil, false
	}
	return v.AsDict()
}

func buildPieceRequest(peerUTMetadataID uint8, piece int) []byte {
	payload := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"msg_type": bencode.Int(extMsgRequest),
		"piece":    bencode.Int(int64(piece)),
	}))
	return wrapExtended(peerUTMetadataID, payload)
}

// parsePieceMessage decodes a ut_metadata data/reject message. For a
// reject, data is nil. The bencoded dict is followed directly by the raw
// piece bytes for a data message, so DecodePrefix is used to split them.
func parsePieceMessage(payload []byte) (msgType int, piece int, data []byte, err error) {
	v, rest, err := bencode.DecodePrefix(payload)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	dict, ok := v.AsDict()
	if !ok {
		return 0, 0, nil, fmt.Errorf("%w: metadata message is not a dict", ErrMalformedMessage)
	}

	mtVal, ok := dict["msg_type"]
	mt, ok2 := mtVal.AsInt()
	if !ok || !ok2 {
		return 0, 0, nil, fmt.Errorf("%w: missing msg_type", ErrMalformedMessage)
	}
	if int(mt) == extMsgReject {
		return int(mt), 0, nil, nil
	}

	pVal, ok := dict["piece"]
	p, ok2 := pVal.AsInt()
	if !ok || !ok2 {
		return 0, 0, nil, fmt.Errorf("%w: missing piece index", ErrMalformedMessage)
	}
	return int(mt), int(p), rest, nil
}
