package metadata

import "errors"

var (
	ErrHandshakeMismatch = errors.New("metadata: handshake mismatch")
	ErrInfoHashMismatch  = errors.New("metadata: info_hash mismatch")
	ErrMetadataTooLarge  = errors.New("metadata: metadata_size missing or out of range")
	ErrMetadataRejected  = errors.New("metadata: peer rejected piece request")
	ErrMalformedMessage  = errors.New("metadata: malformed peer-wire message")
	ErrFetchTimeout      = errors.New("metadata: connect timeout")
)
