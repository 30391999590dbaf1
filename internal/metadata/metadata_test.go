package metadata

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrel-dht/crawler/internal/bencode"
	"github.com/kestrel-dht/crawler/internal/kademlia"
	"github.com/kestrel-dht/crawler/internal/krpc"
	"github.com/kestrel-dht/crawler/internal/sink"
)

func sampleInfoDict(t *testing.T, single bool) ([]byte, kademlia.InfoHash) {
	t.Helper()
	var dict bencode.Value
	if single {
		dict = bencode.Dict(map[string]bencode.Value{
			"name":   bencode.String([]byte("movie.mkv")),
			"length": bencode.Int(12345),
		})
	} else {
		dict = bencode.Dict(map[string]bencode.Value{
			"name": bencode.String([]byte("album")),
			"files": bencode.List(
				bencode.Dict(map[string]bencode.Value{
					"length": bencode.Int(100),
					"path":   bencode.List(bencode.String([]byte("01.flac"))),
				}),
				bencode.Dict(map[string]bencode.Value{
					"length": bencode.Int(200),
					"path":   bencode.List(bencode.String([]byte("02.flac"))),
				}),
			),
		})
	}
	raw := bencode.Encode(dict)
	sum := sha1.Sum(raw)
	var infoHash kademlia.InfoHash
	copy(infoHash[:], sum[:])
	return raw, infoHash
}

// fakePeer drives the peer side of the wire protocol over conn, replying to
// the fetcher's handshake, extended handshake and piece requests.
type fakePeer struct {
	conn          net.Conn
	infoHash      kademlia.InfoHash
	withExtension bool
	metadata      []byte
	rejectPieces  bool
}

func (p *fakePeer) run(t *testing.T) {
	t.Helper()

	hsBuf := make([]byte, HandshakeSize)
	if _, err := readFullHelper(p.conn, hsBuf); err != nil {
		t.Logf("fakePeer: reading handshake: %v", err)
		return
	}

	reserved := [8]byte{}
	if p.withExtension {
		reserved[5] = reservedExtendedBit
	}
	reply := make([]byte, HandshakeSize)
	reply[0] = byte(len(Protocol))
	copy(reply[1:], Protocol)
	copy(reply[1+len(Protocol):], reserved[:])
	copy(reply[1+len(Protocol)+8:], p.infoHash[:])
	copy(reply[1+len(Protocol)+8+20:], bytes.Repeat([]byte{0x42}, 20))
	if _, err := p.conn.Write(reply); err != nil {
		return
	}
	if !p.withExtension {
		return
	}

	br := bufio.NewReader(p.conn)

	msg, err := readWireMessage(br)
	if err != nil || msg.id != extendedMsgID || msg.payload[0] != extHandshakeID {
		return
	}

	ehPayload := bencode.Encode(bencode.Dict(map[string]bencode.Value{
		"m":             bencode.Dict(map[string]bencode.Value{"ut_metadata": bencode.Int(9)}),
		"metadata_size": bencode.Int(int64(len(p.metadata))),
	}))
	if _, err := p.conn.Write(wrapExtended(extHandshakeID, ehPayload)); err != nil {
		return
	}

	for {
		msg, err := readWireMessage(br)
		if err != nil {
			return
		}
		if msg.id != extendedMsgID || len(msg.payload) == 0 {
			continue
		}
		v, err := bencode.Decode(msg.payload[1:])
		if err != nil {
			return
		}
		dict, _ := v.AsDict()
		pieceVal := dict["piece"]
		piece, _ := pieceVal.AsInt()

		if p.rejectPieces {
			rejectPayload := bencode.Encode(bencode.Dict(map[string]bencode.Value{
				"msg_type": bencode.Int(extMsgReject),
				"piece":    bencode.Int(piece),
			}))
			p.conn.Write(wrapExtended(9, rejectPayload))
			return
		}

		start := int(piece) * pieceSize
		end := start + pieceSize
		if end > len(p.metadata) {
			end = len(p.metadata)
		}
		chunk := p.metadata[start:end]

		dataHeader := bencode.Encode(bencode.Dict(map[string]bencode.Value{
			"msg_type": bencode.Int(extMsgData),
			"piece":    bencode.Int(piece),
		}))
		payload := append(append([]byte{}, dataHeader...), chunk...)
		if _, err := p.conn.Write(wrapExtended(9, payload)); err != nil {
			return
		}
		if end == len(p.metadata) {
			return
		}
	}
}

func readFullHelper(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func newFetcher() *Fetcher {
	return NewFetcher(Config{ConnectTimeout: time.Second}, sink.NewMemory(), zerolog.Nop())
}

func TestRunSessionRejectsHandshakeWithoutExtensionBit(t *testing.T) {
	raw, infoHash := sampleInfoDict(t, true)
	clientConn, peerConn := net.Pipe()
	peer := &fakePeer{conn: peerConn, infoHash: infoHash, withExtension: false, metadata: raw}
	go peer.run(t)

	f := newFetcher()
	_, err := f.runSession(clientConn, infoHash)
	if !errors.Is(err, ErrHandshakeMismatch) {
		t.Fatalf("expected ErrHandshakeMismatch, got %v", err)
	}
}

func TestRunSessionRejectsInfoHashMismatchAtHandshake(t *testing.T) {
	raw, infoHash := sampleInfoDict(t, true)
	_ = raw
	wrongHash := kademlia.RandomInfoHash()
	clientConn, peerConn := net.Pipe()
	peer := &fakePeer{conn: peerConn, infoHash: wrongHash, withExtension: true, metadata: raw}
	go peer.run(t)

	f := newFetcher()
	_, err := f.runSession(clientConn, infoHash)
	if !errors.Is(err, ErrInfoHashMismatch) {
		t.Fatalf("expected ErrInfoHashMismatch, got %v", err)
	}
}

func TestRunSessionFetchesAndVerifiesSingleFileMetadata(t *testing.T) {
	raw, infoHash := sampleInfoDict(t, true)
	clientConn, peerConn := net.Pipe()
	peer := &fakePeer{conn: peerConn, infoHash: infoHash, withExtension: true, metadata: raw}
	go peer.run(t)

	f := newFetcher()
	info, err := f.runSession(clientConn, infoHash)
	if err != nil {
		t.Fatalf("runSession: %v", err)
	}
	if info.Name != "movie.mkv" || info.TotalLength != 12345 {
		t.Fatalf("unexpected info: %+v", info)
	}
	if len(info.Files) != 1 || info.Files[0].Path[0] != "movie.mkv" {
		t.Fatalf("expected normalized single-file entry, got %+v", info.Files)
	}
}

func TestRunSessionFetchesMultiFileMetadataAcrossPieces(t *testing.T) {
	// a path component padded past one piece forces the transfer across
	// two ut_metadata pieces
	padding := string(bytes.Repeat([]byte("x"), pieceSize+500))
	dict := bencode.Dict(map[string]bencode.Value{
		"name": bencode.String([]byte("pad")),
		"files": bencode.List(
			bencode.Dict(map[string]bencode.Value{
				"length": bencode.Int(100),
				"path":   bencode.List(bencode.String([]byte(padding))),
			}),
		),
	})
	encoded := bencode.Encode(dict)
	sum := sha1.Sum(encoded)
	var infoHash kademlia.InfoHash
	copy(infoHash[:], sum[:])

	clientConn, peerConn := net.Pipe()
	peer := &fakePeer{conn: peerConn, infoHash: infoHash, withExtension: true, metadata: encoded}
	go peer.run(t)

	f := newFetcher()
	info, err := f.runSession(clientConn, infoHash)
	if err != nil {
		t.Fatalf("runSession: %v", err)
	}
	if info.Name != "pad" {
		t.Fatalf("unexpected name: %q", info.Name)
	}
}

func TestRunSessionDetectsInfoHashMismatchAfterAssembly(t *testing.T) {
	raw, _ := sampleInfoDict(t, true)
	declaredHash := kademlia.RandomInfoHash() // does not match raw's real SHA-1

	clientConn, peerConn := net.Pipe()
	peer := &fakePeer{conn: peerConn, infoHash: declaredHash, withExtension: true, metadata: raw}
	go peer.run(t)

	f := newFetcher()
	_, err := f.runSession(clientConn, declaredHash)
	if !errors.Is(err, ErrInfoHashMismatch) {
		t.Fatalf("expected ErrInfoHashMismatch, got %v", err)
	}
}

func TestRunSessionPropagatesPieceReject(t *testing.T) {
	raw, infoHash := sampleInfoDict(t, false)
	clientConn, peerConn := net.Pipe()
	peer := &fakePeer{conn: peerConn, infoHash: infoHash, withExtension: true, metadata: raw, rejectPieces: true}
	go peer.run(t)

	f := newFetcher()
	_, err := f.runSession(clientConn, infoHash)
	if !errors.Is(err, ErrMetadataRejected) {
		t.Fatalf("expected ErrMetadataRejected, got %v", err)
	}
}

func TestFetchStoresExactlyOnceAndAlwaysReleases(t *testing.T) {
	raw, infoHash := sampleInfoDict(t, true)

	// Fetch dials real TCP addresses, so serve the fake peer on loopback.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		peer := &fakePeer{conn: conn, infoHash: infoHash, withExtension: true, metadata: raw}
		peer.run(t)
	}()

	memSink := sink.NewMemory()
	f := NewFetcher(Config{ConnectTimeout: time.Second}, memSink, zerolog.Nop())

	tcpAddr := ln.Addr().(*net.TCPAddr)
	peers := []krpc.PeerAddr{{IP: tcpAddr.IP, Port: tcpAddr.Port}}
	releases := 0
	f.Fetch(context.Background(), infoHash, peers, func(kademlia.InfoHash) { releases++ })

	if releases != 1 {
		t.Fatalf("expected release to be called exactly once, got %d", releases)
	}
	if memSink.Len() != 1 {
		t.Fatalf("expected exactly one stored record, got %d", memSink.Len())
	}
	exists, err := memSink.Exists(context.Background(), infoHash)
	if err != nil || !exists {
		t.Fatalf("expected record to be stored, exists=%v err=%v", exists, err)
	}
}

func TestParseInfoDictNormalizesSingleFile(t *testing.T) {
	raw, infoHash := sampleInfoDict(t, true)
	info, err := parseInfoDict(infoHash, raw)
	if err != nil {
		t.Fatalf("parseInfoDict: %v", err)
	}
	if len(info.Files) != 1 || info.Files[0].Length != 12345 {
		t.Fatalf("unexpected normalization: %+v", info.Files)
	}
}

func TestParseInfoDictMultiFile(t *testing.T) {
	raw, infoHash := sampleInfoDict(t, false)
	info, err := parseInfoDict(infoHash, raw)
	if err != nil {
		t.Fatalf("parseInfoDict: %v", err)
	}
	if len(info.Files) != 2 || info.TotalLength != 300 {
		t.Fatalf("unexpected multi-file parse: %+v", info)
	}
}

func TestReadWireMessageSkipsKeepAlives(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0}) // keep-alive
	buf.Write([]byte{0, 0, 0, 2, 20, 1})

	msg, err := readWireMessage(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("readWireMessage: %v", err)
	}
	if msg.id != 20 || len(msg.payload) != 1 || msg.payload[0] != 1 {
		t.Fatalf("unexpected message: %+v", msg)
	}
}
