// Package metadata fetches a torrent's info dict from a peer over the
// BEP-10/BEP-9 extension protocol and persists it through a TorrentSink.
package metadata

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrel-dht/crawler/internal/kademlia"
	"github.com/kestrel-dht/crawler/internal/krpc"
	"github.com/kestrel-dht/crawler/internal/sink"
)

// Config controls one Fetcher instance. Only ConnectTimeout has a
// nonzero default; PerMessageTimeout and PerFetchDeadline are opt-in, as
// the original crawler applies no overall deadline to a metadata fetch.
// PerFetchDeadline bounds each peer attempt, from dial to verified metadata.
type Config struct {
	ConnectTimeout    time.Duration
	PerMessageTimeout time.Duration
	PerFetchDeadline  time.Duration
}

type Fetcher struct {
	cfg    Config
	sink   sink.TorrentSink
	logger zerolog.Logger
}

func NewFetcher(cfg Config, torrentSink sink.TorrentSink, logger zerolog.Logger) *Fetcher {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = time.Second
	}
	if torrentSink == nil {
		torrentSink = sink.NopSink{}
	}
	return &Fetcher{cfg: cfg, sink: torrentSink, logger: logger}
}

// Fetch iterates peers sequentially until one yields a verified torrent
// record, then stores it. release is called exactly once on exit,
// regardless of outcome, to clear the engine's admission entry for
// infoHash.
func (f *Fetcher) Fetch(ctx context.Context, infoHash kademlia.InfoHash, peers []krpc.PeerAddr, release func(kademlia.InfoHash)) {
	defer release(infoHash)

	for _, p := range peers {
		info, ok := f.tryPeer(ctx, infoHash, p)
		if !ok {
			continue
		}
		f.storeIfNeeded(ctx, infoHash, info)
		return
	}
}

func (f *Fetcher) tryPeer(ctx context.Context, infoHash kademlia.InfoHash, p krpc.PeerAddr) (*TorrentInfo, bool) {
	peerCtx := ctx
	if f.cfg.PerFetchDeadline > 0 {
		var cancel context.CancelFunc
		peerCtx, cancel = context.WithTimeout(ctx, f.cfg.PerFetchDeadline)
		defer cancel()
	}

	info, err := f.fetchFromPeer(peerCtx, infoHash, p)
	if err != nil {
		f.logger.Debug().
			Err(err).
			Str("peer", p.String()).
			Str("info_hash", infoHash.String()).
			Msg("metadata fetch failed, trying next peer")
		return nil, false
	}
	return info, true
}

func (f *Fetcher) fetchFromPeer(ctx context.Context, infoHash kademlia.InfoHash, p krpc.PeerAddr) (*TorrentInfo, error) {
	addr := net.JoinHostPort(p.IP.String(), strconv.Itoa(p.Port))
	dialer := net.Dialer{Timeout: f.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchTimeout, err)
	}
	defer conn.Close()
	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopClose()

	return f.runSession(conn, infoHash)
}

func (f *Fetcher) runSession(conn net.Conn, infoHash kademlia.InfoHash) (*TorrentInfo, error) {
	peerID := randomPeerID()
	if _, err := conn.Write(buildHandshake(infoHash, peerID)); err != nil {
		return nil, fmt.Errorf("handshake write: %w", err)
	}

	reply := make([]byte, HandshakeSize)
	if err := f.readFull(conn, reply); err != nil {
		return nil, fmt.Errorf("handshake read: %w", err)
	}
	if err := parseHandshake(reply, infoHash); err != nil {
		return nil, err
	}

	if _, err := conn.Write(buildExtendedHandshake()); err != nil {
		return nil, fmt.Errorf("extended handshake write: %w", err)
	}

	br := bufio.NewReader(conn)

	peerUTMetadataID, metadataSize, err := f.awaitExtendedHandshake(conn, br)
	if err != nil {
		return nil, err
	}

	accumulator, err := f.fetchPieces(conn, br, peerUTMetadataID, metadataSize)
	if err != nil {
		return nil, err
	}

	sum := sha1.Sum(accumulator)
	if !bytes.Equal(sum[:], infoHash[:]) {
		return nil, ErrInfoHashMismatch
	}

	return parseInfoDict(infoHash, accumulator)
}

func (f *Fetcher) awaitExtendedHandshake(conn net.Conn, br *bufio.Reader) (uint8, int, error) {
	for {
		f.setReadDeadline(conn)
		msg, err := readWireMessage(br)
		if err != nil {
			return 0, 0, fmt.Errorf("reading extended handshake: %w", err)
		}
		if msg.id != extendedMsgID || len(msg.payload) == 0 || msg.payload[0] != extHandshakeID {
			continue // ignore unrelated peer-wire traffic
		}
		return parseExtendedHandshake(msg.payload[1:])
	}
}

func (f *Fetcher) fetchPieces(conn net.Conn, br *bufio.Reader, peerUTMetadataID uint8, metadataSize int) ([]byte, error) {
	pieceCount := (metadataSize + pieceSize - 1) / pieceSize
	accumulator := make([]byte, 0, metadataSize)

	for i := 0; i < pieceCount; i++ {
		if _, err := conn.Write(buildPieceRequest(peerUTMetadataID, i)); err != nil {
			return nil, fmt.Errorf("piece request write: %w", err)
		}

		for {
			f.setReadDeadline(conn)
			msg, err := readWireMessage(br)
			if err != nil {
				return nil, fmt.Errorf("reading piece %d: %w", i, err)
			}
			if msg.id != extendedMsgID || len(msg.payload) == 0 {
				continue
			}
			mt, piece, data, err := parsePieceMessage(msg.payload[1:])
			if err != nil {
				return nil, err
			}
			if mt == extMsgReject {
				return nil, fmt.Errorf("%w: piece %d", ErrMetadataRejected, piece)
			}
			if piece != i {
				continue // stale or out-of-order reply, keep waiting
			}
			accumulator = append(accumulator, data...)
			break
		}
	}
	return accumulator, nil
}

func (f *Fetcher) setReadDeadline(conn net.Conn) {
	if f.cfg.PerMessageTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(f.cfg.PerMessageTimeout))
	}
}

func (f *Fetcher) readFull(conn net.Conn, buf []byte) error {
	f.setReadDeadline(conn)
	_, err := io.ReadFull(conn, buf)
	return err
}

func (f *Fetcher) storeIfNeeded(ctx context.Context, infoHash kademlia.InfoHash, info *TorrentInfo) {
	exists, err := f.sink.Exists(ctx, infoHash)
	if err != nil {
		f.logger.Warn().Err(err).Str("info_hash", infoHash.String()).Msg("sink existence probe failed before store")
	}
	if exists {
		return
	}

	record := sink.TorrentRecord{
		InfoHash:     infoHash.String(),
		Name:         info.Name,
		Files:        toSinkFiles(info.Files),
		TotalLength:  info.TotalLength,
		DiscoveredAt: time.Now(),
	}
	if err := f.sink.Store(ctx, record); err != nil {
		f.logger.Warn().Err(err).Str("info_hash", infoHash.String()).Msg("store failed")
		return
	}
	f.logger.Info().
		Str("info_hash", infoHash.String()).
		Str("name", info.Name).
		Int("files", len(info.Files)).
		Msg("stored torrent metadata")
}

func toSinkFiles(files []FileEntry) []sink.FileEntry {
	out := make([]sink.FileEntry, len(files))
	for i, fi := range files {
		out[i] = sink.FileEntry{Length: fi.Length, Path: fi.Path}
	}
	return out
}
