// Package sink defines the TorrentSink capability and its concrete
// document-store adapters.
package sink

import (
	"context"
	"time"

	"github.com/kestrel-dht/crawler/internal/kademlia"
)

// FileEntry describes one file within a torrent.
type FileEntry struct {
	Length int64
	Path   []string
}

// TorrentRecord is the wire shape persisted for a discovered torrent.
type TorrentRecord struct {
	InfoHash     string // 40-char lowercase hex
	Name         string
	Files        []FileEntry
	TotalLength  int64
	DiscoveredAt time.Time
}

// TorrentSink is the external document store the crawler persists to.
// Store must be idempotent: storing the same info-hash twice must not
// produce duplicate records.
type TorrentSink interface {
	Exists(ctx context.Context, infoHash kademlia.InfoHash) (bool, error)
	Store(ctx context.Context, record TorrentRecord) error
}

// NopSink never reports an existing record and discards every Store. Used
// as the engine/fetcher default when no sink is configured.
type NopSink struct{}

func (NopSink) Exists(context.Context, kademlia.InfoHash) (bool, error) { return false, nil }
func (NopSink) Store(context.Context, TorrentRecord) error              { return nil }
