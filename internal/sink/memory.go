package sink

import (
	"context"
	"sync"

	"github.com/kestrel-dht/crawler/internal/kademlia"
)

// Memory is a mutex-guarded in-memory TorrentSink, used by the fetcher
// tests so they never need a live database, and as crawlerd's default sink.
type Memory struct {
	mu      sync.RWMutex
	records map[string]TorrentRecord
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]TorrentRecord)}
}

func (m *Memory) Exists(_ context.Context, infoHash kademlia.InfoHash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[infoHash.String()]
	return ok, nil
}

func (m *Memory) Store(_ context.Context, record TorrentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.InfoHash] = record
	return nil
}

// Get returns the stored record for infoHash, if any. Test-only helper.
func (m *Memory) Get(infoHash kademlia.InfoHash) (TorrentRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[infoHash.String()]
	return r, ok
}

// Len returns the number of stored records. Test-only helper.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
