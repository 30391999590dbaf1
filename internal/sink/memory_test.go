package sink

import (
	"context"
	"testing"
	"time"

	"github.com/kestrel-dht/crawler/internal/kademlia"
)

func TestMemoryStoreAndExists(t *testing.T) {
	m := NewMemory()
	infoHash := kademlia.RandomInfoHash()

	exists, err := m.Exists(context.Background(), infoHash)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exists {
		t.Fatalf("expected record to be absent before Store")
	}

	record := TorrentRecord{
		InfoHash:     infoHash.String(),
		Name:         "ubuntu.iso",
		TotalLength:  12345,
		DiscoveredAt: time.Now(),
	}
	if err := m.Store(context.Background(), record); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	exists, err = m.Exists(context.Background(), infoHash)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !exists {
		t.Fatalf("expected record to exist after Store")
	}

	got, ok := m.Get(infoHash)
	if !ok || got.Name != "ubuntu.iso" {
		t.Fatalf("unexpected stored record: %+v", got)
	}
}

func TestMemoryStoreIsIdempotent(t *testing.T) {
	m := NewMemory()
	infoHash := kademlia.RandomInfoHash()
	record := TorrentRecord{InfoHash: infoHash.String(), Name: "a"}

	for i := 0; i < 3; i++ {
		if err := m.Store(context.Background(), record); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if m.Len() != 1 {
		t.Fatalf("expected exactly one stored record, got %d", m.Len())
	}
}

func TestNopSink(t *testing.T) {
	var s NopSink
	exists, err := s.Exists(context.Background(), kademlia.RandomInfoHash())
	if err != nil || exists {
		t.Fatalf("expected NopSink.Exists to always report false, nil")
	}
	if err := s.Store(context.Background(), TorrentRecord{}); err != nil {
		t.Fatalf("expected NopSink.Store to always succeed")
	}
}
