package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kestrel-dht/crawler/internal/kademlia"
)

const redisKnownSet = "torrents:known"

// Redis is a TorrentSink backed by a redis hash per info-hash, modernized
// from the pack's go-redis/v7 hash-per-torrent convention to
// github.com/redis/go-redis/v9. A side set of known info-hashes backs fast
// existence checks without a per-key round trip.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func torrentKey(hexInfoHash string) string {
	return fmt.Sprintf("t:%s", hexInfoHash)
}

func (r *Redis) Exists(ctx context.Context, infoHash kademlia.InfoHash) (bool, error) {
	return r.client.SIsMember(ctx, redisKnownSet, infoHash.String()).Result()
}

func (r *Redis) Store(ctx context.Context, record TorrentRecord) error {
	paths := make([]string, len(record.Files))
	for i, f := range record.Files {
		paths[i] = strings.Join(f.Path, "/")
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, torrentKey(record.InfoHash), map[string]interface{}{
		"info_hash":     record.InfoHash,
		"name":          record.Name,
		"total_length":  record.TotalLength,
		"discovered_at": record.DiscoveredAt.Format(time.RFC3339),
		"files":         strings.Join(paths, "\n"),
	})
	pipe.SAdd(ctx, redisKnownSet, record.InfoHash)
	_, err := pipe.Exec(ctx)
	return err
}
