package sink

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kestrel-dht/crawler/internal/kademlia"
)

// Mongo is a TorrentSink backed by a MongoDB collection, the direct Go
// analogue of the original crawler's Motor/PyMongo store: a unique index
// on info_hash plus an idempotent upsert on Store.
type Mongo struct {
	collection *mongo.Collection
}

func NewMongo(collection *mongo.Collection) *Mongo {
	return &Mongo{collection: collection}
}

// EnsureIndexes creates the unique index on info_hash the original
// crawler's create_indexes step relies on, so a concurrent duplicate
// insert fails at the database rather than racing the application-level
// Exists check.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := m.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "info_hash", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("sink: ensure info_hash index: %w", err)
	}
	return nil
}

func (m *Mongo) Exists(ctx context.Context, infoHash kademlia.InfoHash) (bool, error) {
	n, err := m.collection.CountDocuments(ctx, bson.M{"info_hash": infoHash.String()}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("sink: exists(%s): %w", infoHash, err)
	}
	return n > 0, nil
}

func (m *Mongo) Store(ctx context.Context, record TorrentRecord) error {
	files := make([]bson.M, len(record.Files))
	for i, f := range record.Files {
		files[i] = bson.M{"length": f.Length, "path": f.Path}
	}

	filter := bson.M{"info_hash": record.InfoHash}
	update := bson.M{"$setOnInsert": bson.M{
		"info_hash":     record.InfoHash,
		"name":          record.Name,
		"files":         files,
		"total_length":  record.TotalLength,
		"discovered_at": record.DiscoveredAt,
	}}
	_, err := m.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("sink: store(%s): %w", record.InfoHash, err)
	}
	return nil
}
