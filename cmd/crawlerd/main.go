// Command crawlerd runs the Mainline DHT crawler standalone: it joins the
// DHT, harvests get_peers/announce_peer traffic for unseen info-hashes, and
// fetches+stores their metadata through a configurable sink.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/semaphore"

	"github.com/kestrel-dht/crawler/internal/engine"
	"github.com/kestrel-dht/crawler/internal/kademlia"
	"github.com/kestrel-dht/crawler/internal/krpc"
	"github.com/kestrel-dht/crawler/internal/metadata"
	"github.com/kestrel-dht/crawler/internal/sink"
)

func usage() {
	fmt.Printf(`%s [options]

    -listen addr       UDP address to bind the DHT socket to (default ":6881")
    -interval duration  Pacing interval for inbound handling and auto-discovery
                       probes (default "50ms")
    -bootstrap hosts   Comma-separated bootstrap node host:port list
    -sink kind         Torrent sink backend: memory, redis, mongo (default "memory")
    -redis-addr addr   Redis address, used when -sink=redis (default "127.0.0.1:6379")
    -mongo-uri uri     MongoDB connection URI, used when -sink=mongo
    -mongo-db name     MongoDB database name, used when -sink=mongo (default "crawler")
    -mongo-coll name   MongoDB collection name, used when -sink=mongo (default "torrents")
    -fetch-workers n   Max concurrent metadata fetches (default 32)
    -log-level level   zerolog level: debug, info, warn, error (default "info")
`, os.Args[0])
	os.Exit(2)
}

func main() {
	var listenAddr, bootstrapCSV, sinkKind, redisAddr, mongoURI, mongoDB, mongoColl, logLevel string
	var interval time.Duration
	var fetchWorkers int64

	flag.Usage = usage
	flag.StringVar(&listenAddr, "listen", ":6881", "")
	flag.DurationVar(&interval, "interval", 50*time.Millisecond, "")
	flag.StringVar(&bootstrapCSV, "bootstrap", "router.bittorrent.com:6881,dht.transmissionbt.com:6881", "")
	flag.StringVar(&sinkKind, "sink", "memory", "")
	flag.StringVar(&redisAddr, "redis-addr", "127.0.0.1:6379", "")
	flag.StringVar(&mongoURI, "mongo-uri", "", "")
	flag.StringVar(&mongoDB, "mongo-db", "crawler", "")
	flag.StringVar(&mongoColl, "mongo-coll", "torrents", "")
	flag.Int64Var(&fetchWorkers, "fetch-workers", 32, "")
	flag.StringVar(&logLevel, "log-level", "info", "")
	flag.Parse()

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level %q: %v\n", logLevel, err)
		os.Exit(2)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	torrentSink, err := buildSink(ctx, sinkKind, redisAddr, mongoURI, mongoDB, mongoColl, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build torrent sink")
	}

	fetcher := metadata.NewFetcher(metadata.Config{
		ConnectTimeout: 5 * time.Second,
	}, torrentSink, logger)

	localID := kademlia.RandomNodeID()
	logger.Info().Str("node_id", localID.String()).Str("listen", listenAddr).Msg("starting crawler")

	dispatcher := &fetchDispatcher{
		fetcher: fetcher,
		sem:     semaphore.NewWeighted(fetchWorkers),
		logger:  logger,
	}

	eng := engine.New(engine.Config{
		LocalID:        localID,
		ListenAddr:     listenAddr,
		Interval:       interval,
		BootstrapNodes: splitBootstrap(bootstrapCSV),
	}, torrentSink, dispatcher, logger)
	dispatcher.engine = eng

	if err := eng.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start engine")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	reportTicker := time.NewTicker(30 * time.Second)
	defer reportTicker.Stop()

	for {
		select {
		case <-sigCh:
			logger.Info().Msg("shutdown requested")
			eng.Stop()
			return
		case <-reportTicker.C:
			s := eng.Stats()
			logger.Info().
				Int64("nodes_seen", s.NodesSeen).
				Int64("searchers_started", s.SearchersStarted).
				Int64("searchers_converged", s.SearchersConverged).
				Int64("searchers_expired", s.SearchersExpired).
				Msg("stats")
		}
	}
}

func splitBootstrap(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func buildSink(ctx context.Context, kind, redisAddr, mongoURI, mongoDB, mongoColl string, logger zerolog.Logger) (sink.TorrentSink, error) {
	switch kind {
	case "memory":
		return sink.NewMemory(), nil

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", redisAddr, err)
		}
		return sink.NewRedis(client), nil

	case "mongo":
		if mongoURI == "" {
			return nil, fmt.Errorf("-mongo-uri is required when -sink=mongo")
		}
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
		if err != nil {
			return nil, fmt.Errorf("mongo connect: %w", err)
		}
		collection := client.Database(mongoDB).Collection(mongoColl)
		m := sink.NewMongo(collection)
		if err := m.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		logger.Info().Str("db", mongoDB).Str("collection", mongoColl).Msg("connected to mongo sink")
		return m, nil

	default:
		return nil, fmt.Errorf("unknown -sink %q (want memory, redis, or mongo)", kind)
	}
}

// fetchDispatcher implements engine.Observer, bridging searcher completion
// to independent metadata-fetch goroutines bounded by a weighted semaphore,
// matching the "fetchers run as independent goroutines over their own
// PendingFetch" concurrency model.
type fetchDispatcher struct {
	engine.NopObserver
	engine  *engine.Engine
	fetcher *metadata.Fetcher
	sem     *semaphore.Weighted
	logger  zerolog.Logger
}

func (d *fetchDispatcher) PeersValuesReceived(infoHash kademlia.InfoHash, peers []krpc.PeerAddr) {
	if len(peers) == 0 {
		d.engine.Release(infoHash)
		return
	}
	if !d.sem.TryAcquire(1) {
		d.logger.Warn().Str("info_hash", infoHash.String()).Msg("fetch worker pool saturated, dropping")
		d.engine.Release(infoHash)
		return
	}
	go func() {
		defer d.sem.Release(1)
		d.fetcher.Fetch(context.Background(), infoHash, peers, d.engine.Release)
	}()
}
