// Package engine implements the single cooperative DHT task: routing
// table maintenance, the KRPC query handler, the auto-discovery loop, the
// per-info-hash searcher manager, and the admission/dedup layer that
// hands discovered peer sets off to a metadata fetcher.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrel-dht/crawler/internal/kademlia"
	"github.com/kestrel-dht/crawler/internal/krpc"
	"github.com/kestrel-dht/crawler/internal/sink"
)

const (
	maxPacketSize = 2048

	// kBucket is the node count returned for find_node/get_peers replies
	// and used as the auto-discovery fan-out target, matching the
	// original crawler's get_closest_nodes default of k=8.
	kBucket = 8

	// kClosest is the wider set a searcher tracks and re-probes against,
	// matching the original crawler's search_peers use of k=16.
	kClosest = 16

	candidateCapacity = 16000
	candidateDrain    = 7
	searcherAttempts  = 8
	searcherDeadline  = 60 * time.Second
)

var ErrAlreadyStarted = errors.New("engine: already started")

// Config controls one Engine instance. Only LocalID and ListenAddr are
// required; the rest have documented zero-value defaults.
type Config struct {
	LocalID    kademlia.NodeID
	ListenAddr string

	// Interval paces both outbound auto-discovery probes and the delay
	// after handling each inbound datagram. Defaults to 50ms.
	Interval time.Duration

	// StableQueryID makes outbound queries carry the stable LocalID
	// instead of a freshly generated random id per query.
	StableQueryID bool

	BootstrapNodes []string
}

type datagram struct {
	data []byte
	addr *net.UDPAddr
}

// Engine owns the routing table, candidate pool, and searcher registry.
// All mutation of that state happens on the single goroutine started by
// Start; Release is the only method safe to call concurrently from other
// goroutines.
type Engine struct {
	cfg      Config
	sink     sink.TorrentSink
	observer Observer
	logger   zerolog.Logger

	transport Transport
	conn      *net.UDPConn

	table      *kademlia.RoutingTable
	candidates *kademlia.CandidatePool

	searchers   map[string]*searcherState
	searcherSeq uint32

	inProgress map[kademlia.InfoHash]struct{}

	stats Stats

	ctx       context.Context
	incoming  chan datagram
	releaseCh chan kademlia.InfoHash
	fatal     chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

type searcherState struct {
	infoHash  kademlia.InfoHash
	nodes     map[kademlia.NodeID]kademlia.Node
	peers     map[string]krpc.PeerAddr
	attempts  int
	startedAt time.Time
}

func New(cfg Config, torrentSink sink.TorrentSink, observer Observer, logger zerolog.Logger) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 50 * time.Millisecond
	}
	if torrentSink == nil {
		torrentSink = sink.NopSink{}
	}
	if observer == nil {
		observer = NopObserver{}
	}

	e := &Engine{
		cfg:        cfg,
		sink:       torrentSink,
		observer:   observer,
		logger:     logger,
		candidates: kademlia.NewCandidatePool(candidateCapacity),
		searchers:  make(map[string]*searcherState),
		inProgress: make(map[kademlia.InfoHash]struct{}),
		ctx:        context.Background(),
		incoming:   make(chan datagram, 256),
		releaseCh:  make(chan kademlia.InfoHash, 64),
		fatal:      make(chan struct{}),
		stop:       make(chan struct{}),
	}
	e.table = kademlia.NewRoutingTable(cfg.LocalID, e.probeNode)
	return e
}

// Start binds the UDP socket, launches the reader and engine goroutines,
// and sends the initial bootstrap find_node queries.
func (e *Engine) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp4", e.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("engine: resolve %s: %w", e.cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("engine: bind %s: %w", e.cfg.ListenAddr, err)
	}
	e.conn = conn
	e.transport = udpTransport{conn: conn}
	e.ctx = ctx

	e.wg.Add(2)
	go e.readLoop()
	go e.run()

	e.bootstrap()
	return nil
}

// Stop signals the engine to end its loop at the next tick and closes the
// socket interval seconds later, matching the graceful-stop shape
// described for the auto-discovery loop.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
}

// Release removes infoHash from the in-progress admission set. The
// metadata fetcher calls this unconditionally on exit, regardless of
// outcome. Safe to call from any goroutine, including the engine's own
// (observer callbacks run there): the removal is handed to the engine loop
// without blocking the caller.
func (e *Engine) Release(infoHash kademlia.InfoHash) {
	go func() {
		select {
		case e.releaseCh <- infoHash:
		case <-e.stop:
		}
	}()
}

func (e *Engine) Stats() StatsSnapshot { return e.stats.Snapshot() }

func (e *Engine) readLoop() {
	defer e.wg.Done()
	buf := make([]byte, maxPacketSize)
	for {
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.stop:
				return
			default:
			}
			e.logger.Error().Err(err).Msg("udp read failed, terminating engine")
			close(e.fatal)
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case e.incoming <- datagram{data: data, addr: addr}:
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case dg := <-e.incoming:
			e.handleDatagram(dg.data, dg.addr)
			time.Sleep(e.cfg.Interval)
		case infoHash := <-e.releaseCh:
			delete(e.inProgress, infoHash)
		case <-ticker.C:
			e.autoDiscoverTick()
		case <-e.fatal:
			return
		case <-e.stop:
			interval := e.cfg.Interval
			conn := e.conn
			time.AfterFunc(interval, func() { conn.Close() })
			return
		}
	}
}

func (e *Engine) queryID() kademlia.NodeID {
	if e.cfg.StableQueryID {
		return e.cfg.LocalID
	}
	return kademlia.RandomNodeID()
}

func (e *Engine) sendRaw(payload []byte, addr *net.UDPAddr) {
	if e.transport == nil {
		return
	}
	if err := e.transport.WriteTo(payload, addr); err != nil {
		e.logger.Debug().Err(err).Stringer("addr", addr).Msg("udp write failed")
	}
}

func (e *Engine) probeNode(n kademlia.Node) {
	e.sendRaw(krpc.EncodeFindNode(krpc.RandomTxID(), e.queryID(), kademlia.RandomNodeID()), n.Addr)
}

func (e *Engine) bootstrap() {
	for _, hostport := range e.cfg.BootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp4", hostport)
		if err != nil {
			e.logger.Warn().Err(err).Str("addr", hostport).Msg("invalid bootstrap address")
			continue
		}
		e.sendRaw(krpc.EncodeFindNode(krpc.RandomTxID(), e.queryID(), e.cfg.LocalID), addr)
	}
}

func (e *Engine) handleDatagram(data []byte, addr *net.UDPAddr) {
	msg, err := krpc.Decode(data)
	if err != nil {
		e.logger.Debug().Err(err).Stringer("addr", addr).Msg("dropping malformed krpc datagram")
		return
	}
	switch {
	case msg.Query != nil:
		e.handleQuery(msg.Query, addr)
	case msg.Reply != nil:
		e.handleReply(msg.Reply, addr)
	case msg.Err != nil:
		// Inbound "e" messages carry no actionable information; drop.
	}
}

func (e *Engine) insertNode(id kademlia.NodeID, addr *net.UDPAddr) {
	if e.table.Insert(kademlia.Node{ID: id, Addr: addr}) {
		e.stats.NodesSeen.Add(1)
	}
}

func (e *Engine) handleQuery(q *krpc.Query, addr *net.UDPAddr) {
	e.insertNode(q.SenderID, addr)

	resp := e.buildQueryResponse(q, addr)
	if resp != nil {
		e.sendRaw(resp, addr)
	}
}

func (e *Engine) buildQueryResponse(q *krpc.Query, addr *net.UDPAddr) (resp []byte) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("query handler panicked building response")
			resp = krpc.EncodeError(q.TxID, 202, "Server Error")
		}
	}()

	switch q.Method {
	case krpc.MethodPing:
		e.observer.PingReceived(q.SenderID, addr)
		return krpc.EncodePingReply(q.TxID, e.cfg.LocalID)

	case krpc.MethodFindNode:
		e.observer.FindNodeReceived(q.SenderID, q.Target, addr)
		closest := e.table.ClosestToNode(q.Target, kBucket)
		return krpc.EncodeFindNodeReply(q.TxID, e.cfg.LocalID, closest)

	case krpc.MethodGetPeers:
		e.observer.GetPeersReceived(q.SenderID, q.InfoHash, addr)
		e.enqueue(q.InfoHash)
		closest := e.table.ClosestToInfoHash(q.InfoHash, kBucket)
		return krpc.EncodeGetPeersReply(q.TxID, e.cfg.LocalID, closest, krpc.NewToken())

	case krpc.MethodAnnouncePeer:
		e.observer.AnnouncePeerReceived(q.SenderID, q.InfoHash, q.Port, addr)
		e.enqueue(q.InfoHash)
		return krpc.EncodeAnnouncePeerReply(q.TxID, e.cfg.LocalID)

	default:
		return krpc.EncodeError(q.TxID, 204, "Method Unknown")
	}
}

func (e *Engine) handleReply(r *krpc.Reply, addr *net.UDPAddr) {
	if _, active := e.searchers[r.TxID]; active {
		e.onSearcherReply(r.TxID, r.Nodes, r.Values)
	} else {
		e.harvestCandidates(r.Nodes)
	}
	e.insertNode(r.SenderID, addr)
}

func (e *Engine) harvestCandidates(nodes []kademlia.Node) {
	if len(nodes) == 0 {
		return
	}
	batch := nodes
	if len(batch) > 8 {
		cp := make([]kademlia.Node, len(nodes))
		copy(cp, nodes)
		rand.Shuffle(len(cp), func(i, j int) { cp[i], cp[j] = cp[j], cp[i] })
		batch = cp[:8]
	}
	e.candidates.Add(batch)
}

// enqueue is the admission/dedup layer: no two concurrent metadata
// fetches ever run for the same info-hash, and none starts for an
// info-hash the sink already has a record for.
func (e *Engine) enqueue(infoHash kademlia.InfoHash) {
	if _, inProgress := e.inProgress[infoHash]; inProgress {
		return
	}
	exists, err := e.sink.Exists(e.ctx, infoHash)
	if err != nil {
		e.logger.Warn().Err(err).Str("info_hash", infoHash.String()).Msg("sink existence probe failed")
	} else if exists {
		return
	}
	e.inProgress[infoHash] = struct{}{}
	e.startSearcher(infoHash)
}

func (e *Engine) autoDiscoverTick() {
	target := kademlia.RandomNodeID()
	closest := e.table.ClosestToNode(target, kBucket)

	union := make(map[kademlia.NodeID]*net.UDPAddr, len(closest))
	for _, n := range closest {
		union[n.ID] = n.Addr
	}
	for _, batch := range e.candidates.Drain(candidateDrain) {
		for _, n := range batch {
			union[n.ID] = n.Addr
		}
	}

	for _, addr := range union {
		e.sendRaw(krpc.EncodeFindNode(krpc.RandomTxID(), e.queryID(), target), addr)
	}

	e.sweepExpiredSearchers()
}

func (e *Engine) sweepExpiredSearchers() {
	now := time.Now()
	for t, st := range e.searchers {
		if now.Sub(st.startedAt) >= searcherDeadline {
			e.finishSearcher(t, st, "deadline")
		}
	}
}
